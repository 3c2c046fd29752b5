package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileStats is the stat subset reported by a directory listing.
type FileStats struct {
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
	IsDir   bool      `json:"isDir"`
}

// FileEntry is one directory listing row.
type FileEntry struct {
	FileName string    `json:"fileName"`
	Stats    FileStats `json:"stats"`
}

// ListFiles returns the entries of the watched directory sorted by name. A
// missing or unreadable directory is an error.
func (w *Watcher) ListFiles() ([]FileEntry, error) {
	entries, err := os.ReadDir(w.cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("watcher: list %q: %w", w.cfg.LogDir, err)
	}

	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, FileEntry{
			FileName: e.Name(),
			Stats: FileStats{
				Size:    fi.Size(),
				Mode:    fi.Mode().String(),
				ModTime: fi.ModTime().UTC(),
				IsDir:   fi.IsDir(),
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out, nil
}

// PurgeResult reports the outcome of DeleteInactiveFiles.
type PurgeResult struct {
	Deleted []string
	Kept    int
	Errors  []error
}

// DeleteInactiveFiles removes regular files that are not being tailed and
// that are either older than RetentionDays or beyond the MaxActiveFiles most
// recently modified files. Limits that are zero are not applied. Files with
// an attached session are never removed but do count as active.
func (w *Watcher) DeleteInactiveFiles(ctx context.Context) (PurgeResult, error) {
	var res PurgeResult

	entries, err := os.ReadDir(w.cfg.LogDir)
	if err != nil {
		return res, fmt.Errorf("watcher: purge %q: %w", w.cfg.LogDir, err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	files := make([]candidate, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{path: filepath.Join(w.cfg.LogDir, e.Name()), modTime: fi.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	tailed := w.tailedFiles()
	now := w.now()
	retention := time.Duration(w.cfg.RetentionDays) * 24 * time.Hour

	for rank, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, ok := tailed[f.path]; ok {
			res.Kept++
			continue
		}
		expired := w.cfg.RetentionDays > 0 && now.Sub(f.modTime) > retention
		excess := w.cfg.MaxActiveFiles > 0 && rank >= w.cfg.MaxActiveFiles
		if !expired && !excess {
			res.Kept++
			continue
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Deleted = append(res.Deleted, filepath.Base(f.path))
	}

	w.logger.Info("inactive files purged",
		slog.Int("deleted", len(res.Deleted)),
		slog.Int("kept", res.Kept),
		slog.Int("errors", len(res.Errors)),
	)
	return res, nil
}
