package journal

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// GenesisHash is the prev_hash of the first line in a file journal.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLineBytes bounds one journal line when scanning.
const maxLineBytes = 10 * 1024 * 1024

var errJournalClosed = errors.New("journal: closed")

// chainedLine is the on-disk form of one entry.
type chainedLine struct {
	Seq      int64           `json:"seq"`
	Entry    json.RawMessage `json:"entry"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

// chainedContent is the part of a line covered by its hash.
type chainedContent struct {
	Seq      int64           `json:"seq"`
	Entry    json.RawMessage `json:"entry"`
	PrevHash string          `json:"prev_hash"`
}

// FileJournal is a tamper-evident journal. Each entry is one JSON line whose
// hash covers its sequence number, the entry, and the previous line's hash.
type FileJournal struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	prevHash string
	seq      int64
}

// OpenFile opens or creates the journal at path. An existing file is read in
// full and its chain verified so that new entries continue it; a broken
// chain is an error.
func OpenFile(path string) (*FileJournal, error) {
	seq, prevHash, err := verifyFile(path, nil)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}
	return &FileJournal{
		path:     path,
		file:     f,
		prevHash: prevHash,
		seq:      seq,
	}, nil
}

// Record appends e. The entry ID is its sequence number in the file.
func (j *FileJournal) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e = stamp(e)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errJournalClosed
	}

	e.ID = j.seq + 1
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}
	content := chainedContent{Seq: e.ID, Entry: raw, PrevHash: j.prevHash}
	hash, err := hashContent(content)
	if err != nil {
		return err
	}

	line, err := json.Marshal(chainedLine{
		Seq:      content.Seq,
		Entry:    content.Entry,
		PrevHash: content.PrevHash,
		Hash:     hash,
	})
	if err != nil {
		return fmt.Errorf("journal: marshal line: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	j.seq = e.ID
	j.prevHash = hash
	return nil
}

// Recent scans the file and returns matching entries, newest first.
func (j *FileJournal) Recent(ctx context.Context, q Query) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := q.limit()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil, errJournalClosed
	}

	// Keep only the newest limit matches while scanning forward.
	var window []Entry
	_, _, err := verifyFile(j.path, func(raw json.RawMessage) error {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("journal: decode entry: %w", err)
		}
		if q.LogDir != "" && e.LogDir != q.LogDir {
			return nil
		}
		window = append(window, e)
		if len(window) > limit {
			window = window[1:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		out = append(out, window[i])
	}
	return out, nil
}

// Close syncs and closes the file. Later calls to Record and Recent fail.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	f := j.file
	j.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("journal: sync: %w", err)
	}
	return f.Close()
}

// VerifyFile checks the hash chain of the journal at path and returns the
// number of entries it holds.
func VerifyFile(path string) (int64, error) {
	seq, _, err := verifyFile(path, nil)
	return seq, err
}

// verifyFile walks the chain at path, calling fn with each entry's raw JSON.
// It returns the last sequence number and hash.
func verifyFile(path string, fn func(json.RawMessage) error) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, GenesisHash, fmt.Errorf("journal: open %q: %w", path, err)
	}
	defer f.Close()
	return verifyChain(f, fn)
}

func verifyChain(r io.Reader, fn func(json.RawMessage) error) (int64, string, error) {
	seq := int64(0)
	prevHash := GenesisHash

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var l chainedLine
		if err := json.Unmarshal(line, &l); err != nil {
			return 0, "", fmt.Errorf("journal: malformed line after seq %d: %w", seq, err)
		}
		if l.Seq != seq+1 {
			return 0, "", fmt.Errorf("journal: sequence gap: want %d, got %d", seq+1, l.Seq)
		}
		if l.PrevHash != prevHash {
			return 0, "", fmt.Errorf("journal: chain break at seq %d", l.Seq)
		}
		computed, err := hashContent(chainedContent{Seq: l.Seq, Entry: l.Entry, PrevHash: l.PrevHash})
		if err != nil {
			return 0, "", err
		}
		if computed != l.Hash {
			return 0, "", fmt.Errorf("journal: hash mismatch at seq %d", l.Seq)
		}
		if fn != nil {
			if err := fn(l.Entry); err != nil {
				return 0, "", err
			}
		}
		seq = l.Seq
		prevHash = l.Hash
	}
	if err := scanner.Err(); err != nil {
		return 0, "", fmt.Errorf("journal: scan: %w", err)
	}
	return seq, prevHash, nil
}

func hashContent(c chainedContent) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("journal: marshal hash content: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
