package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/logmanager/internal/config"
	"github.com/tripwire/logmanager/internal/journal"
	"github.com/tripwire/logmanager/internal/registry"
	"github.com/tripwire/logmanager/internal/session"
)

// StreamErrorTrailer is the HTTP trailer that carries a failure that happened
// after a tail or head response had started.
const StreamErrorTrailer = "X-Stream-Error"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	registry Registry
	sessions Sessions
	history  History
	logger   *slog.Logger
	baseURI  string
}

// Option configures a Server.
type Option func(*Server)

// WithBaseURI mounts the API under base instead of DefaultBaseURI.
func WithBaseURI(base string) Option {
	return func(s *Server) {
		if base != "" {
			s.baseURI = strings.TrimSuffix(base, "/")
		}
	}
}

// WithHistory serves the operations journal from h.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// NewServer creates a new Server.
func NewServer(reg Registry, sessions Sessions, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: reg,
		sessions: sessions,
		history:  journal.Nop{},
		logger:   logger,
		baseURI:  DefaultBaseURI,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// handleHealthz responds to GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// watcherRequest is the POST/PUT /logManager/logDir body.
type watcherRequest struct {
	LogDir               string `json:"logDir"`
	LogLevel             string `json:"logLevel,omitempty"`
	MaxNumberActiveFiles *int   `json:"maxNumberActiveFiles,omitempty"`
	RetentionDays        *int   `json:"retentionDays,omitempty"`
}

// decodeWatcherRequest parses and validates the request body. Unknown fields
// are rejected.
func decodeWatcherRequest(w http.ResponseWriter, r *http.Request) (config.WatcherConfig, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	var req watcherRequest
	if err := dec.Decode(&req); err != nil {
		return config.WatcherConfig{}, fmt.Errorf("invalid request payload: %w", err)
	}

	var errs []error
	if len(req.LogDir) < 2 || !strings.HasPrefix(req.LogDir, "/") {
		errs = append(errs, fmt.Errorf("logDir %q must be an absolute path", req.LogDir))
	}
	cfg := config.WatcherConfig{LogDir: req.LogDir, LogLevel: req.LogLevel}
	if req.MaxNumberActiveFiles != nil {
		if *req.MaxNumberActiveFiles < 1 {
			errs = append(errs, errors.New("maxNumberActiveFiles must be at least 1"))
		}
		cfg.MaxActiveFiles = *req.MaxNumberActiveFiles
	}
	if req.RetentionDays != nil {
		if *req.RetentionDays < 1 {
			errs = append(errs, errors.New("retentionDays must be at least 1"))
		}
		cfg.RetentionDays = *req.RetentionDays
	}
	if err := errors.Join(errs...); err != nil {
		return config.WatcherConfig{}, err
	}
	return cfg.Normalize(), nil
}

// handleRegister responds to POST /logManager/logDir.
//
// Returns 201 with a Location header and the new watcher's status when a
// watcher was started, 200 with no body when the directory was already
// managed, and 400 for an invalid payload or a missing directory.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeWatcherRequest(w, r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.registry.Register(r.Context(), cfg)
	if err != nil {
		s.writeRegistryError(w, err, cfg.LogDir)
		return
	}
	if outcome == registry.AlreadyExists {
		w.WriteHeader(http.StatusOK)
		return
	}

	st, err := s.registry.Info(cfg.LogDir)
	if err != nil {
		// Unregistered by a concurrent request.
		s.writeRegistryError(w, err, cfg.LogDir)
		return
	}
	w.Header().Set("Location", s.baseURI+"/logManager/logDir"+cfg.LogDir)
	writeJSON(w, http.StatusCreated, st)
}

// handleReplace responds to PUT /logManager/logDir.
//
// Returns 200 with the new status, 404 when the directory is not managed, and
// 500 when the new watcher could not start (the previous configuration is
// restored).
func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeWatcherRequest(w, r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.registry.Replace(r.Context(), cfg); err != nil {
		s.writeRegistryError(w, err, cfg.LogDir)
		return
	}
	st, err := s.registry.Info(cfg.LogDir)
	if err != nil {
		s.writeRegistryError(w, err, cfg.LogDir)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleInfo responds to GET /logManager/logDir/{logDir*}.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	dir, ok := WildcardPath(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "logDir must be an absolute path")
		return
	}
	st, err := s.registry.Info(dir)
	if err != nil {
		s.writeRegistryError(w, err, dir)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleUnregister responds to DELETE /logManager/logDir/{logDir*} with 204.
func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	dir, ok := WildcardPath(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "logDir must be an absolute path")
		return
	}
	if _, err := s.registry.Unregister(r.Context(), dir); err != nil {
		s.writeRegistryError(w, err, dir)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListDirs responds to GET /logManager/logDirs.
func (s *Server) handleListDirs(w http.ResponseWriter, r *http.Request) {
	paths := s.registry.ListPaths()
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, paths)
}

// handleListFiles responds to GET /logManager/ls/{logDir*}.
//
// A managed directory that cannot be read is a 500, not a 404.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	dir, ok := WildcardPath(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "logDir must be an absolute path")
		return
	}
	wt, found := s.registry.Lookup(dir)
	if !found {
		s.writeRegistryError(w, registry.ErrNotFound, dir)
		return
	}
	entries, err := wt.ListFiles()
	if err != nil {
		s.logger.Error("rest: list files", slog.String("log_dir", dir), slog.Any("error", err))
		writeMessage(w, http.StatusInternalServerError, "failed to list log dir : "+dir)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleTail responds to GET /logManager/tail/{logFilePath*}?n=&f=.
//
// Supported query parameters:
//
//	n – number of lines (positive integer, default 10)
//	f – follow the file (boolean, default false)
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	path, ok := WildcardPath(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "logFilePath must be an absolute path")
		return
	}
	q := r.URL.Query()
	lines, err := ParseLines(q)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	follow := false
	if q.Has("f") {
		follow, err = strconv.ParseBool(q.Get("f"))
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "'f' must be a boolean")
			return
		}
	}

	sess, err := s.sessions.Tail(r.Context(), session.Request{FilePath: path, Lines: lines, Follow: follow})
	if err != nil {
		WriteSessionError(w, err, path, s.logger)
		return
	}
	defer sess.Cancel()
	StreamSession(w, r, sess, s.logger)
}

// handleHead responds to GET /logManager/head/{logFilePath*}?n=.
//
// f is rejected: a head never follows.
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	path, ok := WildcardPath(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "logFilePath must be an absolute path")
		return
	}
	q := r.URL.Query()
	if q.Has("f") {
		writeMessage(w, http.StatusBadRequest, session.ErrFollowNotSupported.Error())
		return
	}
	lines, err := ParseLines(q)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.sessions.Head(r.Context(), session.Request{FilePath: path, Lines: lines})
	if err != nil {
		WriteSessionError(w, err, path, s.logger)
		return
	}
	defer sess.Cancel()
	StreamSession(w, r, sess, s.logger)
}

// handleDeleteInactiveFiles responds to
// POST /logManager/deleteInactiveFiles/{logDir*} with 202 once the purge has
// been scheduled.
func (s *Server) handleDeleteInactiveFiles(w http.ResponseWriter, r *http.Request) {
	dir, ok := WildcardPath(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "logDir must be an absolute path")
		return
	}
	if err := s.registry.DeleteInactiveFiles(dir); err != nil {
		s.writeRegistryError(w, err, dir)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleJournal responds to GET /logManager/journal.
//
// Supported query parameters:
//
//	logDir – restrict to one directory (optional)
//	limit  – maximum number of entries (default 100, max 1000)
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jq := journal.Query{}
	if dir := q.Get("logDir"); dir != "" {
		jq.LogDir = filepath.Clean(dir)
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeMessage(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		jq.Limit = limit
	}

	entries, err := s.history.Recent(r.Context(), jq)
	if err != nil {
		s.logger.Error("rest: query journal", slog.Any("error", err))
		writeMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// writeRegistryError maps registry and watcher errors to responses. NotFound
// is an expected outcome and is logged at debug.
func (s *Server) writeRegistryError(w http.ResponseWriter, err error, dir string) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		s.logger.Debug("log dir not managed", slog.String("log_dir", dir))
		writeMessage(w, http.StatusNotFound, NotManagedMessage(dir))
	case errors.Is(err, config.ErrInvalidWatcherConfig):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, os.ErrNotExist):
		writeMessage(w, http.StatusBadRequest, "log dir does not exist : "+dir)
	case errors.Is(err, registry.ErrClosed):
		writeMessage(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.logger.Error("rest: watcher operation failed", slog.String("log_dir", dir), slog.Any("error", err))
		writeMessage(w, http.StatusInternalServerError, err.Error())
	}
}

// NotManagedMessage is the 404 body message for an unmanaged directory.
func NotManagedMessage(dir string) string {
	return "log dir is not managed : " + dir
}

// WildcardPath returns the absolute path captured by a trailing chi "*"
// route parameter. It reports false when the parameter is empty.
func WildcardPath(r *http.Request) (string, bool) {
	p := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", false
	}
	return filepath.Clean("/" + p), true
}

// ParseLines reads the "n" query parameter. An absent n yields 0, which the
// session controller replaces with its default; a present n must be a
// positive integer.
func ParseLines(q url.Values) (int, error) {
	if !q.Has("n") {
		return 0, nil
	}
	n, err := strconv.Atoi(q.Get("n"))
	if err != nil || n < 1 {
		return 0, errors.New("'n' must be a positive integer")
	}
	return n, nil
}

// WriteSessionError maps session start errors to responses. The two
// not-found conditions carry distinct messages.
func WriteSessionError(w http.ResponseWriter, err error, path string, logger *slog.Logger) {
	switch {
	case errors.Is(err, session.ErrDirectoryNotManaged):
		logger.Debug("log dir not managed", slog.String("file", path))
		writeMessage(w, http.StatusNotFound, NotManagedMessage(filepath.Dir(path)))
	case errors.Is(err, session.ErrFileNotFound):
		logger.Debug("log file not found", slog.String("file", path))
		writeMessage(w, http.StatusNotFound, "log file not found : "+path)
	case errors.Is(err, session.ErrInvalidLineCount), errors.Is(err, session.ErrFollowNotSupported):
		writeMessage(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("rest: start read", slog.String("file", path), slog.Any("error", err))
		writeMessage(w, http.StatusInternalServerError, "failed to read log file : "+path)
	}
}

// StreamSession writes the session's stream as a chunked text/plain body,
// flushing after every chunk. Headers are committed before the first chunk,
// so a failure after that point is reported in the StreamErrorTrailer
// trailer. A client disconnect ends the copy without a trailer.
func StreamSession(w http.ResponseWriter, r *http.Request, sess *session.Session, logger *slog.Logger) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Trailer", StreamErrorTrailer)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	flush := func() error {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}
	_ = flush()

	n, err := sess.Stream.Copy(r.Context(), w, flush)
	if err == nil || r.Context().Err() != nil {
		return
	}
	w.Header().Set(StreamErrorTrailer, err.Error())
	logger.Debug("stream ended with error",
		slog.String("session_id", sess.ID),
		slog.String("file", sess.FilePath),
		slog.Int64("bytes", n),
		slog.Any("error", err),
	)
}
