// Package websocket serves follow-mode tails over WebSocket: one text message
// per line, closed with a close frame when the tail ends.
package websocket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tripwire/logmanager/internal/linestream"
	"github.com/tripwire/logmanager/internal/server/rest"
	"github.com/tripwire/logmanager/internal/session"
)

// maxFrameSize is the maximum WebSocket payload length (in bytes) that the
// server will accept from clients. Clients only ever send close frames.
const maxFrameSize = 64 * 1024 // 64 KiB

// maxCloseReason is the longest close reason that fits in a control frame
// alongside the 2-byte close code (RFC 6455 §5.5).
const maxCloseReason = 123

// Handler is an http.Handler that validates a tail request, upgrades the
// connection, and streams the file's lines as text messages until the client
// disconnects or the session ends.
//
// It must be mounted on a route ending in "*" so that rest.WildcardPath can
// read the file path.
type Handler struct {
	sessions rest.Sessions
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// writeTimeout is how long the handler waits for a write to complete
	// before closing the connection.
	writeTimeout time.Duration
}

// NewHandler creates a Handler that starts follow sessions through sessions.
//
// writeTimeout ≤ 0 defaults to 10 seconds.
func NewHandler(sessions rest.Sessions, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		writeTimeout: writeTimeout,
	}
}

// ServeHTTP validates the request, starts a follow session, upgrades the
// connection, and drives the read and write loops. Validation failures are
// answered with plain HTTP responses before the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path, ok := rest.WildcardPath(r)
	if !ok {
		http.Error(w, "logFilePath must be an absolute path", http.StatusBadRequest)
		return
	}
	lines, err := rest.ParseLines(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	sess, err := h.sessions.Tail(r.Context(), session.Request{FilePath: path, Lines: lines, Follow: true})
	if err != nil {
		rest.WriteSessionError(w, err, path, h.logger)
		return
	}
	defer sess.Cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.logger.Warn("websocket: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	h.logger.Info("websocket: client connected",
		slog.String("session_id", sess.ID),
		slog.String("file", path),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	// The reader goroutine only detects disconnects; the client sends nothing
	// but control frames.
	var clientGone atomic.Bool
	readDone := make(chan struct{})
	conn.SetReadLimit(maxFrameSize)
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				clientGone.Store(true)
				sess.Cancel()
				return
			}
		}
	}()

	err = h.writeLoop(r.Context(), conn, sess)
	if !clientGone.Load() {
		code, reason := closeFor(err)
		msg := websocket.FormatCloseMessage(code, truncate(reason, maxCloseReason))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
	}

	// Unblock the reader if the client never answers the close frame.
	_ = conn.SetReadDeadline(time.Now().Add(h.writeTimeout))
	<-readDone

	h.logger.Info("websocket: client disconnected",
		slog.String("session_id", sess.ID),
		slog.Bool("client_closed", clientGone.Load()),
	)
}

// writeLoop sends every chunk as a text message without its trailing newline
// and returns the stream's terminal error (io.EOF on a normal end).
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) error {
	for {
		chunk, err := sess.Stream.Next(ctx)
		if err != nil {
			return err
		}
		if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
			sess.Cancel()
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(chunk, []byte("\n"))); err != nil {
			h.logger.Warn("websocket: write failed",
				slog.String("session_id", sess.ID),
				slog.Any("error", err),
			)
			sess.Cancel()
			return err
		}
	}
}

// closeFor maps a stream's terminal error to a close code and reason.
func closeFor(err error) (int, string) {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return websocket.CloseNormalClosure, "end of stream"
	case errors.Is(err, linestream.ErrCancelled):
		return websocket.CloseGoingAway, "log dir is no longer managed"
	case errors.Is(err, context.Canceled):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseInternalServerErr, err.Error()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
