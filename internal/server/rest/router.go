// Package rest provides the HTTP API of the log manager: watcher registration
// and status as JSON, and tail and head reads streamed as chunked plain text.
//
// # Streaming
//
// A read answers 200 as soon as its session starts and then writes one chunk
// per line, flushing after each. A bounded read is paced by the client: the
// file is read no faster than the response is written. A failure after the
// status line has been sent is reported in the X-Stream-Error trailer.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultBaseURI is the prefix under which the log manager routes are mounted.
const DefaultBaseURI = "/api/process-monitor-logs"

// NewRouter returns a configured chi.Router for the log manager API.
//
// Route layout, relative to the server's base URI:
//
//	POST   /logManager/logDir                       – register a watcher
//	PUT    /logManager/logDir                       – replace a watcher's config
//	GET    /logManager/logDir/{logDir*}             – watcher status
//	DELETE /logManager/logDir/{logDir*}             – stop a watcher
//	GET    /logManager/logDirs                      – managed directories
//	GET    /logManager/ls/{logDir*}                 – directory listing
//	GET    /logManager/tail/{logFilePath*}?n&f      – tail (optionally follow)
//	GET    /logManager/head/{logFilePath*}?n        – head
//	POST   /logManager/deleteInactiveFiles/{logDir*} – purge old files
//	GET    /logManager/journal?logDir&limit         – operations journal
//	GET    /logManager/ws/tail/{logFilePath*}?n     – follow over WebSocket
//
// GET /healthz is served at the root. follow may be nil, in which case the
// WebSocket route is not mounted.
func NewRouter(srv *Server, follow http.Handler) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(srv.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route(srv.baseURI+"/logManager", func(r chi.Router) {
		r.Post("/logDir", srv.handleRegister)
		r.Put("/logDir", srv.handleReplace)
		r.Get("/logDir/*", srv.handleInfo)
		r.Delete("/logDir/*", srv.handleUnregister)
		r.Get("/logDirs", srv.handleListDirs)
		r.Get("/ls/*", srv.handleListFiles)
		r.Get("/tail/*", srv.handleTail)
		r.Get("/head/*", srv.handleHead)
		r.Post("/deleteInactiveFiles/*", srv.handleDeleteInactiveFiles)
		r.Get("/journal", srv.handleJournal)
		if follow != nil {
			r.Method(http.MethodGet, "/ws/tail/*", follow)
		}
	})

	return r
}
