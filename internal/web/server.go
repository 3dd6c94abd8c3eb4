package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/cjeanneret/GimbalGo/internal/debug"
)

// Server wraps the HTTP server, handlers and WebSocket hub.
type Server struct {
	addr     string
	handlers *Handlers
	hub      *Hub
}

// NewServer creates a server for addr. statusPeriod paces the WebSocket
// status push.
func NewServer(addr string, d Deps, statusPeriod time.Duration) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}
	h := NewHandlers(d, subFS)
	return &Server{
		addr:     addr,
		handlers: h,
		hub:      NewHub(h.Controller, h.Gyro, statusPeriod),
	}
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	h := s.handlers
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.HandleHealth)
	mux.HandleFunc("GET /api/version", h.HandleVersion)
	mux.HandleFunc("GET /api/status", h.HandleStatus)
	mux.HandleFunc("POST /api/mode", h.HandleMode)
	mux.HandleFunc("POST /api/position", h.HandlePosition)
	mux.HandleFunc("POST /api/auto-target", h.HandleAutoTarget)
	mux.HandleFunc("POST /api/timed-move", h.HandleTimedMove)
	mux.HandleFunc("POST /api/center", h.HandleCenter)
	mux.HandleFunc("POST /api/flat-reference", h.HandleFlatReference)
	mux.HandleFunc("GET /api/config", h.HandleGetConfig)
	mux.HandleFunc("POST /api/config", h.HandleUpdateConfig)
	mux.HandleFunc("GET /api/presets", h.HandleListPresets)
	mux.HandleFunc("POST /api/presets", h.HandleSavePreset)
	mux.HandleFunc("DELETE /api/presets/{name}", h.HandleDeletePreset)
	mux.HandleFunc("POST /api/presets/{name}/execute", h.HandleExecutePreset)
	mux.HandleFunc("POST /api/selftest", h.HandleSelfTest)
	mux.Handle("GET /ws", s.hub)

	mux.HandleFunc("GET /status/stream", h.HandleStatusStream)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	mux.HandleFunc("GET /{$}", h.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and the hub, and blocks until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web: %w", err)
		}
		return nil
	case <-ctx.Done():
		stopHub()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
