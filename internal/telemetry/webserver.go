package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rjboer/usemu/internal/logging"
)

// WebServer exposes telemetry and device control over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds an HTTP server serving the history, live and control endpoints.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebServer{
		hub:    hub,
		logger: logger.With(logging.Field{Key: "subsystem", Value: "web"}),
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(hub),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// NewHandler routes the hub endpoints.
func NewHandler(hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/stats", hub.handleStats)
	mux.HandleFunc("/api/spectrum", hub.handleSpectrum)
	mux.HandleFunc("/api/state", hub.handleState)
	mux.HandleFunc("/api/trigger", hub.handleTrigger)
	mux.HandleFunc("/api/parameters", hub.handleParameters)
	mux.HandleFunc("/api/config", hub.handleGetConfig)
	mux.HandleFunc("/api/config/update", hub.handleSetConfig)
	return mux
}

// Serve accepts connections on ln and shuts down when the context is canceled.
func (w *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web server shutdown", logging.Err(err))
		}
	}()

	w.logger.Info("web server listening", logging.Field{Key: "addr", Value: ln.Addr().String()})
	if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
