package infra

import (
	"context"
	"net/http"
	"time"
)

// HTTPServer wraps http.Server to provide graceful startup and shutdown helpers.
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer creates the API server on the configured port.
func NewHTTPServer(cfg *Config, handler http.Handler) *HTTPServer {
	return newServer(":"+cfg.Port, cfg, handler)
}

// NewMetricsServer creates the Prometheus scrape listener. It shares the
// API server's timeouts; only the port differs.
func NewMetricsServer(cfg *Config, handler http.Handler) *HTTPServer {
	return newServer(":"+cfg.MetricsPort, cfg, handler)
}

func newServer(addr string, cfg *Config, handler http.Handler) *HTTPServer {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	return &HTTPServer{server: srv}
}

// Start runs the HTTP server in the current goroutine.
func (s *HTTPServer) Start() error {
	if s.server == nil {
		return nil
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
