// Package server exposes the scan service over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"playcheck/config"
	"playcheck/logger"
	"playcheck/manifest"
	"playcheck/scan"
)

const readHeaderTimeout = 10 * time.Second

type Server struct {
	cfg     *config.Config
	svc     *scan.Service
	reader  *manifest.Reader
	limiter *rate.Limiter
	handler http.Handler
}

type Option func(*Server)

// WithReader replaces the archive reader used for uploads, e.g. to plug in
// a compiled-manifest decoder.
func WithReader(r *manifest.Reader) Option {
	return func(s *Server) {
		if r != nil {
			s.reader = r
		}
	}
}

func New(cfg *config.Config, svc *scan.Service, opts ...Option) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		reader: &manifest.Reader{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.MaxScansPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxScansPerSecond), cfg.MaxScansPerSecond)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /api/scans", s.handleCreateScan)
	mux.HandleFunc("GET /api/scans", s.handleListScans)
	mux.HandleFunc("GET /api/scans/{id}", s.handleGetScan)
	s.handler = withRequestLogging(mux)
	return s
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on cfg.ListenAddr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve handles connections from ln until ctx is cancelled, then drains
// in-flight requests for at most ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
