package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/ahmethakanbesel/marketsync/internal/config"
)

// Server serves the API until Shutdown.
type Server struct {
	srv *http.Server
}

// New creates a server for cfg. Every request context derives from baseCtx,
// so cancelling it stops in-flight exports during shutdown.
func New(baseCtx context.Context, cfg config.HTTP, svc Services) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           newMux(svc),
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
			ReadHeaderTimeout: cfg.ReadTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
		},
	}
}

// Start blocks until the listener fails or Shutdown is called, in which case
// it returns http.ErrServerClosed.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	slog.Info("listening", "addr", ln.Addr().String())
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down server")
	return s.srv.Shutdown(ctx)
}
