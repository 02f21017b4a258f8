package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dropDatabas3/trustroll/internal/observability/logger"
)

// ServerOptions timeouts del servidor.
type ServerOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server envuelve http.Server con arranque y apagado ordenado.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, handler http.Handler, opts ServerOptions) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}}
}

// Start bloquea hasta que el servidor se cierra. Un Shutdown no es error.
func (s *Server) Start() error {
	logger.L().Info("http server listening", logger.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown espera a que terminen los requests en curso o a que venza ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
