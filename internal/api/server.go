package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/weathercollector/internal/ingest"
	"github.com/lox/weathercollector/internal/store"
)

// StatusSource is satisfied by *ingest.Scheduler.
type StatusSource interface {
	Status() ingest.Status
}

// Journal is the read side of the run journal. *store.Store satisfies it.
type Journal interface {
	GetRecentFailures(limit int) ([]store.Run, error)
	GetRunHealth(days int) ([]store.RunHealthSummary, error)
}

// Server exposes process health and prometheus metrics. It only reads the
// scheduler snapshot and the journal.
type Server struct {
	status  StatusSource
	journal Journal
	addr    string
	logger  *slog.Logger
}

// NewServer returns a status server listening on addr. journal may be nil.
func NewServer(status StatusSource, journal Journal, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		status:  status,
		journal: journal,
		addr:    addr,
		logger:  logger.With("component", "api"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("status server listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
