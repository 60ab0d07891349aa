package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"fognode/internal/pipeline"
)

// Source provides the pipeline snapshot the endpoint serves.
type Source interface {
	Health() pipeline.Health
}

// Server exposes liveness and status over HTTP for the external process
// supervisor: GET /healthz answers 200 while the pipeline is live and 503
// once it has failed or stopped; GET /statusz returns the full snapshot.
type Server struct {
	src Source
	log *slog.Logger
	srv *http.Server
}

func NewServer(addr string, src Source, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{src: src, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /statusz", s.handleStatusz)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in the background. Errors other than graceful shutdown are
// reported through the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h := s.src.Health()
	code := http.StatusOK
	if h.State == "failed" || h.State == "stopped" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"state": h.State})
}

func (s *Server) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.src.Health()); err != nil {
		s.log.Warn("encode status", "error", err)
	}
}
