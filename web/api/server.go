package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/observer"
	"github.com/hochfrequenz/recommendation-implementer/internal/orchestrator"
)

// Store interface for record queries
type Store interface {
	GetRecord(id string) (*domain.Record, error)
	FindByRepo(repoURL string) ([]*domain.Record, error)
	FindByBatch(batchID string) ([]*domain.Record, error)
	ListRecords(limit int) ([]*domain.Record, error)
}

// Runner executes and cancels implementation requests
type Runner interface {
	RunSingle(ctx context.Context, t orchestrator.Target, req domain.Request, opts orchestrator.Options) orchestrator.Outcome
	RunBatch(ctx context.Context, t orchestrator.Target, reqs []domain.Request, opts orchestrator.Options) orchestrator.BatchOutcome
	Cancel(ctx context.Context, recordID string) error
}

// Server is the HTTP API server
type Server struct {
	store    Store
	runner   Runner
	observer *observer.Observer
	defaults orchestrator.Options
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	now      func() time.Time

	addr     string
	mux      *http.ServeMux
	hub      *EventHub
	upgrader websocket.Upgrader

	// runs started from requests outlive the request itself
	runCtx context.Context
}

// Config configures a Server
type Config struct {
	Addr     string
	Defaults orchestrator.Options
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new API server. runner and obs may be nil.
func NewServer(store Store, runner Runner, obs *observer.Observer, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		store:    store,
		runner:   runner,
		observer: obs,
		defaults: cfg.Defaults,
		gatherer: cfg.Gatherer,
		logger:   cfg.Logger,
		now:      time.Now,
		addr:     cfg.Addr,
		mux:      http.NewServeMux(),
		hub:      NewEventHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		runCtx: context.Background(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/records", s.listRecordsHandler())
	s.mux.HandleFunc("GET /api/records/{id}", s.getRecordHandler())
	s.mux.HandleFunc("POST /api/records/{id}/cancel", s.cancelRecordHandler())
	s.mux.HandleFunc("POST /api/requests", s.submitRequestHandler())
	s.mux.HandleFunc("POST /api/batches", s.submitBatchHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx
	go s.hub.Run(ctx)
	if s.observer != nil {
		unsubscribe := s.observer.Subscribe(func(e observer.Event) {
			s.Broadcast(Event{Type: string(e.Type), Data: e})
		})
		defer unsubscribe()
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Broadcast sends an event to all SSE and websocket clients
func (s *Server) Broadcast(event Event) {
	s.hub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]string{"error": message})
}
