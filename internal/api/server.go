// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/timeline-harvester/internal/job"
	"github.com/timeline-harvester/internal/logging"
	"github.com/timeline-harvester/internal/metrics"
	"github.com/timeline-harvester/internal/models"
	"github.com/timeline-harvester/internal/storage"
	"github.com/timeline-harvester/internal/worker"
)

// Service interfaces for dependency injection and testing

// RunService resolves and executes harvest runs
type RunService interface {
	ResolveInput(input *job.RunInput) (*job.RunInput, error)
	Run(ctx context.Context, input *job.RunInput) (*models.RunReport, error)
}

// RunStore reads the run ledger
type RunStore interface {
	Get(ctx context.Context, runID string) (*models.RunReport, error)
	List(ctx context.Context, limit int) ([]*models.RunReport, error)
}

// LockChecker reports whether a run currently holds the run lock
type LockChecker interface {
	Held(ctx context.Context) (bool, error)
}

// SchedulerStatusProvider exposes the daily scheduler state
type SchedulerStatusProvider interface {
	GetStatus() *worker.SchedulerStatus
}

// Dependencies are the services the server routes to. Only Runs is required.
type Dependencies struct {
	Runs       RunService
	Store      RunStore
	Aggregates storage.AggregateReader
	Lock       LockChecker
	Scheduler  SchedulerStatusProvider
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Dependencies
	config     *ServerConfig

	// background runs started by POST /api/runs
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RunRequestsRPS float64 // POST /api/runs per client IP
	RunBurst       int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:    mux.NewRouter(),
		deps:      deps,
		config:    config,
		runCtx:    runCtx,
		cancelRun: cancel,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Run endpoints; triggering is rate limited per client
	limiter := NewRateLimiter(s.config.RunRequestsRPS, s.config.RunBurst)
	api.Handle("/runs", RateLimitMiddleware(limiter)(http.HandlerFunc(s.handleStartRun))).Methods("POST")
	api.HandleFunc("/runs", s.handleListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods("GET")

	api.HandleFunc("/aggregates", s.handleListAggregates).Methods("GET")
	api.HandleFunc("/scheduler", s.handleSchedulerStatus).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "timeline-harvester",
	})
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server, then waits for background runs.
// Runs still going when ctx ends are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn("Cancelling background runs still in flight")
		s.cancelRun()
		<-done
	}
	s.cancelRun()

	return err
}
