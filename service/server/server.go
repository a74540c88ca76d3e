package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/sendtx/service/db"
	"github.com/brojonat/sendtx/service/metrics"
	natspkg "github.com/brojonat/sendtx/service/nats"
	"github.com/brojonat/sendtx/service/solana"
	"github.com/brojonat/sendtx/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SubmissionStore is the part of db.Store the handlers use.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, params db.CreateSubmissionParams) (*db.Submission, error)
	UpdateSubmissionOutcome(ctx context.Context, params db.UpdateSubmissionOutcomeParams) (*db.Submission, error)
	GetSubmission(ctx context.Context, signature string, network string) (*db.Submission, error)
	ListSubmissions(ctx context.Context, params db.ListSubmissionsParams) ([]*db.Submission, error)
	CountSubmissionsByStatus(ctx context.Context, network string) (map[string]int64, error)
}

// Submitter is the part of solana.Sender the handlers use.
type Submitter interface {
	SubmitRaw(ctx context.Context, raw []byte) (*solana.SubmissionResult, error)
	Simulate(ctx context.Context, raw []byte) (*solana.SimulationReport, error)
	GetStatus(ctx context.Context, sig solanago.Signature) (*solana.ConfirmationStatus, error)
	GetTransaction(ctx context.Context, sig solanago.Signature) (*solana.TransactionDetails, error)
}

// Server represents the HTTP server for the submission service.
type Server struct {
	addr      string
	network   string
	store     SubmissionStore
	sender    Submitter
	batches   temporal.BatchRunner
	publisher natspkg.Publisher
	events    natspkg.Subscriber
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The network is the Solana network the sender submits to; it is recorded on
// every submission.
// The batches runner is optional - if nil, batch endpoints won't be available.
// The publisher is optional - if nil, submission outcomes are not published.
// The events subscriber is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(
	addr string,
	network string,
	store SubmissionStore,
	sender Submitter,
	batches temporal.BatchRunner,
	publisher natspkg.Publisher,
	events natspkg.Subscriber,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	return &Server{
		addr:      addr,
		network:   network,
		store:     store,
		sender:    sender,
		batches:   batches,
		publisher: publisher,
		events:    events,
		metrics:   m,
		logger:    logger,
	}
}

// Handler builds the routed handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Submission routes
	route("POST /api/v1/transactions", "/api/v1/transactions", handleSubmitTransaction(s.store, s.sender, s.publisher, s.network, s.logger))
	route("GET /api/v1/transactions/{signature}", "/api/v1/transactions/{signature}", handleGetSubmission(s.store, s.network, s.logger))
	route("GET /api/v1/transactions", "/api/v1/transactions", handleListSubmissions(s.store, s.logger))
	route("GET /api/v1/stats", "/api/v1/stats", handleSubmissionStats(s.store, s.logger))

	// Diagnosis routes
	route("POST /api/v1/simulate", "/api/v1/simulate", handleSimulate(s.sender, s.logger))
	route("GET /api/v1/status/{signature}", "/api/v1/status/{signature}", handleGetStatus(s.sender, s.logger))

	// Batch routes (if a batch runner is configured)
	if s.batches != nil {
		route("POST /api/v1/batches", "/api/v1/batches", handleStartBatch(s.batches, s.network, s.logger))
		route("GET /api/v1/batches/{batch_id}", "/api/v1/batches/{batch_id}", handleGetBatch(s.batches, s.logger))
	} else {
		s.logger.Warn("batch runner not configured, batch endpoints disabled")
	}

	// SSE streaming endpoint (if an event subscriber is configured)
	if s.events != nil {
		route("GET /api/v1/stream/submissions", "/api/v1/stream/submissions", handleStreamSubmissions(s.events, s.metrics, s.logger))
	} else {
		s.logger.Warn("event subscriber not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	// Wrap mux with CORS middleware
	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Submissions block until confirmation and SSE streams stay open, so
		// there is no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr, "network", s.network)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers for all requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Pass through to next handler
		next.ServeHTTP(w, r)
	})
}
