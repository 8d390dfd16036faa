// Package api is the HTTP surface: status and health endpoints, the operator
// control plane, the websocket event feed and the Prometheus scrape target.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/contestlabs/indexer/internal/apperr"
	"github.com/contestlabs/indexer/internal/control"
	"github.com/contestlabs/indexer/internal/ingest"
	"github.com/contestlabs/indexer/internal/milestone"
	"github.com/contestlabs/indexer/internal/registry"
	"github.com/contestlabs/indexer/internal/stream"
	"github.com/contestlabs/indexer/internal/telemetry"
)

// Options carries the server wiring. Everything except DB and Control may be
// nil in tests; handlers guard accordingly.
type Options struct {
	DB         *sql.DB
	Registry   *registry.Registry
	Writer     *ingest.Writer
	Health     *ingest.HealthTracker
	Control    *control.Service
	QueueStats telemetry.QueueStats
	Hub        *stream.Hub

	Token         string
	RatePerMinute int
}

type Server struct {
	db         *sql.DB
	registry   *registry.Registry
	writer     *ingest.Writer
	health     *ingest.HealthTracker
	control    *control.Service
	ledger     milestone.Ledger
	queueStats telemetry.QueueStats
	hub        *stream.Hub

	token   string
	limiter *rateLimiter
	logger  *log.Logger

	http *http.Server
}

func NewServer(opts Options) *Server {
	s := &Server{
		db:         opts.DB,
		registry:   opts.Registry,
		writer:     opts.Writer,
		health:     opts.Health,
		control:    opts.Control,
		queueStats: opts.QueueStats,
		hub:        opts.Hub,
		token:      opts.Token,
		limiter:    newRateLimiter(opts.RatePerMinute),
		logger:     log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	return s
}

// Router assembles the route table. Control-plane routes sit behind the rate
// limiter and bearer auth; read-only routes skip auth by method.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimitMiddleware, s.authMiddleware)

	v1.HandleFunc("/indexer/status", s.handleIndexerStatus).Methods(http.MethodGet)
	v1.HandleFunc("/indexer/replays", s.handleScheduleReplay).Methods(http.MethodPost)
	v1.HandleFunc("/indexer/streams/{contestId}/{chainId}/pause",
		s.handleStreamAction("pause")).Methods(http.MethodPost)
	v1.HandleFunc("/indexer/streams/{contestId}/{chainId}/resume",
		s.handleStreamAction("resume")).Methods(http.MethodPost)
	v1.HandleFunc("/indexer/audit", s.handleAuditTrail).Methods(http.MethodGet)

	v1.HandleFunc("/tasks/status", s.handleTasksStatus).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/milestones/actions/retry", s.handleMilestoneRetry).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/milestones/actions/mode", s.handleMilestoneMode).Methods(http.MethodPost)

	if s.hub != nil {
		v1.HandleFunc("/indexer/stream", s.hub.HandleWS).Methods(http.MethodGet)
	}

	return r
}

// Start serves until the listener fails. Call Shutdown to stop.
func (s *Server) Start(port int) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Printf("listening on :%d", port)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func streamVars(r *http.Request) (string, uint64, error) {
	vars := mux.Vars(r)
	contestID := vars["contestId"]
	if contestID == "" {
		return "", 0, apperr.E(apperr.KindInputInvalid, "contestId is required")
	}
	chainID, err := strconv.ParseUint(vars["chainId"], 10, 64)
	if err != nil {
		return "", 0, apperr.Wrap(apperr.KindInputInvalid, err, "chainId")
	}
	return contestID, chainID, nil
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
