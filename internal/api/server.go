// Package api exposes ingestion, dashboard queries and alert management
// over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	defaults "github.com/xtxerr/bandwatch/config"
	"github.com/xtxerr/bandwatch/internal/alertstore"
	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/scheduler"
	"github.com/xtxerr/bandwatch/internal/storage/enrich"
	"github.com/xtxerr/bandwatch/internal/storage/query"
	"github.com/xtxerr/bandwatch/internal/storage/samplestore"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Ingester stores sample batches.
type Ingester interface {
	Ingest(ctx context.Context, batch []types.Sample) samplestore.IngestResult
}

// Querier answers dashboard queries.
type Querier interface {
	Samples(ctx context.Context, q query.SampleQuery) ([]types.Sample, error)
	Rollups(ctx context.Context, q query.RollupQuery) ([]types.HourlyRollup, error)
	Latest(ctx context.Context, dim types.Dimension, deviceID, key, subKey string) (types.Sample, error)
	TopN(ctx context.Context, q query.TopNQuery) ([]query.TopNEntry, error)
}

// AlertActions moves history rows through their lifecycle.
type AlertActions interface {
	Acknowledge(ctx context.Context, id uint, by string) (*alertstore.AlertHistory, error)
	Resolve(ctx context.Context, id uint, reason string) (*alertstore.AlertHistory, error)
}

// TaskRunner lists background tasks and runs them on demand.
type TaskRunner interface {
	Tasks() []scheduler.TaskStatus
	Trigger(name string) bool
}

// Deps are the collaborators of the server.
type Deps struct {
	Ingester Ingester
	Query    Querier
	Rules    *alertstore.Store
	Alerts   AlertActions
	Enricher *enrich.Enricher

	// Tasks is optional. Without it the task routes are not registered.
	Tasks TaskRunner

	// MaxBodyBytes limits request bodies.
	MaxBodyBytes int64

	Version string
	Now     func() time.Time
	Logger  *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	started time.Time
}

// New creates a server.
func New(deps Deps) *Server {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaults.DefaultMaxBodyBytes
	}
	if deps.Enricher == nil {
		deps.Enricher = enrich.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.Component("api")
	}
	return &Server{deps: deps, logger: deps.Logger, started: deps.Now()}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.logRequests, s.limitBody)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	// Samples
	api.HandleFunc("/ingest/{dimension}", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/samples", s.handleSamples).Methods(http.MethodGet)
	api.HandleFunc("/samples/latest", s.handleLatest).Methods(http.MethodGet)
	api.HandleFunc("/rollups", s.handleRollups).Methods(http.MethodGet)
	api.HandleFunc("/topn", s.handleTopN).Methods(http.MethodGet)

	// Alert rules
	api.HandleFunc("/alerts/configs", s.handleListConfigs).Methods(http.MethodGet)
	api.HandleFunc("/alerts/configs", s.handleCreateConfig).Methods(http.MethodPost)
	api.HandleFunc("/alerts/configs/{id:[0-9]+}", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/alerts/configs/{id:[0-9]+}", s.handleUpdateConfig).Methods(http.MethodPut)
	api.HandleFunc("/alerts/configs/{id:[0-9]+}", s.handleDeleteConfig).Methods(http.MethodDelete)
	api.HandleFunc("/alerts/configs/{id:[0-9]+}/enable", s.handleSetEnabled(true)).Methods(http.MethodPost)
	api.HandleFunc("/alerts/configs/{id:[0-9]+}/disable", s.handleSetEnabled(false)).Methods(http.MethodPost)

	// Maintenance windows
	api.HandleFunc("/alerts/maintenance", s.handleListMaintenance).Methods(http.MethodGet)
	api.HandleFunc("/alerts/maintenance", s.handleCreateMaintenance).Methods(http.MethodPost)
	api.HandleFunc("/alerts/maintenance/{id:[0-9]+}", s.handleGetMaintenance).Methods(http.MethodGet)
	api.HandleFunc("/alerts/maintenance/{id:[0-9]+}", s.handleUpdateMaintenance).Methods(http.MethodPut)
	api.HandleFunc("/alerts/maintenance/{id:[0-9]+}", s.handleDeleteMaintenance).Methods(http.MethodDelete)

	// Notification channels
	api.HandleFunc("/alerts/channels", s.handleListChannels).Methods(http.MethodGet)
	api.HandleFunc("/alerts/channels", s.handleCreateChannel).Methods(http.MethodPost)
	api.HandleFunc("/alerts/channels/{id:[0-9]+}", s.handleGetChannel).Methods(http.MethodGet)
	api.HandleFunc("/alerts/channels/{id:[0-9]+}", s.handleUpdateChannel).Methods(http.MethodPut)
	api.HandleFunc("/alerts/channels/{id:[0-9]+}", s.handleDeleteChannel).Methods(http.MethodDelete)

	// History
	api.HandleFunc("/alerts/history", s.handleListHistory).Methods(http.MethodGet)
	api.HandleFunc("/alerts/history/{id:[0-9]+}", s.handleGetHistory).Methods(http.MethodGet)
	api.HandleFunc("/alerts/history/{id:[0-9]+}/ack", s.handleAcknowledge).Methods(http.MethodPost)
	api.HandleFunc("/alerts/history/{id:[0-9]+}/resolve", s.handleResolve).Methods(http.MethodPost)

	// Background tasks
	if s.deps.Tasks != nil {
		api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
		api.HandleFunc("/tasks/{name}/run", s.handleRunTask).Methods(http.MethodPost)
	}

	return router
}

// =============================================================================
// Middleware
// =============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health
// =============================================================================

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: s.deps.Version,
		Uptime:  s.deps.Now().Sub(s.started).Round(time.Second).String(),
	}
	status := http.StatusOK

	if s.deps.Rules != nil {
		if err := s.deps.Rules.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	respondJSON(w, status, resp)
}
