// Package api is the ops HTTP surface: health, metrics, job and export
// status, analytics reads and manual backfill.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shopfloor/internal/cache"
	"shopfloor/internal/types"
)

// JobReader looks up queued jobs.
type JobReader interface {
	Get(ctx context.Context, id string) (*types.JobRecord, error)
}

// ExportService submits and reads exports.
type ExportService interface {
	Submit(ctx context.Context, exportType string, params json.RawMessage) (*types.ExportJob, error)
	Get(ctx context.Context, id string) (*types.ExportJob, error)
}

// AnalyticsReader serves the cached summary and raw snapshots.
type AnalyticsReader interface {
	Get(ctx context.Context) (types.AnalyticsSummary, cache.Meta, error)
	Snapshots(ctx context.Context, from, to time.Time) ([]types.KPIDailySnapshot, error)
}

// Backfiller re-aggregates a date range.
type Backfiller interface {
	Backfill(ctx context.Context, from, to time.Time) (int, error)
}

// Inventory records transactions and serves the cached material views.
type Inventory interface {
	RecordTransaction(ctx context.Context, tx types.InventoryTransactionPayload) error
	LowStock(ctx context.Context) ([]types.Material, cache.Meta, error)
	Categories(ctx context.Context) ([]string, cache.Meta, error)
}

// Pinger reports dependency health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the routes call.
type Deps struct {
	Jobs      JobReader
	Exports   ExportService
	Analytics AnalyticsReader
	Backfill  Backfiller
	Inventory Inventory
	DB        Pinger
	Gatherer  prometheus.Gatherer
}

// Server owns the router.
type Server struct {
	deps     Deps
	router   chi.Router
	validate *validator.Validate
	logger   *slog.Logger
}

// NewServer builds the router with every route mounted.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		deps:     deps,
		router:   chi.NewRouter(),
		validate: validator.New(),
		logger:   logger,
	}
	s.mountRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.logger))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Post("/exports", s.handleCreateExport)
		r.Get("/exports/{id}", s.handleGetExport)

		r.Get("/analytics/summary", s.handleAnalyticsSummary)
		r.Get("/analytics/kpi", s.handleKPISnapshots)
		r.Post("/admin/kpi/backfill", s.handleBackfill)

		r.Post("/inventory/transactions", s.handleRecordTransaction)
		r.Get("/materials/low-stock", s.handleLowStock)
		r.Get("/materials/categories", s.handleCategories)
	})
}
