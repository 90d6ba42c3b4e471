package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"shopfloor/internal/analytics"
	"shopfloor/internal/cache"
	"shopfloor/internal/types"
)

const healthTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.deps.DB.Ping(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "dependency", "database", "error", err)
			JSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
		status["database"] = "ok"
	}
	JSON(w, r, http.StatusOK, status)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, job)
}

type createExportRequest struct {
	Type   string          `json:"type" validate:"required"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req createExportRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := validateStruct(s.validate, req); err != nil {
		Error(w, r, err)
		return
	}

	job, err := s.deps.Exports.Submit(r.Context(), req.Type, req.Params)
	if err != nil {
		Error(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/exports/"+job.ID)
	JSON(w, r, http.StatusAccepted, job)
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Exports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, job)
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	summary, meta, err := s.deps.Analytics.Get(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	writeCached(w, r, meta, summary)
}

func (s *Server) handleKPISnapshots(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		Error(w, r, err)
		return
	}
	snaps, err := s.deps.Analytics.Snapshots(r.Context(), from, to)
	if err != nil {
		Error(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []types.KPIDailySnapshot{}
	}
	JSON(w, r, http.StatusOK, map[string]any{"data": snaps})
}

type backfillRequest struct {
	From string `json:"from" validate:"required,datetime=2006-01-02"`
	To   string `json:"to" validate:"required,datetime=2006-01-02"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := validateStruct(s.validate, req); err != nil {
		Error(w, r, err)
		return
	}
	from, to, err := parseRange(req.From, req.To)
	if err != nil {
		Error(w, r, err)
		return
	}

	days, err := s.deps.Backfill.Backfill(r.Context(), from, to)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, map[string]any{"from": req.From, "to": req.To, "days": days})
}

type recordTransactionRequest struct {
	MaterialID int64   `json:"materialId" validate:"required,gt=0"`
	Direction  string  `json:"direction" validate:"required,oneof=in out"`
	Quantity   float64 `json:"quantity" validate:"gt=0"`
	Reference  string  `json:"reference,omitempty" validate:"max=200"`
}

func (s *Server) handleRecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req recordTransactionRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := validateStruct(s.validate, req); err != nil {
		Error(w, r, err)
		return
	}

	err := s.deps.Inventory.RecordTransaction(r.Context(), types.InventoryTransactionPayload{
		MaterialID: req.MaterialID,
		Direction:  req.Direction,
		Quantity:   req.Quantity,
		Reference:  req.Reference,
	})
	if err != nil {
		Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLowStock(w http.ResponseWriter, r *http.Request) {
	rows, meta, err := s.deps.Inventory.LowStock(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	if rows == nil {
		rows = []types.Material{}
	}
	writeCached(w, r, meta, rows)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, meta, err := s.deps.Inventory.Categories(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	if cats == nil {
		cats = []string{}
	}
	writeCached(w, r, meta, cats)
}

// writeCached sets ETag and X-Cache from meta and answers a matching
// If-None-Match with 304.
func writeCached(w http.ResponseWriter, r *http.Request, meta cache.Meta, body any) {
	etag := `"` + meta.ETag + `"`
	w.Header().Set("ETag", etag)
	if meta.Hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	if !meta.ExpiresAt.IsZero() {
		if maxAge := int(time.Until(meta.ExpiresAt).Seconds()); maxAge > 0 {
			w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(maxAge))
		}
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	JSON(w, r, http.StatusOK, body)
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, types.NewAppError(types.ErrCodeValidationMissingField, "from and to are required (YYYY-MM-DD)", nil)
	}
	from, err := analytics.ParseDay(fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := analytics.ParseDay(toStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, types.NewAppError(types.ErrCodeValidationDateRange, "to must not be before from", nil)
	}
	return from, to, nil
}
