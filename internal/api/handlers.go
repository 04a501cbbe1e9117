package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/backfill"
	"github.com/alphagov/pay-connector-sub011/internal/historical"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type HistoricalEmitter interface {
	EmitByIDRange(ctx context.Context, req historical.IDRangeRequest) (historical.Summary, error)
	EmitByDateRange(ctx context.Context, req historical.DateRangeRequest) (historical.Summary, error)
	EmitRefundsByIDRange(ctx context.Context, req historical.IDRangeRequest) (historical.Summary, error)
}

type LedgerBackfiller interface {
	Run(ctx context.Context, startID int64) (backfill.Summary, error)
}

// Locker keeps two jobs off the same range.
type Locker interface {
	TryLock(ctx context.Context, name string) (unlock func(context.Context) error, ok bool, err error)
}

type Handlers struct {
	historical HistoricalEmitter
	ledger     LedgerBackfiller
	locker     Locker
	jobs       *Jobs
	logger     *slog.Logger
}

// NewHandlers wires the admin endpoints. locker may be nil.
func NewHandlers(h HistoricalEmitter, l LedgerBackfiller, locker Locker, jobs *Jobs, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		historical: h,
		ledger:     l,
		locker:     locker,
		jobs:       jobs,
		logger:     logger,
	}
}

type idRangeBody struct {
	StartID                            int64 `json:"start_id" validate:"gte=0"`
	MaxID                              int64 `json:"max_id" validate:"gte=0"`
	DoNotRetryEmitUntilDurationSeconds int64 `json:"do_not_retry_emit_until_duration_seconds" validate:"gte=0"`
	Force                              bool  `json:"force"`
}

type dateRangeBody struct {
	StartDate                          time.Time `json:"start_date" validate:"required"`
	EndDate                            time.Time `json:"end_date" validate:"required"`
	DoNotRetryEmitUntilDurationSeconds int64     `json:"do_not_retry_emit_until_duration_seconds" validate:"gte=0"`
	Force                              bool      `json:"force"`
}

type ledgerBody struct {
	StartID int64 `json:"start_id" validate:"gte=0"`
}

func (b idRangeBody) request() historical.IDRangeRequest {
	return historical.IDRangeRequest{
		StartID:       b.StartID,
		MaxID:         b.MaxID,
		DoNotRetryFor: time.Duration(b.DoNotRetryEmitUntilDurationSeconds) * time.Second,
		Force:         b.Force,
	}
}

func (h *Handlers) BackfillCharges(w http.ResponseWriter, r *http.Request) {
	var body idRangeBody
	if !decode(w, r, &body) {
		return
	}
	req := body.request()
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lock := fmt.Sprintf("%s:%d-%d", historical.ModeCharges, req.StartID, req.MaxID)
	h.start(w, r, historical.ModeCharges, lock, func(ctx context.Context) (any, error) {
		return h.historical.EmitByIDRange(ctx, req)
	})
}

func (h *Handlers) BackfillDates(w http.ResponseWriter, r *http.Request) {
	var body dateRangeBody
	if !decode(w, r, &body) {
		return
	}
	req := historical.DateRangeRequest{
		Start:         body.StartDate,
		End:           body.EndDate,
		DoNotRetryFor: time.Duration(body.DoNotRetryEmitUntilDurationSeconds) * time.Second,
		Force:         body.Force,
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lock := fmt.Sprintf("%s:%s-%s", historical.ModeDates, req.Start.UTC().Format(time.RFC3339), req.End.UTC().Format(time.RFC3339))
	h.start(w, r, historical.ModeDates, lock, func(ctx context.Context) (any, error) {
		return h.historical.EmitByDateRange(ctx, req)
	})
}

func (h *Handlers) BackfillRefunds(w http.ResponseWriter, r *http.Request) {
	var body idRangeBody
	if !decode(w, r, &body) {
		return
	}
	req := body.request()
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lock := fmt.Sprintf("%s:%d-%d", historical.ModeRefunds, req.StartID, req.MaxID)
	h.start(w, r, historical.ModeRefunds, lock, func(ctx context.Context) (any, error) {
		return h.historical.EmitRefundsByIDRange(ctx, req)
	})
}

// BackfillLedger shares its lock with the scheduled run.
func (h *Handlers) BackfillLedger(w http.ResponseWriter, r *http.Request) {
	var body ledgerBody
	if !decode(w, r, &body) {
		return
	}
	h.start(w, r, "ledger", "ledger", func(ctx context.Context) (any, error) {
		return h.ledger.Run(ctx, body.StartID)
	})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := h.jobs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handlers) start(w http.ResponseWriter, r *http.Request, kind, lockName string, fn func(ctx context.Context) (any, error)) {
	var release func(context.Context) error
	if h.locker != nil {
		unlock, ok, err := h.locker.TryLock(r.Context(), lockName)
		if err != nil {
			h.logger.Error("failed to take backfill lock", "lock", lockName, "error", err)
			writeError(w, http.StatusServiceUnavailable, "lock unavailable")
			return
		}
		if !ok {
			writeError(w, http.StatusConflict, "a backfill for this range is already running")
			return
		}
		release = unlock
	}

	job := h.jobs.Start(kind, release, fn)
	writeJSON(w, http.StatusAccepted, job)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
