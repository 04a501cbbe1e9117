package api

import (
	"net/http"

	"github.com/alphagov/pay-connector-sub011/internal/api/middleware"

	"github.com/go-chi/chi/v5"
	ChiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter serves the admin trigger surface. idem may be nil to run
// without replay protection.
func NewRouter(h *Handlers, idem middleware.Store) http.Handler {
	r := chi.NewRouter()

	r.Use(ChiMiddleware.RequestID)
	r.Use(ChiMiddleware.Logger)
	r.Use(ChiMiddleware.Recoverer)

	r.Get("/health", health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin/backfill", func(r chi.Router) {
		if idem != nil {
			r.Use(middleware.Idempotency(idem))
		}
		r.Post("/charges", h.BackfillCharges)
		r.Post("/dates", h.BackfillDates)
		r.Post("/refunds", h.BackfillRefunds)
		r.Post("/ledger", h.BackfillLedger)
		r.Get("/jobs/{id}", h.GetJob)
	})

	return r
}

// NewOpsRouter serves health, readiness and metrics for the emitter process.
// ready reports whether the instance should keep receiving traffic.
func NewOpsRouter(ready func() bool) http.Handler {
	r := chi.NewRouter()
	r.Use(ChiMiddleware.Recoverer)

	r.Get("/health", health)
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !ready() {
			writeError(w, http.StatusServiceUnavailable, "draining")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
