package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	processingMarker = "PROCESSING"
	inFlightTTL      = 10 * time.Second
	completedTTL     = 24 * time.Hour
)

// Store is the subset of the redis client the middleware needs.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type storedResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key on
// state-changing requests, so a retried trigger does not start a second job.
// Requests without the header pass straight through.
func Idempotency(store Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			idemKey := "idempotency:" + r.URL.Path + ":" + key
			ctx := r.Context()

			val, err := store.Get(ctx, idemKey).Result()
			switch {
			case err == nil:
				replay(w, val)
				return
			case !errors.Is(err, redis.Nil):
				slog.Warn("idempotency store unavailable, serving without it", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			acquired, err := store.SetNX(ctx, idemKey, processingMarker, inFlightTTL).Result()
			if err != nil || !acquired {
				writeConflict(w, "concurrent request")
				return
			}

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			bg := context.WithoutCancel(ctx)
			if rec.status >= http.StatusInternalServerError {
				store.Del(bg, idemKey)
				return
			}
			encoded, err := json.Marshal(storedResponse{Status: rec.status, Body: rec.body.String()})
			if err != nil {
				store.Del(bg, idemKey)
				return
			}
			store.Set(bg, idemKey, encoded, completedTTL)
		})
	}
}

func replay(w http.ResponseWriter, val string) {
	if val == processingMarker {
		writeConflict(w, "request in progress")
		return
	}
	var stored storedResponse
	if err := json.Unmarshal([]byte(val), &stored); err != nil || stored.Status == 0 {
		writeConflict(w, "request already processed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotency-Hit", "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write([]byte(stored.Body))
}

func writeConflict(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
