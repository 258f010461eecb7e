package mid

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit rejects requests with 429 once the shared token bucket is empty.
// A nil limiter disables limiting.
func RateLimit(l *rate.Limiter) Middleware {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.Reserve()
			if !res.OK() {
				WriteError(w, http.StatusTooManyRequests, "rate limited", "")
				return
			}
			if d := res.Delay(); d > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(d.Round(time.Second)/time.Second)+1))
				WriteError(w, http.StatusTooManyRequests, "rate limited", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewLimiter builds a token bucket of burst tokens refilled at perSecond.
// perSecond <= 0 returns nil, which RateLimit treats as unlimited.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// WriteError writes a JSON error body with the given status.
func WriteError(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: msg, Kind: kind})
}
