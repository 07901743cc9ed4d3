package transporthttp

import (
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// BodyLimit limits request bodies to maxBytes.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireJSON ensures Content-Type is application/json for POST endpoints.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if r.Method == http.MethodPost && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			WriteProblem(w, r, http.StatusUnsupportedMediaType, "unsupported media type", "expected application/json", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitPerMinute throttles GET requests through every handler it wraps
// with one shared limiter holding limitPerMin tokens. A non-positive limit
// disables it.
func RateLimitPerMinute(limitPerMin int, clock func() time.Time) func(http.Handler) http.Handler {
	if limitPerMin <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := rate.NewLimiter(rate.Limit(float64(limitPerMin)/60.0), limitPerMin)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.AllowN(clock(), 1) {
				w.Header().Set("Retry-After", "3")
				WriteProblem(w, r, http.StatusTooManyRequests, "rate limit exceeded", "try again later", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DrainBody fully reads and closes request bodies (handler helper).
func DrainBody(r *http.Request) {
	if r.Body != nil {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
	}
}
