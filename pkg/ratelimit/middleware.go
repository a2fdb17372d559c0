package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/circles/pkg/contextkeys"
	"github.com/platinummonkey/circles/pkg/httputil"
	"github.com/platinummonkey/circles/pkg/observability"
)

// KeyFunc derives the limiter key of a request. An empty key skips the limiter.
type KeyFunc func(r *http.Request) string

// ByClientIP keys on the client address recorded by the request-info middleware, falling
// back to the connection's remote address
func ByClientIP(r *http.Request) string {
	ip := contextkeys.GetClientIP(r.Context())
	if ip == "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
	}
	if ip == "" {
		return ""
	}
	return "ip:" + ip
}

// ByActor keys on the authenticated actor; anonymous requests are not counted
func ByActor(r *http.Request) string {
	actorID := contextkeys.GetActorID(r.Context())
	if actorID == "" {
		return ""
	}
	return "actor:" + actorID
}

// Middleware rejects requests over the limit with 429. Limiter errors are logged and the
// request is let through.
func Middleware(name string, limiter Limiter, keyFn KeyFunc, metrics *observability.Metrics, logger *observability.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := limiter.Allow(r.Context(), key)
			if err != nil {
				observability.FromContext(r.Context(), logger).
					WithField("limiter", name).
					WithError(err).
					Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			setHeaders(w, res)
			if !res.Allowed {
				metrics.RecordRateLimited(name)
				retryAfter := int(res.ResetAfter.Round(time.Second) / time.Second)
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				httputil.WriteTooManyRequests(w, "rate limit exceeded, try again later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, res Result) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", res.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
	if res.ResetAfter > 0 {
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(res.ResetAfter).Unix()))
	}
}
