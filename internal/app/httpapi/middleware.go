package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// addressThrottle applies a coarse per-address token bucket at the
// transport layer, in front of the domain quotas. It protects the
// process, not the business rules.
func addressThrottle(perSecond float64, burst int) func(http.Handler) http.Handler {
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}

	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	limiterFor := func(addr string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[addr]
		if !ok {
			l = rate.NewLimiter(rate.Limit(perSecond), burst)
			limiters[addr] = l
		}
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiterFor(remoteAddr(r)).Allow() {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAPIKey demands a valid X-API-Key for every request that claims
// an identity via X-Principal-ID.
func (h *handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Principal-ID"))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := h.app.Principals.VerifyAPIKey(r.Context(), id, r.Header.Get("X-API-Key")); err != nil {
			writeServiceError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
