package daemon

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/horcrux/vmcore/internal/ratelimit"
)

// authenticated requires a matching bearer token on every request when
// token is non-empty; an empty token disables the check (loopback-only
// deployments rely on the listener binding, not this header).
func authenticated(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimited enforces the per-key token bucket and, when allowCIDRs is
// non-empty, restricts callers to those source networks.
func rateLimited(limiter *ratelimit.Limiter, keyFunc ratelimit.KeyFunc, allowCIDRs []string, next http.Handler) http.Handler {
	nets := make([]*net.IPNet, 0, len(allowCIDRs))
	for _, c := range allowCIDRs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			nets = append(nets, n)
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if len(nets) > 0 && !addrAllowed(host, nets) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		key := keyFunc(r.Header.Get("X-Principal"), host)
		result := limiter.Check(key)
		setRateLimitHeaders(w, result)
		if !result.Allowed {
			writeRateLimitExceeded(w, result)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setRateLimitHeaders annotates every rate-limited response, allowed or
// denied, with the caller's current bucket state.
func setRateLimitHeaders(w http.ResponseWriter, result ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(result.Limit)))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(result.RetryAfter.Seconds())))
}

func writeRateLimitExceeded(w http.ResponseWriter, result ratelimit.Result) {
	retryAfter := int(result.RetryAfter.Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate_limit_exceeded",
		"message":     "rate limit exceeded",
		"retry_after": retryAfter,
	})
}

func addrAllowed(host string, nets []*net.IPNet) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
