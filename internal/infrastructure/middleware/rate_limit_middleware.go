package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"rtcwatch/internal/core/domain"
	"rtcwatch/pkg/config"
	apperrors "rtcwatch/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterStore keeps one token bucket per caller key.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newLimiterStore(r rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burst)
		s.limiters[key] = limiter
	}
	return limiter
}

// clientIP returns the first X-Forwarded-For hop, falling back to the
// remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// callerKey buckets authenticated callers by tab and everyone else by IP.
func callerKey(c *gin.Context) string {
	if v, ok := c.Get(ContextTabID); ok {
		if tabID, ok := v.(domain.TabID); ok && tabID != "" {
			return "tab:" + string(tabID)
		}
	}
	return "ip:" + clientIP(c.Request)
}

// NewHTTPRateLimitMiddleware limits control API requests per caller and,
// optionally, the number of requests in flight.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	limits := cfg.RateLimiting.HTTP
	store := newLimiterStore(rate.Limit(limits.RequestsPerSecond), limits.Burst)

	var inflight chan struct{}
	if limits.MaxConcurrent > 0 {
		inflight = make(chan struct{}, limits.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inflight != nil {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"success": false,
					"error":   "too many concurrent requests",
				})
				return
			}
		}

		if !store.get(callerKey(c)).Allow() {
			appErr := apperrors.NewRateLimitError()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
				"success": false,
				"error":   appErr.Message,
				"code":    appErr.Code,
			})
			return
		}
		c.Next()
	}
}
