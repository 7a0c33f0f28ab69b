package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"ticketdesk/pkg/config"
	"ticketdesk/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// clientIP returns the first X-Forwarded-For address, falling back to the
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

func passThrough(c *gin.Context) { c.Next() }

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)
	return limit(store, cfg.RateLimiting.HTTP.MaxConcurrent)
}

// NewWebSocketRateLimitMiddleware limits websocket handshakes per IP and the
// number of concurrently open sockets.
func NewWebSocketRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	ws := cfg.RateLimiting.WebSocket
	if !cfg.RateLimiting.Enabled || ws.ConnectionsPerMinute <= 0 {
		return passThrough
	}

	store := newRateLimiterStore(rate.Every(time.Minute/time.Duration(ws.ConnectionsPerMinute)), max(ws.Burst, 1))
	return limit(store, ws.MaxConcurrent)
}

func limit(store *rateLimiterStore, maxConcurrent int) gin.HandlerFunc {
	var globalSem chan struct{}
	if maxConcurrent > 0 {
		globalSem = make(chan struct{}, maxConcurrent)
	}

	return func(c *gin.Context) {
		// Global concurrent requests throttling
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				AbortWithError(c, errors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		limiter := store.getLimiter(clientIP(c.Request))
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			AbortWithError(c, errors.NewRateLimitError())
			return
		}
		c.Next()
	}
}
