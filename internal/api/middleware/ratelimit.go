package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/feedsync/config"
	"github.com/d60-Lab/feedsync/pkg/response"
)

// limiterIdle 超过该时长未使用的 limiter 会被回收
const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

type limiterSet struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	entries map[string]*limiterEntry
	swept   time.Time
}

func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.swept) > limiterIdle {
		for k, e := range s.entries {
			if now.Sub(e.seen) > limiterIdle {
				delete(s.entries, k)
			}
		}
		s.swept = now
	}
	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(s.rps, s.burst)}
		s.entries[key] = e
	}
	e.seen = now
	return e.lim
}

// RateLimit 按 actor 限流，未认证请求按客户端 IP
func RateLimit(cfg config.RateLimitConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	set := &limiterSet{rps: rate.Limit(cfg.RPS), burst: cfg.Burst, entries: make(map[string]*limiterEntry)}
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if a := ActorFrom(c); a.ID != "" {
			key = "actor:" + a.ID
		}
		if !set.get(key, time.Now()).Allow() {
			response.TooManyRequests(c)
			return
		}
		c.Next()
	}
}
