package api

import (
	"net/http"
	"strings"
	"sync"

	"blocktalk/internal/models"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	UserHeader = "X-User-ID"
	userKey    = "blocktalk.user"
)

// RequireUser trusts the caller id in UserHeader. There is no session layer.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(UserHeader))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + UserHeader + " header"})
			return
		}
		if strings.Contains(id, models.KeySeparator) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		c.Set(userKey, id)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(userKey)
}

// limiterPool hands out one token bucket per user.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
