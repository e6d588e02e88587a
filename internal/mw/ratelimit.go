package mw

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// Limiters keeps one token bucket per key. The table is an LRU, so idle
// keys fall out once size is reached.
type Limiters struct {
	mu    sync.Mutex
	cache *lru.Cache
	r     rate.Limit
	b     int
}

func NewLimiters(r rate.Limit, burst, size int) (*Limiters, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Limiters{cache: cache, r: r, b: burst}, nil
}

func (l *Limiters) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.cache.Get(key); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(l.r, l.b)
	l.cache.Add(key, lim)
	return lim
}

func (l *Limiters) Allow(key string) bool {
	return l.get(key).Allow()
}

func (l *Limiters) Len() int {
	return l.cache.Len()
}

// RateLimit returns a token bucket middleware keyed by client IP and route.
// The IP comes from gin's ClientIP, so forwarding headers count only from
// the engine's trusted proxies.
func RateLimit(l *Limiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !l.Allow(ip + "|" + route) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}
