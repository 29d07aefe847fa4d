package http

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LoggingMiddleware logs one line per request including the caller
// address, so gateway callback traffic can be told apart from clients.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("%s %s %d %s from %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), c.ClientIP())
	}
}

// RateLimitMiddleware applies a token bucket per caller. Callback
// endpoints get separate buckets with a larger allowance: a burst of
// redeliveries from a gateway must not be starved by client traffic from
// the same address, nor the other way around.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	type bucketKey struct {
		scope string
		ip    string
	}
	var mu sync.Mutex
	buckets := make(map[bucketKey]*rate.Limiter)
	return func(c *gin.Context) {
		ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			ip = c.Request.RemoteAddr
		}
		k := bucketKey{scope: "client", ip: ip}
		limit, allowance := rate.Limit(rps), burst
		if strings.HasPrefix(c.Request.URL.Path, "/v1/callbacks/") {
			k.scope = "gateway"
			limit, allowance = rate.Limit(rps*4), burst*4
		}
		mu.Lock()
		lim, ok := buckets[k]
		if !ok {
			lim = rate.NewLimiter(limit, allowance)
			buckets[k] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
