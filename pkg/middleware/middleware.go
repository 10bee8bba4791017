package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-exec/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits holds per-route-group request rates, in requests per minute.
type Limits struct {
	Auth    float64       `yaml:"auth_per_minute"`
	Intents float64       `yaml:"intents_per_minute"`
	Queries float64       `yaml:"queries_per_minute"`
	Burst   int           `yaml:"burst"`
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// DefaultLimits returns the per-client request budgets.
func DefaultLimits() Limits {
	return Limits{
		Auth:    10,
		Intents: 120,
		Queries: 1000,
		Burst:   5,
		IdleTTL: 3 * time.Minute,
	}
}

// RateLimiter keys token buckets by client and route.
type RateLimiter struct {
	limits   Limits
	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter creates a limiter with no visitors yet.
func NewRateLimiter(limits Limits) *RateLimiter {
	if limits.Burst < 1 {
		limits.Burst = 1
	}
	return &RateLimiter{
		limits:   limits,
		visitors: make(map[string]*visitor),
	}
}

func perMinute(n float64) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n / 60.0)
}

func (rl *RateLimiter) getLimiter(path, clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientID + ":" + path
	v, exists := rl.visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = perMinute(rl.limits.Auth)
		case strings.HasPrefix(path, "/api/v1/intents") && !strings.HasSuffix(path, "/open"),
			strings.HasSuffix(path, "/close"):
			limit = perMinute(rl.limits.Intents)
		case strings.HasPrefix(path, "/api/v1/"):
			limit = perMinute(rl.limits.Queries)
		default:
			limit = rate.Inf // health and metrics are not limited
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, rl.limits.Burst),
			lastSeen: time.Now(),
		}
		rl.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops visitors idle for longer than the configured TTL.
func (rl *RateLimiter) Cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.limits.IdleTTL {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

// RunCleanup calls Cleanup every interval until stop is closed.
func (rl *RateLimiter) RunCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			rl.Cleanup(now)
		}
	}
}

// Middleware limits each client, or IP when unauthenticated, per route.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := rl.getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token against secret and stores its claims
// on the context.
func JWTAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		})
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			response.Unauthorized(c, "Invalid token claims")
			c.Abort()
			return
		}

		// Ensure required claims exist
		for _, claim := range []string{"client_id", "exp"} {
			if _, exists := claims[claim]; !exists {
				response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
				c.Abort()
				return
			}
		}

		c.Set("claims", claims)
		if clientID, ok := claims["client_id"].(string); ok {
			c.Set("clientID", clientID)
		}
		c.Next()
	}
}

// RequirePermission aborts with 403 unless the token grants perm.
// It must run after JWTAuth.
func RequirePermission(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := c.Get("claims")
		mc, _ := claims.(jwt.MapClaims)

		if perms, ok := mc["permissions"].([]interface{}); ok {
			for _, p := range perms {
				if s, ok := p.(string); ok && s == perm {
					c.Next()
					return
				}
			}
		}

		log.Warn().
			Str("client_id", c.GetString("clientID")).
			Str("permission", perm).
			Str("path", c.FullPath()).
			Msg("permission denied")
		response.Forbidden(c, fmt.Sprintf("Missing permission: %s", perm))
		c.Abort()
	}
}

// RequestLogger logs each request through zerolog.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := log.Info()
		if c.Writer.Status() >= 500 {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_id", c.GetString("clientID")).
			Msg("request")
	}
}
