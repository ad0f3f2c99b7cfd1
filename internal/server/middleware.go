package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/ratelimit"
	"auction-engine/services/bidding/helpers"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// RequestLoggerMiddleware logs incoming requests with timing
func RequestLoggerMiddleware(c *gin.Context) {
	start := time.Now()

	c.Next() // process request

	fields := map[string]any{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"latency": time.Since(start).String(),
	}
	if userID, _ := helpers.CurrentUser(c); userID != "" {
		fields["user_id"] = userID
	}
	utils.Info("HTTP Request", fields)
}

// AuthMiddleware requires a valid bearer token and exposes its subject and role
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			utils.JSONError(c, http.StatusUnauthorized, errors.New("missing bearer token"), "unauthorized")
			c.Abort()
			return
		}

		claims, err := ParseToken(secret, tokenString)
		if err != nil {
			utils.JSONError(c, http.StatusUnauthorized, err, "unauthorized")
			utils.Warn("AuthMiddleware: rejected token", map[string]any{"path": c.Request.URL.Path, "error": err.Error()})
			c.Abort()
			return
		}

		c.Set(helpers.ContextUserID, claims.Subject)
		c.Set(helpers.ContextRole, claims.Role)
		c.Next()
	}
}

// RequireRole lets through only callers whose role is one of roles
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, role := helpers.CurrentUser(c)
		if !lo.Contains(roles, role) {
			utils.JSONError(c, http.StatusForbidden, fmt.Errorf("role %q: %w", role, biddingerrors.ErrForbidden), "forbidden")
			utils.Warn("RequireRole: forbidden", map[string]any{"user_id": userID, "role": role, "path": c.Request.URL.Path})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Limiter decides whether one more request from identity fits its window
type Limiter interface {
	Allow(ctx context.Context, identity string) (ratelimit.Decision, error)
	Window() time.Duration
}

// RateLimitMiddleware throttles per authenticated user. When the limiter itself
// fails the request is let through so a Redis outage does not stop bidding.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := helpers.CurrentUser(c)
		if identity == "" {
			identity = c.ClientIP()
		}

		decision, err := limiter.Allow(c.Request.Context(), identity)
		if err != nil {
			utils.Warn("RateLimitMiddleware: limiter unavailable, allowing request", map[string]any{
				"identity": identity,
				"error":    err.Error(),
			})
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(limiter.Window()/time.Second)))
			utils.JSONError(c, http.StatusTooManyRequests, fmt.Errorf("%d requests in %s: %w", decision.Count, limiter.Window(), biddingerrors.ErrRateLimited), "too many requests")
			utils.Warn("RateLimitMiddleware: throttled", map[string]any{"identity": identity, "count": decision.Count})
			c.Abort()
			return
		}
		c.Next()
	}
}
