package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"casino-table-engine/internal/services"
)

func AuthMiddleware(jwtService *services.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
				c.Abort()
				return
			}
			tokenString = parts[1]
		} else {
			// Browsers cannot set headers on a websocket upgrade.
			tokenString = c.Query("token")
			if tokenString == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
				c.Abort()
				return
			}
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("session_id", claims.SessionID)

		c.Next()
	}
}

type rateRule struct {
	limit  int
	window time.Duration
}

// rateRules is keyed by method and gin route.
var rateRules = map[string]rateRule{
	"POST /api/tables":             {limit: 10, window: time.Minute},
	"POST /api/tables/:id/seats":   {limit: 30, window: time.Minute},
	"POST /api/tables/:id/bets":    {limit: services.DefaultRateLimitBets, window: services.DefaultRateLimitWindow},
	"POST /api/tables/:id/actions": {limit: services.DefaultRateLimitActions, window: services.DefaultRateLimitWindow},
	"POST /api/tables/:id/seed":    {limit: 10, window: time.Minute},
	"POST /api/verify":             {limit: 60, window: time.Minute},
}

func RateLimitMiddleware(redisService *services.RedisService, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.Next()
			return
		}

		route := c.Request.Method + " " + c.FullPath()
		rule, ok := rateRules[route]
		if !ok {
			c.Next()
			return
		}

		allowed, err := redisService.CheckRateLimit(c.Request.Context(), userID, route, rule.limit, rule.window)
		if err != nil {
			// Fail open.
			logger.Warn("rate limit check failed", zap.String("route", route), zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": rule.window.Seconds(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
