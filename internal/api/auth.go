package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────
// Admin Dashboard Bearer Token Middleware
//
// Reads API_AUTH_TOKEN from environment. If set, the admin dashboard
// websocket (/admin/ws) requires: Authorization: Bearer <token>
//
// Every drop/queue endpoint stays public — registration, proof-of-work,
// and purchase all run unauthenticated by design; this middleware only
// ever wraps the operator-facing admin surface.
// ──────────────────────────────────────────────────────────────────

// AuthMiddleware returns a Gin middleware that validates bearer tokens for
// the admin dashboard. If API_AUTH_TOKEN is not set, all requests are
// allowed (dev mode).
// WARNING: In GIN_MODE=release, leaving API_AUTH_TOKEN unset exposes the
// admin dashboard, including the live pub/sub firehose, to the public
// internet. Always set a strong token in prod.
func AuthMiddleware() gin.HandlerFunc {
	token := os.Getenv("API_AUTH_TOKEN")

	// Fail loudly in production if auth is not configured.
	if token == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[Auth] SECURITY WARNING: API_AUTH_TOKEN is not set in release mode. " +
			"The admin dashboard is publicly accessible. " +
			"Set API_AUTH_TOKEN in your environment to enforce authentication.")
	}

	return func(c *gin.Context) {
		// If no token is configured, skip auth (development mode)
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			log.Printf("[Auth] rejected %s %s: missing Authorization header", c.Request.Method, c.Request.URL.Path)
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"hint":  "Use: Authorization: Bearer <API_AUTH_TOKEN>",
			})
			c.Abort()
			return
		}

		// Parse "Bearer <token>"
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			log.Printf("[Auth] rejected %s %s: malformed Authorization header", c.Request.Method, c.Request.URL.Path)
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid Authorization header format"})
			c.Abort()
			return
		}

		// Use constant-time comparison to prevent timing-based token enumeration.
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			log.Printf("[Auth] rejected %s %s: token mismatch", c.Request.Method, c.Request.URL.Path)
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Invalid or expired token",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
