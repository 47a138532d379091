package middleware

import (
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// The API surface is GET/POST/PATCH only; provider webhooks are
// server-to-server and never preflighted.
const (
	corsAllowedMethods = "GET, POST, PATCH, OPTIONS"
	corsAllowedHeaders = "Content-Type, Content-Length, Accept-Encoding, Authorization, " +
		CorrelationIDHeader + ", accept, origin, Cache-Control, X-Requested-With"
)

// CORS handles Cross-Origin Resource Sharing for browser clients. Allowed
// origins are read from the CORS_ORIGINS environment variable
// (comma-separated), falling back to http://localhost:3000 for development.
func CORS() gin.HandlerFunc {
	originsStr := os.Getenv("CORS_ORIGINS")
	if originsStr == "" {
		originsStr = "http://localhost:3000"
	}
	allowedOrigins := make(map[string]bool)
	for _, o := range strings.Split(originsStr, ",") {
		allowedOrigins[strings.TrimSpace(o)] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins[origin] || allowedOrigins["*"] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
		c.Writer.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
