package api

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogger writes one line per request: method, path, status, duration
// and client address. Liveness probes stay quiet.
func RequestLogger() gin.HandlerFunc {
	logger := log.New(os.Stdout, "[API] ", log.LstdFlags)
	skipPaths := map[string]struct{}{
		"/healthz": {},
	}

	return func(c *gin.Context) {
		if _, ok := skipPaths[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		logger.Printf("%s %s -> %d (%v) client=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start), c.ClientIP())
	}
}
