package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Logger logs every request through logrus. Streaming endpoints are logged
// when they end.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
			"client":   c.ClientIP(),
		})
		switch {
		case len(c.Errors) > 0:
			entry.Warn(c.Errors.String())
		case c.Writer.Status() >= 500:
			entry.Error("Request failed")
		default:
			entry.Debug("Request handled")
		}
	}
}
