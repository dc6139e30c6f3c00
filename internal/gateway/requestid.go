package gateway

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fableverse/gateway/internal/logger"
)

// RequestID assigns every request a correlation ID. An inbound X-Request-Id
// is honoured so callers can trace across hops; otherwise one is generated.
// The ID rides the request context and is echoed on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = logger.GenerateRequestID()
		}

		ctx := logger.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}

// AccessLog writes one structured record per completed request. SSE streams
// log once on close with their full duration.
func AccessLog(log *logger.Logger) gin.HandlerFunc {
	accessLog := log.WithComponent("access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		accessLog.WithContext(c.Request.Context()).Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Int("bytes", c.Writer.Size()),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote", c.ClientIP()))
	}
}
