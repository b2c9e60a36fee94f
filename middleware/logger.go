package middleware

import (
	"checkout-service/pkg/ctxmanage"
	"checkout-service/pkg/logkey"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const TraceHeader = "X-Trace-Id"

// Logger gives every request a trace id and logs it once the handler chain returns.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceId := c.GetHeader(TraceHeader)
		if traceId == "" {
			traceId = uuid.NewString()
		}
		c.Set(logkey.TraceID, traceId)
		c.Request = c.Request.WithContext(ctxmanage.WithTraceID(c.Request.Context(), traceId))
		c.Header(TraceHeader, traceId)

		start := time.Now()
		slog.Info("started", slog.String(logkey.TraceID, traceId),
			slog.String("Method", c.Request.Method), slog.Any("URL Path", c.Request.URL.Path))

		c.Next()

		slog.Info("completed", slog.String(logkey.TraceID, traceId),
			slog.String("Method", c.Request.Method), slog.Any("URL Path", c.Request.URL.Path),
			slog.Int("Status Code", c.Writer.Status()), slog.Duration("Latency", time.Since(start)))
	}
}
