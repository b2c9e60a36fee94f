package ctxmanage

import (
	"context"

	"github.com/gin-gonic/gin"
)

type key int

// TraceIdKey is used by the Logger middleware to put the trace id in both
// the gin context and the request context.
const TraceIdKey key = 1

// GetTraceIdOfRequest returns the trace id the Logger middleware assigned to c.
func GetTraceIdOfRequest(c *gin.Context) string {
	if traceId, ok := c.Request.Context().Value(TraceIdKey).(string); ok {
		return traceId
	}
	return "Unknown"
}

// WithTraceID stores traceId in ctx.
func WithTraceID(ctx context.Context, traceId string) context.Context {
	return context.WithValue(ctx, TraceIdKey, traceId)
}

// TraceID reads the trace id stored by WithTraceID, or "" when there is none.
func TraceID(ctx context.Context) string {
	traceId, _ := ctx.Value(TraceIdKey).(string)
	return traceId
}
