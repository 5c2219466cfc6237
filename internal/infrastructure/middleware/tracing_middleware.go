package middleware

import (
	"rtcwatch/internal/core/domain"
	"rtcwatch/pkg/logger"
	"rtcwatch/pkg/tracing"
	"rtcwatch/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const RequestIDHeader = "X-Request-ID"

// TracingMiddleware opens a span per control API request and echoes a
// request id back to the caller.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, requestID)

		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.request_id", requestID),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
		)
		ctx = logger.WithRequestID(ctx, requestID)
		if tab := c.Param("tab_id"); tab != "" {
			span.SetAttributes(tracing.TabIDKey.String(tab))
			ctx = logger.WithTabID(ctx, tab)
		}

		c.Request = c.Request.WithContext(ctx)
		start := utils.Now()
		c.Next()

		if v, ok := c.Get(ContextRelayID); ok {
			if relayID, ok := v.(string); ok {
				span.SetAttributes(attribute.String("relay.id", relayID))
			}
		}
		if v, ok := c.Get(ContextTabID); ok {
			if tabID, ok := v.(domain.TabID); ok {
				span.SetAttributes(attribute.String("relay.tab_id", string(tabID)))
			}
		}
		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", utils.Since(start).Milliseconds()),
		)

		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
