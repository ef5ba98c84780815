package tracing

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/exthost/internal/ipc"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
)

// HTTPMiddleware creates Gin middleware for HTTP tracing
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID, parentID := ExtractTraceContext(map[string]string{
			HeaderTraceID: c.GetHeader(HeaderTraceID),
			HeaderSpanID:  c.GetHeader(HeaderSpanID),
		})
		ctx := WithTrace(c.Request.Context(), traceID, parentID)

		name := c.FullPath()
		if name == "" {
			name = c.Request.URL.Path
		}
		span, ctx := tracer.StartSpan(ctx, name)
		span.SetTag("http.method", c.Request.Method)
		c.Request = c.Request.WithContext(ctx)

		c.Header(HeaderTraceID, string(span.TraceID))
		c.Header(HeaderSpanID, string(span.SpanID))

		c.Next()

		span.SetStatus(c.Writer.Status())
		if len(c.Errors) > 0 {
			span.SetError(c.Errors.Last())
		}
		span.Finish()
		tracer.Submit(span)
	}
}

// RPC wraps an ipc.Handler so every runtime call gets a span. A nil tracer
// returns next unchanged.
func RPC(tracer *Tracer, next ipc.Handler) ipc.Handler {
	if tracer == nil {
		return next
	}
	return &tracedHandler{tracer: tracer, next: next}
}

type tracedHandler struct {
	tracer *Tracer
	next   ipc.Handler
}

func (h *tracedHandler) ServeRPC(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	span, ctx := h.tracer.StartSpan(ctx, method)
	span.SetTag("rpc.system", "ipc")

	result, err := h.next.ServeRPC(ctx, method, params)
	if err != nil {
		span.SetError(err)
		span.SetTag("error.code", string(errs.CodeOf(err)))
	}
	span.Finish()
	h.tracer.Submit(span)
	return result, err
}
