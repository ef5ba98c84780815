/*
Package tracing provides lightweight request tracing.

Spans are created per HTTP request (HTTPMiddleware) and per runtime call
served by the host (RPC), buffered, and written to the structured log by a
single collector goroutine. Trace context travels in the X-Trace-ID and
X-Span-ID headers.

	tracer := tracing.New("exthost", logger.Logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))
	runtime.SetHandler(tracing.RPC(tracer, mux))
*/
package tracing
