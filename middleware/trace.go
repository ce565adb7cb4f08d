package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

// TraceIDKey carries the per-request trace id through the context.
const TraceIDKey contextKey = "trace_id"

const traceHeader = "X-Trace-ID"

// TraceID tags every request with a trace id, honoring one supplied by
// the caller so generation requests can be correlated across services.
// The id is echoed back in the response headers.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}

		w.Header().Set(traceHeader, traceID)

		ctx := context.WithValue(r.Context(), TraceIDKey, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTraceID reads the trace id off a request context, empty when the
// middleware never ran (direct handler tests, internal calls).
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}
