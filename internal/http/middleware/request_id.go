// Package middleware provides HTTP middleware for the scribarr API.
package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/scribarr/scribarr/internal/observability"
)

// RequestIDHeader is the HTTP header carrying the request ID.
const RequestIDHeader = "X-Request-ID"

// RequestID injects a request ID into the context. A client-supplied
// X-Request-ID header is kept so IDs correlate across the web UI and the
// server logs; otherwise a new UUID is generated. The ID travels in the
// context the observability package reads from.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := observability.ContextWithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
