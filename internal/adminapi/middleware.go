// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type contextKey string

const contextKeyRequestID contextKey = "request_id"

// requestIDMiddleware adds a unique request ID: an inbound X-Request-ID is
// forwarded as-is so callers can correlate across hops, otherwise one is
// generated. The id is echoed on the response and stashed in the request
// context for the audit trail.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateID()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), time.Now().Nanosecond())
}

// requestIDFrom returns the request id stashed by requestIDMiddleware, or
// "" when the middleware did not run.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}
