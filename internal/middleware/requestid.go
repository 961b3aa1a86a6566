// Package middleware provides HTTP middleware for TicketPilot.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/ticketpilot/ticketpilot/internal/logger"
)

const headerRequestID = "X-Request-ID"

// RequestID takes the caller's X-Request-ID or generates one, stores it in
// the context, and echoes it on the response so a delivery can be traced
// across the provider's logs and ours.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = newRequestID()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
