// Package middleware provides HTTP middleware for the Chimera kernel API.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/Chimera/internal/logger"
)

const (
	headerRequestID   = "X-Request-ID"
	maxRequestIDBytes = 128
)

// RequestID is HTTP middleware that extracts X-Request-ID from the request
// header or generates a UUID. Inbound ids that are too long or carry
// non-printable bytes are replaced. The ID is stored in the context and set
// on the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDBytes {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
