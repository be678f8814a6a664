package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

// RequestIDHeader carries the request id; missing headers get a fresh uuid.
// The id is echoed on the response and logged on every line.
const RequestIDHeader = "x-exosphere-request-id"

// APIKeyHeader carries the shared secret runtimes authenticate with.
const APIKeyHeader = "x-api-key"

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := log.With(r.Context(), log.KV{K: "request_id", V: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func apiKey(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"code":    "UNAUTHORIZED",
					"message": "invalid or missing api key",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
