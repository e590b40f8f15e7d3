package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// InternalTokenHeader is checked when no bearer token is present.
const InternalTokenHeader = "X-Internal-Token"

// InternalToken rejects requests that do not carry the shared service token,
// either as "Authorization: Bearer <token>" or in X-Internal-Token. An empty
// configured token rejects everything.
func InternalToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := bearer(r.Header.Get("Authorization"))
			if presented == "" {
				presented = strings.TrimSpace(r.Header.Get(InternalTokenHeader))
			}

			if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
