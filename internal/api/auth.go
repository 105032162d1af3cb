package api

import (
	"crypto/subtle"
	"net/http"
)

// AdminTokenHeader carries the operator credential on mutating endpoints.
const AdminTokenHeader = "X-Admin-Token"

// adminAuth guards mutating operator endpoints with a shared token. An empty
// configured token disables the check (local development).
func adminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got := r.Header.Get(AdminTokenHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
					writeError(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
