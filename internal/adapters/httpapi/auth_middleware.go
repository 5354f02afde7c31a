package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminSubject is stored in the request context once the admin token is accepted.
const AdminSubject = "admin"

// NewAdminTokenMiddleware guards back-office routes with a static bearer token.
//
// An empty token disables the check (local development). Member-facing routes are
// expected to sit behind the club's own authentication and are not wrapped.
func NewAdminTokenMiddleware(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(want) == 0 {
				next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), AdminSubject)))
				return
			}

			authz := r.Header.Get("Authorization")
			if authz == "" {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing Authorization header", nil)
				return
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(authz, prefix) {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "malformed Authorization header", nil)
				return
			}
			got := []byte(strings.TrimSpace(strings.TrimPrefix(authz, prefix)))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), AdminSubject)))
		})
	}
}
