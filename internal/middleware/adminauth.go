// Package middleware holds the HTTP middleware specific to this service.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards the admin surface (create, toggle, extend, revoke,
// list, stats) with a single operator-held bearer key. There is no user or
// session table behind it; administrator identity lives with the external
// credential store that issues the key. The configured value may be either
// the key itself or a bcrypt hash of it ("$2..."), so deployments can keep
// the plaintext out of their environment.
func AdminAuth(apiKey string) func(http.Handler) http.Handler {
	hashed := strings.HasPrefix(apiKey, "$2")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				http.Error(w, `{"error": "missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			provided := parts[1]
			if !adminKeyMatches(apiKey, provided, hashed) {
				http.Error(w, `{"error": "invalid admin key"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func adminKeyMatches(configured, provided string, hashed bool) bool {
	if hashed {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(provided)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}
