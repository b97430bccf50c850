// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const scheme = "bearer "

// BearerToken returns middleware that requires an Authorization header of the
// form "Bearer <token>". The scheme is matched case-insensitively and the
// token in constant time. An empty token disables the check.
func BearerToken(token string) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				deny(w, "missing or malformed authorization header")
				return
			}
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				deny(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(h string) ([]byte, bool) {
	if len(h) <= len(scheme) || !strings.EqualFold(h[:len(scheme)], scheme) {
		return nil, false
	}
	return []byte(strings.TrimSpace(h[len(scheme):])), true
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="carepath"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
