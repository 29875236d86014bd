package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorized reports whether the request carries the admin bearer token.
// Without a configured token every request is allowed.
func (s *Server) authorized(r *http.Request) bool {
	if s.AdminToken == "" {
		return true
	}
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return false
	}
	tok := strings.TrimSpace(authz[len("Bearer "):])
	return subtle.ConstantTimeCompare([]byte(tok), []byte(s.AdminToken)) == 1
}
