package api

import (
	"net/http"

	"github.com/mattjoyce/cpucom/internal/auth"
)

// authMiddleware resolves the bearer token to a principal and stores it on
// the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := auth.Authenticate(token, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requirePermissions admits principals holding any of perms.
func (s *Server) requirePermissions(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				s.writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			for _, perm := range perms {
				if _, ok := p.Permissions[perm]; ok {
					next.ServeHTTP(w, r)
					return
				}
			}
			s.writeError(w, http.StatusForbidden, "insufficient permissions")
		})
	}
}
