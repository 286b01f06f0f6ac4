package api

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// TokenAuthMiddleware checks the operator bearer token against the
// configured bcrypt hash. With no hash configured every request passes.
func (s *Server) TokenAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.tokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				s.logger.Warn("operator auth failed: missing credentials",
					"path", r.URL.Path,
					"has_auth_header", authHeader != "",
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if err := bcrypt.CompareHashAndPassword([]byte(s.tokenHash), []byte(token)); err != nil {
				s.logger.Warn("operator auth failed: invalid token",
					"path", r.URL.Path,
					"remote", r.RemoteAddr,
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}
