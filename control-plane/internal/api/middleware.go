package api

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminAuthMiddleware requires "Authorization: Bearer <token>" where token
// matches tokenHash (bcrypt). An empty tokenHash disables the check.
func (s *Server) AdminAuthMiddleware(tokenHash string) func(http.Handler) http.Handler {
	if tokenHash == "" {
		s.logger.Warn("admin token not configured, operator write endpoints are open")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				s.logger.Warn("admin auth failed: missing credentials",
					"path", r.URL.Path,
					"client_ip", clientIP(r),
					"has_auth_header", authHeader != "",
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
				s.logger.Warn("admin auth failed: invalid token",
					"path", r.URL.Path,
					"client_ip", clientIP(r),
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
