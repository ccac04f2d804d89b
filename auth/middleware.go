package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	userIDKey contextKey = "auth.user_id"
	roleKey   contextKey = "auth.role"
)

// UserID returns the authenticated operator ID stored by Middleware.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}

// UserRole returns the authenticated operator role stored by Middleware.
func UserRole(ctx context.Context) (Role, bool) {
	role, ok := ctx.Value(roleKey).(Role)
	return role, ok
}

// Middleware authenticates requests with a bearer JWT and stores the operator
// identity in the request context. Requests without a valid token get 401.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		userID, role, err := s.VerifyToken(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, roleKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
