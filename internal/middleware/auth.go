package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// operatorContextKey marks a request as authenticated with the operator token.
const operatorContextKey contextKey = "operator_authenticated"

// Auth validates the single operator bearer token configured for this
// instance. There is no per-key cache or backend validation call —
// unlike the teacher's multi-tenant API-key gateway, this surface has
// exactly one caller identity: the operator.
func Auth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, `{"error":"admin surface not configured: ADMIN_TOKEN unset"}`, http.StatusServiceUnavailable)
				return
			}

			authHeader := r.Header.Get("Authorization")
			provided := authHeader
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				provided = authHeader[len("bearer "):]
			}

			if provided == "" || provided != token {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorContextKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IsAuthenticated reports whether the request context was stamped by Auth.
func IsAuthenticated(ctx context.Context) bool {
	v, _ := ctx.Value(operatorContextKey).(bool)
	return v
}
