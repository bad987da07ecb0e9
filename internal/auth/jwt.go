package auth

import (
	"net/http"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/klappmedia/mcash-gateway/internal/common"
)

// RequireAdmin guards operator endpoints with an HS256 bearer token.
func RequireAdmin(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				common.JSONError(w, http.StatusServiceUnavailable, "unavailable", "admin access not configured", nil)
				return
			}
			tok, err := jwt.ParseRequest(r,
				jwt.WithKey(jwa.HS256, key),
				jwt.WithValidate(true),
			)
			if err != nil {
				common.JSONError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token", nil)
				return
			}
			if role, ok := tok.Get("role"); !ok || role != "admin" {
				common.JSONError(w, http.StatusForbidden, "forbidden", "admin role required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
