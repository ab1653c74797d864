package middlewares

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/seismonet/go-seismonet/pkg/errors"
)

// Role is an API access role. Roles are ordered: admin implies operator,
// operator implies viewer.
type Role string

// API roles.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

type apiClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenConfig pins the token contract: the HMAC secret plus the issuer and
// audience every accepted token must carry. Empty issuer or audience skips
// that check.
type TokenConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
}

// Authentication parses the bearer token and stores subject and role in the
// request context. Requests without a token pass through unauthenticated;
// route-level Authorize decides whether that is acceptable.
func Authentication(cfg TokenConfig) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			raw := strings.TrimPrefix(header, "Bearer ")
			if raw == header {
				authError(w, "malformed authorization header")
				return
			}

			var claims apiClaims
			_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New(errors.KindValidation, "unexpected signing method %v", t.Header["alg"])
				}
				return cfg.Secret, nil
			})
			if err != nil {
				authError(w, "invalid token")
				return
			}
			if cfg.Issuer != "" && !claims.VerifyIssuer(cfg.Issuer, true) {
				authError(w, "invalid issuer")
				return
			}
			if cfg.Audience != "" && !claims.VerifyAudience(cfg.Audience, true) {
				authError(w, "invalid audience")
				return
			}
			if _, ok := roleRank[Role(claims.Role)]; !ok {
				authError(w, "unknown role")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySubject, claims.Subject)
			ctx = context.WithValue(ctx, ContextKeyRole, Role(claims.Role))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authorize requires the request to carry at least the given role.
func Authorize(min Role) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := r.Context().Value(ContextKeyRole).(Role)
			if !ok {
				authError(w, "authentication required")
				return
			}
			if roleRank[role] < roleRank[min] {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(errors.ServiceError{
					Error:   "forbidden",
					Message: "role " + string(role) + " cannot access this resource",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errors.ServiceError{Error: "unauthorized", Message: msg})
}
