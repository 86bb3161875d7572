/*
auth.go - Bearer-token caller identification

PURPOSE:
  Authentication itself is external to the engine; the core only records
  who performed an action (validatedBy, removedBy). This middleware parses
  an optional HS256 bearer token and puts the caller id on the request
  context. Requests without a token proceed anonymously: audit fields are
  then empty, which the engine accepts.

SECURITY NOTE:
  This is identification, not authorization. Role checks belong to the
  upstream gateway that issues the tokens.
*/
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const callerKey contextKey = "caller"

// Claims carries the caller identity inside the token.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// CallerID returns the authenticated caller id, or "" for anonymous.
func CallerID(r *http.Request) string {
	if v, ok := r.Context().Value(callerKey).(string); ok {
		return v
	}
	return ""
}

// Authenticator parses the Authorization header when present. An invalid
// token is rejected; a missing one is not.
func Authenticator(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			raw := strings.TrimPrefix(header, "Bearer ")
			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid || claims.UserID == "" {
				writeError(w, http.StatusUnauthorized, "invalid token", nil)
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
