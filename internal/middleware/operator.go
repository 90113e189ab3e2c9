package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const operatorKey = contextKey("operator")

// AnonymousOperator is recorded when no bearer token was presented and the
// server does not require one.
const AnonymousOperator = "anonymous"

// Operator extracts the operator identity from a bearer JWT. The upstream
// case layer has already authorized the caller; this only records who it was.
// When secret is empty, tokens are not required and requests are attributed
// to AnonymousOperator.
func Operator(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := AnonymousOperator

			header := r.Header.Get("Authorization")
			switch {
			case header != "":
				sub, err := ParseOperator(header, secret)
				if err != nil {
					http.Error(w, `{"error":"invalid operator token"}`, http.StatusUnauthorized)
					return
				}
				name = sub
			case secret != "":
				http.Error(w, `{"error":"missing operator token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParseOperator validates an "Authorization: Bearer <jwt>" header value and
// returns the token's subject.
func ParseOperator(header, secret string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errors.New("authorization header is not a bearer token")
	}
	if secret == "" {
		return "", errors.New("no operator secret configured")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// GetOperator returns the operator stored by Operator, or AnonymousOperator.
func GetOperator(ctx context.Context) string {
	if name, ok := ctx.Value(operatorKey).(string); ok {
		return name
	}
	return AnonymousOperator
}
