package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

type ctxKey string

const ctxSubjectKey ctxKey = "subject"

// SubjectFromContext returns the authenticated JWT subject, if any.
func SubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxSubjectKey).(string); ok {
		return s
	}
	return ""
}

// jwtMiddleware validates bearer tokens signed with the shared secret.
// An empty secret disables authentication, which is only acceptable for
// local development.
func jwtMiddleware(secret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
				return
			}

			subject, _ := claims.GetSubject()
			ctx := context.WithValue(r.Context(), ctxSubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// watcherMiddleware gates chain-watcher callbacks behind a static token.
func watcherMiddleware(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-Watcher-Token") != token {
				writeError(w, http.StatusUnauthorized, errors.New("invalid watcher token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware applies a global token-bucket limit across all routes.
func rateLimitMiddleware(perSec float64, burst int) mux.MiddlewareFunc {
	if perSec <= 0 {
		perSec = 100
	}
	if burst <= 0 {
		burst = int(perSec) * 2
	}
	limiter := rate.NewLimiter(rate.Limit(perSec), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
