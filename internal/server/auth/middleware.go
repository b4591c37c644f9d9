package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/filedrop/internal/common"
)

type ctxKey string

const subjectKey ctxKey = "subject"

// NewContext returns a copy of ctx carrying the authenticated admin subject.
func NewContext(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// SubjectFromContext returns the admin subject stored by Middleware or the
// gRPC interceptor.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok
}

// Middleware rejects requests without a valid "Authorization: Bearer" admin
// token.
func Middleware(secretKey []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get(common.AuthorizationHeaderName), "Bearer ")
			raw = strings.TrimSpace(raw)
			if !ok || raw == "" {
				unauthorized(w, "missing token")
				return
			}

			subject, err := GetSubjectFromToken(raw, secretKey)
			if err != nil {
				if errors.Is(err, common.ErrTokenExpired) {
					unauthorized(w, "token expired")
					return
				}
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), subject)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="filedrop-admin"`)
	http.Error(w, msg, http.StatusUnauthorized)
}
