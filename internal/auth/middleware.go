package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"scada-core/internal/logging"
)

// Middleware authenticates bearer tokens and enforces the policy.
type Middleware struct {
	secret []byte
	policy Policy
	logger zerolog.Logger
}

// MiddlewareOption configures the middleware.
type MiddlewareOption func(*Middleware)

// WithMiddlewareLogger overrides the logger used for denials.
func WithMiddlewareLogger(logger zerolog.Logger) MiddlewareOption {
	return func(m *Middleware) {
		m.logger = logger
	}
}

// NewMiddleware constructs the middleware.
func NewMiddleware(secret []byte, policy Policy, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{secret: secret, policy: policy, logger: logging.With("auth")}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap applies authentication and role checks to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		required, ok := m.policy.RequiredRole(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := ParseJWT(bearerToken(r), m.secret)
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				m.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("token rejected")
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		role, _ := NormalizeRole(claims.Role)
		if !role.Satisfies(required) {
			m.logger.Warn().
				Str("subject", claims.Subject).
				Str("role", string(role)).
				Str("required", string(required)).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("request forbidden")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ctx := WithIdentity(r.Context(), Identity{Subject: claims.Subject, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
