package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/uridolan77/llmgateway/internal/config"
	"github.com/uridolan77/llmgateway/internal/observability"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
)

// Permission names recognized on API keys and JWT claims.
const (
	PermCompletion = "completion"
	PermEmbedding  = "embedding"
	PermAdmin      = "admin"
)

// principal is the authenticated caller. A key configured without an explicit
// permission list is granted everything.
type principal struct {
	UserID      string
	ProjectID   string
	limitKey    string
	permissions map[string]bool
}

func (p principal) allowed(perm string) bool {
	if len(p.permissions) == 0 || p.permissions[PermAdmin] {
		return true
	}
	return p.permissions[perm]
}

type principalKey struct{}

func callerFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

// requestID echoes or generates X-Request-ID and preserves X-Correlation-ID
// end to end.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		ctx = observability.WithCorrelationID(ctx, r.Header.Get("X-Correlation-ID"))

		w.Header().Set("X-Request-ID", observability.RequestID(ctx))
		w.Header().Set("X-Correlation-ID", observability.CorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate resolves the caller from X-API-Key or a bearer token. Bearer
// values are first matched against configured keys, then parsed as a JWT.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.snapshot()

		token := r.Header.Get("X-API-Key")
		if token == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if token == "" {
			writeError(w, r, gwerr.New(gwerr.KindAuthFailed, "missing API key or bearer token"))
			return
		}

		p, err := s.resolvePrincipal(cfg, token)
		if err != nil {
			writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, p)
		ctx = observability.WithCaller(ctx, p.UserID, p.ProjectID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) resolvePrincipal(cfg *config.Config, token string) (principal, error) {
	for _, k := range cfg.Auth.APIKeys {
		if k.Key != "" && k.Key == token {
			perms := make(map[string]bool, len(k.Permissions))
			for _, perm := range k.Permissions {
				perms[perm] = true
			}
			return principal{
				UserID:      k.UserID,
				ProjectID:   k.ProjectID,
				limitKey:    k.Key,
				permissions: perms,
			}, nil
		}
	}

	if cfg.Auth.JWTSecret != "" && strings.Count(token, ".") == 2 {
		return s.parseJWT(cfg.Auth.JWTSecret, token)
	}
	return principal{}, gwerr.New(gwerr.KindAuthFailed, "unrecognized credentials")
}

// parseJWT validates an HS256 token. The subject becomes the user ID; the
// optional "project" and "permissions" claims scope it further.
func (s *Server) parseJWT(secret, raw string) (principal, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tok.Valid {
		return principal{}, gwerr.New(gwerr.KindAuthFailed, "invalid bearer token")
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return principal{}, gwerr.New(gwerr.KindAuthFailed, "invalid token claims")
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return principal{}, gwerr.New(gwerr.KindAuthFailed, "token has no subject")
	}

	p := principal{UserID: sub, limitKey: sub}
	if project, ok := claims["project"].(string); ok {
		p.ProjectID = project
	}
	if raw, ok := claims["permissions"].([]any); ok {
		p.permissions = make(map[string]bool, len(raw))
		for _, v := range raw {
			if perm, ok := v.(string); ok {
				p.permissions[perm] = true
			}
		}
	}
	return p, nil
}

// require gates a route on one permission.
func (s *Server) require(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := callerFrom(r.Context())
			if !ok {
				writeError(w, r, gwerr.New(gwerr.KindAuthFailed, "missing credentials"))
				return
			}
			if !p.allowed(perm) {
				writeProblem(w, Problem{
					Title:  http.StatusText(http.StatusForbidden),
					Detail: fmt.Sprintf("API key lacks the %q permission", perm),
					Status: http.StatusForbidden,
					Code:   string(gwerr.KindAuthFailed),
					Extensions: ProblemExtensions{
						CorrelationID: observability.CorrelationID(r.Context()),
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit applies the per-key token bucket. 429 responses carry Retry-After.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.snapshot()
		if !cfg.RateLimit.Enabled || s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := "anonymous"
		if p, ok := callerFrom(r.Context()); ok && p.limitKey != "" {
			key = p.limitKey
		}
		if !s.limiter.Allow(key) {
			retryAfter := s.limiter.RetryAfter(key)
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, r, gwerr.New(gwerr.KindRateLimited, "rate limit exceeded, slow down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
