package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"agentledger/internal/logging"
	"agentledger/internal/repo"
)

// Roles understood by the API. Admin passes every role check.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleReviewer = "reviewer"
)

type AuthConfig struct {
	JWTSecret string
	// AllowHeaderIdentity trusts X-Actor-Id and X-Tenant-Id when no
	// credentials are sent. Local development only.
	AllowHeaderIdentity bool
	Logger              *logging.Logger
}

type Principal struct {
	ActorID  string   `json:"actor_id"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	Source   string   `json:"source"`
}

func (p Principal) HasRole(roles ...string) bool {
	for _, have := range p.Roles {
		if have == RoleAdmin {
			return true
		}
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

type principalKey struct{}

func (c AuthConfig) logger() *logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.NewNop()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = logging.WithTenant(ctx, p.TenantID)
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// principalFromRequest returns the authenticated caller, or a 401.
func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" && p.TenantID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// requireRole returns the caller when they hold one of roles.
func requireRole(ctx context.Context, roles ...string) (Principal, huma.StatusError) {
	p, err := principalFromRequest(ctx)
	if err != nil {
		return p, err
	}
	if !p.HasRole(roles...) {
		return p, newAPIError(http.StatusForbidden, "forbidden", "missing role", map[string]any{"roles": roles})
	}
	return p, nil
}

// Claims is the JWT body the API accepts.
type Claims struct {
	jwt.RegisteredClaims
	Tenant string   `json:"tenant"`
	Roles  []string `json:"roles,omitempty"`
}

// SignToken mints an HS256 token for actor in tenant. A zero ttl means no expiry.
func SignToken(secret, actor, tenant string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if actor == "" || tenant == "" {
		return "", errors.New("actor and tenant are required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actor,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Tenant: tenant,
		Roles:  roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	if claims.Tenant == "" {
		return Principal{}, errors.New("tenant claim required")
	}
	return Principal{
		ActorID:  claims.Subject,
		TenantID: claims.Tenant,
		Roles:    claims.Roles,
		Source:   "jwt",
	}, nil
}

// authenticateAPIKey resolves a machine key. Keys belong to one tenant and
// may ingest invoices and resolve reviews.
func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	actor := "api-key:" + apiKey.ID
	if apiKey.Name != "" {
		actor = "api-key:" + apiKey.Name
	}
	return Principal{
		ActorID:  actor,
		TenantID: apiKey.TenantID,
		Roles:    []string{RoleOperator, RoleReviewer},
		Source:   "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == path.Join(basePath, "openapi.json") {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			headerActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))
			headerTenant := strings.TrimSpace(req.Header.Get("X-Tenant-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Debug(req.Context(), "rejected bearer token", zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					if !errors.Is(err, repo.ErrNotFound) {
						cfg.logger().Error(req.Context(), "api key lookup failed", zap.Error(err))
					}
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if headerActor != "" && headerTenant != "" && cfg.AllowHeaderIdentity {
				cfg.logger().Warn(req.Context(), "trusting identity headers without credentials",
					zap.String("actor_id", headerActor), zap.String("tenant_id", headerTenant))
				ctx := withPrincipal(req.Context(), Principal{
					ActorID:  headerActor,
					TenantID: headerTenant,
					Roles:    []string{RoleAdmin},
					Source:   "header",
				})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
