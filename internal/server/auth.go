package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"fieldsync/internal/engine/auth"
	"fieldsync/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// AllowUserHeader trusts a bare X-User-Id header. Local development only.
	AllowUserHeader bool
	Logger          *slog.Logger
}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func principalFromRequest(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := auth.FromContext(ctx); ok {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// SignToken mints an HS256 bearer token for userID.
func SignToken(secret, userID string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (auth.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return auth.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return auth.Principal{}, err
	}
	if !parsed.Valid {
		return auth.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return auth.Principal{}, errors.New("subject claim required")
	}
	return auth.Principal{
		UserID: claims.Subject,
		Roles:  claims.Roles,
		Source: "jwt",
	}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, secret string, now time.Time) (auth.Principal, error) {
	key, err := r.AuthenticateAPIKey(ctx, secret, now)
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{
		UserID:   key.UserID,
		DeviceID: key.DeviceID,
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

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo, now func() time.Time) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	openAPIPath := path.Join(basePath, "openapi.json")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == openAPIPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			headerUser := strings.TrimSpace(req.Header.Get("X-User-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Debug("jwt rejected", "err", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(auth.WithPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader, now())
				if err != nil {
					if !errors.Is(err, repo.ErrNotFound) {
						cfg.logger().Error("api key lookup", "err", err)
					}
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(auth.WithPrincipal(req.Context(), principal)))
				return
			}

			if headerUser != "" && cfg.AllowUserHeader {
				cfg.logger().Warn("trusting X-User-Id header without credentials", "user_id", headerUser)
				ctx := auth.WithPrincipal(req.Context(), auth.Principal{
					UserID: headerUser,
					Source: "header",
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
