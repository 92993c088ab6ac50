package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

type AuthConfig struct {
	// JWTSecret enables HS256 bearer auth. Empty leaves the API open.
	JWTSecret string
	Logger    *slog.Logger
}

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// ForbiddenError indicates a principal lacking the role an operation needs.
type ForbiddenError struct {
	Subject string
	Role    string
}

func (e ForbiddenError) Error() string {
	return "role " + e.Role + " required"
}

type jwtClaims struct {
	jwt.RegisteredClaims
	// Roles defaults to operator when absent.
	Roles []string `json:"roles,omitempty"`
}

func (c *jwtClaims) hasRole(role string) bool {
	if len(c.Roles) == 0 {
		return role == RoleOperator || role == RoleViewer
	}
	for _, r := range c.Roles {
		if r == role || r == RoleOperator {
			return true
		}
	}
	return false
}

func authenticateJWT(token string, secret string) (*jwtClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	return claims, nil
}

// IssueToken signs an HS256 token for subject. A zero ttl means no expiry.
// Without roles the token acts as an operator.
func IssueToken(secret, subject string, ttl time.Duration, roles ...string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret required")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	now := time.Now()
	claims := jwtClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
		Issuer:   "roomops",
	}, Roles: roles}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			claims, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				logger.Debug("rejected bearer token", "error", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			// Reads need viewer; anything that starts a cycle needs operator.
			need := RoleViewer
			if req.Method != http.MethodGet && req.Method != http.MethodHead {
				need = RoleOperator
			}
			if !claims.hasRole(need) {
				ferr := ForbiddenError{Subject: claims.Subject, Role: need}
				respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", ferr.Error(), map[string]any{"subject": claims.Subject}))
				return
			}
			logger.Debug("authenticated request", "subject", claims.Subject, "path", req.URL.Path)
			next.ServeHTTP(w, req)
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
