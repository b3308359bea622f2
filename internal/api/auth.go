package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Role is the access level of a caller.
type Role string

const (
	RoleReadOnly Role = "readonly"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleLevel = map[Role]int{
	RoleReadOnly: 1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// Auth modes.
const (
	AuthNone   = "none"
	AuthAPIKey = "api-key"
	AuthJWT    = "jwt"
)

// AuthConfig selects how callers are authenticated.
type AuthConfig struct {
	Mode      string
	APIKey    string
	JWTSecret string
}

// Claims is the JWT payload accepted in jwt mode.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token carrying role.
func IssueToken(secret, subject string, role Role, ttl time.Duration) (string, error) {
	if _, ok := roleLevel[role]; !ok {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return signed, nil
}

func parseToken(secret, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if _, ok := roleLevel[claims.Role]; !ok {
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// NewAuthMiddleware validates the Authorization header and stores the
// caller's role in c.Locals("role").
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Mode == AuthNone || cfg.Mode == "" {
			c.Locals("role", RoleAdmin)
			return c.Next()
		}
		if isProbe(c.Path()) {
			return c.Next()
		}

		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized", "Authorization header is required")
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized", "Authorization header must use Bearer scheme")
		}

		switch cfg.Mode {
		case AuthAPIKey:
			if cfg.APIKey != "" && token == cfg.APIKey {
				c.Locals("role", RoleAdmin)
				return c.Next()
			}
			logger.Warn().Str("path", c.Path()).Str("method", c.Method()).Msg("unauthorized request: invalid API key")
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_api_key", "Unauthorized", "Invalid API key")
		case AuthJWT:
			claims, err := parseToken(cfg.JWTSecret, token)
			if err != nil {
				detail := "Invalid token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					detail = "Token expired"
				}
				logger.Warn().Err(err).Str("path", c.Path()).Msg("unauthorized request: invalid token")
				return problemResponse(c, fiber.StatusUnauthorized, "invalid_token", "Unauthorized", detail)
			}
			c.Locals("role", claims.Role)
			c.Locals("subject", claims.Subject)
			return c.Next()
		}
		return problemResponse(c, fiber.StatusInternalServerError,
			"auth_misconfigured", "Internal Server Error", "Unknown auth mode")
	}
}

// requireRole rejects callers below minRole.
func requireRole(minRole Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, _ := c.Locals("role").(Role)
		if roleLevel[role] < roleLevel[minRole] {
			return problemResponse(c, fiber.StatusForbidden,
				"insufficient_role", "Forbidden", "Insufficient permissions for this operation")
		}
		return c.Next()
	}
}
