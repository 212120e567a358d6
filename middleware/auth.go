package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"mailcore/utils"
)

const userIDKey = "user_id"

// RequireUser authenticates the caller from an HS256 bearer token and
// stores its subject as the user id
func RequireUser(secret, issuer string) fiber.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			return utils.UnauthorizedError("missing bearer token", nil)
		}

		var claims jwt.RegisteredClaims
		_, err := parser.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil {
			utils.Log.Debug("Rejected bearer token: %v", err)
			return utils.UnauthorizedError("invalid bearer token", err)
		}
		if claims.Subject == "" {
			return utils.UnauthorizedError("token has no subject", nil)
		}

		c.Locals(userIDKey, claims.Subject)
		return c.Next()
	}
}

// UserID returns the caller id set by RequireUser
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(userIDKey).(string)
	return id
}

// IssueToken signs a caller token for userID
func IssueToken(secret, issuer, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
