package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/vanpelt/runbridge/internal/logger"
)

// TokenCookie is the cookie a browser viewer may carry instead of a header.
const TokenCookie = "runbridge_token"

type Claims struct {
	Source    string `json:"source"` // "cli" or "browser"
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// AuthMiddleware guards the broker's HTTP surface with HS256 tokens signed
// by a shared secret. A nil *AuthMiddleware lets everything through.
type AuthMiddleware struct {
	secret []byte
	now    func() time.Time
}

// NewAuthMiddleware returns nil when secret is empty: no auth required.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	if secret == "" {
		return nil
	}
	return &AuthMiddleware{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// RequireAuth rejects requests without a valid token
func (am *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	if am == nil {
		return c.Next()
	}

	if c.Path() == "/health" {
		return c.Next()
	}

	token := extractToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	claims, err := am.ValidateToken(token)
	if err != nil {
		logger.Debugf("API auth failed: %v", err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid or expired token",
		})
	}

	c.Locals("claims", claims)
	return c.Next()
}

// extractToken checks the Authorization header, then the cookie, then the
// token query parameter (browsers cannot set headers on a WebSocket upgrade).
func extractToken(c *fiber.Ctx) string {
	if authHeader := c.Get(fiber.HeaderAuthorization); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie := c.Cookies(TokenCookie); cookie != "" {
		return cookie
	}
	return c.Query("token")
}

// ValidateToken checks format, signature and expiry.
func (am *AuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid token format")
	}

	expected := sign(am.secret, parts[0]+"."+parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, fmt.Errorf("invalid signature")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if am.now().Unix() > claims.ExpiresAt {
		return nil, fmt.Errorf("token expired")
	}
	return &claims, nil
}

// GenerateToken mints a token for source valid for duration.
func GenerateToken(secret, source string, duration time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("API secret is not configured")
	}

	now := time.Now()
	claims := Claims{
		Source:    source,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(duration).Unix(),
	}

	headerJSON, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(claimsJSON)
	return signingInput + "." + sign([]byte(secret), signingInput), nil
}

func sign(secret []byte, input string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(input))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
