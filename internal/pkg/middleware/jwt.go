package middleware

import (
	"fmt"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	localsUsername = "auth_username"
	localsRole     = "auth_role"
)

// JWTAuth authenticates requests carrying a Bearer token signed with the
// shared admin secret.
func JWTAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractBearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Access token required"})
		}

		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			log.Printf("auth: invalid token from %s: %v", c.IP(), err)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "Invalid or expired token"})
		}

		if username, ok := claims["username"].(string); ok {
			c.Locals(localsUsername, username)
		}
		if role, ok := claims["role"].(string); ok {
			c.Locals(localsRole, role)
		}
		return c.Next()
	}
}

// RequireAdmin gates a route on the admin role claim.
func RequireAdmin(c *fiber.Ctx) error {
	if role, _ := c.Locals(localsRole).(string); role != "admin" {
		log.Printf("auth: unauthorized admin access attempt from %s (user=%s)", c.IP(), Username(c))
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "Admin access required"})
	}
	return c.Next()
}

// Username returns the authenticated username, empty when anonymous.
func Username(c *fiber.Ctx) string {
	username, _ := c.Locals(localsUsername).(string)
	return username
}

func extractBearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
