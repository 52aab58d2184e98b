package controllers

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/sokonet/pesaportal/internal/pkg/env"
	"github.com/sokonet/pesaportal/internal/pkg/middleware"
)

// AuthController issues admin JWTs against a single env-configured
// credential. There is no user database; the admin identity is deployment
// configuration.
type AuthController struct {
	username     string
	passwordHash string
	jwtSecret    string
}

func NewAuthControllerFromEnv() *AuthController {
	return &AuthController{
		username:     env.GetEnv("ADMIN_USERNAME", "admin"),
		passwordHash: env.GetEnv("ADMIN_PASSWORD_HASH", ""),
		jwtSecret:    env.GetEnv("JWT_SECRET", ""),
	}
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *AuthController) HandleLogin(c *fiber.Ctx) error {
	var payload loginPayload
	if err := c.BodyParser(&payload); err != nil || payload.Username == "" || payload.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "Username and password required"})
	}

	if payload.Username != a.username ||
		bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(payload.Password)) != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid credentials"})
	}

	token, err := a.signToken(jwt.MapClaims{
		"username": payload.Username,
		"role":     "admin",
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}

	refreshToken, err := a.signToken(jwt.MapClaims{
		"username": payload.Username,
		"type":     "refresh",
		"exp":      time.Now().Add(7 * 24 * time.Hour).Unix(),
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}

	log.Printf("auth: admin login successful (user=%s ip=%s)", payload.Username, c.IP())
	return c.JSON(fiber.Map{
		"token":        token,
		"refreshToken": refreshToken,
		"user":         fiber.Map{"username": payload.Username, "role": "admin"},
	})
}

type refreshPayload struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *AuthController) HandleRefresh(c *fiber.Ctx) error {
	var payload refreshPayload
	if err := c.BodyParser(&payload); err != nil || payload.RefreshToken == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "Refresh token required"})
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(payload.RefreshToken, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(a.jwtSecret), nil
	})
	if err != nil || !parsed.Valid {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid refresh token"})
	}
	if tokenType, _ := claims["type"].(string); tokenType != "refresh" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid refresh token"})
	}

	username, _ := claims["username"].(string)
	token, err := a.signToken(jwt.MapClaims{
		"username": username,
		"role":     "admin",
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
	return c.JSON(fiber.Map{"token": token})
}

func (a *AuthController) HandleLogout(c *fiber.Ctx) error {
	log.Printf("auth: admin logout (user=%s)", middleware.Username(c))
	return c.JSON(fiber.Map{"message": "Logged out successfully"})
}

func (a *AuthController) signToken(claims jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.jwtSecret))
}
