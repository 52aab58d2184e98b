package controllers

import (
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/sokonet/pesaportal/internal/pkg/middleware"
	"github.com/sokonet/pesaportal/internal/pkg/portal"
)

// AdminController exposes session visibility, revocation and system stats to
// authenticated admins.
type AdminController struct {
	svc *portal.Service
}

func NewAdminController(svc *portal.Service) *AdminController {
	return &AdminController{svc: svc}
}

func (ac *AdminController) HandleSessions(c *fiber.Ctx) error {
	state := ac.svc.Active(c.Context())
	return c.JSON(fiber.Map{
		"sessions": state.Sessions,
		"grants":   state.Grants,
		"total":    len(state.Sessions),
	})
}

func (ac *AdminController) HandleRevokeSession(c *fiber.Ctx) error {
	reference := c.Params("reference")
	if err := ac.svc.RevokeSession(c.Context(), reference); err != nil {
		log.Printf("admin: revoke %s failed: %v", reference, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}

	log.Printf("admin: session %s revoked by %s", reference, middleware.Username(c))
	return c.JSON(fiber.Map{"message": "Session revoked successfully"})
}

func (ac *AdminController) HandleStats(c *fiber.Ctx) error {
	return c.JSON(ac.svc.SystemStats(c.Context()))
}

func (ac *AdminController) HandleSuspicious(c *fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	activities := ac.svc.Suspicious(c.Context(), limit)
	return c.JSON(fiber.Map{
		"activities": activities,
		"total":      len(activities),
	})
}
