package controllers

import (
	"errors"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/sokonet/pesaportal/app/models"
	"github.com/sokonet/pesaportal/internal/pkg/portal"
)

// PaymentController exposes the client-facing payment flow: initiation,
// status polling, the provider webhook and manual admin reconciliation.
type PaymentController struct {
	svc      *portal.Service
	validate *validator.Validate
}

func NewPaymentController(svc *portal.Service) *PaymentController {
	return &PaymentController{
		svc:      svc,
		validate: validator.New(),
	}
}

type initiatePayload struct {
	MAC         string             `json:"mac" validate:"omitempty,mac"`
	IP          string             `json:"ip" validate:"omitempty,ip"`
	Amount      int                `json:"amount" validate:"omitempty,min=1,max=1000"`
	PhoneNumber string             `json:"phoneNumber" validate:"omitempty,numeric,min=10,max=13"`
	DeviceInfo  *models.DeviceInfo `json:"deviceInfo"`
}

func (pc *PaymentController) HandleInitiate(c *fiber.Ctx) error {
	var payload initiatePayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "Malformed request body"})
	}
	if payload.Amount == 0 {
		payload.Amount = 20
	}
	if err := pc.validate.Struct(&payload); err != nil {
		log.Printf("payments: initiation validation failed from %s: %v", c.IP(), err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": err.Error()})
	}

	result, err := pc.svc.Initiate(c.Context(), portal.InitiateRequest{
		MAC:         payload.MAC,
		IP:          payload.IP,
		ClientIP:    c.IP(),
		Amount:      payload.Amount,
		PhoneNumber: payload.PhoneNumber,
		DeviceInfo:  payload.DeviceInfo,
	})
	switch {
	case errors.Is(err, portal.ErrRateLimited), errors.Is(err, portal.ErrHighRisk):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":   "rate_limited",
			"message": "Too many payment attempts. Please try again later.",
		})
	case errors.Is(err, portal.ErrInvalidRequest):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "mac or ip required"})
	case err != nil:
		log.Printf("payments: initiation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}

	return c.JSON(result)
}

func (pc *PaymentController) HandleStatus(c *fiber.Ctx) error {
	status, err := pc.svc.Status(c.Context(), c.Params("reference"))
	switch {
	case errors.Is(err, portal.ErrInvalidRequest):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_reference"})
	case errors.Is(err, portal.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "payment_not_found"})
	case err != nil:
		log.Printf("payments: status check failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
	return c.JSON(status)
}

// HandleWebhook receives the provider callback. Beyond signature and
// structural checks it always acknowledges success, so the provider never
// retries deliveries we have already absorbed.
func (pc *PaymentController) HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("X-Mpesa-Signature")

	err := pc.svc.HandleCallback(c.Context(), rawBody, signature)
	switch {
	case errors.Is(err, portal.ErrInvalidSignature):
		log.Printf("payments: invalid webhook signature from %s", c.IP())
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	case errors.Is(err, portal.ErrInvalidRequest):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_format"})
	case err != nil:
		log.Printf("payments: webhook processing failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"ResultCode": 1, "ResultDesc": "Internal Error"})
	}
	return c.JSON(fiber.Map{"ResultCode": 0, "ResultDesc": "Accepted"})
}

type reconcilePayload struct {
	ProviderTxnID string `json:"providerTxnId"`
}

func (pc *PaymentController) HandleReconcile(c *fiber.Ctx) error {
	var payload reconcilePayload
	if err := c.BodyParser(&payload); err != nil || payload.ProviderTxnID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "providerTxnId required"})
	}

	reference := c.Params("reference")
	err := pc.svc.Reconcile(c.Context(), reference, payload.ProviderTxnID)
	switch {
	case errors.Is(err, portal.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "payment_not_found"})
	case errors.Is(err, portal.ErrVerificationFailed):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "verification_failed"})
	case err != nil:
		log.Printf("payments: manual reconciliation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
	return c.JSON(fiber.Map{"message": "Payment reconciled successfully"})
}
