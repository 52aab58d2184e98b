package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/sokonet/pesaportal/app/controllers"
	"github.com/sokonet/pesaportal/internal/pkg/middleware"
)

type Config struct {
	JWTSecret        string
	CaptivePortalURL string

	// RateLimitMax/RateLimitWindow throttle the public payment endpoints.
	// LimiterStorage is Redis-backed in production so limits hold across
	// restarts; nil falls back to Fiber's in-memory storage.
	RateLimitMax    int
	RateLimitWindow time.Duration
	LimiterStorage  fiber.Storage
}

type HttpRouter struct {
	payments *controllers.PaymentController
	admin    *controllers.AdminController
	auth     *controllers.AuthController
	cfg      Config
}

func NewHttpRouter(payments *controllers.PaymentController, admin *controllers.AdminController, auth *controllers.AuthController, cfg Config) HttpRouter {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 15 * time.Minute
	}
	return HttpRouter{payments: payments, admin: admin, auth: auth, cfg: cfg}
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	h.registerPaymentRoutes(app)
	h.registerAuthRoutes(app)
	h.registerAdminRoutes(app)
	h.registerProbeRoutes(app)
}

func (h HttpRouter) registerPaymentRoutes(app *fiber.App) {
	publicLimiter := limiter.New(limiter.Config{
		Max:        h.cfg.RateLimitMax,
		Expiration: h.cfg.RateLimitWindow,
		Storage:    h.cfg.LimiterStorage,
	})

	payments := app.Group("/api/payments")
	payments.Post("/initiate", publicLimiter, h.payments.HandleInitiate)
	payments.Get("/:reference/status", publicLimiter, h.payments.HandleStatus)
	// Provider webhook: no limiter (the provider retries on rejection),
	// signature-verified in the controller.
	payments.Post("/webhook", h.payments.HandleWebhook)
	payments.Post("/:reference/reconcile", middleware.JWTAuth(h.cfg.JWTSecret), h.payments.HandleReconcile)
}

func (h HttpRouter) registerAuthRoutes(app *fiber.App) {
	auth := app.Group("/api/auth")
	auth.Post("/login", h.auth.HandleLogin)
	auth.Post("/refresh", h.auth.HandleRefresh)
	auth.Post("/logout", middleware.JWTAuth(h.cfg.JWTSecret), h.auth.HandleLogout)
}

func (h HttpRouter) registerAdminRoutes(app *fiber.App) {
	admin := app.Group("/api/admin", middleware.JWTAuth(h.cfg.JWTSecret), middleware.RequireAdmin)
	admin.Get("/sessions", h.admin.HandleSessions)
	admin.Delete("/sessions/:reference", h.admin.HandleRevokeSession)
	admin.Get("/stats", h.admin.HandleStats)
	admin.Get("/suspicious", h.admin.HandleSuspicious)
}

// registerProbeRoutes serves the captive-portal detection endpoints devices
// poke to discover a login page.
func (h HttpRouter) registerProbeRoutes(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	app.Get("/generate_204", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	app.Get("/hotspot-detect.html", func(c *fiber.Ctx) error {
		return c.Redirect(h.cfg.CaptivePortalURL)
	})
}
