package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/sokonet/pesaportal/app/controllers"
	"github.com/sokonet/pesaportal/internal/pkg/access"
	"github.com/sokonet/pesaportal/internal/pkg/env"
	"github.com/sokonet/pesaportal/internal/pkg/fraud"
	"github.com/sokonet/pesaportal/internal/pkg/kv"
	"github.com/sokonet/pesaportal/internal/pkg/ledger"
	"github.com/sokonet/pesaportal/internal/pkg/mpesa"
	"github.com/sokonet/pesaportal/internal/pkg/portal"
	"github.com/sokonet/pesaportal/internal/pkg/router"
	"github.com/sokonet/pesaportal/internal/pkg/session"
)

func main() {
	app := NewApplication(context.Background())
	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000"))
	log.Printf("pesaportal listening on %s", addr)
	log.Fatal(app.Listen(addr))
}

// NewApplication wires every component explicitly and returns the HTTP app.
// Nothing in the engine is reachable through package globals; collaborators
// receive their dependencies here.
func NewApplication(ctx context.Context) *fiber.App {
	env.SetupEnvFile()

	store, err := kv.New(kv.Options{
		Addr:     env.GetEnv("REDIS_HOST", "localhost") + ":" + env.GetEnv("REDIS_PORT", "6379"),
		Password: env.GetEnv("REDIS_PASSWORD", ""),
	})
	if err != nil {
		log.Fatalf("store connection failed: %v", err)
	}

	gate := fraud.NewGate(store, fraud.Config{
		Threshold:      intEnv("FRAUD_RISK_THRESHOLD", 70),
		MaxIPAttempts:  intEnv("FRAUD_MAX_IP_ATTEMPTS", 10),
		MaxMACAttempts: intEnv("FRAUD_MAX_MAC_ATTEMPTS", 5),
		AttemptTTL:     time.Hour,
		BurstWindow:    time.Duration(intEnv("FRAUD_BURST_WINDOW_SECONDS", 5)) * time.Second,
	})

	led := ledger.New(store, ledger.Config{
		PendingTTL:   time.Hour,
		ConfirmedTTL: 24 * time.Hour,
		MatchWindow:  time.Duration(intEnv("PAYMENT_MATCH_WINDOW_MINUTES", 15)) * time.Minute,
	})

	sessions := session.NewRegistry(store)
	orchestrator := access.NewOrchestrator(store, buildEnforcers(), access.DefaultConfig())
	go orchestrator.RunSweeper(ctx)

	svc := portal.NewService(store, gate, led, sessions, orchestrator, mpesa.NewClientFromEnv(), portal.Config{
		SessionTTL:    time.Duration(intEnv("SESSION_TTL_MINUTES", 60)) * time.Minute,
		Shortcode:     env.GetEnv("MPESA_SHORTCODE", "123456"),
		WebhookSecret: env.GetEnv("WEBHOOK_SECRET", ""),
	})

	app := fiber.New(fiber.Config{
		AppName: "pesaportal",
	})
	app.Use(recover.New(), logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: env.GetEnv("CORS_ORIGINS", "*"),
	}))

	limiterStorage := redisstorage.New(redisstorage.Config{
		Host:     env.GetEnv("REDIS_HOST", "localhost"),
		Port:     intEnv("REDIS_PORT", 6379),
		Password: env.GetEnv("REDIS_PASSWORD", ""),
	})

	httpRouter := router.NewHttpRouter(
		controllers.NewPaymentController(svc),
		controllers.NewAdminController(svc),
		controllers.NewAuthControllerFromEnv(),
		router.Config{
			JWTSecret:        env.GetEnv("JWT_SECRET", ""),
			CaptivePortalURL: env.GetEnv("CAPTIVE_PORTAL_URL", "http://192.168.1.1:3000"),
			RateLimitMax:     intEnv("RATE_LIMIT_MAX_REQUESTS", 100),
			RateLimitWindow:  time.Duration(intEnv("RATE_LIMIT_WINDOW_MS", 900000)) * time.Millisecond,
			LimiterStorage:   limiterStorage,
		},
	)
	httpRouter.InstallRouter(app)

	return app
}

// buildEnforcers assembles the enabled backends in a fixed order. A backend
// that fails to initialize is skipped with a log line; partial enforcement
// beats refusing to start.
func buildEnforcers() []access.NetworkEnforcer {
	runner := access.NewExecRunner(time.Duration(intEnv("ENFORCER_TIMEOUT_SECONDS", 10)) * time.Second)
	var enforcers []access.NetworkEnforcer

	if env.GetEnv("COOVA_CHILLI_ENABLED", "false") == "true" {
		enforcers = append(enforcers, access.NewChilliEnforcer(env.GetEnv("CHILLI_LOCALUSERS", "/etc/chilli/localusers"), runner))
	}
	if env.GetEnv("FREERADIUS_ENABLED", "false") == "true" {
		radius, err := access.NewRadiusEnforcer(env.GetEnv("RADIUS_DSN", "radius:radius@tcp(localhost:3306)/radius"))
		if err != nil {
			log.Printf("freeradius enforcer disabled: %v", err)
		} else {
			enforcers = append(enforcers, radius)
		}
	}
	if env.GetEnv("IPTABLES_ENABLED", "false") == "true" {
		enforcers = append(enforcers, access.NewIptablesEnforcer(runner))
	}

	if len(enforcers) == 0 {
		log.Printf("no network enforcers enabled; grants are store-only")
	}
	return enforcers
}

func intEnv(key string, def int) int {
	if v, err := strconv.Atoi(env.GetEnv(key, strconv.Itoa(def))); err == nil {
		return v
	}
	return def
}
