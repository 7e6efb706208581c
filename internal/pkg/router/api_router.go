package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/velopress/velopress/app/controllers"
	"github.com/velopress/velopress/internal/pkg/cache"
	"github.com/velopress/velopress/internal/pkg/env"
	"github.com/velopress/velopress/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: 1 * time.Minute,
		Storage:    newLimiterStorage(),
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")

	// Public catalog reads
	v1.Get("/books", controllers.HandleListBooks)
	v1.Get("/books/:id", controllers.HandleGetBook)

	// Service-to-service surface for the content-gating frontend
	internal := v1.Group("/", middleware.InternalAuthMiddleware())
	internal.Get("/access/:userID/:bookID", controllers.HandleCheckAccess)
	internal.Get("/purchases/:paymentID/access-key", controllers.HandleGetAccessKey)
	internal.Get("/users/:userID/purchases", controllers.HandleListUserPurchases)
	internal.Post("/books/:id/payment-link", controllers.HandleCreatePaymentLink)
}

// newLimiterStorage backs the rate limiter with Redis so limits hold across
// horizontally scaled instances. Reuses the cache connection settings,
// database 1 keeps limiter keys apart from cache entries.
func newLimiterStorage() *redis.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client := cache.GetClient(); client != nil {
		if h, p, err := net.SplitHostPort(client.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
