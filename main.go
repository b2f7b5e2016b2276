package main

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	apiv1 "github.com/ManuelReschke/HookFox/internal/api/v1"
	"github.com/ManuelReschke/HookFox/internal/pkg/cache"
	"github.com/ManuelReschke/HookFox/internal/pkg/drain"
	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/queue"
	"github.com/ManuelReschke/HookFox/internal/pkg/ratelimit"
	"github.com/ManuelReschke/HookFox/internal/pkg/router"
	"github.com/ManuelReschke/HookFox/internal/pkg/upstream"
	"github.com/ManuelReschke/HookFox/internal/pkg/verification"
)

func main() {
	app, manager := NewApplication()

	manager.Start()
	defer manager.Stop()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() (*fiber.App, *drain.Manager) {
	env.SetupEnvFile()
	cache.SetupCache()

	limiter := ratelimit.NewFromEnv()
	client, err := upstream.NewFromEnv(limiter)
	if err != nil {
		log.Fatalf("upstream client: %v", err)
	}
	store, err := queue.NewStoreFromEnv(client)
	if err != nil {
		log.Fatalf("queue store: %v", err)
	}

	tokens := verification.NewChannelFromCache()
	worker := drain.NewWorker(store, drain.NewRegistry())
	manager := drain.NewManager(worker)

	app := fiber.New(fiber.Config{
		AppName: "HookFox",
	})
	app.Use(recover.New(), logger.New())

	// ROUTER
	router.InstallRouter(app, apiv1.NewAPIServer(store, tokens, manager))

	return app, manager
}
