package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/cache"
	"github.com/repairmybike/rmb-backend/internal/pkg/database"
	"github.com/repairmybike/rmb-backend/internal/pkg/env"
)

func main() {
	app, container := NewApplication()
	container.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("[Main] Shutting down")
		container.Stop()
		_ = app.Shutdown()
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "8000"))); err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *Container) {
	env.SetupEnvFile()
	if env.IsDev() {
		log.SetLevel(log.LevelDebug)
	}
	db := database.SetupDatabase()
	cache.SetupCache()

	// Define possible base paths
	basePaths := []string{
		"./",     // Current directory
		"../../", // From cmd/rmb to project root
	}
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "docs/openapi.yml"); err == nil {
			basePath = path
			break
		}
	}

	app := fiber.New(fiber.Config{
		AppName:      "rmb-backend",
		BodyLimit:    12 << 20,
		ErrorHandler: apperror.Respond,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "change-me"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	if basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/",
			FilePath: basePath + "docs/openapi.yml",
			Path:     "api",
		}))
	} else {
		log.Warn("[Main] docs/openapi.yml not found, API docs disabled")
	}

	container := NewContainer(db)
	container.Install(app)

	return app, container
}
