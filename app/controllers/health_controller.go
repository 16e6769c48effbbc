package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/repairmybike/rmb-backend/internal/pkg/cache"
)

func HandleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"cache":  cache.Available(),
	})
}
