package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

// NotificationController serves the caller's inbox.
type NotificationController struct {
	notifier *notification.Service
}

func NewNotificationController(notifier *notification.Service) *NotificationController {
	return &NotificationController{notifier: notifier}
}

func (nc *NotificationController) HandleList(c *fiber.Ctx) error {
	offset, limit := page(c)
	list, unread, err := nc.notifier.List(c.UserContext(), usercontext.GetUserID(c), offset, limit)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(fiber.Map{"notifications": list, "unread": unread})
}

func (nc *NotificationController) HandleMarkRead(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return apperror.Respond(c, err)
	}
	if err := nc.notifier.MarkRead(c.UserContext(), usercontext.GetUserID(c), id); err != nil {
		return apperror.Respond(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (nc *NotificationController) HandleMarkAllRead(c *fiber.Ctx) error {
	n, err := nc.notifier.MarkAllRead(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(fiber.Map{"updated": n})
}
