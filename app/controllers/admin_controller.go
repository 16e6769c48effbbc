package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
	"github.com/repairmybike/rmb-backend/internal/pkg/adminfeed"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/jobqueue"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/requests"
	"github.com/repairmybike/rmb-backend/internal/pkg/statistics"
)

// QueueStats reports background queue state.
type QueueStats interface {
	Snapshot(ctx context.Context) (jobqueue.Snapshot, error)
}

// AdminController serves the staff dashboard API.
type AdminController struct {
	requests *requests.Service
	stats    *statistics.Service
	feed     *adminfeed.Feed
	notifier *notification.Service
	settings repository.SettingRepository
	queue    QueueStats
}

func NewAdminController(reqs *requests.Service, stats *statistics.Service, feed *adminfeed.Feed, notifier *notification.Service, settings repository.SettingRepository, queue QueueStats) *AdminController {
	return &AdminController{
		requests: reqs,
		stats:    stats,
		feed:     feed,
		notifier: notifier,
		settings: settings,
		queue:    queue,
	}
}

func (ac *AdminController) HandleStatistics(c *fiber.Ctx) error {
	snap, err := ac.stats.Get(c.UserContext())
	if err != nil {
		return apperror.Respond(c, apperror.Dependency("load statistics", err))
	}
	days := c.QueryInt("days", 0)
	if days <= 0 {
		return c.JSON(snap)
	}
	if days > 90 {
		days = 90
	}
	daily, err := ac.stats.Daily(c.UserContext(), days)
	if err != nil {
		return apperror.Respond(c, apperror.Dependency("load daily statistics", err))
	}
	return c.JSON(fiber.Map{"statistics": snap, "daily": daily})
}

// HandleRequests returns the union feed of recent sell, service and
// subscription requests.
func (ac *AdminController) HandleRequests(c *fiber.Ctx) error {
	_, limit := page(c)
	items, err := ac.feed.Recent(c.UserContext(), limit)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(fiber.Map{"requests": items})
}

func (ac *AdminController) HandleListBookings(c *fiber.Ctx) error {
	offset, limit := page(c)
	filter := repository.ServiceRequestFilter{
		Status:       c.Query("status"),
		PurchaseType: c.Query("purchase_type"),
		Offset:       offset,
		Limit:        limit,
	}
	if uid := c.QueryInt("user_id", 0); uid > 0 {
		u := uint(uid)
		filter.UserID = &u
	}
	list, total, err := ac.requests.ListAll(c.UserContext(), filter)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(fiber.Map{"bookings": list, "total": total})
}

func (ac *AdminController) HandleConfirm(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return apperror.Respond(c, err)
	}
	sr, err := ac.requests.Confirm(c.UserContext(), id)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(sr)
}

type rejectInput struct {
	Reason string `json:"reason" validate:"max=1000"`
}

func (ac *AdminController) HandleReject(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return apperror.Respond(c, err)
	}
	var in rejectInput
	if err := bind(c, &in); err != nil {
		return apperror.Respond(c, err)
	}
	sr, err := ac.requests.Reject(c.UserContext(), id, in.Reason)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(sr)
}

func (ac *AdminController) HandleNotifications(c *fiber.Ctx) error {
	list, err := ac.notifier.Recent(c.UserContext(), adminfeed.FeedLimit)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(fiber.Map{"notifications": list})
}

func (ac *AdminController) HandleQueues(c *fiber.Ctx) error {
	if ac.queue == nil {
		return c.JSON(jobqueue.Snapshot{})
	}
	snap, err := ac.queue.Snapshot(c.UserContext())
	if err != nil {
		return apperror.Respond(c, apperror.Dependency("read queue", err))
	}
	return c.JSON(snap)
}

func (ac *AdminController) HandleGetSettings(c *fiber.Ctx) error {
	s, err := ac.settings.Get()
	if err != nil {
		return apperror.Respond(c, err)
	}
	data, err := s.ToJSON()
	if err != nil {
		return apperror.Respond(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(data)
}

// HandleUpdateSettings applies a partial update on top of the current settings.
func (ac *AdminController) HandleUpdateSettings(c *fiber.Ctx) error {
	current, err := ac.settings.Get()
	if err != nil {
		return apperror.Respond(c, err)
	}
	data, err := current.ToJSON()
	if err != nil {
		return apperror.Respond(c, err)
	}
	next := models.DefaultAppSettings()
	if err := next.FromJSON(data); err != nil {
		return apperror.Respond(c, err)
	}
	if err := next.FromJSON(c.Body()); err != nil {
		return apperror.Respond(c, apperror.Validation("invalid request body"))
	}
	if err := next.Validate(); err != nil {
		return apperror.Respond(c, err)
	}
	if err := ac.settings.Save(next); err != nil {
		return apperror.Respond(c, err)
	}
	out, err := next.ToJSON()
	if err != nil {
		return apperror.Respond(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(out)
}
