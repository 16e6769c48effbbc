package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/subscription"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

// SubscriptionController serves plan applications, approvals and visits.
type SubscriptionController struct {
	engine *subscription.Engine
}

func NewSubscriptionController(engine *subscription.Engine) *SubscriptionController {
	return &SubscriptionController{engine: engine}
}

func (sc *SubscriptionController) HandleCreateRequest(c *fiber.Ctx) error {
	var in subscription.RequestInput
	if err := c.BodyParser(&in); err != nil {
		return apperror.Respond(c, apperror.Validation("invalid request body"))
	}
	req, err := sc.engine.CreateRequest(c.UserContext(), usercontext.GetPrincipal(c), in)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

func (sc *SubscriptionController) HandleListRequests(c *fiber.Ctx) error {
	list, err := sc.engine.ListRequests(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(fiber.Map{"requests": list})
}

// HandleAdminListRequests lists applications by status for staff.
func (sc *SubscriptionController) HandleAdminListRequests(c *fiber.Ctx) error {
	offset, limit := page(c)
	list, err := sc.engine.ListAllRequests(c.UserContext(), c.Query("status"), offset, limit)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(fiber.Map{"requests": list})
}

type decisionInput struct {
	Notes  string `json:"admin_notes" validate:"max=1000"`
	Reason string `json:"reason" validate:"max=1000"`
}

func (sc *SubscriptionController) HandleApprove(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return apperror.Respond(c, err)
	}
	var in decisionInput
	if err := bind(c, &in); err != nil {
		return apperror.Respond(c, err)
	}
	sub, err := sc.engine.Approve(c.UserContext(), id, in.Notes)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(sub)
}

func (sc *SubscriptionController) HandleReject(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return apperror.Respond(c, err)
	}
	var in decisionInput
	if err := bind(c, &in); err != nil {
		return apperror.Respond(c, err)
	}
	req, err := sc.engine.Reject(c.UserContext(), id, in.Reason)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(req)
}

// HandleActive returns the caller's current subscription with its counter.
func (sc *SubscriptionController) HandleActive(c *fiber.Ctx) error {
	sub, err := sc.engine.Active(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(sub)
}

func (sc *SubscriptionController) HandleAvailableTimes(c *fiber.Ctx) error {
	date := c.Query("date")
	slots, err := sc.engine.AvailableSlots(c.UserContext(), usercontext.GetPrincipal(c), date)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(fiber.Map{"date": date, "slots": slots})
}

func (sc *SubscriptionController) HandleScheduleVisit(c *fiber.Ctx) error {
	var in subscription.VisitInput
	if err := c.BodyParser(&in); err != nil {
		return apperror.Respond(c, apperror.Validation("invalid request body"))
	}
	visit, err := sc.engine.ScheduleVisit(c.UserContext(), usercontext.GetPrincipal(c), in)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(visit)
}

func (sc *SubscriptionController) HandleListVisits(c *fiber.Ctx) error {
	visits, err := sc.engine.ListVisits(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(fiber.Map{"visits": visits})
}

type completeVisitInput struct {
	TechnicianNotes string `json:"technician_notes" validate:"max=2000"`
}

// HandleCompleteVisit is called by the visiting mechanic or staff.
func (sc *SubscriptionController) HandleCompleteVisit(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return apperror.Respond(c, err)
	}
	var in completeVisitInput
	if err := bind(c, &in); err != nil {
		return apperror.Respond(c, err)
	}
	visit, err := sc.engine.CompleteVisit(c.UserContext(), id, in.TechnicianNotes)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(visit)
}

func (sc *SubscriptionController) HandleCancelVisit(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return apperror.Respond(c, err)
	}
	visit, err := sc.engine.CancelVisit(c.UserContext(), usercontext.GetPrincipal(c), id)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(visit)
}
