package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/booking"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

// Visit slots start on the hour from FirstSlotHour to LastSlotHour local time.
const (
	FirstSlotHour  = 9
	LastSlotHour   = 16
	MaxVisitsOnDay = 8
)

// VisitInput books a visit. A zero SubscriptionID selects the caller's
// active subscription.
type VisitInput struct {
	SubscriptionID uint      `json:"subscription_id"`
	ScheduledAt    time.Time `json:"scheduled_at" validate:"required"`
	ServiceNotes   string    `json:"service_notes" validate:"max=1000"`
}

// Slot is one bookable hour on a day.
type Slot struct {
	Start     time.Time `json:"start"`
	Time      string    `json:"time"`
	Available bool      `json:"available"`
	Remaining int       `json:"remaining"`
}

func (e *Engine) dayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(e.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.loc)
	return start, start.AddDate(0, 0, 1)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// checkSlot applies the calendar rules that do not depend on other bookings.
func (e *Engine) checkSlot(at time.Time) error {
	local := at.In(e.loc)
	if !at.After(e.now()) {
		return apperror.Validation("visit must be in the future").WithDetail("scheduled_at", at)
	}
	if isWeekend(local) {
		return apperror.Validation("visits are only available on weekdays").WithDetail("scheduled_at", at)
	}
	if local.Hour() < FirstSlotHour || local.Hour() > LastSlotHour {
		return apperror.Validation(fmt.Sprintf("visits run from %02d:00 to %02d:00", FirstSlotHour, LastSlotHour+1)).
			WithDetail("scheduled_at", at)
	}
	return nil
}

func (e *Engine) slotCapacity() int {
	return e.settings().GetVisitSlotCapacity()
}

// ownedSubscription locks the subscription a visit is drawn from.
func (e *Engine) ownedSubscription(ctx context.Context, tx *repository.Repositories, p usercontext.Principal, id uint) (*models.UserSubscription, error) {
	if id == 0 {
		active, err := tx.UserSubscription.FindActive(ctx, p.UserID, e.now())
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperror.NotFound("no active subscription")
			}
			return nil, apperror.Dependency("load subscription", err)
		}
		id = active.ID
	}
	sub, err := tx.UserSubscription.GetForUpdate(ctx, id)
	if err != nil {
		return nil, apperror.From(err)
	}
	if !p.CanSee(&sub.UserID) {
		return nil, apperror.NotFound("not found")
	}
	return sub, nil
}

// ScheduleVisit reserves a slot. The visit counter is only drawn down on
// completion.
func (e *Engine) ScheduleVisit(ctx context.Context, p usercontext.Principal, in VisitInput) (*models.VisitSchedule, error) {
	if err := e.checkSlot(in.ScheduledAt); err != nil {
		return nil, err
	}
	at := in.ScheduledAt

	out := notification.NewOutbox()
	var visit *models.VisitSchedule
	err := e.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		sub, err := e.ownedSubscription(ctx, tx, p, in.SubscriptionID)
		if err != nil {
			return err
		}
		if !sub.IsActiveAt(e.now()) {
			return apperror.Conflict("subscription is not active").WithDetail("status", sub.Status)
		}
		if !sub.Covers(at) {
			return apperror.Validation("visit falls outside the subscription period").
				WithDetail("end_date", sub.EndDate)
		}

		from, to := e.dayBounds(at)
		booked, err := tx.Visit.LockScheduledBetween(ctx, from, to)
		if err != nil {
			return apperror.Dependency("load day schedule", err)
		}
		if len(booked) >= MaxVisitsOnDay {
			return apperror.Conflict("no visits left on this day")
		}
		inSlot := 0
		for _, v := range booked {
			if v.UserSubscriptionID == sub.ID {
				return apperror.Conflict("a visit is already scheduled on this day").WithDetail("visit_id", v.ID)
			}
			if v.ScheduledDate.In(e.loc).Hour() == at.In(e.loc).Hour() {
				inSlot++
			}
		}
		if inSlot >= e.slotCapacity() {
			return apperror.Conflict("slot is fully booked")
		}

		sr, err := e.booker.BookFromSubscription(ctx, tx, out, booking.SubscriptionBooking{
			UserID:             sub.UserID,
			Contact:            sub.Contact,
			Vehicle:            sub.Vehicle,
			UserSubscriptionID: &sub.ID,
			ScheduledAt:        &at,
			Notes:              in.ServiceNotes,
		})
		if err != nil {
			return err
		}
		if _, err := e.requests.Transition(ctx, tx, sr.ID, models.SR_STATUS_CONFIRMED, nil); err != nil {
			return err
		}
		sr, err = e.requests.Transition(ctx, tx, sr.ID, models.SR_STATUS_SCHEDULED, nil)
		if err != nil {
			return err
		}

		visit = &models.VisitSchedule{
			UserSubscriptionID: sub.ID,
			ScheduledDate:      at,
			Status:             models.VISIT_SCHEDULED,
			ServiceNotes:       in.ServiceNotes,
			ServiceRequestID:   &sr.ID,
		}
		if err := tx.Visit.Create(ctx, visit); err != nil {
			return apperror.Dependency("create visit", err)
		}

		if _, err := e.notifier.Record(ctx, tx, out, notification.Event{
			UserID:           sub.UserID,
			Audience:         notification.AudienceCustomer,
			Kind:             models.NOTIFY_VISIT_SCHEDULED,
			Title:            "Visit scheduled",
			Message:          fmt.Sprintf("Your visit is booked for %s.", at.In(e.loc).Format("Mon 02 Jan 15:04")),
			Data:             map[string]interface{}{"visit_id": visit.ID, "scheduled_at": at, "reference": sr.Reference},
			ServiceRequestID: &sr.ID,
			Email:            sub.Contact.Email,
		}); err != nil {
			return err
		}
		out.RequestChanged("scheduled", sr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notifier.Flush(out)
	return visit, nil
}

// AvailableSlots lists the hours of date (YYYY-MM-DD, local) and whether
// the caller could still book them.
func (e *Engine) AvailableSlots(ctx context.Context, p usercontext.Principal, date string) ([]Slot, error) {
	day, err := time.ParseInLocation("2006-01-02", date, e.loc)
	if err != nil {
		return nil, apperror.Validation("date must be YYYY-MM-DD").WithDetail("date", date)
	}
	if isWeekend(day) {
		return []Slot{}, nil
	}

	from, to := e.dayBounds(day)
	booked, err := e.repos.Visit.ListScheduledBetween(ctx, from, to)
	if err != nil {
		return nil, apperror.Dependency("load day schedule", err)
	}

	var own *models.UserSubscription
	if p.IsCustomer {
		if sub, err := e.repos.UserSubscription.FindActive(ctx, p.UserID, e.now()); err == nil {
			own = sub
		}
	}

	perHour := make(map[int]int)
	ownBooked := false
	for _, v := range booked {
		perHour[v.ScheduledDate.In(e.loc).Hour()]++
		if own != nil && v.UserSubscriptionID == own.ID {
			ownBooked = true
		}
	}

	capacity := e.slotCapacity()
	now := e.now()
	slots := make([]Slot, 0, LastSlotHour-FirstSlotHour+1)
	for h := FirstSlotHour; h <= LastSlotHour; h++ {
		start := time.Date(day.Year(), day.Month(), day.Day(), h, 0, 0, 0, e.loc)
		remaining := capacity - perHour[h]
		if remaining < 0 {
			remaining = 0
		}
		available := remaining > 0 &&
			start.After(now) &&
			len(booked) < MaxVisitsOnDay &&
			!ownBooked &&
			(own == nil || own.Covers(start))
		slots = append(slots, Slot{
			Start:     start,
			Time:      start.Format("15:04"),
			Available: available,
			Remaining: remaining,
		})
	}
	return slots, nil
}

// CompleteVisit draws one visit from the subscription and closes the backing
// service request. Completing a completed visit changes nothing.
func (e *Engine) CompleteVisit(ctx context.Context, visitID uint, technicianNotes string) (*models.VisitSchedule, error) {
	out := notification.NewOutbox()
	var visit *models.VisitSchedule
	err := e.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		var err error
		visit, err = tx.Visit.GetForUpdate(ctx, visitID)
		if err != nil {
			return apperror.From(err)
		}
		switch visit.Status {
		case models.VISIT_COMPLETED:
			return nil
		case models.VISIT_SCHEDULED:
		default:
			return apperror.Conflict(fmt.Sprintf("visit is %s", visit.Status)).WithDetail("status", visit.Status)
		}

		sub, err := tx.UserSubscription.GetForUpdate(ctx, visit.UserSubscriptionID)
		if err != nil {
			return apperror.From(err)
		}
		if sub.RemainingVisits <= 0 {
			return apperror.Conflict("no visits remaining on this subscription")
		}

		now := e.now()
		visit.Status = models.VISIT_COMPLETED
		visit.CompletionDate = &now
		if technicianNotes != "" {
			visit.TechnicianNotes = technicianNotes
		}
		if err := tx.Visit.Save(ctx, visit); err != nil {
			return apperror.Dependency("complete visit", err)
		}
		sub.RemainingVisits--
		sub.LastVisitDate = &now
		if err := tx.UserSubscription.Save(ctx, sub); err != nil {
			return apperror.Dependency("update visit counter", err)
		}

		if visit.ServiceRequestID != nil {
			sr, err := e.finishRequest(ctx, tx, *visit.ServiceRequestID, now)
			if err != nil {
				return err
			}
			if sr != nil {
				out.RequestChanged("completed", sr)
			}
		}

		_, err = e.notifier.Record(ctx, tx, out, notification.Event{
			UserID:           sub.UserID,
			Audience:         notification.AudienceCustomer,
			Kind:             models.NOTIFY_VISIT_COMPLETED,
			Title:            "Visit completed",
			Message:          fmt.Sprintf("Visit done. %d of %d visits left.", sub.RemainingVisits, sub.MaxVisits),
			Data:             map[string]interface{}{"visit_id": visit.ID, "remaining_visits": sub.RemainingVisits},
			ServiceRequestID: visit.ServiceRequestID,
			Email:            sub.Contact.Email,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notifier.Flush(out)
	return visit, nil
}

// finishRequest walks a visit's service request to completed.
func (e *Engine) finishRequest(ctx context.Context, tx *repository.Repositories, id uint, now time.Time) (*models.ServiceRequest, error) {
	sr, err := tx.ServiceRequest.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.From(err)
	}
	switch sr.Status {
	case models.SR_STATUS_COMPLETED:
		return nil, nil
	case models.SR_STATUS_CONFIRMED, models.SR_STATUS_SCHEDULED:
		if _, err := e.requests.Transition(ctx, tx, id, models.SR_STATUS_IN_PROGRESS, nil); err != nil {
			return nil, err
		}
	}
	return e.requests.Transition(ctx, tx, id, models.SR_STATUS_COMPLETED, map[string]interface{}{"completed_at": now})
}

// CancelVisit frees the slot. The counter is left alone.
func (e *Engine) CancelVisit(ctx context.Context, p usercontext.Principal, visitID uint) (*models.VisitSchedule, error) {
	out := notification.NewOutbox()
	var visit *models.VisitSchedule
	err := e.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		var err error
		visit, err = tx.Visit.GetForUpdate(ctx, visitID)
		if err != nil {
			return apperror.From(err)
		}
		sub, err := tx.UserSubscription.GetByID(ctx, visit.UserSubscriptionID)
		if err != nil {
			return apperror.From(err)
		}
		if !p.CanSee(&sub.UserID) {
			return apperror.Forbidden("not your visit")
		}
		if visit.Status != models.VISIT_SCHEDULED {
			return apperror.Conflict(fmt.Sprintf("visit is %s", visit.Status)).WithDetail("status", visit.Status)
		}
		now := e.now()
		if err := e.dropVisit(ctx, tx, out, visit, models.CANCEL_REASON_VISIT_CANCELED, now); err != nil {
			return err
		}
		_, err = e.notifier.Record(ctx, tx, out, notification.Event{
			UserID:           sub.UserID,
			Audience:         notification.AudienceCustomer,
			Kind:             models.NOTIFY_VISIT_CANCELLED,
			Title:            "Visit cancelled",
			Message:          fmt.Sprintf("Your visit on %s was cancelled.", visit.ScheduledDate.In(e.loc).Format("Mon 02 Jan 15:04")),
			Data:             map[string]interface{}{"visit_id": visit.ID},
			ServiceRequestID: visit.ServiceRequestID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.notifier.Flush(out)
	return visit, nil
}

// dropVisit cancels a scheduled visit and its service request.
func (e *Engine) dropVisit(ctx context.Context, tx *repository.Repositories, out *notification.Outbox, visit *models.VisitSchedule, reason string, now time.Time) error {
	visit.Status = models.VISIT_CANCELLED
	if visit.ServiceNotes == "" {
		visit.ServiceNotes = reason
	} else {
		visit.ServiceNotes += "\n" + reason
	}
	if err := tx.Visit.Save(ctx, visit); err != nil {
		return apperror.Dependency("cancel visit", err)
	}
	if visit.ServiceRequestID == nil {
		return nil
	}
	sr, err := e.requests.Transition(ctx, tx, *visit.ServiceRequestID, models.SR_STATUS_CANCELLED, map[string]interface{}{
		"cancel_reason": reason,
		"cancelled_at":  now,
	})
	if err != nil {
		if apperror.IsKind(err, apperror.KindConflict) {
			log.Warnf("[Subscription] Visit %d request already closed: %v", visit.ID, err)
			return nil
		}
		return err
	}
	out.RequestChanged("cancelled", sr)
	return nil
}

// ListVisits returns every visit across the customer's subscriptions.
func (e *Engine) ListVisits(ctx context.Context, userID uint) ([]models.VisitSchedule, error) {
	subs, err := e.repos.UserSubscription.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperror.Dependency("list subscriptions", err)
	}
	var visits []models.VisitSchedule
	for _, sub := range subs {
		vs, err := e.repos.Visit.ListBySubscription(ctx, sub.ID)
		if err != nil {
			return nil, apperror.Dependency("list visits", err)
		}
		visits = append(visits, vs...)
	}
	sort.SliceStable(visits, func(i, j int) bool { return visits[i].ScheduledDate.Before(visits[j].ScheduledDate) })
	return visits, nil
}
