// Package subscription turns approved plan applications into metered
// entitlements and books the visits drawn from them.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/booking"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/requests"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

// Booker creates the service request that backs a subscription record.
type Booker interface {
	BookFromSubscription(ctx context.Context, tx *repository.Repositories, out *notification.Outbox, b booking.SubscriptionBooking) (*models.ServiceRequest, error)
}

// RequestInput is a customer's plan application.
type RequestInput struct {
	PlanVariantID uint                   `json:"plan_variant_id" validate:"required"`
	Contact       models.ContactSnapshot `json:"contact"`
	Vehicle       models.VehicleSnapshot `json:"vehicle"`
	Notes         string                 `json:"notes" validate:"max=1000"`
}

type Engine struct {
	repos    *repository.Repositories
	requests *requests.Service
	notifier *notification.Service
	booker   Booker
	now      func() time.Time
	loc      *time.Location
	settings func() *models.AppSettings
}

func NewEngine(repos *repository.Repositories, reqs *requests.Service, notifier *notification.Service, booker Booker) *Engine {
	return &Engine{
		repos:    repos,
		requests: reqs,
		notifier: notifier,
		booker:   booker,
		now:      time.Now,
		loc:      time.UTC,
		settings: models.GetAppSettings,
	}
}

// SetClock sets the time source and the zone visit slots are laid out in.
func (e *Engine) SetClock(now func() time.Time, loc *time.Location) {
	e.now = now
	if loc != nil {
		e.loc = loc
	}
}

func (e *Engine) SetSettings(fn func() *models.AppSettings) {
	e.settings = fn
}

// CreateRequest files a plan application together with its pending
// subscription-type service request.
func (e *Engine) CreateRequest(ctx context.Context, p usercontext.Principal, in RequestInput) (*models.SubscriptionRequest, error) {
	if !p.Authenticated() {
		return nil, apperror.Unauthorized("login required")
	}
	variant, err := e.repos.Catalog.GetPlanVariant(ctx, in.PlanVariantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.Validation("unknown plan").WithDetail("plan_variant_id", in.PlanVariantID)
		}
		return nil, apperror.Dependency("load plan", err)
	}

	now := e.now()
	out := notification.NewOutbox()
	var req *models.SubscriptionRequest
	err = e.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		if existing, err := tx.SubscriptionRequest.FindPending(ctx, p.UserID); err == nil {
			return apperror.Conflict("a subscription request is already pending").WithDetail("reference", existing.Reference)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperror.Dependency("check pending requests", err)
		}
		if active, err := tx.UserSubscription.FindActive(ctx, p.UserID, now); err == nil && active.IsActiveAt(now) {
			return apperror.Conflict("an active subscription already exists").WithDetail("subscription_id", active.ID)
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperror.Dependency("check active subscription", err)
		}

		userID := p.UserID
		req = &models.SubscriptionRequest{
			UserID:        p.UserID,
			PlanVariantID: variant.ID,
			Contact:       in.Contact,
			Vehicle:       in.Vehicle,
			Status:        models.SUB_REQUEST_PENDING,
			PendingKey:    &userID,
			Reference:     fmt.Sprintf("SUB-%d-%d-%d", p.UserID, variant.ID, now.Unix()),
			RequestDate:   now,
			AdminNotes:    in.Notes,
		}
		if err := tx.SubscriptionRequest.Create(ctx, req); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperror.Conflict("a subscription request is already pending")
			}
			return apperror.Dependency("create subscription request", err)
		}

		sr, err := e.booker.BookFromSubscription(ctx, tx, out, booking.SubscriptionBooking{
			UserID:                p.UserID,
			Contact:               in.Contact,
			Vehicle:               in.Vehicle,
			SubscriptionRequestID: &req.ID,
			Notes:                 fmt.Sprintf("%s: %s", req.Reference, variant.PlanName),
		})
		if err != nil {
			return err
		}
		req.ServiceRequestID = &sr.ID
		if err := tx.SubscriptionRequest.Save(ctx, req); err != nil {
			return apperror.Dependency("link service request", err)
		}
		req.PlanVariant = *variant

		if _, err := e.notifier.Record(ctx, tx, out, notification.Event{
			UserID:           p.UserID,
			Audience:         notification.AudienceCustomer,
			Kind:             models.NOTIFY_SUBSCRIPTION_REQUESTED,
			Title:            "Subscription requested",
			Message:          fmt.Sprintf("Your request for %s is awaiting approval.", variant.PlanName),
			Data:             map[string]interface{}{"reference": req.Reference, "subscription_request_id": req.ID},
			ServiceRequestID: &sr.ID,
			Email:            in.Contact.Email,
		}); err != nil {
			return err
		}
		if err := e.notifier.NotifyStaff(ctx, tx, out, notification.Event{
			Kind:             models.NOTIFY_SUBSCRIPTION_REQUESTED,
			Title:            "New subscription request",
			Message:          fmt.Sprintf("%s applied for %s.", in.Contact.Name, variant.PlanName),
			Data:             map[string]interface{}{"reference": req.Reference, "subscription_request_id": req.ID},
			ServiceRequestID: &sr.ID,
		}); err != nil {
			return err
		}
		out.SubscriptionChanged("created", req)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notifier.Flush(out)
	log.Infof("[Subscription] Request %s filed by user %d", req.Reference, p.UserID)
	return req, nil
}

// Approve grants the entitlement. Approving an approved request returns the
// subscription it already produced. A customer holds at most one active
// subscription, so approval fails while another one is running.
func (e *Engine) Approve(ctx context.Context, requestID uint, adminNotes string) (*models.UserSubscription, error) {
	out := notification.NewOutbox()
	var sub *models.UserSubscription
	err := e.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		req, err := tx.SubscriptionRequest.GetForUpdate(ctx, requestID)
		if err != nil {
			return apperror.From(err)
		}
		switch req.Status {
		case models.SUB_REQUEST_APPROVED:
			sub, err = tx.UserSubscription.GetByRequestID(ctx, req.ID)
			if err != nil {
				return apperror.From(err)
			}
			return nil
		case models.SUB_REQUEST_PENDING:
		default:
			return apperror.Conflict(fmt.Sprintf("request is %s", req.Status)).WithDetail("status", req.Status)
		}

		now := e.now()
		if active, err := tx.UserSubscription.FindActive(ctx, req.UserID, now); err == nil && active.IsActiveAt(now) {
			return apperror.Conflict("customer already has an active subscription").WithDetail("subscription_id", active.ID)
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperror.Dependency("check active subscription", err)
		}

		variant := req.PlanVariant
		sub = &models.UserSubscription{
			UserID:                req.UserID,
			PlanVariantID:         req.PlanVariantID,
			SubscriptionRequestID: req.ID,
			Contact:               req.Contact,
			Vehicle:               req.Vehicle,
			StartDate:             now,
			EndDate:               now.AddDate(0, 0, models.DurationDays(variant.DurationType)),
			Status:                models.SUB_STATUS_ACTIVE,
			MaxVisits:             variant.MaxVisits,
			RemainingVisits:       variant.MaxVisits,
		}
		if err := tx.UserSubscription.Create(ctx, sub); err != nil {
			return apperror.From(err)
		}
		sub.PlanVariant = variant

		req.Status = models.SUB_REQUEST_APPROVED
		req.PendingKey = nil
		req.ApprovalDate = &now
		req.UserSubscriptionID = &sub.ID
		if adminNotes != "" {
			req.AdminNotes = adminNotes
		}
		if err := tx.SubscriptionRequest.Save(ctx, req); err != nil {
			return apperror.Dependency("approve subscription request", err)
		}

		if req.ServiceRequestID != nil {
			sr, err := e.requests.Transition(ctx, tx, *req.ServiceRequestID, models.SR_STATUS_CONFIRMED, map[string]interface{}{
				"user_subscription_id": sub.ID,
			})
			if err != nil {
				return err
			}
			out.RequestChanged("confirmed", sr)
		}

		if _, err := e.notifier.Record(ctx, tx, out, notification.Event{
			UserID:           req.UserID,
			Audience:         notification.AudienceCustomer,
			Kind:             models.NOTIFY_SUBSCRIPTION_APPROVED,
			Title:            "Subscription approved",
			Message:          fmt.Sprintf("%s is active until %s with %d visits.", variant.PlanName, sub.EndDate.In(e.loc).Format("02 Jan 2006"), sub.MaxVisits),
			Data:             map[string]interface{}{"reference": req.Reference, "subscription_id": sub.ID, "end_date": sub.EndDate},
			ServiceRequestID: req.ServiceRequestID,
			Email:            req.Contact.Email,
		}); err != nil {
			return err
		}
		out.SubscriptionChanged("approved", req)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notifier.Flush(out)
	return sub, nil
}

// Reject closes a pending application and cancels its service request.
func (e *Engine) Reject(ctx context.Context, requestID uint, reason string) (*models.SubscriptionRequest, error) {
	out := notification.NewOutbox()
	var req *models.SubscriptionRequest
	err := e.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		var err error
		req, err = tx.SubscriptionRequest.GetForUpdate(ctx, requestID)
		if err != nil {
			return apperror.From(err)
		}
		if req.Status != models.SUB_REQUEST_PENDING {
			return apperror.Conflict(fmt.Sprintf("request is %s", req.Status)).WithDetail("status", req.Status)
		}
		req.Status = models.SUB_REQUEST_REJECTED
		req.PendingKey = nil
		req.RejectionReason = reason
		if err := tx.SubscriptionRequest.Save(ctx, req); err != nil {
			return apperror.Dependency("reject subscription request", err)
		}

		if req.ServiceRequestID != nil {
			now := e.now()
			sr, err := e.requests.Transition(ctx, tx, *req.ServiceRequestID, models.SR_STATUS_CANCELLED, map[string]interface{}{
				"cancel_reason": "subscription_rejected",
				"cancelled_at":  now,
			})
			if err != nil {
				return err
			}
			out.RequestChanged("cancelled", sr)
		}

		msg := "Your subscription request was not approved."
		if reason != "" {
			msg = fmt.Sprintf("Your subscription request was not approved: %s", reason)
		}
		if _, err := e.notifier.Record(ctx, tx, out, notification.Event{
			UserID:           req.UserID,
			Audience:         notification.AudienceCustomer,
			Kind:             models.NOTIFY_SUBSCRIPTION_REJECTED,
			Title:            "Subscription rejected",
			Message:          msg,
			Data:             map[string]interface{}{"reference": req.Reference, "reason": reason},
			ServiceRequestID: req.ServiceRequestID,
			Email:            req.Contact.Email,
		}); err != nil {
			return err
		}
		out.SubscriptionChanged("rejected", req)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notifier.Flush(out)
	return req, nil
}

// Active returns the customer's usable subscription, or NotFound.
func (e *Engine) Active(ctx context.Context, userID uint) (*models.UserSubscription, error) {
	now := e.now()
	sub, err := e.repos.UserSubscription.FindActive(ctx, userID, now)
	if err != nil {
		return nil, apperror.From(err)
	}
	if !sub.IsActiveAt(now) {
		return nil, apperror.NotFound("no active subscription")
	}
	return sub, nil
}

func (e *Engine) ListRequests(ctx context.Context, userID uint) ([]models.SubscriptionRequest, error) {
	return e.repos.SubscriptionRequest.ListByUser(ctx, userID)
}

// ListAllRequests is the admin queue. An empty status lists everything.
func (e *Engine) ListAllRequests(ctx context.Context, status string, offset, limit int) ([]models.SubscriptionRequest, error) {
	switch status {
	case "", models.SUB_REQUEST_PENDING, models.SUB_REQUEST_APPROVED, models.SUB_REQUEST_REJECTED:
	default:
		return nil, apperror.Validation("unknown status").WithDetail("status", status)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.repos.SubscriptionRequest.ListByStatus(ctx, status, offset, limit)
}

func (e *Engine) ListSubscriptions(ctx context.Context, userID uint) ([]models.UserSubscription, error) {
	return e.repos.UserSubscription.ListByUser(ctx, userID)
}

// ExpireDue ends subscriptions past their end date and cancels the visits
// booked beyond it.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	now := e.now()
	due, err := e.repos.UserSubscription.ListExpired(ctx, now)
	if err != nil {
		return 0, apperror.Dependency("list expired subscriptions", err)
	}
	expired := 0
	for _, candidate := range due {
		out := notification.NewOutbox()
		changed := false
		err := e.repos.Transaction(ctx, func(tx *repository.Repositories) error {
			out.Reset()
			changed = false
			sub, err := tx.UserSubscription.GetForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if sub.Status != models.SUB_STATUS_ACTIVE || !sub.EndDate.Before(now) {
				return nil
			}
			sub.Status = models.SUB_STATUS_EXPIRED
			if err := tx.UserSubscription.Save(ctx, sub); err != nil {
				return err
			}

			visits, err := tx.Visit.ListScheduledAfter(ctx, sub.ID, sub.EndDate)
			if err != nil {
				return err
			}
			for i := range visits {
				if err := e.dropVisit(ctx, tx, out, &visits[i], models.CANCEL_REASON_SUB_EXPIRED, now); err != nil {
					return err
				}
			}

			_, err = e.notifier.Record(ctx, tx, out, notification.Event{
				UserID:   sub.UserID,
				Audience: notification.AudienceCustomer,
				Kind:     models.NOTIFY_SUBSCRIPTION_EXPIRED,
				Title:    "Subscription expired",
				Message:  fmt.Sprintf("Your subscription ended with %d unused visits.", sub.RemainingVisits),
				Data:     map[string]interface{}{"subscription_id": sub.ID, "remaining_visits": sub.RemainingVisits},
				Email:    sub.Contact.Email,
			})
			changed = err == nil
			return err
		})
		if err != nil {
			log.Errorf("[Subscription] Expiring subscription %d failed: %v", candidate.ID, err)
			continue
		}
		if changed {
			expired++
		}
		e.notifier.Flush(out)
	}
	if expired > 0 {
		log.Infof("[Subscription] Expired %d subscriptions", expired)
	}
	return expired, nil
}
