// Package requests owns the service request lifecycle. Every status write goes
// through Transition, which is a compare-and-set against the allowed sources.
package requests

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
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

// Dispatcher starts the mechanic search for a confirmed request.
type Dispatcher interface {
	Schedule(requestID uint)
}

type Service struct {
	repos      *repository.Repositories
	notifier   *notification.Service
	dispatcher Dispatcher
	now        func() time.Time
}

func NewService(repos *repository.Repositories, notifier *notification.Service) *Service {
	return &Service{repos: repos, notifier: notifier, now: time.Now}
}

// SetDispatcher wires the dispatch trigger after construction.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Transition moves request id to status `to` inside tx. The move only happens if
// the current status is a legal source for `to`; otherwise a Conflict is returned.
func (s *Service) Transition(ctx context.Context, tx *repository.Repositories, id uint, to string, fields map[string]interface{}) (*models.ServiceRequest, error) {
	if !models.IsValidStatus(to) {
		return nil, apperror.Validation("unknown status").WithDetail("status", to)
	}
	ok, err := tx.ServiceRequest.CompareAndSetStatus(ctx, id, models.TransitionSources(to), to, fields)
	if err != nil {
		return nil, apperror.Dependency("update service request", err)
	}
	current, err := tx.ServiceRequest.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("service request not found")
		}
		return nil, apperror.Dependency("load service request", err)
	}
	if !ok {
		return nil, apperror.Conflict(fmt.Sprintf("cannot move request from %s to %s", current.Status, to)).
			WithDetail("status", current.Status)
	}
	return current, nil
}

// Get returns a request visible to p.
func (s *Service) Get(ctx context.Context, p usercontext.Principal, id uint) (*models.ServiceRequest, error) {
	sr, err := s.repos.ServiceRequest.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.From(err)
	}
	if !p.CanSee(sr.UserID) {
		return nil, apperror.NotFound("not found")
	}
	return sr, nil
}

func (s *Service) GetByReference(ctx context.Context, p usercontext.Principal, ref string) (*models.ServiceRequest, error) {
	sr, err := s.repos.ServiceRequest.GetByReference(ctx, ref)
	if err != nil {
		return nil, apperror.From(err)
	}
	if !p.CanSee(sr.UserID) {
		return nil, apperror.NotFound("not found")
	}
	return sr, nil
}

// ListForCustomer returns the caller's requests without hidden ones.
func (s *Service) ListForCustomer(ctx context.Context, userID uint) ([]models.ServiceRequest, error) {
	return s.repos.ServiceRequest.ListForCustomer(ctx, userID, false)
}

func (s *Service) ListAll(ctx context.Context, filter repository.ServiceRequestFilter) ([]models.ServiceRequest, int64, error) {
	if filter.Status != "" && !models.IsValidStatus(filter.Status) {
		return nil, 0, apperror.Validation("unknown status").WithDetail("status", filter.Status)
	}
	return s.repos.ServiceRequest.List(ctx, filter)
}

// HideCancelled soft-hides the caller's cancelled requests. Repeating it is harmless.
func (s *Service) HideCancelled(ctx context.Context, userID uint) (int64, error) {
	return s.repos.ServiceRequest.HideCancelled(ctx, userID)
}

// Cancel cancels a request on behalf of p. Customers may cancel their own
// requests, staff any request, while it is pending, confirmed or scheduled.
// A linked pending subscription request is withdrawn and a linked visit cancelled.
func (s *Service) Cancel(ctx context.Context, p usercontext.Principal, id uint) (*models.ServiceRequest, error) {
	out := notification.NewOutbox()
	var result *models.ServiceRequest

	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		sr, err := tx.ServiceRequest.GetByID(ctx, id)
		if err != nil {
			return apperror.From(err)
		}
		if !p.CanSee(sr.UserID) {
			return apperror.Forbidden("not allowed to cancel this booking")
		}

		now := s.now()
		sr, err = s.Transition(ctx, tx, id, models.SR_STATUS_CANCELLED, map[string]interface{}{
			"cancel_reason": models.CANCEL_REASON_CUSTOMER,
			"cancelled_at":  now,
			"cancelled_by":  p.UserID,
		})
		if err != nil {
			return err
		}

		if err := s.cascadeCancel(ctx, tx, out, sr, now); err != nil {
			return err
		}

		if sr.UserID != nil {
			if _, err := s.notifier.Record(ctx, tx, out, notification.Event{
				UserID:           *sr.UserID,
				Audience:         notification.AudienceCustomer,
				Kind:             models.NOTIFY_BOOKING_CANCELLED,
				Title:            "Booking cancelled",
				Message:          fmt.Sprintf("Your booking %s has been cancelled.", sr.Reference),
				Data:             map[string]interface{}{"reference": sr.Reference, "reason": sr.CancelReason},
				ServiceRequestID: &sr.ID,
				Email:            sr.Contact.Email,
			}); err != nil {
				return err
			}
		}
		out.DispatchWithdrawn(sr.ID)
		out.RequestChanged("cancelled", sr)
		result = sr
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Flush(out)
	log.Infof("[Requests] %s cancelled by user %d", result.Reference, p.UserID)
	return result, nil
}

func (s *Service) cascadeCancel(ctx context.Context, tx *repository.Repositories, out *notification.Outbox, sr *models.ServiceRequest, now time.Time) error {
	if sr.SubscriptionRequestID != nil {
		req, err := tx.SubscriptionRequest.GetForUpdate(ctx, *sr.SubscriptionRequestID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperror.Dependency("load subscription request", err)
		}
		if req != nil && req.Status == models.SUB_REQUEST_PENDING {
			req.Status = models.SUB_REQUEST_REJECTED
			req.RejectionReason = "withdrawn by customer"
			req.PendingKey = nil
			if err := tx.SubscriptionRequest.Save(ctx, req); err != nil {
				return apperror.Dependency("withdraw subscription request", err)
			}
			out.SubscriptionChanged("withdrawn", req)
		}
	}

	visit, err := tx.Visit.FindByServiceRequest(ctx, sr.ID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return apperror.Dependency("load visit", err)
	}
	if visit != nil && visit.Status == models.VISIT_SCHEDULED {
		visit.Status = models.VISIT_CANCELLED
		visit.ServiceNotes = appendNote(visit.ServiceNotes, models.CANCEL_REASON_CUSTOMER)
		if err := tx.Visit.Save(ctx, visit); err != nil {
			return apperror.Dependency("cancel visit", err)
		}
	}
	return nil
}

// Confirm promotes a pending request and, when it carries a location and no
// mechanic yet, starts dispatch after commit.
func (s *Service) Confirm(ctx context.Context, id uint) (*models.ServiceRequest, error) {
	out := notification.NewOutbox()
	var sr *models.ServiceRequest
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		sr, err = s.ConfirmTx(ctx, tx, out, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Flush(out)
	s.MaybeDispatch(sr)
	return sr, nil
}

// ConfirmTx is Confirm within an existing transaction. The caller flushes out
// and calls MaybeDispatch after commit.
func (s *Service) ConfirmTx(ctx context.Context, tx *repository.Repositories, out *notification.Outbox, id uint) (*models.ServiceRequest, error) {
	sr, err := s.Transition(ctx, tx, id, models.SR_STATUS_CONFIRMED, nil)
	if err != nil {
		return nil, err
	}
	if sr.UserID != nil {
		if _, err := s.notifier.Record(ctx, tx, out, notification.Event{
			UserID:           *sr.UserID,
			Audience:         notification.AudienceCustomer,
			Kind:             models.NOTIFY_BOOKING_CONFIRMED,
			Title:            "Booking confirmed",
			Message:          fmt.Sprintf("Your booking %s is confirmed.", sr.Reference),
			Data:             map[string]interface{}{"reference": sr.Reference},
			ServiceRequestID: &sr.ID,
			Email:            sr.Contact.Email,
		}); err != nil {
			return nil, err
		}
	}
	out.RequestChanged("confirmed", sr)
	return sr, nil
}

// MaybeDispatch schedules dispatch for a confirmed, located, unassigned request.
// Subscription-backed requests are served by scheduled visits instead.
func (s *Service) MaybeDispatch(sr *models.ServiceRequest) {
	if s.dispatcher == nil || sr == nil {
		return
	}
	if sr.Status != models.SR_STATUS_CONFIRMED || sr.AssignedStaffID != nil ||
		sr.PurchaseType == models.PURCHASE_SUBSCRIPTION || !sr.Contact.HasLocation() {
		return
	}
	s.dispatcher.Schedule(sr.ID)
}

// Reject closes a pending request with a staff decision.
func (s *Service) Reject(ctx context.Context, id uint, reason string) (*models.ServiceRequest, error) {
	out := notification.NewOutbox()
	var sr *models.ServiceRequest
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		fields := map[string]interface{}{}
		if reason != "" {
			fields["notes"] = reason
		}
		sr, err = s.Transition(ctx, tx, id, models.SR_STATUS_REJECTED, fields)
		if err != nil {
			return err
		}
		if sr.UserID != nil {
			if _, err := s.notifier.Record(ctx, tx, out, notification.Event{
				UserID:           *sr.UserID,
				Audience:         notification.AudienceCustomer,
				Kind:             models.NOTIFY_BOOKING_REJECTED,
				Title:            "Booking rejected",
				Message:          fmt.Sprintf("Your booking %s could not be accepted.", sr.Reference),
				Data:             map[string]interface{}{"reference": sr.Reference, "reason": reason},
				ServiceRequestID: &sr.ID,
				Email:            sr.Contact.Email,
			}); err != nil {
				return err
			}
		}
		out.RequestChanged("rejected", sr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Flush(out)
	return sr, nil
}

// AddAttachment stores a blob URL against a request visible to p.
func (s *Service) AddAttachment(ctx context.Context, p usercontext.Principal, id uint, url, contentType string) (*models.ServiceRequestAttachment, error) {
	if _, err := s.Get(ctx, p, id); err != nil {
		return nil, err
	}
	att := &models.ServiceRequestAttachment{
		ServiceRequestID: id,
		URL:              url,
		ContentType:      contentType,
		UploadedBy:       p.UserID,
	}
	if err := s.repos.ServiceRequest.AddAttachment(ctx, att); err != nil {
		return nil, apperror.From(err)
	}
	return att, nil
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}
