// Package tracking handles mechanic traffic on a live job: location pings,
// offer answers, tracking start and completion.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/dispatch"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/pushbus"
	"github.com/repairmybike/rmb-backend/internal/pkg/requests"
)

// Frame types relayed to customers and admins.
const (
	FrameLocationUpdate   = "location_update"
	FrameTrackingStarted  = "tracking_started"
	FrameTrackingStalled  = "tracking_stalled"
	FrameServiceCompleted = "service_completed"
)

// LocationUpdate is a mechanic ping. Without a request it only refreshes the
// mechanic's position for candidate search.
type LocationUpdate struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
	RequestID *uint   `json:"request_id"`
}

type LocationFrame struct {
	Type      string    `json:"type"`
	RequestID uint      `json:"request_id"`
	StaffID   uint      `json:"staff_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusFrame struct {
	Type        string           `json:"type"`
	RequestID   uint             `json:"request_id"`
	Reference   string           `json:"reference"`
	StaffID     uint             `json:"staff_id,omitempty"`
	At          time.Time        `json:"at"`
	ServiceCost *decimal.Decimal `json:"service_cost,omitempty"`
}

type Hub struct {
	repos    *repository.Repositories
	requests *requests.Service
	notifier *notification.Service
	bus      pushbus.Publisher
	now      func() time.Time
	stall    func() time.Duration

	startMu sync.Mutex
}

func NewHub(repos *repository.Repositories, reqs *requests.Service, notifier *notification.Service, bus pushbus.Publisher) *Hub {
	return &Hub{
		repos:    repos,
		requests: reqs,
		notifier: notifier,
		bus:      bus,
		now:      time.Now,
		stall:    func() time.Duration { return models.GetAppSettings().GetTrackingStallWindow() },
	}
}

// SetClock overrides the time source.
func (h *Hub) SetClock(now func() time.Time) {
	h.now = now
}

// SetStallWindow overrides the silence threshold.
func (h *Hub) SetStallWindow(fn func() time.Duration) {
	h.stall = fn
}

func (h *Hub) staffFor(ctx context.Context, userID uint) (*models.FieldStaff, error) {
	staff, err := h.repos.FieldStaff.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.Forbidden("not a field staff account")
		}
		return nil, apperror.Dependency("load field staff", err)
	}
	return staff, nil
}

// assigned loads requestID and checks it belongs to staff.
func (h *Hub) assigned(ctx context.Context, tx *repository.Repositories, staff *models.FieldStaff, requestID uint) (*models.ServiceRequest, error) {
	sr, err := tx.ServiceRequest.GetByID(ctx, requestID)
	if err != nil {
		return nil, apperror.From(err)
	}
	if sr.AssignedStaffID == nil || *sr.AssignedStaffID != staff.ID {
		return nil, apperror.Forbidden("request is not assigned to you")
	}
	return sr, nil
}

// HandleLocation stores a ping and relays it to the customer and admin tracking.
func (h *Hub) HandleLocation(ctx context.Context, staffUserID uint, in LocationUpdate) error {
	staff, err := h.staffFor(ctx, staffUserID)
	if err != nil {
		return err
	}
	now := h.now()
	if err := h.repos.FieldStaff.UpdateLocation(ctx, staff.ID, in.Latitude, in.Longitude, now); err != nil {
		return apperror.Dependency("update mechanic location", err)
	}
	if in.RequestID == nil {
		return nil
	}

	sr, err := h.assigned(ctx, h.repos, staff, *in.RequestID)
	if err != nil {
		return err
	}
	if sr.Status != models.SR_STATUS_IN_PROGRESS {
		return apperror.Conflict(fmt.Sprintf("request is %s, not in progress", sr.Status))
	}

	if err := h.repos.LiveLocation.Append(ctx, &models.LiveLocation{
		FieldStaffID:     staff.ID,
		ServiceRequestID: sr.ID,
		Latitude:         in.Latitude,
		Longitude:        in.Longitude,
		Timestamp:        now,
	}); err != nil {
		return apperror.Dependency("store location", err)
	}

	if sr.TrackingStartedAt == nil {
		if err := h.start(ctx, staff, sr.ID); err != nil {
			return err
		}
	} else if sr.TrackingStalledAt != nil {
		if err := h.repos.ServiceRequest.Update(ctx, sr.ID, map[string]interface{}{"tracking_stalled_at": nil}); err != nil {
			return apperror.Dependency("resume tracking", err)
		}
		log.Infof("[Tracking] %s resumed after stall", sr.Reference)
	}

	frame := LocationFrame{
		Type:      FrameLocationUpdate,
		RequestID: sr.ID,
		StaffID:   staff.ID,
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
		Timestamp: now,
	}
	if sr.UserID != nil {
		h.push(pushbus.CustomerGroup(*sr.UserID), frame)
	}
	h.push(pushbus.AdminTrackingGroup, frame)
	return nil
}

// HandleResponse forwards an offer answer to the dispatch run of the request.
func (h *Hub) HandleResponse(ctx context.Context, staffUserID, requestID uint, action, eta string) error {
	if action != models.RESPONSE_ACCEPT && action != models.RESPONSE_DECLINE {
		return apperror.Validation("response must be accept or decline").WithDetail("response", action)
	}
	staff, err := h.staffFor(ctx, staffUserID)
	if err != nil {
		return err
	}
	sr, err := h.repos.ServiceRequest.GetByID(ctx, requestID)
	if err != nil {
		return apperror.From(err)
	}
	if sr.Status != models.SR_STATUS_CONFIRMED {
		h.push(pushbus.MechanicGroup(staffUserID), dispatch.CancelledFrame{
			Type: dispatch.FrameCancelled, RequestID: requestID, Reason: dispatch.ReasonWithdrawn,
		})
		return apperror.Conflict("offer is no longer open")
	}
	return h.bus.Publish(pushbus.DispatchTopic(requestID), dispatch.Response{
		RequestID: requestID,
		StaffID:   staff.ID,
		Action:    action,
		ETA:       eta,
	})
}

// StartTracking marks the beginning of the trip without a location fix.
func (h *Hub) StartTracking(ctx context.Context, staffUserID, requestID uint) error {
	staff, err := h.staffFor(ctx, staffUserID)
	if err != nil {
		return err
	}
	sr, err := h.assigned(ctx, h.repos, staff, requestID)
	if err != nil {
		return err
	}
	if sr.Status != models.SR_STATUS_IN_PROGRESS {
		return apperror.Conflict(fmt.Sprintf("request is %s, not in progress", sr.Status))
	}
	return h.start(ctx, staff, requestID)
}

// start stamps tracking_started_at once and tells the customer.
func (h *Hub) start(ctx context.Context, staff *models.FieldStaff, requestID uint) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()

	out := notification.NewOutbox()
	err := h.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		sr, err := tx.ServiceRequest.GetByID(ctx, requestID)
		if err != nil {
			return apperror.From(err)
		}
		if sr.TrackingStartedAt != nil {
			return nil
		}
		now := h.now()
		if err := tx.ServiceRequest.Update(ctx, sr.ID, map[string]interface{}{
			"tracking_started_at": now,
			"tracking_stalled_at": nil,
		}); err != nil {
			return apperror.Dependency("start tracking", err)
		}
		if sr.UserID != nil {
			out.Push(pushbus.CustomerGroup(*sr.UserID), StatusFrame{
				Type: FrameTrackingStarted, RequestID: sr.ID, Reference: sr.Reference, StaffID: staff.ID, At: now,
			})
			if _, err := h.notifier.Record(ctx, tx, out, notification.Event{
				UserID:           *sr.UserID,
				Audience:         notification.AudienceCustomer,
				Kind:             models.NOTIFY_TRACKING_STARTED,
				Title:            "Mechanic is on the way",
				Message:          fmt.Sprintf("Live tracking for %s has started.", sr.Reference),
				Data:             map[string]interface{}{"reference": sr.Reference, "staff_id": staff.ID},
				ServiceRequestID: &sr.ID,
			}); err != nil {
				return err
			}
		}
		out.Push(pushbus.AdminTrackingGroup, StatusFrame{
			Type: FrameTrackingStarted, RequestID: sr.ID, Reference: sr.Reference, StaffID: staff.ID, At: now,
		})
		return nil
	})
	if err != nil {
		return err
	}
	h.notifier.Flush(out)
	return nil
}

// CompleteService closes the job and frees the mechanic.
func (h *Hub) CompleteService(ctx context.Context, staffUserID, requestID uint, serviceCost decimal.Decimal, notes string) (*models.ServiceRequest, error) {
	if serviceCost.IsNegative() {
		return nil, apperror.Validation("service_cost must not be negative")
	}
	staff, err := h.staffFor(ctx, staffUserID)
	if err != nil {
		return nil, err
	}

	out := notification.NewOutbox()
	var done *models.ServiceRequest
	err = h.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		sr, err := h.assigned(ctx, tx, staff, requestID)
		if err != nil {
			return err
		}
		now := h.now()
		fields := map[string]interface{}{
			"completed_at": now,
			"service_cost": serviceCost.Round(2),
		}
		if notes != "" {
			fields["notes"] = appendNote(sr.Notes, notes)
		}
		done, err = h.requests.Transition(ctx, tx, sr.ID, models.SR_STATUS_COMPLETED, fields)
		if err != nil {
			return err
		}
		released, err := tx.FieldStaff.Release(ctx, staff.ID, sr.ID, true)
		if err != nil {
			return apperror.Dependency("release mechanic", err)
		}
		if !released {
			return apperror.Conflict("mechanic is not bound to this request")
		}

		cost := serviceCost.Round(2)
		if done.UserID != nil {
			out.Push(pushbus.CustomerGroup(*done.UserID), StatusFrame{
				Type: FrameServiceCompleted, RequestID: done.ID, Reference: done.Reference,
				StaffID: staff.ID, At: now, ServiceCost: &cost,
			})
			if _, err := h.notifier.Record(ctx, tx, out, notification.Event{
				UserID:           *done.UserID,
				Audience:         notification.AudienceCustomer,
				Kind:             models.NOTIFY_SERVICE_COMPLETED,
				Title:            "Service completed",
				Message:          fmt.Sprintf("Your service %s is complete.", done.Reference),
				Data:             map[string]interface{}{"reference": done.Reference, "service_cost": cost.StringFixed(2)},
				ServiceRequestID: &done.ID,
				Email:            done.Contact.Email,
			}); err != nil {
				return err
			}
		}
		out.RequestChanged("completed", done)
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.notifier.Flush(out)
	log.Infof("[Tracking] %s completed by mechanic %d", done.Reference, staff.ID)
	return done, nil
}

// SweepStalled flags in-progress jobs whose mechanic has been silent longer
// than the stall window. Jobs are never cancelled here.
func (h *Hub) SweepStalled(ctx context.Context) (int, error) {
	active, err := h.repos.ServiceRequest.ListByStatus(ctx, models.SR_STATUS_IN_PROGRESS)
	if err != nil {
		return 0, apperror.Dependency("list active jobs", err)
	}
	now := h.now()
	window := h.stall()
	flagged := 0

	for i := range active {
		sr := &active[i]
		if sr.AssignedStaffID == nil || sr.TrackingStalledAt != nil {
			continue
		}
		last := sr.UpdatedAt
		if sr.TrackingStartedAt != nil {
			last = *sr.TrackingStartedAt
		}
		if loc, err := h.repos.LiveLocation.Latest(ctx, sr.ID); err == nil {
			last = loc.Timestamp
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return flagged, apperror.Dependency("load latest location", err)
		}
		if now.Sub(last) < window {
			continue
		}
		if err := h.flagStalled(ctx, sr, last); err != nil {
			log.Warnf("[Tracking] Flagging %s as stalled failed: %v", sr.Reference, err)
			continue
		}
		flagged++
	}
	return flagged, nil
}

func (h *Hub) flagStalled(ctx context.Context, sr *models.ServiceRequest, lastSeen time.Time) error {
	out := notification.NewOutbox()
	now := h.now()
	err := h.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		if err := tx.ServiceRequest.Update(ctx, sr.ID, map[string]interface{}{"tracking_stalled_at": now}); err != nil {
			return err
		}
		ev := notification.Event{
			Kind:             models.NOTIFY_TRACKING_STALLED,
			Title:            "Tracking paused",
			Message:          fmt.Sprintf("No location from the mechanic on %s since %s.", sr.Reference, lastSeen.Format(time.Kitchen)),
			Data:             map[string]interface{}{"reference": sr.Reference, "last_seen": lastSeen},
			ServiceRequestID: &sr.ID,
		}
		if sr.UserID != nil {
			customerEv := ev
			customerEv.UserID = *sr.UserID
			customerEv.Audience = notification.AudienceCustomer
			if _, err := h.notifier.Record(ctx, tx, out, customerEv); err != nil {
				return err
			}
			out.Push(pushbus.CustomerGroup(*sr.UserID), StatusFrame{
				Type: FrameTrackingStalled, RequestID: sr.ID, Reference: sr.Reference, At: now,
			})
		}
		out.Push(pushbus.AdminTrackingGroup, StatusFrame{
			Type: FrameTrackingStalled, RequestID: sr.ID, Reference: sr.Reference, At: now,
		})
		return h.notifier.NotifyStaff(ctx, tx, out, ev)
	})
	if err != nil {
		return err
	}
	h.notifier.Flush(out)
	log.Warnf("[Tracking] %s stalled, last ping %s", sr.Reference, lastSeen.Format(time.RFC3339))
	return nil
}

// PruneLocations drops breadcrumbs of jobs that ended more than retention ago.
func (h *Hub) PruneLocations(ctx context.Context, retention time.Duration) (int64, error) {
	return h.repos.LiveLocation.PruneFinished(ctx, h.now().Add(-retention))
}

func (h *Hub) push(group string, frame interface{}) {
	if err := h.bus.Publish(group, frame); err != nil {
		log.Warnf("[Tracking] Push to %s failed: %v", group, err)
	}
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}
