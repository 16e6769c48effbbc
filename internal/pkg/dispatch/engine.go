// Package dispatch finds a mechanic for a confirmed service request: it offers
// the job to every free mechanic in range and binds the first who accepts.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/geo"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/pricing"
	"github.com/repairmybike/rmb-backend/internal/pkg/pushbus"
	"github.com/repairmybike/rmb-backend/internal/pkg/requests"
)

// Config bounds one dispatch run.
type Config struct {
	RadiusKm     float64
	OfferTimeout time.Duration
	RetryDelay   time.Duration
	Deadline     time.Duration
}

// ConfigFromSettings reads the dispatch policy from application settings.
func ConfigFromSettings(s *models.AppSettings) Config {
	return Config{
		RadiusKm:     s.GetDispatchRadiusKm(),
		OfferTimeout: s.GetOfferTimeout(),
		RetryDelay:   s.GetDispatchRetryDelay(),
		Deadline:     s.GetDispatchDeadline(),
	}
}

// Bus is the part of the push broker the engine needs.
type Bus interface {
	pushbus.Publisher
	Subscribe(group string) *pushbus.Subscription
}

// Outcome summarises a finished run.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeNoMechanic Outcome = "no_mechanic_available"
	OutcomeOutOfRange Outcome = "out_of_service_area"
	OutcomeWithdrawn  Outcome = "withdrawn"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeInProgress Outcome = "already_running"
)

var (
	errRequestGone = errors.New("request no longer awaiting a mechanic")
	errStaffBusy   = errors.New("mechanic already bound to another job")
)

type candidate struct {
	staff      models.FieldStaff
	distanceKm float64
}

type Engine struct {
	repos    *repository.Repositories
	requests *requests.Service
	notifier *notification.Service
	pricing  *pricing.Resolver
	bus      Bus
	config   func() Config
	now      func() time.Time

	mu      sync.Mutex
	running map[uint]struct{}
}

func NewEngine(repos *repository.Repositories, reqs *requests.Service, notifier *notification.Service, resolver *pricing.Resolver, bus Bus) *Engine {
	return &Engine{
		repos:    repos,
		requests: reqs,
		notifier: notifier,
		pricing:  resolver,
		bus:      bus,
		config:   func() Config { return ConfigFromSettings(models.GetAppSettings()) },
		now:      time.Now,
		running:  make(map[uint]struct{}),
	}
}

// SetConfig overrides the policy source.
func (e *Engine) SetConfig(fn func() Config) {
	e.config = fn
}

// Schedule runs dispatch for requestID on its own goroutine.
func (e *Engine) Schedule(requestID uint) {
	go func() {
		if _, err := e.Run(context.Background(), requestID); err != nil {
			log.Errorf("[Dispatch] Run for request %d failed: %v", requestID, err)
		}
	}()
}

// RunDispatch is Run for callers that only care about failure.
func (e *Engine) RunDispatch(ctx context.Context, requestID uint) error {
	outcome, err := e.Run(ctx, requestID)
	if err == nil {
		log.Debugf("[Dispatch] Request %d finished: %s", requestID, outcome)
	}
	return err
}

// Run executes the dispatch algorithm for one request and blocks until a
// mechanic accepted, the request was cancelled, or the deadline passed.
// Only one run per request is active in a process.
func (e *Engine) Run(ctx context.Context, requestID uint) (Outcome, error) {
	if !e.claim(requestID) {
		return OutcomeInProgress, nil
	}
	defer e.release(requestID)

	cfg := e.config()
	ctx, cancel := context.WithTimeout(ctx, cfg.Deadline)
	defer cancel()

	// Subscribe before any offer goes out so no response is missed.
	sub := e.bus.Subscribe(pushbus.DispatchTopic(requestID))
	defer sub.Close()

	sr, err := e.repos.ServiceRequest.GetByID(ctx, requestID)
	if err != nil {
		return "", apperror.From(err)
	}
	if sr.Status != models.SR_STATUS_CONFIRMED || sr.AssignedStaffID != nil {
		return OutcomeSkipped, nil
	}
	point := geo.PointFrom(sr.Contact.Latitude, sr.Contact.Longitude)
	if point == nil {
		log.Warnf("[Dispatch] Request %s has no location, waiting for manual assignment", sr.Reference)
		return OutcomeSkipped, nil
	}

	declined := map[uint]bool{}
	for round := 1; round <= 2; round++ {
		candidates, err := e.candidates(ctx, point, cfg.RadiusKm, declined)
		if err != nil {
			return "", err
		}
		if len(candidates) == 0 {
			log.Infof("[Dispatch] No mechanic within %.1f km for %s (round %d)", cfg.RadiusKm, sr.Reference, round)
			return e.cancel(ctx, sr, models.CANCEL_REASON_NO_MECHANIC)
		}

		if round == 1 {
			quote, err := e.pricing.Surcharge(ctx, point)
			if err != nil {
				return "", apperror.Dependency("resolve surcharge", err)
			}
			if quote.OutOfRange {
				log.Infof("[Dispatch] %s is %.2f km from the centre, outside the service area", sr.Reference, quote.DistanceKm)
				return e.cancel(ctx, sr, models.CANCEL_REASON_OUT_OF_RANGE)
			}
		}

		outcome, err := e.offerRound(ctx, sub, sr, candidates, cfg.OfferTimeout, declined)
		if err != nil || outcome != "" {
			return outcome, err
		}

		if round == 2 {
			break
		}
		log.Infof("[Dispatch] Round 1 for %s unanswered, retrying in %s", sr.Reference, cfg.RetryDelay)
		select {
		case <-ctx.Done():
		case <-time.After(cfg.RetryDelay):
		}
		if ctx.Err() != nil {
			break
		}
		sr, err = e.repos.ServiceRequest.GetByID(ctx, requestID)
		if err != nil {
			return "", apperror.From(err)
		}
		if sr.Status != models.SR_STATUS_CONFIRMED {
			return OutcomeWithdrawn, nil
		}
	}

	return e.cancel(ctx, sr, models.CANCEL_REASON_NO_MECHANIC)
}

func (e *Engine) claim(id uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[id]; ok {
		return false
	}
	e.running[id] = struct{}{}
	return true
}

func (e *Engine) release(id uint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

// candidates returns free mechanics within radius, nearest first.
func (e *Engine) candidates(ctx context.Context, point *geo.Point, radiusKm float64, skip map[uint]bool) ([]candidate, error) {
	staff, err := e.repos.FieldStaff.ListAvailable(ctx)
	if err != nil {
		return nil, apperror.Dependency("list available mechanics", err)
	}
	var out []candidate
	for _, f := range staff {
		if skip[f.ID] || !f.IsAvailable || f.CurrentJobID != nil || !f.HasLocation() {
			continue
		}
		d := geo.DistanceKm(geo.PointFrom(f.Latitude, f.Longitude), point)
		if d <= radiusKm {
			out = append(out, candidate{staff: f, distanceKm: geo.Round2(d)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].distanceKm < out[j].distanceKm })
	return out, nil
}

// offerRound pushes offers and waits for answers. It returns a non-empty outcome
// when the run is finished and "" when every candidate declined or timed out.
func (e *Engine) offerRound(ctx context.Context, sub *pushbus.Subscription, sr *models.ServiceRequest,
	candidates []candidate, timeout time.Duration, declined map[uint]bool) (Outcome, error) {

	expiresAt := e.now().Add(timeout)
	offer := func(c candidate) OfferFrame {
		return OfferFrame{
			Type:        FrameOffer,
			RequestID:   sr.ID,
			Reference:   sr.Reference,
			Customer:    customerInfo(sr),
			Vehicle:     sr.Vehicle,
			DistanceKm:  c.distanceKm,
			DistanceFee: sr.DistanceFee,
			ExpiresAt:   expiresAt,
		}
	}

	out := notification.NewOutbox()
	err := e.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		for _, c := range candidates {
			out.Push(pushbus.MechanicGroup(c.staff.UserID), offer(c))
			if _, err := e.notifier.Record(ctx, tx, out, notification.Event{
				UserID:           c.staff.UserID,
				Audience:         notification.AudienceMechanic,
				Kind:             models.NOTIFY_SERVICE_OFFER,
				Title:            "New service request nearby",
				Message:          fmt.Sprintf("%s is %.2f km away.", sr.Reference, c.distanceKm),
				Data:             map[string]interface{}{"request_id": sr.ID, "distance_km": c.distanceKm},
				ServiceRequestID: &sr.ID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Inbox rows are lost but the offers still go out.
		log.Warnf("[Dispatch] Recording offers for %s failed: %v", sr.Reference, err)
		out.Reset()
		for _, c := range candidates {
			out.Push(pushbus.MechanicGroup(c.staff.UserID), offer(c))
		}
	}
	pending := make(map[uint]candidate, len(candidates))
	for _, c := range candidates {
		pending[c.staff.ID] = c
	}
	e.notifier.Flush(out)
	log.Infof("[Dispatch] Offered %s to %d mechanic(s)", sr.Reference, len(candidates))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			e.closeOffers(sr, pending, ReasonExpired)
			return "", nil
		case <-timer.C:
			e.closeOffers(sr, pending, ReasonExpired)
			return "", nil
		case raw, ok := <-sub.C():
			if !ok {
				e.closeOffers(sr, pending, ReasonExpired)
				return "", nil
			}
			var resp Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				log.Warnf("[Dispatch] Malformed response for %s: %v", sr.Reference, err)
				continue
			}
			if resp.Action == models.DISPATCH_WITHDRAWN {
				e.closeOffers(sr, pending, ReasonWithdrawn)
				log.Infof("[Dispatch] %s withdrawn while offers were open", sr.Reference)
				return OutcomeWithdrawn, nil
			}
			c, ok := pending[resp.StaffID]
			if !ok {
				continue
			}

			switch resp.Action {
			case models.RESPONSE_DECLINE:
				delete(pending, resp.StaffID)
				declined[resp.StaffID] = true
				e.record(ctx, sr.ID, c, models.RESPONSE_DECLINE, "")

			case models.RESPONSE_ACCEPT:
				delete(pending, resp.StaffID)
				err := e.accept(ctx, sr, c, resp.ETA)
				switch {
				case err == nil:
					e.closeOffers(sr, pending, ReasonTaken)
					return OutcomeAccepted, nil
				case errors.Is(err, errStaffBusy):
					declined[resp.StaffID] = true
					e.record(ctx, sr.ID, c, models.RESPONSE_DECLINE, resp.ETA)
					e.push(pushbus.MechanicGroup(c.staff.UserID), CancelledFrame{Type: FrameCancelled, RequestID: sr.ID, Reason: ReasonWithdrawn})
				case errors.Is(err, errRequestGone):
					e.record(ctx, sr.ID, c, models.RESPONSE_DECLINE, resp.ETA)
					e.closeOffers(sr, pending, ReasonWithdrawn)
					e.push(pushbus.MechanicGroup(c.staff.UserID), CancelledFrame{Type: FrameCancelled, RequestID: sr.ID, Reason: ReasonWithdrawn})
					return OutcomeWithdrawn, nil
				default:
					return "", err
				}
			}
		}
	}
	return "", nil
}

// accept binds the mechanic to the request in one transaction: request CAS,
// staff CAS and the accept row. The loser of either CAS gets an error.
func (e *Engine) accept(ctx context.Context, sr *models.ServiceRequest, c candidate, eta string) error {
	out := notification.NewOutbox()
	var updated *models.ServiceRequest
	staffID := c.staff.ID

	err := e.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		ok, err := tx.ServiceRequest.CompareAndSetStatus(ctx, sr.ID,
			[]string{models.SR_STATUS_CONFIRMED}, models.SR_STATUS_IN_PROGRESS,
			map[string]interface{}{"assigned_staff_id": staffID})
		if err != nil {
			return apperror.Dependency("accept request", err)
		}
		if !ok {
			return errRequestGone
		}
		bound, err := tx.FieldStaff.Assign(ctx, staffID, sr.ID)
		if err != nil {
			return apperror.Dependency("assign mechanic", err)
		}
		if !bound {
			return errStaffBusy
		}
		if err := tx.DispatchResponse.Record(ctx, &models.ServiceRequestResponse{
			ServiceRequestID:     sr.ID,
			FieldStaffID:         staffID,
			Response:             models.RESPONSE_ACCEPT,
			EstimatedArrivalTime: eta,
			DistanceKm:           c.distanceKm,
		}); err != nil {
			return apperror.Dependency("record acceptance", err)
		}

		updated, err = tx.ServiceRequest.GetByID(ctx, sr.ID)
		if err != nil {
			return apperror.From(err)
		}
		mech := mechanicInfo(&c.staff)
		if updated.UserID != nil {
			out.Push(pushbus.CustomerGroup(*updated.UserID), AcceptedFrame{
				Type: FrameAccepted, RequestID: sr.ID, Reference: sr.Reference, Mechanic: mech, ETA: eta,
			})
			if _, err := e.notifier.Record(ctx, tx, out, notification.Event{
				UserID:   *updated.UserID,
				Audience: notification.AudienceCustomer,
				Kind:     models.NOTIFY_SERVICE_ACCEPTED,
				Title:    "Mechanic on the way",
				Message:  fmt.Sprintf("%s accepted your booking %s.", mech.Name, sr.Reference),
				Data: map[string]interface{}{
					"reference": sr.Reference, "mechanic_name": mech.Name, "mechanic_phone": mech.Phone,
					"staff_id": mech.StaffID, "eta": eta,
				},
				ServiceRequestID: &sr.ID,
				Email:            updated.Contact.Email,
			}); err != nil {
				return err
			}
		}
		out.Push(pushbus.MechanicGroup(c.staff.UserID), AcceptedFrame{
			Type: FrameAccepted, RequestID: sr.ID, Reference: sr.Reference, Mechanic: mech, ETA: eta,
		})
		out.RequestChanged("accepted", updated)
		return nil
	})
	if err != nil {
		return err
	}
	e.notifier.Flush(out)
	log.Infof("[Dispatch] %s accepted by mechanic %d", sr.Reference, staffID)
	return nil
}

// cancel closes the request with reason and tells the customer.
func (e *Engine) cancel(ctx context.Context, sr *models.ServiceRequest, reason string) (Outcome, error) {
	// The run deadline may have passed; the final write still has to happen.
	ctx = context.WithoutCancel(ctx)
	out := notification.NewOutbox()
	kind := models.NOTIFY_NO_MECHANIC
	title := "No mechanic available"
	message := fmt.Sprintf("We could not find a mechanic for %s. Please try again later.", sr.Reference)
	outcome := OutcomeNoMechanic
	if reason == models.CANCEL_REASON_OUT_OF_RANGE {
		kind = models.NOTIFY_OUT_OF_SERVICE_AREA
		title = "Outside service area"
		message = fmt.Sprintf("The address on %s is outside our service area.", sr.Reference)
		outcome = OutcomeOutOfRange
	}

	err := e.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		updated, err := e.requests.Transition(ctx, tx, sr.ID, models.SR_STATUS_CANCELLED, map[string]interface{}{
			"cancel_reason": reason,
			"cancelled_at":  e.now(),
		})
		if err != nil {
			return err
		}
		if updated.UserID != nil {
			if _, err := e.notifier.Record(ctx, tx, out, notification.Event{
				UserID:           *updated.UserID,
				Audience:         notification.AudienceCustomer,
				Kind:             kind,
				Title:            title,
				Message:          message,
				Data:             map[string]interface{}{"reference": updated.Reference, "reason": reason},
				ServiceRequestID: &updated.ID,
				Email:            updated.Contact.Email,
			}); err != nil {
				return err
			}
		}
		out.RequestChanged("cancelled", updated)
		return nil
	})
	if err != nil {
		if apperror.IsKind(err, apperror.KindConflict) {
			// Someone else moved the request first.
			return OutcomeWithdrawn, nil
		}
		return "", err
	}
	e.notifier.Flush(out)
	log.Infof("[Dispatch] %s cancelled: %s", sr.Reference, reason)
	return outcome, nil
}

// closeOffers ends every offer still open: each unanswered mechanic gets a
// timeout row and a service.cancelled frame carrying reason.
func (e *Engine) closeOffers(sr *models.ServiceRequest, pending map[uint]candidate, reason string) {
	ctx := context.Background()
	for _, c := range pending {
		e.record(ctx, sr.ID, c, models.RESPONSE_TIMEOUT, "")
	}
	e.withdraw(sr, pending, reason)
}

func (e *Engine) withdraw(sr *models.ServiceRequest, pending map[uint]candidate, reason string) {
	for _, c := range pending {
		e.push(pushbus.MechanicGroup(c.staff.UserID), CancelledFrame{Type: FrameCancelled, RequestID: sr.ID, Reason: reason})
	}
}

func (e *Engine) record(ctx context.Context, requestID uint, c candidate, response, eta string) {
	err := e.repos.DispatchResponse.Record(context.WithoutCancel(ctx), &models.ServiceRequestResponse{
		ServiceRequestID:     requestID,
		FieldStaffID:         c.staff.ID,
		Response:             response,
		EstimatedArrivalTime: eta,
		DistanceKm:           c.distanceKm,
	})
	if err != nil {
		log.Warnf("[Dispatch] Recording %s from mechanic %d failed: %v", response, c.staff.ID, err)
	}
}

func (e *Engine) push(group string, frame interface{}) {
	if err := e.bus.Publish(group, frame); err != nil {
		log.Warnf("[Dispatch] Push to %s failed: %v", group, err)
	}
}
