// Package notification materialises domain events as inbox rows and live
// push frames. Rows are written inside the caller's transaction; frames and
// emails are collected in an Outbox and released after commit.
package notification

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
	"github.com/repairmybike/rmb-backend/internal/pkg/pushbus"
)

// Audience selects the push group of the addressed user.
type Audience int

const (
	AudienceCustomer Audience = iota
	AudienceMechanic
	AudienceStaff
)

// Push frame types.
const (
	FrameServiceNotification = "service_notification"
	FrameNotification        = "notification"
	FrameRequest             = "request"
)

// Event is one domain event addressed to one user.
type Event struct {
	UserID           uint
	Audience         Audience
	Kind             string
	Title            string
	Message          string
	Data             map[string]interface{}
	ServiceRequestID *uint
	// Email, when set, also sends the message to this address.
	Email string
}

// Frame is the websocket payload carrying a notification.
type Frame struct {
	Type         string               `json:"type"`
	Event        string               `json:"event"`
	Notification *models.Notification `json:"notification"`
}

// RequestFrame tells admin dashboards that a record changed state.
type RequestFrame struct {
	Type    string      `json:"type"`
	Kind    string      `json:"kind"`
	Action  string      `json:"action"`
	Status  string      `json:"status"`
	Payload interface{} `json:"payload"`
}

// Mailer queues outbound email.
type Mailer interface {
	EnqueueEmail(to, subject, body string) error
}

type pushItem struct {
	group string
	frame interface{}
}

type emailItem struct {
	to, subject, body string
}

// Outbox buffers side effects until the surrounding transaction commits.
type Outbox struct {
	pushes []pushItem
	emails []emailItem
}

func NewOutbox() *Outbox {
	return &Outbox{}
}

// Push queues a raw frame for group.
func (o *Outbox) Push(group string, frame interface{}) {
	o.pushes = append(o.pushes, pushItem{group: group, frame: frame})
}

// Email queues a message.
func (o *Outbox) Email(to, subject, body string) {
	if to == "" {
		return
	}
	o.emails = append(o.emails, emailItem{to: to, subject: subject, body: body})
}

// RequestChanged queues a service request state change for admin dashboards.
func (o *Outbox) RequestChanged(action string, sr *models.ServiceRequest) {
	o.Push(pushbus.AdminDashboardGroup, RequestFrame{
		Type: FrameRequest, Kind: "service_request", Action: action, Status: sr.Status, Payload: sr,
	})
}

// SubscriptionChanged queues a subscription request state change for admin dashboards.
func (o *Outbox) SubscriptionChanged(action string, req *models.SubscriptionRequest) {
	o.Push(pushbus.AdminDashboardGroup, RequestFrame{
		Type: FrameRequest, Kind: "subscription_request", Action: action, Status: req.Status, Payload: req,
	})
}

// DispatchWithdrawn tells a running dispatch for the request to close its open offers.
func (o *Outbox) DispatchWithdrawn(requestID uint) {
	o.Push(pushbus.DispatchTopic(requestID), map[string]interface{}{
		"request_id": requestID, "action": models.DISPATCH_WITHDRAWN,
	})
}

// Reset discards everything queued, used when a transaction is retried.
func (o *Outbox) Reset() {
	o.pushes = nil
	o.emails = nil
}

// Len returns the number of queued pushes.
func (o *Outbox) Len() int {
	return len(o.pushes)
}

type Service struct {
	repos  *repository.Repositories
	bus    pushbus.Publisher
	mailer Mailer
}

func NewService(repos *repository.Repositories, bus pushbus.Publisher, mailer Mailer) *Service {
	return &Service{repos: repos, bus: bus, mailer: mailer}
}

// Record persists the inbox row through tx and queues its frames on out.
// Every notification is mirrored to the admin dashboard group.
func (s *Service) Record(ctx context.Context, tx *repository.Repositories, out *Outbox, ev Event) (*models.Notification, error) {
	n := &models.Notification{
		UserID:           ev.UserID,
		Type:             ev.Kind,
		Title:            ev.Title,
		Message:          ev.Message,
		Data:             ev.Data,
		ServiceRequestID: ev.ServiceRequestID,
	}
	if err := tx.Notification.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("record %s notification: %w", ev.Kind, err)
	}

	switch ev.Audience {
	case AudienceCustomer:
		out.Push(pushbus.CustomerGroup(ev.UserID), Frame{Type: FrameServiceNotification, Event: ev.Kind, Notification: n})
	case AudienceMechanic:
		out.Push(pushbus.MechanicGroup(ev.UserID), Frame{Type: FrameNotification, Event: ev.Kind, Notification: n})
	}
	out.Push(pushbus.AdminDashboardGroup, Frame{Type: FrameNotification, Event: ev.Kind, Notification: n})
	out.Email(ev.Email, ev.Title, ev.Message)
	return n, nil
}

// Notify records ev in its own transaction and flushes immediately.
func (s *Service) Notify(ctx context.Context, ev Event) (*models.Notification, error) {
	out := NewOutbox()
	var n *models.Notification
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		n, err = s.Record(ctx, tx, out, ev)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Flush(out)
	return n, nil
}

// NotifyStaff records ev for every active admin and staff account.
func (s *Service) NotifyStaff(ctx context.Context, tx *repository.Repositories, out *Outbox, ev Event) error {
	staff, err := tx.User.ListByRoles(ctx, models.ROLE_ADMIN, models.ROLE_STAFF)
	if err != nil {
		return err
	}
	for _, u := range staff {
		ev.UserID = u.ID
		ev.Audience = AudienceStaff
		ev.Email = ""
		if _, err := s.Record(ctx, tx, out, ev); err != nil {
			return err
		}
	}
	return nil
}

// Flush publishes queued frames and hands queued emails to the mailer.
// Failures are logged and never surface to the caller.
func (s *Service) Flush(out *Outbox) {
	if out == nil {
		return
	}
	for _, p := range out.pushes {
		if s.bus == nil {
			break
		}
		if err := s.bus.Publish(p.group, p.frame); err != nil {
			log.Warnf("[Notification] Push to %s failed: %v", p.group, err)
		}
	}
	for _, e := range out.emails {
		if s.mailer == nil {
			break
		}
		if err := s.mailer.EnqueueEmail(e.to, e.subject, e.body); err != nil {
			log.Warnf("[Notification] Email to %s not queued: %v", e.to, err)
		}
	}
	out.Reset()
}

// Inbox operations

func (s *Service) List(ctx context.Context, userID uint, offset, limit int) ([]models.Notification, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	items, err := s.repos.Notification.ListByUser(ctx, userID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	unread, err := s.repos.Notification.CountUnread(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return items, unread, nil
}

func (s *Service) MarkRead(ctx context.Context, userID, id uint) error {
	return s.repos.Notification.MarkRead(ctx, userID, id)
}

func (s *Service) MarkAllRead(ctx context.Context, userID uint) (int64, error) {
	return s.repos.Notification.MarkAllRead(ctx, userID)
}

// Recent returns the latest notifications across all users for the admin feed.
func (s *Service) Recent(ctx context.Context, limit int) ([]models.Notification, error) {
	return s.repos.Notification.Recent(ctx, limit)
}
