package realtime

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/internal/pkg/adminfeed"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/pushbus"
	"github.com/repairmybike/rmb-backend/internal/pkg/tracking"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

// Mechanic message types.
const (
	MsgLocationUpdate  = "location_update"
	MsgServiceResponse = "service_response"
	MsgStartTracking   = "start_tracking"
	MsgCompleteService = "complete_service"
)

// Tracker handles mechanic traffic.
type Tracker interface {
	HandleLocation(ctx context.Context, staffUserID uint, in tracking.LocationUpdate) error
	HandleResponse(ctx context.Context, staffUserID, requestID uint, action, eta string) error
	StartTracking(ctx context.Context, staffUserID, requestID uint) error
	CompleteService(ctx context.Context, staffUserID, requestID uint, serviceCost decimal.Decimal, notes string) (*models.ServiceRequest, error)
}

// InitialSource builds the admin snapshot sent on connect.
type InitialSource interface {
	Initial(ctx context.Context) (*adminfeed.InitialData, error)
}

type Server struct {
	bus      Subscriber
	tracker  Tracker
	feed     InitialSource
	validate *validator.Validate
}

func NewServer(bus Subscriber, tracker Tracker, feed InitialSource) *Server {
	return &Server{bus: bus, tracker: tracker, feed: feed, validate: validator.New()}
}

// UpgradeOnly rejects plain HTTP calls on websocket routes.
func UpgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func principalOf(c *websocket.Conn) usercontext.Principal {
	p, _ := c.Locals(usercontext.KeyPrincipal).(usercontext.Principal)
	return p
}

// ServiceHandler serves /ws/service/.
func (s *Server) ServiceHandler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		s.ServeService(context.Background(), c, principalOf(c))
	})
}

// AdminHandler serves /ws/admin/.
func (s *Server) AdminHandler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		s.ServeAdmin(context.Background(), c, principalOf(c))
	})
}

// ServeService attaches customers to their group and mechanics to theirs.
func (s *Server) ServeService(ctx context.Context, conn Conn, p usercontext.Principal) {
	var sess *Session
	if p.IsFieldStaff {
		sess = newSession(conn, p, []string{pushbus.MechanicGroup(p.UserID)}, s.handleMechanic)
	} else {
		sess = newSession(conn, p, []string{pushbus.CustomerGroup(p.UserID)}, nil)
	}
	sess.subscribe(s.bus)
	log.Debugf("[Realtime] Session %s opened for user %d", sess.ID, p.UserID)
	sess.run(ctx)
	log.Debugf("[Realtime] Session %s closed", sess.ID)
}

// ServeAdmin sends initial_data and then relays the admin groups.
func (s *Server) ServeAdmin(ctx context.Context, conn Conn, p usercontext.Principal) {
	sess := newSession(conn, p, []string{pushbus.AdminDashboardGroup, pushbus.AdminTrackingGroup}, nil)
	sess.subscribe(s.bus)
	if s.feed != nil {
		initial, err := s.feed.Initial(ctx)
		if err != nil {
			log.Errorf("[Realtime] Initial admin data failed: %v", err)
		} else {
			sess.Reply(initial)
		}
	}
	sess.run(ctx)
}

func requireRequest(msg Inbound) (uint, error) {
	if msg.RequestID == nil || *msg.RequestID == 0 {
		return 0, apperror.Validation("request_id is required")
	}
	return *msg.RequestID, nil
}

func (s *Server) handleMechanic(ctx context.Context, sess *Session, msg Inbound) error {
	uid := sess.Principal.UserID
	switch msg.Type {
	case MsgLocationUpdate:
		if msg.Latitude == nil || msg.Longitude == nil {
			return apperror.Validation("latitude and longitude are required")
		}
		in := tracking.LocationUpdate{Latitude: *msg.Latitude, Longitude: *msg.Longitude, RequestID: msg.RequestID}
		if err := s.validate.Struct(in); err != nil {
			return err
		}
		return s.tracker.HandleLocation(ctx, uid, in)

	case MsgServiceResponse:
		id, err := requireRequest(msg)
		if err != nil {
			return err
		}
		if err := s.tracker.HandleResponse(ctx, uid, id, msg.Action, msg.ETA); err != nil {
			return err
		}
		sess.Reply(AckFrame{Type: "ack", MessageType: msg.Type, RequestID: id})

	case MsgStartTracking:
		id, err := requireRequest(msg)
		if err != nil {
			return err
		}
		if err := s.tracker.StartTracking(ctx, uid, id); err != nil {
			return err
		}
		sess.Reply(AckFrame{Type: "ack", MessageType: msg.Type, RequestID: id})

	case MsgCompleteService:
		id, err := requireRequest(msg)
		if err != nil {
			return err
		}
		cost := decimal.Zero
		if msg.ServiceCost != nil {
			cost = *msg.ServiceCost
		}
		sr, err := s.tracker.CompleteService(ctx, uid, id, cost, msg.Notes)
		if err != nil {
			return err
		}
		sess.Reply(AckFrame{Type: "ack", MessageType: msg.Type, RequestID: id, Status: sr.Status})

	default:
		return apperror.Validation("unknown message type").WithDetail("type", msg.Type)
	}
	return nil
}
