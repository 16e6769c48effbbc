// Package realtime runs the websocket sessions of customers, mechanics and
// admins on top of the push bus.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/pushbus"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Conn is the part of a websocket connection a session drives.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Subscriber is the read side of the push bus.
type Subscriber interface {
	Subscribe(group string) *pushbus.Subscription
}

// Inbound is any client message. Fields are interpreted per type.
type Inbound struct {
	Type        string           `json:"type"`
	RequestID   *uint            `json:"request_id,omitempty"`
	Latitude    *float64         `json:"latitude,omitempty"`
	Longitude   *float64         `json:"longitude,omitempty"`
	Action      string           `json:"action,omitempty"`
	ETA         string           `json:"eta,omitempty"`
	ServiceCost *decimal.Decimal `json:"service_cost,omitempty"`
	Notes       string           `json:"notes,omitempty"`
}

type ErrorFrame struct {
	Type        string                 `json:"type"`
	MessageType string                 `json:"message_type,omitempty"`
	Error       string                 `json:"error"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

type AckFrame struct {
	Type        string `json:"type"`
	MessageType string `json:"message_type"`
	RequestID   uint   `json:"request_id,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Handler processes one inbound message. Returned errors are sent back to
// the client as an error frame.
type Handler func(ctx context.Context, s *Session, msg Inbound) error

// Session is one websocket connection. Inbound messages are handled in
// arrival order; all writes go through the write pump.
type Session struct {
	ID        string
	Principal usercontext.Principal

	conn       Conn
	groups     []string
	subs       []*pushbus.Subscription
	handle     Handler
	send       chan []byte
	pingPeriod time.Duration
}

func newSession(conn Conn, p usercontext.Principal, groups []string, h Handler) *Session {
	return &Session{
		ID:         uuid.New().String(),
		Principal:  p,
		conn:       conn,
		groups:     groups,
		handle:     h,
		send:       make(chan []byte, sendBuffer),
		pingPeriod: pingPeriod,
	}
}

// Reply queues a frame for this session only.
func (s *Session) Reply(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Errorf("[Realtime] Session %s marshal error: %v", s.ID, err)
		return
	}
	s.enqueue(data)
}

// enqueue never blocks. When the client falls behind the oldest queued frame
// is dropped so the latest state still reaches it.
func (s *Session) enqueue(data []byte) {
	for {
		select {
		case s.send <- data:
			return
		default:
		}
		select {
		case <-s.send:
			log.Warnf("[Realtime] Session %s send buffer full, dropping oldest frame", s.ID)
		default:
		}
	}
}

func (s *Session) subscribe(bus Subscriber) {
	for _, g := range s.groups {
		s.subs = append(s.subs, bus.Subscribe(g))
	}
}

// run blocks until the client goes away or ctx ends.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		for _, sub := range s.subs {
			sub.Close()
		}
	}()

	var wg sync.WaitGroup
	for _, sub := range s.subs {
		wg.Add(1)
		go func(sub *pushbus.Subscription) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case data, ok := <-sub.C():
					if !ok {
						return
					}
					s.enqueue(data)
				}
			}
		}(sub)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		s.writePump(ctx)
	}()

	s.readPump(ctx)
	cancel()
	wg.Wait()
}

func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugf("[Realtime] Session %s write error: %v", s.ID, err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("[Realtime] Session %s read error: %v", s.ID, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			s.Reply(ErrorFrame{Type: "error", Error: "malformed message"})
			continue
		}
		if msg.Type == "ping" {
			s.Reply(AckFrame{Type: "pong", MessageType: msg.Type})
			continue
		}
		if s.handle == nil {
			s.Reply(ErrorFrame{Type: "error", MessageType: msg.Type, Error: "unsupported message type"})
			continue
		}
		if err := s.handle(ctx, s, msg); err != nil {
			e := apperror.From(err)
			if e.Kind == apperror.KindInternal || e.Kind == apperror.KindDependency {
				log.Errorf("[Realtime] Session %s %s failed: %v", s.ID, msg.Type, err)
			}
			s.Reply(ErrorFrame{Type: "error", MessageType: msg.Type, Error: e.Message, Details: e.Details})
		}
	}
}
