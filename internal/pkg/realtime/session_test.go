package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/internal/pkg/adminfeed"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/pushbus"
	"github.com/repairmybike/rmb-backend/internal/pkg/tracking"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

var errClosed = errors.New("closed")

// fakeConn feeds scripted client messages and records server writes.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), out: make(chan []byte, 64), done: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return 0, nil, errClosed
		}
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, errClosed
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errClosed
	}
	if messageType == websocket.TextMessage {
		f.out <- data
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeConn) send(t *testing.T, msg interface{}) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeConn) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case data := <-f.out:
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

type fakeTracker struct {
	mu        sync.Mutex
	locations []tracking.LocationUpdate
	responses []string
	completed decimal.Decimal
	startErr  error
}

func (f *fakeTracker) HandleLocation(_ context.Context, _ uint, in tracking.LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, in)
	return nil
}

func (f *fakeTracker) HandleResponse(_ context.Context, _ uint, _ uint, action, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, action)
	return nil
}

func (f *fakeTracker) StartTracking(context.Context, uint, uint) error { return f.startErr }

func (f *fakeTracker) CompleteService(_ context.Context, _ uint, id uint, cost decimal.Decimal, _ string) (*models.ServiceRequest, error) {
	f.completed = cost
	return &models.ServiceRequest{ID: id, Status: models.SR_STATUS_COMPLETED}, nil
}

type staticFeed struct{}

func (staticFeed) Initial(context.Context) (*adminfeed.InitialData, error) {
	return &adminfeed.InitialData{Type: adminfeed.FrameInitialData}, nil
}

func serve(t *testing.T, fn func(ctx context.Context, conn Conn)) (*fakeConn, func()) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx, conn)
	}()
	return conn, func() {
		cancel()
		_ = conn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("session did not stop")
		}
	}
}

func TestCustomerSessionRelaysOwnGroup(t *testing.T) {
	bus := pushbus.NewBroker(8)
	srv := NewServer(bus, &fakeTracker{}, nil)
	conn, stop := serve(t, func(ctx context.Context, c Conn) {
		srv.ServeService(ctx, c, usercontext.Principal{UserID: 7, IsCustomer: true})
	})
	defer stop()

	require.Eventually(t, func() bool { return bus.Subscribers(pushbus.CustomerGroup(7)) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Publish(pushbus.CustomerGroup(8), map[string]string{"type": "other"}))
	require.NoError(t, bus.Publish(pushbus.CustomerGroup(7), map[string]string{"type": "tracking_started"}))
	assert.Equal(t, "tracking_started", conn.next(t)["type"])

	conn.send(t, map[string]string{"type": "location_update"})
	frame := conn.next(t)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "location_update", frame["message_type"])
}

func TestMechanicMessages(t *testing.T) {
	bus := pushbus.NewBroker(8)
	tr := &fakeTracker{startErr: apperror.Conflict("request is not in progress")}
	srv := NewServer(bus, tr, nil)
	conn, stop := serve(t, func(ctx context.Context, c Conn) {
		srv.ServeService(ctx, c, usercontext.Principal{UserID: 4, IsFieldStaff: true})
	})
	defer stop()

	conn.send(t, map[string]interface{}{"type": "ping"})
	assert.Equal(t, "pong", conn.next(t)["type"])

	conn.send(t, map[string]interface{}{"type": MsgLocationUpdate, "latitude": 12.97, "longitude": 77.59})
	conn.send(t, map[string]interface{}{"type": MsgLocationUpdate, "latitude": 120.0, "longitude": 77.59})
	frame := conn.next(t)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["details"], "Latitude")

	conn.send(t, map[string]interface{}{"type": MsgServiceResponse, "action": "accept"})
	assert.Equal(t, "request_id is required", conn.next(t)["error"])

	conn.send(t, map[string]interface{}{"type": MsgServiceResponse, "request_id": 9, "action": "accept", "eta": "10 min"})
	ack := conn.next(t)
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, float64(9), ack["request_id"])

	conn.send(t, map[string]interface{}{"type": MsgStartTracking, "request_id": 9})
	assert.Equal(t, "request is not in progress", conn.next(t)["error"])

	conn.send(t, map[string]interface{}{"type": MsgCompleteService, "request_id": 9, "service_cost": "450.50"})
	ack = conn.next(t)
	assert.Equal(t, models.SR_STATUS_COMPLETED, ack["status"])

	conn.send(t, map[string]interface{}{"type": "teleport"})
	assert.Equal(t, "unknown message type", conn.next(t)["error"])

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.locations, 1)
	assert.Nil(t, tr.locations[0].RequestID)
	assert.Equal(t, []string{"accept"}, tr.responses)
	assert.True(t, tr.completed.Equal(decimal.RequireFromString("450.5")))
}

func TestAdminSessionStartsWithInitialData(t *testing.T) {
	bus := pushbus.NewBroker(8)
	srv := NewServer(bus, &fakeTracker{}, staticFeed{})
	conn, stop := serve(t, func(ctx context.Context, c Conn) {
		srv.ServeAdmin(ctx, c, usercontext.Principal{UserID: 1, IsStaff: true})
	})
	defer stop()

	assert.Equal(t, adminfeed.FrameInitialData, conn.next(t)["type"])
	require.NoError(t, bus.Publish(pushbus.AdminTrackingGroup, map[string]string{"type": "location_update"}))
	assert.Equal(t, "location_update", conn.next(t)["type"])
}

func TestSessionEndsWhenClientLeaves(t *testing.T) {
	bus := pushbus.NewBroker(8)
	srv := NewServer(bus, &fakeTracker{}, nil)
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeService(context.Background(), conn, usercontext.Principal{UserID: 7, IsCustomer: true})
	}()

	require.Eventually(t, func() bool { return bus.Subscribers(pushbus.CustomerGroup(7)) == 1 }, time.Second, 5*time.Millisecond)
	close(conn.in)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Zero(t, bus.Subscribers(pushbus.CustomerGroup(7)))
}

func TestStalledSessionKeepsNewestFrames(t *testing.T) {
	s := newSession(newFakeConn(), usercontext.Principal{UserID: 7, IsCustomer: true}, nil, nil)

	const total = sendBuffer + 236
	for i := 1; i <= total; i++ {
		s.Reply(map[string]int{"seq": i})
	}

	require.Len(t, s.send, sendBuffer)
	var seqs []int
	for len(s.send) > 0 {
		var frame map[string]int
		require.NoError(t, json.Unmarshal(<-s.send, &frame))
		seqs = append(seqs, frame["seq"])
	}
	assert.Equal(t, total-sendBuffer+1, seqs[0])
	assert.Equal(t, total, seqs[len(seqs)-1])
}
