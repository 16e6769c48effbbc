package tracking

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository/memory"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/dispatch"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/pushbus"
	"github.com/repairmybike/rmb-backend/internal/pkg/requests"
)

type fixture struct {
	store    *memory.Store
	bus      *pushbus.Broker
	hub      *Hub
	now      time.Time
	customer models.User
	mechanic models.User
	staff    models.FieldStaff
	request  models.ServiceRequest
}

func newFixture(t *testing.T, status string) *fixture {
	t.Helper()
	store := memory.New()
	repos := store.Repositories()
	bus := pushbus.NewBroker(32)
	notifier := notification.NewService(repos, bus, nil)
	reqs := requests.NewService(repos, notifier)

	f := &fixture{store: store, bus: bus, now: time.Now()}
	f.hub = NewHub(repos, reqs, notifier, bus)
	f.hub.SetClock(func() time.Time { return f.now })
	f.hub.SetStallWindow(func() time.Duration { return 10 * time.Minute })

	f.customer = store.AddUser(models.User{Name: "Meera", Role: models.ROLE_CUSTOMER})
	f.mechanic = store.AddUser(models.User{Name: "Arjun", Role: models.ROLE_FIELD_STAFF})
	store.AddUser(models.User{Name: "Ops", Role: models.ROLE_ADMIN})

	sr := models.ServiceRequest{
		Reference:    "RMB-TRACK001",
		UserID:       &f.customer.ID,
		Status:       status,
		PurchaseType: models.PURCHASE_DIRECT,
	}
	f.request = store.AddServiceRequest(sr)

	staff := models.FieldStaff{UserID: f.mechanic.ID, IsAvailable: true}
	if status == models.SR_STATUS_IN_PROGRESS {
		staff.IsAvailable = false
		staff.CurrentJobID = &f.request.ID
	}
	f.staff = store.AddFieldStaff(staff)
	if status == models.SR_STATUS_IN_PROGRESS {
		require.NoError(t, repos.ServiceRequest.Update(context.Background(), f.request.ID,
			map[string]interface{}{"assigned_staff_id": f.staff.ID}))
	}
	return f
}

func next(t *testing.T, sub *pushbus.Subscription, frameType string) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-sub.C():
			var frame map[string]interface{}
			require.NoError(t, json.Unmarshal(raw, &frame))
			if frame["type"] == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %s frame on %s", frameType, sub.Group)
			return nil
		}
	}
}

func countKind(ns []models.Notification, kind string) int {
	n := 0
	for _, x := range ns {
		if x.Type == kind {
			n++
		}
	}
	return n
}

func TestLocationRelayAndTrackingStartedOnce(t *testing.T) {
	f := newFixture(t, models.SR_STATUS_IN_PROGRESS)
	customer := f.bus.Subscribe(pushbus.CustomerGroup(f.customer.ID))
	admin := f.bus.Subscribe(pushbus.AdminTrackingGroup)
	ctx := context.Background()

	id := f.request.ID
	require.NoError(t, f.hub.HandleLocation(ctx, f.mechanic.ID, LocationUpdate{Latitude: 12.98, Longitude: 77.59, RequestID: &id}))

	started := next(t, customer, FrameTrackingStarted)
	assert.Equal(t, "RMB-TRACK001", started["reference"])
	loc := next(t, customer, FrameLocationUpdate)
	assert.InDelta(t, 12.98, loc["latitude"], 1e-9)
	next(t, admin, FrameLocationUpdate)

	f.now = f.now.Add(5 * time.Second)
	require.NoError(t, f.hub.HandleLocation(ctx, f.mechanic.ID, LocationUpdate{Latitude: 12.985, Longitude: 77.59, RequestID: &id}))
	next(t, customer, FrameLocationUpdate)

	sr := f.store.Request(id)
	require.NotNil(t, sr.TrackingStartedAt)
	assert.Equal(t, 1, countKind(f.store.NotificationsFor(f.customer.ID), models.NOTIFY_TRACKING_STARTED))

	staff := f.store.Staff(f.staff.ID)
	require.NotNil(t, staff.Latitude)
	assert.InDelta(t, 12.985, *staff.Latitude, 1e-9)
}

func TestLocationWithoutRequestOnlyMovesMechanic(t *testing.T) {
	f := newFixture(t, models.SR_STATUS_CONFIRMED)
	customer := f.bus.Subscribe(pushbus.CustomerGroup(f.customer.ID))

	require.NoError(t, f.hub.HandleLocation(context.Background(), f.mechanic.ID, LocationUpdate{Latitude: 13, Longitude: 77.6}))

	staff := f.store.Staff(f.staff.ID)
	require.NotNil(t, staff.Longitude)
	assert.InDelta(t, 77.6, *staff.Longitude, 1e-9)
	assert.Zero(t, len(customer.C()))
}

func TestLocationRejectedForForeignOrIdleRequest(t *testing.T) {
	f := newFixture(t, models.SR_STATUS_CONFIRMED)
	id := f.request.ID

	err := f.hub.HandleLocation(context.Background(), f.mechanic.ID, LocationUpdate{Latitude: 13, Longitude: 77.6, RequestID: &id})
	assert.True(t, apperror.IsKind(err, apperror.KindForbidden))

	err = f.hub.HandleLocation(context.Background(), f.customer.ID, LocationUpdate{Latitude: 13, Longitude: 77.6})
	assert.True(t, apperror.IsKind(err, apperror.KindForbidden))
}

func TestHandleResponseRoutesToDispatchTopic(t *testing.T) {
	f := newFixture(t, models.SR_STATUS_CONFIRMED)
	topic := f.bus.Subscribe(pushbus.DispatchTopic(f.request.ID))

	require.NoError(t, f.hub.HandleResponse(context.Background(), f.mechanic.ID, f.request.ID, models.RESPONSE_ACCEPT, "12 min"))

	var resp dispatch.Response
	select {
	case raw := <-topic.C():
		require.NoError(t, json.Unmarshal(raw, &resp))
	case <-time.After(time.Second):
		t.Fatal("response not published")
	}
	assert.Equal(t, f.staff.ID, resp.StaffID)
	assert.Equal(t, models.RESPONSE_ACCEPT, resp.Action)
	assert.Equal(t, "12 min", resp.ETA)

	err := f.hub.HandleResponse(context.Background(), f.mechanic.ID, f.request.ID, "maybe", "")
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestHandleResponseOnClosedOfferIsCancelled(t *testing.T) {
	f := newFixture(t, models.SR_STATUS_IN_PROGRESS)
	mech := f.bus.Subscribe(pushbus.MechanicGroup(f.mechanic.ID))

	err := f.hub.HandleResponse(context.Background(), f.mechanic.ID, f.request.ID, models.RESPONSE_ACCEPT, "")
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	frame := next(t, mech, dispatch.FrameCancelled)
	assert.Equal(t, dispatch.ReasonWithdrawn, frame["reason"])
}

func TestCompleteServiceReleasesMechanic(t *testing.T) {
	f := newFixture(t, models.SR_STATUS_IN_PROGRESS)
	customer := f.bus.Subscribe(pushbus.CustomerGroup(f.customer.ID))
	dashboard := f.bus.Subscribe(pushbus.AdminDashboardGroup)

	done, err := f.hub.CompleteService(context.Background(), f.mechanic.ID, f.request.ID, decimal.RequireFromString("450.5"), "chain replaced")
	require.NoError(t, err)
	assert.Equal(t, models.SR_STATUS_COMPLETED, done.Status)

	sr := f.store.Request(f.request.ID)
	assert.Equal(t, models.SR_STATUS_COMPLETED, sr.Status)
	require.NotNil(t, sr.CompletedAt)
	assert.Equal(t, "450.50", sr.ServiceCost.Decimal.StringFixed(2))
	assert.Contains(t, sr.Notes, "chain replaced")

	staff := f.store.Staff(f.staff.ID)
	assert.True(t, staff.IsAvailable)
	assert.Nil(t, staff.CurrentJobID)
	assert.Equal(t, 1, staff.TotalJobs)

	frame := next(t, customer, FrameServiceCompleted)
	assert.Equal(t, "450.5", frame["service_cost"])
	next(t, dashboard, notification.FrameRequest)

	_, err = f.hub.CompleteService(context.Background(), f.mechanic.ID, f.request.ID, decimal.Zero, "")
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
	assert.Equal(t, 1, f.store.Staff(f.staff.ID).TotalJobs)
}

func TestCompleteServiceRejectsNegativeCost(t *testing.T) {
	f := newFixture(t, models.SR_STATUS_IN_PROGRESS)
	_, err := f.hub.CompleteService(context.Background(), f.mechanic.ID, f.request.ID, decimal.NewFromInt(-1), "")
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	assert.Equal(t, models.SR_STATUS_IN_PROGRESS, f.store.Request(f.request.ID).Status)
}

func TestSweepStalledFlagsSilentJobsOnce(t *testing.T) {
	f := newFixture(t, models.SR_STATUS_IN_PROGRESS)
	customer := f.bus.Subscribe(pushbus.CustomerGroup(f.customer.ID))
	admin := f.bus.Subscribe(pushbus.AdminTrackingGroup)
	ctx := context.Background()

	f.store.AddLiveLocation(models.LiveLocation{
		FieldStaffID: f.staff.ID, ServiceRequestID: f.request.ID,
		Latitude: 12.97, Longitude: 77.59, Timestamp: f.now,
	})

	f.now = f.now.Add(9 * time.Minute)
	n, err := f.hub.SweepStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = f.now.Add(2 * time.Minute)
	n, err = f.hub.SweepStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	next(t, customer, FrameTrackingStalled)
	next(t, admin, FrameTrackingStalled)

	sr := f.store.Request(f.request.ID)
	assert.Equal(t, models.SR_STATUS_IN_PROGRESS, sr.Status)
	require.NotNil(t, sr.TrackingStalledAt)
	assert.Equal(t, 1, countKind(f.store.NotificationsFor(f.customer.ID), models.NOTIFY_TRACKING_STALLED))

	n, err = f.hub.SweepStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	id := f.request.ID
	require.NoError(t, f.hub.HandleLocation(ctx, f.mechanic.ID, LocationUpdate{Latitude: 12.971, Longitude: 77.59, RequestID: &id}))
	assert.Nil(t, f.store.Request(id).TrackingStalledAt)
}
