package requests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
	"github.com/repairmybike/rmb-backend/app/repository/memory"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uint
}

func (d *recordingDispatcher) Schedule(id uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
}

func setup(t *testing.T) (*memory.Store, *Service, *recordingDispatcher) {
	t.Helper()
	store := memory.New()
	repos := store.Repositories()
	svc := NewService(repos, notification.NewService(repos, nil, nil))
	d := &recordingDispatcher{}
	svc.SetDispatcher(d)
	return store, svc, d
}

func ptr[T any](v T) *T { return &v }

func TestTransitionFollowsLifecycle(t *testing.T) {
	store, svc, _ := setup(t)
	ctx := context.Background()
	repos := store.Repositories()

	tests := []struct {
		from, to string
		ok       bool
	}{
		{models.SR_STATUS_PENDING, models.SR_STATUS_CONFIRMED, true},
		{models.SR_STATUS_PENDING, models.SR_STATUS_IN_PROGRESS, false},
		{models.SR_STATUS_CONFIRMED, models.SR_STATUS_SCHEDULED, true},
		{models.SR_STATUS_IN_PROGRESS, models.SR_STATUS_SCHEDULED, false},
		{models.SR_STATUS_IN_PROGRESS, models.SR_STATUS_CANCELLED, false},
		{models.SR_STATUS_COMPLETED, models.SR_STATUS_CANCELLED, false},
		{models.SR_STATUS_CANCELLED, models.SR_STATUS_PENDING, false},
		{models.SR_STATUS_SCHEDULED, models.SR_STATUS_IN_PROGRESS, true},
	}
	for _, tt := range tests {
		sr := store.AddServiceRequest(models.ServiceRequest{Status: tt.from})
		_, err := svc.Transition(ctx, repos, sr.ID, tt.to, nil)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.to, store.Request(sr.ID).Status)
		} else {
			assert.True(t, apperror.IsKind(err, apperror.KindConflict), "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.from, store.Request(sr.ID).Status)
		}
	}

	_, err := svc.Transition(ctx, repos, 9999, models.SR_STATUS_CONFIRMED, nil)
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
}

func TestCancelByOwnerAndForeignUser(t *testing.T) {
	store, svc, _ := setup(t)
	ctx := context.Background()

	sr := store.AddServiceRequest(models.ServiceRequest{UserID: ptr(uint(10)), Status: models.SR_STATUS_PENDING, Reference: "RMB-AAAAAAAA"})

	_, err := svc.Cancel(ctx, usercontext.Principal{UserID: 11, IsCustomer: true}, sr.ID)
	assert.True(t, apperror.IsKind(err, apperror.KindForbidden))

	got, err := svc.Cancel(ctx, usercontext.Principal{UserID: 10, IsCustomer: true}, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SR_STATUS_CANCELLED, got.Status)
	assert.Equal(t, models.CANCEL_REASON_CUSTOMER, got.CancelReason)
	require.NotNil(t, got.CancelledBy)
	assert.Equal(t, uint(10), *got.CancelledBy)

	inbox := store.NotificationsFor(10)
	require.Len(t, inbox, 1)
	assert.Equal(t, models.NOTIFY_BOOKING_CANCELLED, inbox[0].Type)

	_, err = svc.Cancel(ctx, usercontext.Principal{UserID: 10, IsCustomer: true}, sr.ID)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
}

func TestCancelInProgressIsConflict(t *testing.T) {
	store, svc, _ := setup(t)
	sr := store.AddServiceRequest(models.ServiceRequest{UserID: ptr(uint(10)), Status: models.SR_STATUS_IN_PROGRESS})

	_, err := svc.Cancel(context.Background(), usercontext.Principal{UserID: 10}, sr.ID)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
	assert.Empty(t, store.NotificationsFor(10))
}

func TestCancelWithdrawsPendingSubscriptionRequest(t *testing.T) {
	store, svc, _ := setup(t)
	ctx := context.Background()
	repos := store.Repositories()

	uid := uint(10)
	req := &models.SubscriptionRequest{UserID: uid, Status: models.SUB_REQUEST_PENDING, PendingKey: &uid}
	require.NoError(t, repos.SubscriptionRequest.Create(ctx, req))
	sr := store.AddServiceRequest(models.ServiceRequest{
		UserID: &uid, Status: models.SR_STATUS_PENDING, PurchaseType: models.PURCHASE_SUBSCRIPTION,
		SubscriptionRequestID: &req.ID,
	})

	_, err := svc.Cancel(ctx, usercontext.Principal{UserID: uid}, sr.ID)
	require.NoError(t, err)

	got, err := repos.SubscriptionRequest.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SUB_REQUEST_REJECTED, got.Status)
	assert.Nil(t, got.PendingKey)
}

func TestConfirmSchedulesDispatchOnlyForLocatedRequests(t *testing.T) {
	store, svc, d := setup(t)
	ctx := context.Background()

	located := store.AddServiceRequest(models.ServiceRequest{
		Status: models.SR_STATUS_PENDING, PurchaseType: models.PURCHASE_DIRECT,
		Contact: models.ContactSnapshot{Latitude: ptr(12.97), Longitude: ptr(77.59)},
	})
	unlocated := store.AddServiceRequest(models.ServiceRequest{Status: models.SR_STATUS_PENDING, PurchaseType: models.PURCHASE_CART})

	_, err := svc.Confirm(ctx, located.ID)
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, unlocated.ID)
	require.NoError(t, err)

	assert.Equal(t, []uint{located.ID}, d.ids)
}

func TestRejectAndHideCancelled(t *testing.T) {
	store, svc, _ := setup(t)
	ctx := context.Background()
	uid := uint(3)

	pending := store.AddServiceRequest(models.ServiceRequest{UserID: &uid, Status: models.SR_STATUS_PENDING})
	cancelled := store.AddServiceRequest(models.ServiceRequest{UserID: &uid, Status: models.SR_STATUS_CANCELLED, CancelledAt: ptr(time.Now())})

	_, err := svc.Reject(ctx, pending.ID, "no parts")
	require.NoError(t, err)
	assert.Equal(t, models.SR_STATUS_REJECTED, store.Request(pending.ID).Status)

	n, err := svc.HideCancelled(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = svc.HideCancelled(ctx, uid)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := svc.ListForCustomer(ctx, uid)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID, list[0].ID)
	assert.True(t, store.Request(cancelled.ID).Hidden)
}

func TestGetHidesForeignRequests(t *testing.T) {
	store, svc, _ := setup(t)
	ctx := context.Background()
	sr := store.AddServiceRequest(models.ServiceRequest{UserID: ptr(uint(1)), Reference: "RMB-ZZZZZZZZ"})

	_, err := svc.Get(ctx, usercontext.Principal{UserID: 2}, sr.ID)
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))

	got, err := svc.GetByReference(ctx, usercontext.Principal{UserID: 9, IsStaff: true}, "RMB-ZZZZZZZZ")
	require.NoError(t, err)
	assert.Equal(t, sr.ID, got.ID)

	_, _, err = svc.ListAll(ctx, repository.ServiceRequestFilter{Status: "bogus"})
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}
