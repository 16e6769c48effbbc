package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
	"github.com/repairmybike/rmb-backend/app/repository/memory"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/booking"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/pricing"
	"github.com/repairmybike/rmb-backend/internal/pkg/pushbus"
	"github.com/repairmybike/rmb-backend/internal/pkg/requests"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

type env struct {
	store    *memory.Store
	repos    *repository.Repositories
	engine   *Engine
	requests *requests.Service
	now      time.Time
	plan     models.PlanVariant
	customer usercontext.Principal
	admin    usercontext.Principal
}

func newEnv(t *testing.T, start time.Time) *env {
	t.Helper()
	store := memory.New()
	repos := store.Repositories()
	bus := pushbus.NewBroker(16)
	notifier := notification.NewService(repos, bus, nil)
	reqs := requests.NewService(repos, notifier)

	e := &env{store: store, repos: repos, requests: reqs, now: start}
	clock := func() time.Time { return e.now }
	reqs.SetClock(clock)
	books := booking.NewService(repos, reqs, notifier, pricing.NewResolver(repos.PricingRule))
	books.SetClock(clock, time.UTC)

	e.engine = NewEngine(repos, reqs, notifier, books)
	e.engine.SetClock(clock, time.UTC)
	e.engine.SetSettings(func() *models.AppSettings {
		s := models.DefaultAppSettings()
		s.VisitSlotCapacity = 1
		return s
	})

	e.plan = store.AddPlanVariant(models.PlanVariant{
		PlanName: "Quarterly Care", DurationType: models.DURATION_QUARTERLY,
		MaxVisits: 4, Price: decimal.NewFromInt(1999), IsActive: true,
	})
	e.customer = e.addCustomer("Meera")
	admin := store.AddUser(models.User{Name: "Ops", Role: models.ROLE_ADMIN})
	e.admin = usercontext.Principal{UserID: admin.ID, Name: admin.Name, IsStaff: true}
	return e
}

func (e *env) addCustomer(name string) usercontext.Principal {
	u := e.store.AddUser(models.User{Name: name, Email: name + "@example.com", Role: models.ROLE_CUSTOMER})
	return usercontext.Principal{UserID: u.ID, Name: u.Name, Email: u.Email, IsCustomer: true}
}

func (e *env) input() RequestInput {
	return RequestInput{
		PlanVariantID: e.plan.ID,
		Contact:       models.ContactSnapshot{Name: "Meera", Email: "meera@example.com", Phone: "900", Address: "MG Road"},
	}
}

// approved files and approves a request for p at the current clock.
func (e *env) approved(t *testing.T, p usercontext.Principal) *models.UserSubscription {
	t.Helper()
	in := e.input()
	in.Contact.Name = p.Name
	req, err := e.engine.CreateRequest(context.Background(), p, in)
	require.NoError(t, err)
	sub, err := e.engine.Approve(context.Background(), req.ID, "")
	require.NoError(t, err)
	return sub
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCreateRequestLinksPendingServiceRequest(t *testing.T) {
	e := newEnv(t, at("2025-01-01T09:00:00Z"))
	ctx := context.Background()

	req, err := e.engine.CreateRequest(ctx, e.customer, e.input())
	require.NoError(t, err)
	assert.Equal(t, models.SUB_REQUEST_PENDING, req.Status)
	assert.Regexp(t, `^SUB-\d+-\d+-\d+$`, req.Reference)
	require.NotNil(t, req.ServiceRequestID)

	sr := e.store.Request(*req.ServiceRequestID)
	assert.Equal(t, models.SR_STATUS_PENDING, sr.Status)
	assert.Equal(t, models.PURCHASE_SUBSCRIPTION, sr.PurchaseType)
	require.NotNil(t, sr.SubscriptionRequestID)
	assert.Equal(t, req.ID, *sr.SubscriptionRequestID)

	_, err = e.engine.CreateRequest(ctx, e.customer, e.input())
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	bad := e.input()
	bad.PlanVariantID = 999
	other := e.addCustomer("Ravi")
	_, err = e.engine.CreateRequest(ctx, other, bad)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestApproveQuarterlyPlan(t *testing.T) {
	e := newEnv(t, at("2025-01-01T09:00:00Z"))
	ctx := context.Background()

	req, err := e.engine.CreateRequest(ctx, e.customer, e.input())
	require.NoError(t, err)

	e.now = at("2025-01-01T10:00:00Z")
	sub, err := e.engine.Approve(ctx, req.ID, "welcome")
	require.NoError(t, err)
	assert.Equal(t, at("2025-01-01T10:00:00Z"), sub.StartDate)
	assert.Equal(t, at("2025-04-01T10:00:00Z"), sub.EndDate)
	assert.Equal(t, 4, sub.RemainingVisits)
	assert.Equal(t, models.SUB_STATUS_ACTIVE, sub.Status)

	again, err := e.engine.Approve(ctx, req.ID, "")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, again.ID)

	stored, err := e.repos.SubscriptionRequest.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SUB_REQUEST_APPROVED, stored.Status)
	assert.Nil(t, stored.PendingKey)
	assert.Equal(t, models.SR_STATUS_CONFIRMED, e.store.Request(*req.ServiceRequestID).Status)

	active, err := e.engine.Active(ctx, e.customer.UserID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, active.ID)

	_, err = e.engine.CreateRequest(ctx, e.customer, e.input())
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	_, err = e.engine.Reject(ctx, req.ID, "late")
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
}

func TestApproveRefusesSecondActiveSubscription(t *testing.T) {
	e := newEnv(t, at("2025-01-01T09:00:00Z"))
	ctx := context.Background()

	req, err := e.engine.CreateRequest(ctx, e.customer, e.input())
	require.NoError(t, err)

	// an entitlement granted after the request was filed
	running := &models.UserSubscription{
		UserID: e.customer.UserID, PlanVariantID: e.plan.ID, SubscriptionRequestID: req.ID + 1000,
		StartDate: e.now, EndDate: e.now.AddDate(0, 3, 0),
		Status: models.SUB_STATUS_ACTIVE, MaxVisits: 4, RemainingVisits: 4,
	}
	require.NoError(t, e.repos.UserSubscription.Create(ctx, running))

	_, err = e.engine.Approve(ctx, req.ID, "")
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	stored, err := e.repos.SubscriptionRequest.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SUB_REQUEST_PENDING, stored.Status)
	assert.Nil(t, stored.UserSubscriptionID)
	assert.Equal(t, models.SR_STATUS_PENDING, e.store.Request(*req.ServiceRequestID).Status)

	active, err := e.engine.Active(ctx, e.customer.UserID)
	require.NoError(t, err)
	assert.Equal(t, running.ID, active.ID)
}

func TestRejectCancelsLinkedRequest(t *testing.T) {
	e := newEnv(t, at("2025-01-01T09:00:00Z"))
	ctx := context.Background()

	req, err := e.engine.CreateRequest(ctx, e.customer, e.input())
	require.NoError(t, err)

	rejected, err := e.engine.Reject(ctx, req.ID, "address outside coverage")
	require.NoError(t, err)
	assert.Equal(t, models.SUB_REQUEST_REJECTED, rejected.Status)
	assert.Equal(t, models.SR_STATUS_CANCELLED, e.store.Request(*req.ServiceRequestID).Status)

	_, err = e.engine.Approve(ctx, req.ID, "")
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	_, err = e.engine.CreateRequest(ctx, e.customer, e.input())
	assert.NoError(t, err)
}

func TestVisitCompletionDrawsCounter(t *testing.T) {
	e := newEnv(t, at("2025-01-01T10:00:00Z"))
	ctx := context.Background()
	sub := e.approved(t, e.customer)

	e.now = at("2025-01-06T08:00:00Z")
	visit, err := e.engine.ScheduleVisit(ctx, e.customer, VisitInput{ScheduledAt: at("2025-01-07T10:00:00Z")})
	require.NoError(t, err)
	assert.Equal(t, models.VISIT_SCHEDULED, visit.Status)
	require.NotNil(t, visit.ServiceRequestID)
	assert.Equal(t, models.SR_STATUS_SCHEDULED, e.store.Request(*visit.ServiceRequestID).Status)

	stored, err := e.repos.UserSubscription.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.RemainingVisits)

	e.now = at("2025-01-07T11:00:00Z")
	done, err := e.engine.CompleteVisit(ctx, visit.ID, "brakes adjusted")
	require.NoError(t, err)
	assert.Equal(t, models.VISIT_COMPLETED, done.Status)

	stored, err = e.repos.UserSubscription.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.RemainingVisits)
	require.NotNil(t, stored.LastVisitDate)
	assert.Equal(t, at("2025-01-07T11:00:00Z"), *stored.LastVisitDate)

	sr := e.store.Request(*visit.ServiceRequestID)
	assert.Equal(t, models.SR_STATUS_COMPLETED, sr.Status)

	e.now = at("2025-01-07T12:00:00Z")
	_, err = e.engine.CompleteVisit(ctx, visit.ID, "")
	require.NoError(t, err)
	stored, err = e.repos.UserSubscription.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.RemainingVisits)
	assert.Equal(t, at("2025-01-07T11:00:00Z"), *stored.LastVisitDate)
}

func TestVisitCalendarBoundaries(t *testing.T) {
	e := newEnv(t, at("2025-01-01T10:00:00Z"))
	ctx := context.Background()
	e.approved(t, e.customer)
	e.now = at("2025-01-06T08:00:00Z")

	tests := []struct {
		name string
		when string
		kind apperror.Kind
	}{
		{"saturday", "2025-01-11T10:00:00Z", apperror.KindValidation},
		{"sunday", "2025-01-12T10:00:00Z", apperror.KindValidation},
		{"friday at closing", "2025-01-10T17:00:00Z", apperror.KindValidation},
		{"before opening", "2025-01-09T08:59:00Z", apperror.KindValidation},
		{"in the past", "2025-01-03T10:00:00Z", apperror.KindValidation},
		{"after end date", "2025-04-02T10:00:00Z", apperror.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.engine.ScheduleVisit(ctx, e.customer, VisitInput{ScheduledAt: at(tt.when)})
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperror.From(err).Kind)
		})
	}

	_, err := e.engine.ScheduleVisit(ctx, e.customer, VisitInput{ScheduledAt: at("2025-01-10T16:59:00Z")})
	require.NoError(t, err)

	_, err = e.engine.ScheduleVisit(ctx, e.customer, VisitInput{ScheduledAt: at("2025-01-10T09:00:00Z")})
	assert.True(t, apperror.IsKind(err, apperror.KindConflict), "one visit per subscription per day")
}

func TestSlotCapacityAndAvailability(t *testing.T) {
	e := newEnv(t, at("2025-01-01T10:00:00Z"))
	ctx := context.Background()
	e.approved(t, e.customer)
	ravi := e.addCustomer("Ravi")
	e.approved(t, ravi)
	e.now = at("2025-01-06T08:00:00Z")

	_, err := e.engine.ScheduleVisit(ctx, e.customer, VisitInput{ScheduledAt: at("2025-01-08T11:00:00Z")})
	require.NoError(t, err)
	_, err = e.engine.ScheduleVisit(ctx, ravi, VisitInput{ScheduledAt: at("2025-01-08T11:30:00Z")})
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	slots, err := e.engine.AvailableSlots(ctx, ravi, "2025-01-08")
	require.NoError(t, err)
	require.Len(t, slots, LastSlotHour-FirstSlotHour+1)
	for _, s := range slots {
		if s.Time == "11:00" {
			assert.False(t, s.Available)
			assert.Zero(t, s.Remaining)
		} else {
			assert.True(t, s.Available, s.Time)
		}
	}

	own, err := e.engine.AvailableSlots(ctx, e.customer, "2025-01-08")
	require.NoError(t, err)
	for _, s := range own {
		assert.False(t, s.Available, "customer already has a visit that day")
	}

	weekend, err := e.engine.AvailableSlots(ctx, ravi, "2025-01-11")
	require.NoError(t, err)
	assert.Empty(t, weekend)

	_, err = e.engine.AvailableSlots(ctx, ravi, "08/01/2025")
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestCancelVisitKeepsCounter(t *testing.T) {
	e := newEnv(t, at("2025-01-01T10:00:00Z"))
	ctx := context.Background()
	sub := e.approved(t, e.customer)
	e.now = at("2025-01-06T08:00:00Z")

	visit, err := e.engine.ScheduleVisit(ctx, e.customer, VisitInput{ScheduledAt: at("2025-01-08T11:00:00Z")})
	require.NoError(t, err)

	stranger := e.addCustomer("Ravi")
	_, err = e.engine.CancelVisit(ctx, stranger, visit.ID)
	assert.True(t, apperror.IsKind(err, apperror.KindForbidden))

	cancelled, err := e.engine.CancelVisit(ctx, e.customer, visit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VISIT_CANCELLED, cancelled.Status)
	assert.Equal(t, models.SR_STATUS_CANCELLED, e.store.Request(*visit.ServiceRequestID).Status)

	stored, err := e.repos.UserSubscription.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.RemainingVisits)

	_, err = e.engine.CancelVisit(ctx, e.customer, visit.ID)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
	_, err = e.engine.CompleteVisit(ctx, visit.ID, "")
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	_, err = e.engine.ScheduleVisit(ctx, e.customer, VisitInput{ScheduledAt: at("2025-01-08T11:00:00Z")})
	assert.NoError(t, err, "slot is free again")

	visits, err := e.engine.ListVisits(ctx, e.customer.UserID)
	require.NoError(t, err)
	assert.Len(t, visits, 2)
}

func TestCustomerCancelOfVisitRequestCancelsVisit(t *testing.T) {
	e := newEnv(t, at("2025-01-01T10:00:00Z"))
	ctx := context.Background()
	e.approved(t, e.customer)
	e.now = at("2025-01-06T08:00:00Z")

	visit, err := e.engine.ScheduleVisit(ctx, e.customer, VisitInput{ScheduledAt: at("2025-01-08T11:00:00Z")})
	require.NoError(t, err)

	_, err = e.requests.Cancel(ctx, e.customer, *visit.ServiceRequestID)
	require.NoError(t, err)

	stored, err := e.repos.Visit.GetByID(ctx, visit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VISIT_CANCELLED, stored.Status)
}

func TestExpireDue(t *testing.T) {
	e := newEnv(t, at("2025-01-01T10:00:00Z"))
	ctx := context.Background()
	sub := e.approved(t, e.customer)

	late := &models.VisitSchedule{
		UserSubscriptionID: sub.ID,
		ScheduledDate:      sub.EndDate.Add(48 * time.Hour),
		Status:             models.VISIT_SCHEDULED,
	}
	require.NoError(t, e.repos.Visit.Create(ctx, late))

	e.now = sub.EndDate.Add(-time.Minute)
	n, err := e.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.now = sub.EndDate.Add(time.Minute)
	n, err = e.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := e.repos.UserSubscription.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SUB_STATUS_EXPIRED, stored.Status)

	visit, err := e.repos.Visit.GetByID(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VISIT_CANCELLED, visit.Status)
	assert.Contains(t, visit.ServiceNotes, models.CANCEL_REASON_SUB_EXPIRED)

	_, err = e.engine.Active(ctx, e.customer.UserID)
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))

	n, err = e.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
