package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository/memory"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/geo"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/pricing"
	"github.com/repairmybike/rmb-backend/internal/pkg/requests"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

var fixedNow = time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)

type dispatchSpy struct {
	mu  sync.Mutex
	ids []uint
}

func (d *dispatchSpy) Schedule(id uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
}

type fixture struct {
	store    *memory.Store
	svc      *Service
	spy      *dispatchSpy
	settings *models.AppSettings
	customer models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	repos := store.Repositories()
	notifier := notification.NewService(repos, nil, nil)
	reqs := requests.NewService(repos, notifier)
	spy := &dispatchSpy{}
	reqs.SetDispatcher(spy)

	svc := NewService(repos, reqs, notifier, pricing.NewResolver(repos.PricingRule))
	settings := models.DefaultAppSettings()
	svc.SetSettings(func() *models.AppSettings { return settings })
	svc.SetClock(func() time.Time { return fixedNow }, time.UTC)

	store.AddPricingRule(models.DistancePricingRule{
		CenterLat: 12.9716, CenterLon: 77.5946,
		FreeRadiusKm: 5, MaxDistanceKm: 50,
		BaseCharge: decimal.NewFromInt(50), PerKmCharge: decimal.NewFromInt(10),
		IsActive: true,
	})

	return &fixture{
		store:    store,
		svc:      svc,
		spy:      spy,
		settings: settings,
		customer: store.AddUser(models.User{Name: "Ravi", Email: "ravi@example.com", Role: models.ROLE_CUSTOMER}),
	}
}

func f64(v float64) *float64 { return &v }

func contactAt(lat, lon float64) models.ContactSnapshot {
	return models.ContactSnapshot{
		Name: "Ravi", Email: "ravi@example.com", Phone: "9999999999", Address: "MG Road",
		Latitude: f64(lat), Longitude: f64(lon),
	}
}

func (f *fixture) principal() usercontext.Principal {
	return usercontext.Principal{UserID: f.customer.ID, IsCustomer: true}
}

func TestCheckoutCartComputesTotalsAndDeletesCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oil := f.store.AddServiceItem(models.ServiceItem{Name: "Oil change", Price: decimal.RequireFromString("499.50"), IsActive: true})
	brake := f.store.AddServiceItem(models.ServiceItem{Name: "Brake pads", Price: decimal.NewFromInt(300), IsActive: true})
	cart := f.store.AddCart(models.Cart{UserID: f.customer.ID, Items: []models.CartItem{
		{ServiceItemID: oil.ID, Quantity: 2},
		{ServiceItemID: brake.ID, Quantity: 1},
	}})

	// roughly 10 km north of the pricing centre
	sr, err := f.svc.CheckoutCart(ctx, f.principal(), CheckoutInput{
		CartID: cart.ID,
		Details: Details{
			Contact:       contactAt(13.0616, 77.5946),
			ScheduledDate: "2025-01-08",
			ScheduledTime: "10:30",
		},
	})
	require.NoError(t, err)

	assert.Regexp(t, `^RMB-[A-Z0-9]{8}$`, sr.Reference)
	assert.Equal(t, models.SR_STATUS_PENDING, sr.Status)
	assert.Equal(t, models.PURCHASE_CART, sr.PurchaseType)
	assert.True(t, sr.ServiceTotal.Equal(decimal.RequireFromString("1299.00")))
	assert.True(t, sr.DistanceFee.GreaterThan(decimal.NewFromInt(50)))
	assert.True(t, sr.TotalAmount.Equal(sr.ServiceTotal.Add(sr.DistanceFee)))
	assert.Len(t, sr.Items, 2)
	assert.False(t, f.store.CartExists(cart.ID))

	_, err = f.svc.CheckoutCart(ctx, f.principal(), CheckoutInput{CartID: cart.ID, Details: Details{Contact: contactAt(12.97, 77.59)}})
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	assert.Empty(t, f.spy.ids)
	inbox := f.store.NotificationsFor(f.customer.ID)
	require.Len(t, inbox, 1)
	assert.Equal(t, models.NOTIFY_BOOKING_CREATED, inbox[0].Type)
}

func TestConcurrentCheckoutBooksCartOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oil := f.store.AddServiceItem(models.ServiceItem{Name: "Oil change", Price: decimal.NewFromInt(499), IsActive: true})
	cart := f.store.AddCart(models.Cart{UserID: f.customer.ID, Items: []models.CartItem{{ServiceItemID: oil.ID, Quantity: 1}}})

	const attempts = 4
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CheckoutCart(ctx, f.principal(), CheckoutInput{
				CartID:  cart.ID,
				Details: Details{Contact: contactAt(12.97, 77.59)},
			})
		}(i)
	}
	wg.Wait()

	booked := 0
	for _, err := range errs {
		if err == nil {
			booked++
			continue
		}
		assert.True(t, apperror.IsKind(err, apperror.KindConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, booked)
	assert.False(t, f.store.CartExists(cart.ID))
	assert.Len(t, f.store.NotificationsFor(f.customer.ID), 1)
}

func TestCheckoutRejectsEmptyAndForeignCarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty := f.store.AddCart(models.Cart{UserID: f.customer.ID})
	_, err := f.svc.CheckoutCart(ctx, f.principal(), CheckoutInput{CartID: empty.ID, Details: Details{Contact: contactAt(12.97, 77.59)}})
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	assert.True(t, f.store.CartExists(empty.ID))

	foreign := f.store.AddCart(models.Cart{UserID: f.customer.ID + 100, Items: []models.CartItem{{ServiceItemID: 1, Quantity: 1}}})
	_, err = f.svc.CheckoutCart(ctx, f.principal(), CheckoutInput{CartID: foreign.ID, Details: Details{Contact: contactAt(12.97, 77.59)}})
	assert.True(t, apperror.IsKind(err, apperror.KindForbidden))
	assert.True(t, f.store.CartExists(foreign.ID))
}

func TestBuyNowValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   BuyNowInput
		kind apperror.Kind
	}{
		{"missing service", BuyNowInput{Details: Details{Contact: contactAt(12.97, 77.59)}}, apperror.KindValidation},
		{"missing contact", BuyNowInput{ServiceItemID: 1}, apperror.KindValidation},
		{"past date", BuyNowInput{ServiceItemID: 1, Details: Details{Contact: contactAt(12.97, 77.59), ScheduledDate: "2024-12-31"}}, apperror.KindValidation},
		{"bad time", BuyNowInput{ServiceItemID: 1, Details: Details{Contact: contactAt(12.97, 77.59), ScheduledDate: "2025-01-08", ScheduledTime: "25:00"}}, apperror.KindValidation},
		{"unknown service", BuyNowInput{ServiceItemID: 4242, Details: Details{Contact: contactAt(12.97, 77.59)}}, apperror.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.BuyNow(ctx, f.principal(), tt.in)
			assert.True(t, apperror.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestBuyNowAutoConfirmTriggersDispatch(t *testing.T) {
	f := newFixture(t)
	f.settings.AutoConfirmBookings = true
	item := f.store.AddServiceItem(models.ServiceItem{Name: "Puncture", Price: decimal.NewFromInt(150), IsActive: true})

	sr, err := f.svc.BuyNow(context.Background(), f.principal(), BuyNowInput{
		ServiceItemID: item.ID,
		Quantity:      2,
		Details:       Details{Contact: contactAt(12.9716, 77.5946)},
	})
	require.NoError(t, err)

	assert.Equal(t, models.SR_STATUS_CONFIRMED, sr.Status)
	assert.True(t, sr.ServiceTotal.Equal(decimal.NewFromInt(300)))
	assert.True(t, sr.DistanceFee.IsZero())
	assert.Equal(t, []uint{sr.ID}, f.spy.ids)
}

func TestDistanceFeeHonoursToggleAndRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	far := &geo.Point{Lat: 13.5116, Lon: 77.5946} // ~60 km
	quote, err := f.svc.DistanceFee(ctx, far)
	require.NoError(t, err)
	assert.True(t, quote.OutOfRange)

	near := &geo.Point{Lat: 13.0616, Lon: 77.5946}
	quote, err = f.svc.DistanceFee(ctx, near)
	require.NoError(t, err)
	assert.True(t, quote.Fee.IsPositive())

	f.settings.DistanceFeeEnabled = false
	quote, err = f.svc.DistanceFee(ctx, near)
	require.NoError(t, err)
	assert.True(t, quote.Fee.IsZero())
}
