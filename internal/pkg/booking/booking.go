// Package booking turns carts, single services and subscription entitlements
// into pending service requests.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/geo"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/pricing"
	"github.com/repairmybike/rmb-backend/internal/pkg/requests"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

var validate = validator.New()

// Details is the part of a booking shared by cart and direct purchases.
type Details struct {
	Contact       models.ContactSnapshot `json:"contact"`
	Vehicle       models.VehicleSnapshot `json:"vehicle"`
	ScheduledDate string                 `json:"scheduled_date" validate:"omitempty,datetime=2006-01-02"`
	ScheduledTime string                 `json:"scheduled_time" validate:"omitempty,datetime=15:04"`
	Notes         string                 `json:"notes" validate:"max=2000"`
}

type CheckoutInput struct {
	CartID uint `json:"cart_id" validate:"required"`
	Details
}

type BuyNowInput struct {
	ServiceItemID uint `json:"service_item_id" validate:"required"`
	Quantity      int  `json:"quantity" validate:"omitempty,gte=1,lte=20"`
	Details
}

// SubscriptionBooking describes a request backed by a plan instead of a payment.
type SubscriptionBooking struct {
	UserID                uint
	Contact               models.ContactSnapshot
	Vehicle               models.VehicleSnapshot
	SubscriptionRequestID *uint
	UserSubscriptionID    *uint
	ScheduledAt           *time.Time
	Notes                 string
}

type Service struct {
	repos    *repository.Repositories
	requests *requests.Service
	notifier *notification.Service
	pricing  *pricing.Resolver
	settings func() *models.AppSettings
	now      func() time.Time
	loc      *time.Location
}

func NewService(repos *repository.Repositories, reqs *requests.Service, notifier *notification.Service, resolver *pricing.Resolver) *Service {
	return &Service{
		repos:    repos,
		requests: reqs,
		notifier: notifier,
		pricing:  resolver,
		settings: models.GetAppSettings,
		now:      time.Now,
		loc:      time.UTC,
	}
}

// SetClock overrides the time source and the business timezone.
func (s *Service) SetClock(now func() time.Time, loc *time.Location) {
	s.now = now
	if loc != nil {
		s.loc = loc
	}
}

// SetSettings overrides the settings source.
func (s *Service) SetSettings(fn func() *models.AppSettings) {
	s.settings = fn
}

// DistanceFee quotes the surcharge for a location, honouring the fee toggle.
func (s *Service) DistanceFee(ctx context.Context, point *geo.Point) (pricing.Quote, error) {
	quote, err := s.pricing.Surcharge(ctx, point)
	if err != nil {
		return pricing.Quote{}, apperror.Dependency("resolve distance fee", err)
	}
	if !s.settings().IsDistanceFeeEnabled() {
		quote.Fee = decimal.Zero
	}
	return quote, nil
}

// CheckoutCart books every item of the caller's cart and deletes the cart in
// the same transaction.
func (s *Service) CheckoutCart(ctx context.Context, p usercontext.Principal, in CheckoutInput) (*models.ServiceRequest, error) {
	if err := validate.Struct(in); err != nil {
		return nil, apperror.From(err)
	}

	return s.book(ctx, p, in.Details, models.PURCHASE_CART, func(tx *repository.Repositories) ([]models.ServiceRequestItem, error) {
		cart, err := tx.Cart.GetForUpdate(ctx, in.CartID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperror.Conflict("cart not found or already checked out")
			}
			return nil, apperror.Dependency("load cart", err)
		}
		if cart.UserID != p.UserID {
			return nil, apperror.Forbidden("cart belongs to another user")
		}
		if len(cart.Items) == 0 {
			return nil, apperror.Validation("cart is empty")
		}

		items := make([]models.ServiceRequestItem, 0, len(cart.Items))
		for _, ci := range cart.Items {
			qty := ci.Quantity
			if qty <= 0 {
				qty = 1
			}
			items = append(items, models.ServiceRequestItem{
				ServiceItemID: ci.ServiceItemID,
				Name:          ci.ServiceItem.Name,
				UnitPrice:     ci.ServiceItem.Price,
				Quantity:      qty,
			})
		}
		if err := tx.Cart.Delete(ctx, cart.ID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperror.Conflict("cart not found or already checked out")
			}
			return nil, apperror.Dependency("delete cart", err)
		}
		return items, nil
	})
}

// BuyNow books a single catalog service.
func (s *Service) BuyNow(ctx context.Context, p usercontext.Principal, in BuyNowInput) (*models.ServiceRequest, error) {
	if err := validate.Struct(in); err != nil {
		return nil, apperror.From(err)
	}
	qty := in.Quantity
	if qty == 0 {
		qty = 1
	}

	return s.book(ctx, p, in.Details, models.PURCHASE_DIRECT, func(tx *repository.Repositories) ([]models.ServiceRequestItem, error) {
		item, err := tx.Catalog.GetServiceItem(ctx, in.ServiceItemID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperror.NotFound("service not found")
			}
			return nil, apperror.Dependency("load service", err)
		}
		return []models.ServiceRequestItem{{
			ServiceItemID: item.ID,
			Name:          item.Name,
			UnitPrice:     item.Price,
			Quantity:      qty,
		}}, nil
	})
}

func (s *Service) book(ctx context.Context, p usercontext.Principal, d Details, purchaseType string,
	lines func(tx *repository.Repositories) ([]models.ServiceRequestItem, error)) (*models.ServiceRequest, error) {

	scheduledDate, err := s.parseSchedule(d)
	if err != nil {
		return nil, err
	}

	quote, err := s.DistanceFee(ctx, geo.PointFrom(d.Contact.Latitude, d.Contact.Longitude))
	if err != nil {
		return nil, err
	}

	autoConfirm := s.settings().IsAutoConfirmEnabled()
	out := notification.NewOutbox()
	var sr *models.ServiceRequest

	err = s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		out.Reset()
		items, err := lines(tx)
		if err != nil {
			return err
		}

		userID := p.UserID
		sr = &models.ServiceRequest{
			UserID:        &userID,
			Contact:       d.Contact,
			Vehicle:       d.Vehicle,
			Items:         items,
			PurchaseType:  purchaseType,
			Status:        models.SR_STATUS_PENDING,
			ScheduledDate: scheduledDate,
			ScheduledTime: d.ScheduledTime,
			DistanceFee:   quote.Fee,
			DistanceKm:    quote.DistanceKm,
			Notes:         d.Notes,
		}
		sr.ComputeTotals()

		if err := tx.ServiceRequest.Create(ctx, sr); err != nil {
			return apperror.From(err)
		}
		if err := s.announce(ctx, tx, out, sr); err != nil {
			return err
		}
		if autoConfirm {
			confirmed, err := s.requests.ConfirmTx(ctx, tx, out, sr.ID)
			if err != nil {
				return err
			}
			sr = confirmed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Flush(out)
	s.requests.MaybeDispatch(sr)
	log.Infof("[Booking] %s created (%s, total %s)", sr.Reference, purchaseType, sr.TotalAmount.StringFixed(2))
	return sr, nil
}

// BookFromSubscription creates a pending, unpriced request inside tx. The caller
// owns the transaction and flushes out after commit.
func (s *Service) BookFromSubscription(ctx context.Context, tx *repository.Repositories, out *notification.Outbox, b SubscriptionBooking) (*models.ServiceRequest, error) {
	userID := b.UserID
	sr := &models.ServiceRequest{
		UserID:                &userID,
		Contact:               b.Contact,
		Vehicle:               b.Vehicle,
		PurchaseType:          models.PURCHASE_SUBSCRIPTION,
		Status:                models.SR_STATUS_PENDING,
		SubscriptionRequestID: b.SubscriptionRequestID,
		UserSubscriptionID:    b.UserSubscriptionID,
		Notes:                 b.Notes,
	}
	if b.ScheduledAt != nil {
		local := b.ScheduledAt.In(s.loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
		sr.ScheduledDate = &day
		sr.ScheduledTime = local.Format(timeLayout)
	}
	sr.ComputeTotals()

	if err := tx.ServiceRequest.Create(ctx, sr); err != nil {
		return nil, apperror.From(err)
	}
	out.RequestChanged("created", sr)
	return sr, nil
}

func (s *Service) announce(ctx context.Context, tx *repository.Repositories, out *notification.Outbox, sr *models.ServiceRequest) error {
	if _, err := s.notifier.Record(ctx, tx, out, notification.Event{
		UserID:           *sr.UserID,
		Audience:         notification.AudienceCustomer,
		Kind:             models.NOTIFY_BOOKING_CREATED,
		Title:            "Booking received",
		Message:          fmt.Sprintf("Your booking %s has been received.", sr.Reference),
		Data:             map[string]interface{}{"reference": sr.Reference, "total_amount": sr.TotalAmount.StringFixed(2)},
		ServiceRequestID: &sr.ID,
		Email:            sr.Contact.Email,
	}); err != nil {
		return err
	}
	if err := s.notifier.NotifyStaff(ctx, tx, out, notification.Event{
		Kind:             models.NOTIFY_BOOKING_CREATED,
		Title:            "New booking",
		Message:          fmt.Sprintf("Booking %s needs review.", sr.Reference),
		Data:             map[string]interface{}{"reference": sr.Reference, "purchase_type": sr.PurchaseType},
		ServiceRequestID: &sr.ID,
	}); err != nil {
		return err
	}
	out.RequestChanged("created", sr)
	return nil
}

func (s *Service) parseSchedule(d Details) (*time.Time, error) {
	if d.ScheduledDate == "" {
		if d.ScheduledTime != "" {
			return nil, apperror.Validation("scheduled_time requires scheduled_date")
		}
		return nil, nil
	}
	day, err := time.ParseInLocation(dateLayout, d.ScheduledDate, s.loc)
	if err != nil {
		return nil, apperror.Validation("invalid scheduled_date").WithDetail("scheduled_date", d.ScheduledDate)
	}
	now := s.now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	if day.Before(today) {
		return nil, apperror.Validation("scheduled_date is in the past").WithDetail("scheduled_date", d.ScheduledDate)
	}
	return &day, nil
}
