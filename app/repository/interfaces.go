package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/models"
)

// UserRepository defines the interface for user lookups
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	CountByRole(ctx context.Context, role string) (int64, error)
	ListByRoles(ctx context.Context, roles ...string) ([]models.User, error)
}

// CatalogRepository exposes the read-only service and plan catalog
type CatalogRepository interface {
	GetServiceItem(ctx context.Context, id uint) (*models.ServiceItem, error)
	GetPlanVariant(ctx context.Context, id uint) (*models.PlanVariant, error)
}

// CartRepository defines the cart operations used at checkout
type CartRepository interface {
	// GetForUpdate loads the cart and locks its row until the transaction ends.
	GetForUpdate(ctx context.Context, id uint) (*models.Cart, error)
	// Delete removes the cart and its items. A missing cart yields gorm.ErrRecordNotFound.
	Delete(ctx context.Context, id uint) error
}

// ServiceRequestFilter narrows admin listings.
type ServiceRequestFilter struct {
	Status       string
	PurchaseType string
	UserID       *uint
	Offset       int
	Limit        int
}

// ServiceRequestRepository is the lifecycle store for service requests
type ServiceRequestRepository interface {
	Create(ctx context.Context, sr *models.ServiceRequest) error
	GetByID(ctx context.Context, id uint) (*models.ServiceRequest, error)
	GetByReference(ctx context.Context, ref string) (*models.ServiceRequest, error)
	// CompareAndSetStatus moves the request to `to` only if its current status is in `from`.
	CompareAndSetStatus(ctx context.Context, id uint, from []string, to string, fields map[string]interface{}) (bool, error)
	Update(ctx context.Context, id uint, fields map[string]interface{}) error
	ListForCustomer(ctx context.Context, userID uint, includeHidden bool) ([]models.ServiceRequest, error)
	List(ctx context.Context, filter ServiceRequestFilter) ([]models.ServiceRequest, int64, error)
	HideCancelled(ctx context.Context, userID uint) (int64, error)
	Recent(ctx context.Context, limit int) ([]models.ServiceRequest, error)
	ListByStatus(ctx context.Context, status string) ([]models.ServiceRequest, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
	SumTotalByStatus(ctx context.Context, status string) (decimal.Decimal, error)
	GetDailyStats(ctx context.Context, startDate, endDate time.Time) ([]models.DailyStats, error)
	AddAttachment(ctx context.Context, attachment *models.ServiceRequestAttachment) error
}

// FieldStaffRepository defines mechanic profile operations
type FieldStaffRepository interface {
	GetByID(ctx context.Context, id uint) (*models.FieldStaff, error)
	GetByUserID(ctx context.Context, userID uint) (*models.FieldStaff, error)
	ListAvailable(ctx context.Context) ([]models.FieldStaff, error)
	// Assign binds the staff to a job if and only if they are free.
	Assign(ctx context.Context, staffID, requestID uint) (bool, error)
	// Release frees the staff if they are still bound to requestID.
	Release(ctx context.Context, staffID, requestID uint, completed bool) (bool, error)
	UpdateLocation(ctx context.Context, staffID uint, lat, lon float64, at time.Time) error
}

// DispatchResponseRepository records mechanic answers to offers
type DispatchResponseRepository interface {
	Record(ctx context.Context, response *models.ServiceRequestResponse) error
	ListByRequest(ctx context.Context, requestID uint) ([]models.ServiceRequestResponse, error)
}

// LiveLocationRepository stores tracking breadcrumbs
type LiveLocationRepository interface {
	Append(ctx context.Context, location *models.LiveLocation) error
	Latest(ctx context.Context, requestID uint) (*models.LiveLocation, error)
	// PruneFinished drops breadcrumbs of requests that ended before the cutoff.
	PruneFinished(ctx context.Context, before time.Time) (int64, error)
}

// PricingRuleRepository yields the active distance pricing rule
type PricingRuleRepository interface {
	GetActive(ctx context.Context) (*models.DistancePricingRule, error)
}

// NotificationRepository is the persistent inbox
type NotificationRepository interface {
	Create(ctx context.Context, notification *models.Notification) error
	ListByUser(ctx context.Context, userID uint, offset, limit int) ([]models.Notification, error)
	CountUnread(ctx context.Context, userID uint) (int64, error)
	MarkRead(ctx context.Context, userID, id uint) error
	MarkAllRead(ctx context.Context, userID uint) (int64, error)
	Recent(ctx context.Context, limit int) ([]models.Notification, error)
}

// SubscriptionRequestRepository stores plan applications
type SubscriptionRequestRepository interface {
	Create(ctx context.Context, request *models.SubscriptionRequest) error
	GetByID(ctx context.Context, id uint) (*models.SubscriptionRequest, error)
	GetForUpdate(ctx context.Context, id uint) (*models.SubscriptionRequest, error)
	FindPending(ctx context.Context, userID uint) (*models.SubscriptionRequest, error)
	Save(ctx context.Context, request *models.SubscriptionRequest) error
	ListByUser(ctx context.Context, userID uint) ([]models.SubscriptionRequest, error)
	ListByStatus(ctx context.Context, status string, offset, limit int) ([]models.SubscriptionRequest, error)
	Recent(ctx context.Context, limit int) ([]models.SubscriptionRequest, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
}

// UserSubscriptionRepository stores approved subscriptions
type UserSubscriptionRepository interface {
	Create(ctx context.Context, subscription *models.UserSubscription) error
	GetByID(ctx context.Context, id uint) (*models.UserSubscription, error)
	GetForUpdate(ctx context.Context, id uint) (*models.UserSubscription, error)
	GetByRequestID(ctx context.Context, requestID uint) (*models.UserSubscription, error)
	// FindActive returns the customer's active subscription whose window covers at.
	FindActive(ctx context.Context, userID uint, at time.Time) (*models.UserSubscription, error)
	Save(ctx context.Context, subscription *models.UserSubscription) error
	ListByUser(ctx context.Context, userID uint) ([]models.UserSubscription, error)
	ListExpired(ctx context.Context, at time.Time) ([]models.UserSubscription, error)
	CountActive(ctx context.Context, at time.Time) (int64, error)
	SumPlanRevenue(ctx context.Context) (decimal.Decimal, error)
}

// VisitRepository stores subscription visits
type VisitRepository interface {
	Create(ctx context.Context, visit *models.VisitSchedule) error
	GetByID(ctx context.Context, id uint) (*models.VisitSchedule, error)
	GetForUpdate(ctx context.Context, id uint) (*models.VisitSchedule, error)
	Save(ctx context.Context, visit *models.VisitSchedule) error
	ListBySubscription(ctx context.Context, subscriptionID uint) ([]models.VisitSchedule, error)
	ListScheduledBetween(ctx context.Context, from, to time.Time) ([]models.VisitSchedule, error)
	// LockScheduledBetween is ListScheduledBetween with row locks for slot allocation.
	LockScheduledBetween(ctx context.Context, from, to time.Time) ([]models.VisitSchedule, error)
	FindByServiceRequest(ctx context.Context, serviceRequestID uint) (*models.VisitSchedule, error)
	ListScheduledAfter(ctx context.Context, subscriptionID uint, at time.Time) ([]models.VisitSchedule, error)
}

// MarketplaceRepository exposes the marketplace figures shown to admins
type MarketplaceRepository interface {
	CountVehicles(ctx context.Context) (int64, error)
	RecentSellRequests(ctx context.Context, limit int) ([]models.SellRequest, error)
}

// SettingRepository defines the interface for application settings
type SettingRepository interface {
	Get() (*models.AppSettings, error)
	Save(settings *models.AppSettings) error
}

// TxRunner executes fn against repositories bound to a single transaction.
type TxRunner func(ctx context.Context, fn func(tx *Repositories) error) error

// Repositories struct holds all repository instances
type Repositories struct {
	User                UserRepository
	Catalog             CatalogRepository
	Cart                CartRepository
	ServiceRequest      ServiceRequestRepository
	FieldStaff          FieldStaffRepository
	DispatchResponse    DispatchResponseRepository
	LiveLocation        LiveLocationRepository
	PricingRule         PricingRuleRepository
	Notification        NotificationRepository
	SubscriptionRequest SubscriptionRequestRepository
	UserSubscription    UserSubscriptionRepository
	Visit               VisitRepository
	Marketplace         MarketplaceRepository
	Setting             SettingRepository

	runTx TxRunner
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	repos := &Repositories{
		User:                NewUserRepository(db),
		Catalog:             NewCatalogRepository(db),
		Cart:                NewCartRepository(db),
		ServiceRequest:      NewServiceRequestRepository(db),
		FieldStaff:          NewFieldStaffRepository(db),
		DispatchResponse:    NewDispatchResponseRepository(db),
		LiveLocation:        NewLiveLocationRepository(db),
		PricingRule:         NewPricingRuleRepository(db),
		Notification:        NewNotificationRepository(db),
		SubscriptionRequest: NewSubscriptionRequestRepository(db),
		UserSubscription:    NewUserSubscriptionRepository(db),
		Visit:               NewVisitRepository(db),
		Marketplace:         NewMarketplaceRepository(db),
		Setting:             NewSettingRepository(db),
	}
	repos.runTx = func(ctx context.Context, fn func(tx *Repositories) error) error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(NewRepositories(tx))
		})
	}
	return repos
}

// WithTxRunner replaces the transaction strategy. Stores without transactions
// leave it unset and Transaction runs fn inline.
func (r *Repositories) WithTxRunner(run TxRunner) *Repositories {
	r.runTx = run
	return r
}

// Transaction runs fn atomically. Repositories passed to fn must be used for every
// write that belongs to the unit of work.
func (r *Repositories) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	if r.runTx == nil {
		return fn(r)
	}
	return r.runTx(ctx, fn)
}
