package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/repairmybike/rmb-backend/app/models"
)

type subscriptionRequestRepository struct {
	db *gorm.DB
}

func NewSubscriptionRequestRepository(db *gorm.DB) SubscriptionRequestRepository {
	return &subscriptionRequestRepository{db: db}
}

func (r *subscriptionRequestRepository) Create(ctx context.Context, request *models.SubscriptionRequest) error {
	return r.db.WithContext(ctx).Omit("PlanVariant").Create(request).Error
}

func (r *subscriptionRequestRepository) GetByID(ctx context.Context, id uint) (*models.SubscriptionRequest, error) {
	var req models.SubscriptionRequest
	if err := r.db.WithContext(ctx).Preload("PlanVariant").First(&req, id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *subscriptionRequestRepository) GetForUpdate(ctx context.Context, id uint) (*models.SubscriptionRequest, error) {
	var req models.SubscriptionRequest
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&req, id).Error
	if err != nil {
		return nil, err
	}
	var variant models.PlanVariant
	if err := r.db.WithContext(ctx).First(&variant, req.PlanVariantID).Error; err != nil {
		return nil, err
	}
	req.PlanVariant = variant
	return &req, nil
}

func (r *subscriptionRequestRepository) FindPending(ctx context.Context, userID uint) (*models.SubscriptionRequest, error) {
	var req models.SubscriptionRequest
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.SUB_REQUEST_PENDING).
		First(&req).Error
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *subscriptionRequestRepository) Save(ctx context.Context, request *models.SubscriptionRequest) error {
	return r.db.WithContext(ctx).Omit("PlanVariant").Save(request).Error
}

func (r *subscriptionRequestRepository) ListByUser(ctx context.Context, userID uint) ([]models.SubscriptionRequest, error) {
	var requests []models.SubscriptionRequest
	err := r.db.WithContext(ctx).
		Preload("PlanVariant").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&requests).Error
	return requests, err
}

func (r *subscriptionRequestRepository) ListByStatus(ctx context.Context, status string, offset, limit int) ([]models.SubscriptionRequest, error) {
	var requests []models.SubscriptionRequest
	q := r.db.WithContext(ctx).Preload("PlanVariant")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&requests).Error
	return requests, err
}

func (r *subscriptionRequestRepository) Recent(ctx context.Context, limit int) ([]models.SubscriptionRequest, error) {
	var requests []models.SubscriptionRequest
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&requests).Error
	return requests, err
}

func (r *subscriptionRequestRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.SubscriptionRequest{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

type userSubscriptionRepository struct {
	db *gorm.DB
}

func NewUserSubscriptionRepository(db *gorm.DB) UserSubscriptionRepository {
	return &userSubscriptionRepository{db: db}
}

func (r *userSubscriptionRepository) Create(ctx context.Context, subscription *models.UserSubscription) error {
	return r.db.WithContext(ctx).Omit("PlanVariant").Create(subscription).Error
}

func (r *userSubscriptionRepository) GetByID(ctx context.Context, id uint) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	if err := r.db.WithContext(ctx).Preload("PlanVariant").First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *userSubscriptionRepository) GetForUpdate(ctx context.Context, id uint) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&sub, id).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *userSubscriptionRepository) GetByRequestID(ctx context.Context, requestID uint) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	err := r.db.WithContext(ctx).
		Preload("PlanVariant").
		Where("subscription_request_id = ?", requestID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *userSubscriptionRepository) FindActive(ctx context.Context, userID uint, at time.Time) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	err := r.db.WithContext(ctx).
		Preload("PlanVariant").
		Where("user_id = ? AND status = ?", userID, models.SUB_STATUS_ACTIVE).
		Where("start_date <= ? AND end_date >= ?", at, at).
		Order("end_date DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *userSubscriptionRepository) Save(ctx context.Context, subscription *models.UserSubscription) error {
	return r.db.WithContext(ctx).Omit("PlanVariant").Save(subscription).Error
}

func (r *userSubscriptionRepository) ListByUser(ctx context.Context, userID uint) ([]models.UserSubscription, error) {
	var subs []models.UserSubscription
	err := r.db.WithContext(ctx).
		Preload("PlanVariant").
		Where("user_id = ?", userID).
		Order("start_date DESC").
		Find(&subs).Error
	return subs, err
}

func (r *userSubscriptionRepository) ListExpired(ctx context.Context, at time.Time) ([]models.UserSubscription, error) {
	var subs []models.UserSubscription
	err := r.db.WithContext(ctx).
		Where("status = ? AND end_date < ?", models.SUB_STATUS_ACTIVE, at).
		Find(&subs).Error
	return subs, err
}

func (r *userSubscriptionRepository) CountActive(ctx context.Context, at time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UserSubscription{}).
		Where("status = ? AND start_date <= ? AND end_date >= ? AND remaining_visits > 0",
			models.SUB_STATUS_ACTIVE, at, at).
		Count(&count).Error
	return count, err
}

// SumPlanRevenue totals the plan price of every subscription ever granted
func (r *userSubscriptionRepository) SumPlanRevenue(ctx context.Context) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := r.db.WithContext(ctx).
		Table("user_subscriptions").
		Select("SUM(plan_variants.price)").
		Joins("JOIN plan_variants ON plan_variants.id = user_subscriptions.plan_variant_id").
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

type visitRepository struct {
	db *gorm.DB
}

func NewVisitRepository(db *gorm.DB) VisitRepository {
	return &visitRepository{db: db}
}

func (r *visitRepository) Create(ctx context.Context, visit *models.VisitSchedule) error {
	return r.db.WithContext(ctx).Omit("UserSubscription").Create(visit).Error
}

func (r *visitRepository) GetByID(ctx context.Context, id uint) (*models.VisitSchedule, error) {
	var visit models.VisitSchedule
	if err := r.db.WithContext(ctx).First(&visit, id).Error; err != nil {
		return nil, err
	}
	return &visit, nil
}

func (r *visitRepository) GetForUpdate(ctx context.Context, id uint) (*models.VisitSchedule, error) {
	var visit models.VisitSchedule
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&visit, id).Error
	if err != nil {
		return nil, err
	}
	return &visit, nil
}

func (r *visitRepository) Save(ctx context.Context, visit *models.VisitSchedule) error {
	return r.db.WithContext(ctx).Omit("UserSubscription").Save(visit).Error
}

func (r *visitRepository) ListBySubscription(ctx context.Context, subscriptionID uint) ([]models.VisitSchedule, error) {
	var visits []models.VisitSchedule
	err := r.db.WithContext(ctx).
		Where("user_subscription_id = ?", subscriptionID).
		Order("scheduled_date ASC").
		Find(&visits).Error
	return visits, err
}

func (r *visitRepository) ListScheduledBetween(ctx context.Context, from, to time.Time) ([]models.VisitSchedule, error) {
	var visits []models.VisitSchedule
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_date >= ? AND scheduled_date < ?", models.VISIT_SCHEDULED, from, to).
		Find(&visits).Error
	return visits, err
}

func (r *visitRepository) LockScheduledBetween(ctx context.Context, from, to time.Time) ([]models.VisitSchedule, error) {
	var visits []models.VisitSchedule
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("status = ? AND scheduled_date >= ? AND scheduled_date < ?", models.VISIT_SCHEDULED, from, to).
		Find(&visits).Error
	return visits, err
}

func (r *visitRepository) FindByServiceRequest(ctx context.Context, serviceRequestID uint) (*models.VisitSchedule, error) {
	var visit models.VisitSchedule
	err := r.db.WithContext(ctx).Where("service_request_id = ?", serviceRequestID).First(&visit).Error
	if err != nil {
		return nil, err
	}
	return &visit, nil
}

func (r *visitRepository) ListScheduledAfter(ctx context.Context, subscriptionID uint, at time.Time) ([]models.VisitSchedule, error) {
	var visits []models.VisitSchedule
	err := r.db.WithContext(ctx).
		Where("user_subscription_id = ? AND status = ? AND scheduled_date > ?",
			subscriptionID, models.VISIT_SCHEDULED, at).
		Find(&visits).Error
	return visits, err
}
