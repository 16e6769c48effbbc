package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/models"
)

type serviceRequestRepository struct {
	db *gorm.DB
}

// NewServiceRequestRepository creates a new service request repository instance
func NewServiceRequestRepository(db *gorm.DB) ServiceRequestRepository {
	return &serviceRequestRepository{db: db}
}

// Create inserts the request with its items under a freshly minted reference
func (r *serviceRequestRepository) Create(ctx context.Context, sr *models.ServiceRequest) error {
	db := r.db.WithContext(ctx)
	return InsertWithReference(sr, nil, func() error {
		return db.Create(sr).Error
	})
}

func (r *serviceRequestRepository) GetByID(ctx context.Context, id uint) (*models.ServiceRequest, error) {
	var sr models.ServiceRequest
	err := r.db.WithContext(ctx).
		Preload("Items").
		Preload("Attachments").
		First(&sr, id).Error
	if err != nil {
		return nil, err
	}
	return &sr, nil
}

func (r *serviceRequestRepository) GetByReference(ctx context.Context, ref string) (*models.ServiceRequest, error) {
	var sr models.ServiceRequest
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("reference = ?", ref).
		First(&sr).Error
	if err != nil {
		return nil, err
	}
	return &sr, nil
}

// CompareAndSetStatus performs the guarded status update in a single statement
func (r *serviceRequestRepository) CompareAndSetStatus(ctx context.Context, id uint, from []string, to string, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&models.ServiceRequest{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *serviceRequestRepository) Update(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.ServiceRequest{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *serviceRequestRepository) ListForCustomer(ctx context.Context, userID uint, includeHidden bool) ([]models.ServiceRequest, error) {
	var requests []models.ServiceRequest
	q := r.db.WithContext(ctx).Preload("Items").Where("user_id = ?", userID)
	if !includeHidden {
		q = q.Where("hidden = ?", false)
	}
	err := q.Order("created_at DESC").Find(&requests).Error
	return requests, err
}

func (r *serviceRequestRepository) List(ctx context.Context, filter ServiceRequestFilter) ([]models.ServiceRequest, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.ServiceRequest{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.PurchaseType != "" {
		q = q.Where("purchase_type = ?", filter.PurchaseType)
	}
	if filter.UserID != nil {
		q = q.Where("user_id = ?", *filter.UserID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var requests []models.ServiceRequest
	err := q.Preload("Items").
		Order("created_at DESC").
		Offset(filter.Offset).
		Limit(limit).
		Find(&requests).Error
	return requests, total, err
}

// HideCancelled flags the customer's cancelled requests as hidden
func (r *serviceRequestRepository) HideCancelled(ctx context.Context, userID uint) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ServiceRequest{}).
		Where("user_id = ? AND status = ? AND hidden = ?", userID, models.SR_STATUS_CANCELLED, false).
		Update("hidden", true)
	return res.RowsAffected, res.Error
}

func (r *serviceRequestRepository) Recent(ctx context.Context, limit int) ([]models.ServiceRequest, error) {
	var requests []models.ServiceRequest
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&requests).Error
	return requests, err
}

func (r *serviceRequestRepository) ListByStatus(ctx context.Context, status string) ([]models.ServiceRequest, error) {
	var requests []models.ServiceRequest
	err := r.db.WithContext(ctx).Where("status = ?", status).Find(&requests).Error
	return requests, err
}

func (r *serviceRequestRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ServiceRequest{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

func (r *serviceRequestRepository) SumTotalByStatus(ctx context.Context, status string) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := r.db.WithContext(ctx).
		Model(&models.ServiceRequest{}).
		Select("SUM(total_amount)").
		Where("status = ?", status).
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

// GetDailyStats returns daily request counts for a date range
func (r *serviceRequestRepository) GetDailyStats(ctx context.Context, startDate, endDate time.Time) ([]models.DailyStats, error) {
	var results []struct {
		Date  string
		Count int64
	}

	err := r.db.WithContext(ctx).Model(&models.ServiceRequest{}).
		Select("DATE_FORMAT(created_at, '%Y-%m-%d') as date, COUNT(*) as count").
		Where("created_at BETWEEN ? AND ?", startDate, endDate).
		Group("DATE_FORMAT(created_at, '%Y-%m-%d')").
		Order("date").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get daily request stats: %w", err)
	}

	stats := make([]models.DailyStats, len(results))
	for i, result := range results {
		stats[i] = models.DailyStats{Date: result.Date, Count: int(result.Count)}
	}
	return stats, nil
}

func (r *serviceRequestRepository) AddAttachment(ctx context.Context, attachment *models.ServiceRequestAttachment) error {
	return r.db.WithContext(ctx).Create(attachment).Error
}
