package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/repairmybike/rmb-backend/app/models"
)

type fieldStaffRepository struct {
	db *gorm.DB
}

func NewFieldStaffRepository(db *gorm.DB) FieldStaffRepository {
	return &fieldStaffRepository{db: db}
}

func (r *fieldStaffRepository) GetByID(ctx context.Context, id uint) (*models.FieldStaff, error) {
	var staff models.FieldStaff
	if err := r.db.WithContext(ctx).Preload("User").First(&staff, id).Error; err != nil {
		return nil, err
	}
	return &staff, nil
}

func (r *fieldStaffRepository) GetByUserID(ctx context.Context, userID uint) (*models.FieldStaff, error) {
	var staff models.FieldStaff
	err := r.db.WithContext(ctx).Preload("User").Where("user_id = ?", userID).First(&staff).Error
	if err != nil {
		return nil, err
	}
	return &staff, nil
}

// ListAvailable returns free mechanics that have reported a location
func (r *fieldStaffRepository) ListAvailable(ctx context.Context) ([]models.FieldStaff, error) {
	var staff []models.FieldStaff
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("is_available = ? AND current_job_id IS NULL", true).
		Where("latitude IS NOT NULL AND longitude IS NOT NULL").
		Find(&staff).Error
	return staff, err
}

func (r *fieldStaffRepository) Assign(ctx context.Context, staffID, requestID uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.FieldStaff{}).
		Where("id = ? AND is_available = ? AND current_job_id IS NULL", staffID, true).
		Updates(map[string]interface{}{
			"is_available":   false,
			"current_job_id": requestID,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *fieldStaffRepository) Release(ctx context.Context, staffID, requestID uint, completed bool) (bool, error) {
	updates := map[string]interface{}{
		"is_available":   true,
		"current_job_id": nil,
	}
	if completed {
		updates["total_jobs"] = gorm.Expr("total_jobs + 1")
	}
	res := r.db.WithContext(ctx).
		Model(&models.FieldStaff{}).
		Where("id = ? AND current_job_id = ?", staffID, requestID).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *fieldStaffRepository) UpdateLocation(ctx context.Context, staffID uint, lat, lon float64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.FieldStaff{}).
		Where("id = ?", staffID).
		Updates(map[string]interface{}{
			"latitude":            lat,
			"longitude":           lon,
			"location_updated_at": at,
		}).Error
}

type dispatchResponseRepository struct {
	db *gorm.DB
}

func NewDispatchResponseRepository(db *gorm.DB) DispatchResponseRepository {
	return &dispatchResponseRepository{db: db}
}

// Record upserts the mechanic's answer for the request
func (r *dispatchResponseRepository) Record(ctx context.Context, response *models.ServiceRequestResponse) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service_request_id"}, {Name: "field_staff_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"response", "estimated_arrival_time", "distance_km"}),
	}).Create(response).Error
}

func (r *dispatchResponseRepository) ListByRequest(ctx context.Context, requestID uint) ([]models.ServiceRequestResponse, error) {
	var responses []models.ServiceRequestResponse
	err := r.db.WithContext(ctx).
		Where("service_request_id = ?", requestID).
		Order("created_at ASC").
		Find(&responses).Error
	return responses, err
}

type liveLocationRepository struct {
	db *gorm.DB
}

func NewLiveLocationRepository(db *gorm.DB) LiveLocationRepository {
	return &liveLocationRepository{db: db}
}

func (r *liveLocationRepository) Append(ctx context.Context, location *models.LiveLocation) error {
	return r.db.WithContext(ctx).Create(location).Error
}

func (r *liveLocationRepository) Latest(ctx context.Context, requestID uint) (*models.LiveLocation, error) {
	var loc models.LiveLocation
	err := r.db.WithContext(ctx).
		Where("service_request_id = ?", requestID).
		Order("timestamp DESC").
		First(&loc).Error
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

func (r *liveLocationRepository) PruneFinished(ctx context.Context, before time.Time) (int64, error) {
	finished := r.db.Model(&models.ServiceRequest{}).
		Select("id").
		Where("status IN ? AND updated_at < ?", []string{
			models.SR_STATUS_COMPLETED, models.SR_STATUS_CANCELLED, models.SR_STATUS_REJECTED,
		}, before)
	res := r.db.WithContext(ctx).
		Where("service_request_id IN (?)", finished).
		Delete(&models.LiveLocation{})
	return res.RowsAffected, res.Error
}
