package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Setting represents a system setting
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:setting_key;size:255;not null;uniqueIndex" json:"key" validate:"required,min=1,max=255"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:50;not null" json:"type" validate:"required"` // string, boolean, integer, float
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppSettings holds the runtime-tunable dispatch and scheduling policy.
type AppSettings struct {
	DispatchRadiusKm          float64 `json:"dispatch_radius_km" validate:"gt=0,lte=100"`
	DistanceFeeEnabled        bool    `json:"distance_fee_enabled"`
	AutoConfirmBookings       bool    `json:"auto_confirm_bookings"`
	OfferTimeoutSeconds       int     `json:"offer_timeout_seconds" validate:"gte=5,lte=600"`
	DispatchRetryDelaySeconds int     `json:"dispatch_retry_delay_seconds" validate:"gte=0,lte=600"`
	DispatchDeadlineSeconds   int     `json:"dispatch_deadline_seconds" validate:"gte=10,lte=3600"`
	TrackingStallMinutes      int     `json:"tracking_stall_minutes" validate:"gte=1,lte=1440"`
	VisitSlotCapacity         int     `json:"visit_slot_capacity" validate:"gte=1,lte=50"`
	JobQueueWorkerCount       int     `json:"job_queue_worker_count" validate:"gte=1,lte=50"`
	mu                        sync.RWMutex
}

// Global settings instance
var (
	appSettings *AppSettings
	settingsMu  sync.RWMutex
)

// DefaultAppSettings returns the policy used when the settings table is empty.
func DefaultAppSettings() *AppSettings {
	return &AppSettings{
		DispatchRadiusKm:          5.0,
		DistanceFeeEnabled:        true,
		AutoConfirmBookings:       false,
		OfferTimeoutSeconds:       60,
		DispatchRetryDelaySeconds: 30,
		DispatchDeadlineSeconds:   120,
		TrackingStallMinutes:      10,
		VisitSlotCapacity:         1,
		JobQueueWorkerCount:       5,
	}
}

// GetAppSettings returns the current application settings, falling back to defaults.
func GetAppSettings() *AppSettings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	if appSettings == nil {
		return DefaultAppSettings()
	}
	return appSettings
}

// SetAppSettings replaces the in-memory settings without touching the database.
func SetAppSettings(s *AppSettings) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	appSettings = s
}

// LoadSettings loads settings from database into memory
func LoadSettings(db *gorm.DB) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	appSettings = DefaultAppSettings()

	var settings []Setting
	if err := db.Find(&settings).Error; err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	for _, setting := range settings {
		appSettings.apply(setting.Key, setting.Value)
	}

	return nil
}

func (s *AppSettings) apply(key, value string) {
	switch key {
	case "dispatch_radius_km":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			s.DispatchRadiusKm = v
		}
	case "distance_fee_enabled":
		s.DistanceFeeEnabled = value == "true"
	case "auto_confirm_bookings":
		s.AutoConfirmBookings = value == "true"
	case "offer_timeout_seconds":
		setInt(&s.OfferTimeoutSeconds, value)
	case "dispatch_retry_delay_seconds":
		setInt(&s.DispatchRetryDelaySeconds, value)
	case "dispatch_deadline_seconds":
		setInt(&s.DispatchDeadlineSeconds, value)
	case "tracking_stall_minutes":
		setInt(&s.TrackingStallMinutes, value)
	case "visit_slot_capacity":
		setInt(&s.VisitSlotCapacity, value)
	case "job_queue_worker_count":
		setInt(&s.JobQueueWorkerCount, value)
	}
}

func setInt(dst *int, value string) {
	if v, err := strconv.Atoi(value); err == nil {
		*dst = v
	}
}

// SaveSettings saves current settings to database
func SaveSettings(db *gorm.DB, settings *AppSettings) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	if err := settings.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	for key, value := range settings.toMap() {
		var setting Setting
		result := db.Where("setting_key = ?", key).First(&setting)

		if result.Error != nil {
			if result.Error == gorm.ErrRecordNotFound {
				setting = Setting{
					Key:   key,
					Value: value,
					Type:  getSettingType(key),
				}
				if err := db.Create(&setting).Error; err != nil {
					return fmt.Errorf("failed to create setting %s: %w", key, err)
				}
			} else {
				return fmt.Errorf("failed to query setting %s: %w", key, result.Error)
			}
		} else {
			setting.Value = value
			if err := db.Save(&setting).Error; err != nil {
				return fmt.Errorf("failed to update setting %s: %w", key, err)
			}
		}
	}

	appSettings = settings
	return nil
}

func (s *AppSettings) toMap() map[string]string {
	return map[string]string{
		"dispatch_radius_km":           strconv.FormatFloat(s.DispatchRadiusKm, 'f', -1, 64),
		"distance_fee_enabled":         strconv.FormatBool(s.DistanceFeeEnabled),
		"auto_confirm_bookings":        strconv.FormatBool(s.AutoConfirmBookings),
		"offer_timeout_seconds":        strconv.Itoa(s.OfferTimeoutSeconds),
		"dispatch_retry_delay_seconds": strconv.Itoa(s.DispatchRetryDelaySeconds),
		"dispatch_deadline_seconds":    strconv.Itoa(s.DispatchDeadlineSeconds),
		"tracking_stall_minutes":       strconv.Itoa(s.TrackingStallMinutes),
		"visit_slot_capacity":          strconv.Itoa(s.VisitSlotCapacity),
		"job_queue_worker_count":       strconv.Itoa(s.JobQueueWorkerCount),
	}
}

// getSettingType returns the type of a setting based on its key
func getSettingType(key string) string {
	switch key {
	case "distance_fee_enabled", "auto_confirm_bookings":
		return "boolean"
	case "dispatch_radius_km":
		return "float"
	default:
		return "integer"
	}
}

// Validate validates the settings
func (s *AppSettings) Validate() error {
	validate := validator.New()
	return validate.Struct(s)
}

// ToJSON converts settings to JSON
func (s *AppSettings) ToJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s)
}

// FromJSON loads settings from JSON
func (s *AppSettings) FromJSON(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(data, s)
}

func (s *AppSettings) GetDispatchRadiusKm() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.DispatchRadiusKm
}

func (s *AppSettings) IsDistanceFeeEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.DistanceFeeEnabled
}

func (s *AppSettings) IsAutoConfirmEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AutoConfirmBookings
}

func (s *AppSettings) GetOfferTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.OfferTimeoutSeconds) * time.Second
}

func (s *AppSettings) GetDispatchRetryDelay() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.DispatchRetryDelaySeconds) * time.Second
}

func (s *AppSettings) GetDispatchDeadline() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.DispatchDeadlineSeconds) * time.Second
}

func (s *AppSettings) GetTrackingStallWindow() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.TrackingStallMinutes) * time.Minute
}

func (s *AppSettings) GetVisitSlotCapacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.VisitSlotCapacity <= 0 {
		return 1
	}
	return s.VisitSlotCapacity
}

// GetJobQueueWorkerCount returns the configured number of job queue workers
func (s *AppSettings) GetJobQueueWorkerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.JobQueueWorkerCount <= 0 {
		return 5
	}
	return s.JobQueueWorkerCount
}
