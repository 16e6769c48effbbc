package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification kinds.
const (
	NOTIFY_BOOKING_CREATED        = "booking_created"
	NOTIFY_BOOKING_CONFIRMED      = "booking_confirmed"
	NOTIFY_BOOKING_REJECTED       = "booking_rejected"
	NOTIFY_BOOKING_CANCELLED      = "booking_cancelled"
	NOTIFY_SERVICE_OFFER          = "service_offer"
	NOTIFY_OFFER_WITHDRAWN        = "offer_withdrawn"
	NOTIFY_SERVICE_ACCEPTED       = "service_accepted"
	NOTIFY_NO_MECHANIC            = "no_mechanic_available"
	NOTIFY_OUT_OF_SERVICE_AREA    = "out_of_service_area"
	NOTIFY_TRACKING_STARTED       = "tracking_started"
	NOTIFY_TRACKING_STALLED       = "tracking_stalled"
	NOTIFY_SERVICE_COMPLETED      = "service_completed"
	NOTIFY_SUBSCRIPTION_REQUESTED = "subscription_requested"
	NOTIFY_SUBSCRIPTION_APPROVED  = "subscription_approved"
	NOTIFY_SUBSCRIPTION_REJECTED  = "subscription_rejected"
	NOTIFY_SUBSCRIPTION_EXPIRED   = "subscription_expired"
	NOTIFY_VISIT_SCHEDULED        = "visit_scheduled"
	NOTIFY_VISIT_COMPLETED        = "visit_completed"
	NOTIFY_VISIT_CANCELLED        = "visit_cancelled"
)

// Notification is a persistent inbox entry for one user.
type Notification struct {
	ID               uint              `gorm:"primaryKey" json:"id"`
	UserID           uint              `gorm:"index:idx_user_read" json:"user_id"`
	Type             string            `gorm:"type:varchar(50);not null" json:"type"`
	Title            string            `gorm:"type:varchar(200)" json:"title"`
	Message          string            `gorm:"type:text" json:"message"`
	Data             datatypes.JSONMap `gorm:"type:json" json:"data,omitempty"`
	IsRead           bool              `gorm:"default:false;index:idx_user_read" json:"is_read"`
	ServiceRequestID *uint             `gorm:"index" json:"service_request_id,omitempty"`
	CreatedAt        time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}
