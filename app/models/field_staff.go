package models

import "time"

// FieldStaff is a mechanic profile. IsAvailable is true exactly when CurrentJobID is nil.
type FieldStaff struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	UserID            uint       `gorm:"uniqueIndex" json:"user_id"`
	User              User       `gorm:"foreignKey:UserID" json:"user"`
	Latitude          *float64   `json:"latitude"`
	Longitude         *float64   `json:"longitude"`
	LocationUpdatedAt *time.Time `json:"location_updated_at"`
	IsAvailable       bool       `gorm:"default:true;index" json:"is_available"`
	CurrentJobID      *uint      `gorm:"index" json:"current_job_id"`
	Rating            float64    `gorm:"default:0" json:"rating"`
	TotalJobs         int        `gorm:"default:0" json:"total_jobs"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (f *FieldStaff) HasLocation() bool {
	return f.Latitude != nil && f.Longitude != nil
}

const (
	RESPONSE_ACCEPT  = "accept"
	RESPONSE_DECLINE = "decline"
	RESPONSE_TIMEOUT = "timeout"
)

// DISPATCH_WITHDRAWN is the action sent on a request's dispatch topic when the
// request leaves dispatch from outside the run, e.g. a customer cancellation.
const DISPATCH_WITHDRAWN = "withdrawn"

// ServiceRequestResponse is a mechanic's answer to a dispatch offer.
// A request has at most one accept row.
type ServiceRequestResponse struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	ServiceRequestID     uint      `gorm:"uniqueIndex:idx_request_staff" json:"service_request_id"`
	FieldStaffID         uint      `gorm:"uniqueIndex:idx_request_staff" json:"field_staff_id"`
	Response             string    `gorm:"type:varchar(10);not null" json:"response" validate:"oneof=accept decline timeout"`
	EstimatedArrivalTime string    `gorm:"type:varchar(50)" json:"estimated_arrival_time"`
	DistanceKm           float64   `json:"distance_km"`
	CreatedAt            time.Time `json:"created_at"`
}

// LiveLocation is an append-only breadcrumb for an in-progress request.
type LiveLocation struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	FieldStaffID     uint      `gorm:"index" json:"field_staff_id"`
	ServiceRequestID uint      `gorm:"index:idx_request_ts" json:"service_request_id"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	Timestamp        time.Time `gorm:"index:idx_request_ts" json:"timestamp"`
}
