package models

import "time"

const (
	SUB_REQUEST_PENDING  = "pending"
	SUB_REQUEST_APPROVED = "approved"
	SUB_REQUEST_REJECTED = "rejected"

	SUB_STATUS_ACTIVE    = "active"
	SUB_STATUS_EXPIRED   = "expired"
	SUB_STATUS_CANCELLED = "cancelled"

	VISIT_SCHEDULED = "scheduled"
	VISIT_COMPLETED = "completed"
	VISIT_CANCELLED = "cancelled"
)

// SubscriptionRequest is a customer's application for a plan.
// PendingKey mirrors UserID while pending and is nil otherwise; its unique index
// allows one pending request per customer.
type SubscriptionRequest struct {
	ID                 uint            `gorm:"primaryKey" json:"id"`
	UserID             uint            `gorm:"index" json:"user_id"`
	PlanVariantID      uint            `json:"plan_variant_id"`
	PlanVariant        PlanVariant     `gorm:"foreignKey:PlanVariantID" json:"plan_variant"`
	Contact            ContactSnapshot `gorm:"embedded" json:"contact"`
	Vehicle            VehicleSnapshot `gorm:"embedded" json:"vehicle"`
	Status             string          `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	PendingKey         *uint           `gorm:"uniqueIndex" json:"-"`
	Reference          string          `gorm:"type:varchar(80)" json:"reference"`
	RequestDate        time.Time       `json:"request_date"`
	ApprovalDate       *time.Time      `json:"approval_date"`
	RejectionReason    string          `gorm:"type:text" json:"rejection_reason,omitempty"`
	AdminNotes         string          `gorm:"type:text" json:"admin_notes,omitempty"`
	ServiceRequestID   *uint           `json:"service_request_id"`
	UserSubscriptionID *uint           `json:"user_subscription_id"`
	CreatedAt          time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// UserSubscription is an approved, time-boxed plan with a visit allowance.
type UserSubscription struct {
	ID                    uint            `gorm:"primaryKey" json:"id"`
	UserID                uint            `gorm:"index" json:"user_id"`
	PlanVariantID         uint            `json:"plan_variant_id"`
	PlanVariant           PlanVariant     `gorm:"foreignKey:PlanVariantID" json:"plan_variant"`
	SubscriptionRequestID uint            `gorm:"uniqueIndex" json:"subscription_request_id"`
	Contact               ContactSnapshot `gorm:"embedded" json:"contact"`
	Vehicle               VehicleSnapshot `gorm:"embedded" json:"vehicle"`
	StartDate             time.Time       `json:"start_date"`
	EndDate               time.Time       `gorm:"index" json:"end_date"`
	Status                string          `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	MaxVisits             int             `json:"max_visits"`
	RemainingVisits       int             `json:"remaining_visits"`
	LastVisitDate         *time.Time      `json:"last_visit_date"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// IsActiveAt reports whether the subscription can be used at t.
func (s *UserSubscription) IsActiveAt(t time.Time) bool {
	return s.Status == SUB_STATUS_ACTIVE &&
		!t.Before(s.StartDate) && !t.After(s.EndDate) &&
		s.RemainingVisits > 0
}

// Covers reports whether t falls inside the subscription window.
func (s *UserSubscription) Covers(t time.Time) bool {
	return !t.Before(s.StartDate) && !t.After(s.EndDate)
}

// VisitSchedule is a booked maintenance visit drawn from a subscription.
type VisitSchedule struct {
	ID                 uint             `gorm:"primaryKey" json:"id"`
	UserSubscriptionID uint             `gorm:"index" json:"user_subscription_id"`
	UserSubscription   UserSubscription `gorm:"foreignKey:UserSubscriptionID" json:"-"`
	ScheduledDate      time.Time        `gorm:"index" json:"scheduled_date"`
	Status             string           `gorm:"type:varchar(20);not null;default:'scheduled';index" json:"status"`
	ServiceNotes       string           `gorm:"type:text" json:"service_notes"`
	TechnicianNotes    string           `gorm:"type:text" json:"technician_notes"`
	CompletionDate     *time.Time       `json:"completion_date"`
	ServiceRequestID   *uint            `gorm:"index" json:"service_request_id"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}
