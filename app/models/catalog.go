package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServiceItem is a bookable workshop service from the read-only catalog.
type ServiceItem struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	Name        string          `gorm:"type:varchar(150);not null" json:"name"`
	Description string          `gorm:"type:text" json:"description"`
	Price       decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	IsActive    bool            `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

const (
	DURATION_QUARTERLY   = "quarterly"
	DURATION_HALF_YEARLY = "half_yearly"
	DURATION_YEARLY      = "yearly"
)

// PlanVariant is a purchasable subscription plan option.
type PlanVariant struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	PlanName     string          `gorm:"type:varchar(150);not null" json:"plan_name"`
	DurationType string          `gorm:"type:varchar(20);not null" json:"duration_type" validate:"oneof=quarterly half_yearly yearly"`
	MaxVisits    int             `gorm:"not null" json:"max_visits" validate:"gte=1"`
	Price        decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	IsActive     bool            `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DurationDays maps a duration type to its length in days.
func DurationDays(durationType string) int {
	switch durationType {
	case DURATION_HALF_YEARLY:
		return 180
	case DURATION_YEARLY:
		return 365
	default:
		return 90
	}
}

// VehicleSnapshot pins the vehicle taxonomy ids at the time of booking.
type VehicleSnapshot struct {
	VehicleTypeID  uint `gorm:"column:vehicle_type_id" json:"vehicle_type_id"`
	ManufacturerID uint `gorm:"column:manufacturer_id" json:"manufacturer_id"`
	VehicleModelID uint `gorm:"column:vehicle_model_id" json:"vehicle_model_id"`
}

// ContactSnapshot is the customer's contact and address at the time of booking.
type ContactSnapshot struct {
	Name       string   `gorm:"column:contact_name;type:varchar(150)" json:"name" validate:"required,max=150"`
	Email      string   `gorm:"column:contact_email;type:varchar(200)" json:"email" validate:"required,email"`
	Phone      string   `gorm:"column:contact_phone;type:varchar(20)" json:"phone" validate:"required,max=20"`
	Address    string   `gorm:"column:address;type:varchar(255)" json:"address" validate:"required,max=255"`
	City       string   `gorm:"column:city;type:varchar(100)" json:"city" validate:"max=100"`
	State      string   `gorm:"column:state;type:varchar(100)" json:"state" validate:"max=100"`
	PostalCode string   `gorm:"column:postal_code;type:varchar(20)" json:"postal_code" validate:"max=20"`
	Latitude   *float64 `gorm:"column:latitude" json:"latitude" validate:"omitempty,latitude"`
	Longitude  *float64 `gorm:"column:longitude" json:"longitude" validate:"omitempty,longitude"`
}

// HasLocation reports whether both coordinates are present.
func (c ContactSnapshot) HasLocation() bool {
	return c.Latitude != nil && c.Longitude != nil
}
