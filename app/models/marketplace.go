package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vehicle is a marketplace listing. The core only counts them.
type Vehicle struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	VehicleModelID uint            `json:"vehicle_model_id"`
	Price          decimal.Decimal `gorm:"type:decimal(10,2)" json:"price"`
	Status         string          `gorm:"type:varchar(20);default:'available'" json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SellRequest is a customer's offer to sell a vehicle, surfaced on the admin feed.
type SellRequest struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	UserID        uint            `gorm:"index" json:"user_id"`
	Vehicle       VehicleSnapshot `gorm:"embedded" json:"vehicle"`
	ExpectedPrice decimal.Decimal `gorm:"type:decimal(10,2)" json:"expected_price"`
	Status        string          `gorm:"type:varchar(20);default:'pending'" json:"status"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
