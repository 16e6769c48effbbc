package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DistancePricingRule configures the travel surcharge. Only one rule is active.
type DistancePricingRule struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	Name          string          `gorm:"type:varchar(100)" json:"name"`
	CenterLat     float64         `json:"center_lat" validate:"latitude"`
	CenterLon     float64         `json:"center_lon" validate:"longitude"`
	FreeRadiusKm  float64         `json:"free_radius_km" validate:"gte=0"`
	BaseCharge    decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"base_charge"`
	PerKmCharge   decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"per_km_charge"`
	MaxDistanceKm float64         `json:"max_distance_km" validate:"gtefield=FreeRadiusKm"`
	IsActive      bool            `gorm:"default:false;index" json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
