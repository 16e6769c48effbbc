package models

import "time"

type Cart struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    uint       `gorm:"index" json:"user_id"`
	Items     []CartItem `gorm:"foreignKey:CartID;constraint:OnDelete:CASCADE" json:"items"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type CartItem struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	CartID        uint        `gorm:"index" json:"cart_id"`
	ServiceItemID uint        `json:"service_item_id"`
	ServiceItem   ServiceItem `gorm:"foreignKey:ServiceItemID" json:"service_item"`
	Quantity      int         `gorm:"default:1" json:"quantity"`
}
