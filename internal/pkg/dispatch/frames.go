package dispatch

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/repairmybike/rmb-backend/app/models"
)

// Frame types pushed to mechanics and customers.
const (
	FrameOffer     = "service.offer"
	FrameCancelled = "service.cancelled"
	FrameAccepted  = "service.accepted"
)

// Reasons carried by service.cancelled frames.
const (
	ReasonTaken     = "accepted_by_other"
	ReasonExpired   = "offer_expired"
	ReasonWithdrawn = "request_withdrawn"
)

// Response is a mechanic's answer to an offer, carried on the dispatch topic.
type Response struct {
	RequestID uint   `json:"request_id"`
	StaffID   uint   `json:"staff_id"`
	Action    string `json:"action"`
	ETA       string `json:"eta,omitempty"`
}

type CustomerInfo struct {
	Name      string   `json:"name"`
	Phone     string   `json:"phone"`
	Address   string   `json:"address"`
	City      string   `json:"city,omitempty"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type OfferFrame struct {
	Type        string                 `json:"type"`
	RequestID   uint                   `json:"request_id"`
	Reference   string                 `json:"reference"`
	Customer    CustomerInfo           `json:"customer"`
	Vehicle     models.VehicleSnapshot `json:"vehicle"`
	DistanceKm  float64                `json:"distance_km"`
	DistanceFee decimal.Decimal        `json:"distance_fee"`
	ExpiresAt   time.Time              `json:"expires_at"`
}

type CancelledFrame struct {
	Type      string `json:"type"`
	RequestID uint   `json:"request_id"`
	Reason    string `json:"reason"`
}

type MechanicInfo struct {
	StaffID uint    `json:"staff_id"`
	UserID  uint    `json:"user_id"`
	Name    string  `json:"name"`
	Phone   string  `json:"phone"`
	Rating  float64 `json:"rating"`
}

type AcceptedFrame struct {
	Type      string       `json:"type"`
	RequestID uint         `json:"request_id"`
	Reference string       `json:"reference"`
	Mechanic  MechanicInfo `json:"mechanic"`
	ETA       string       `json:"eta,omitempty"`
}

func customerInfo(sr *models.ServiceRequest) CustomerInfo {
	return CustomerInfo{
		Name:      sr.Contact.Name,
		Phone:     sr.Contact.Phone,
		Address:   sr.Contact.Address,
		City:      sr.Contact.City,
		Latitude:  sr.Contact.Latitude,
		Longitude: sr.Contact.Longitude,
	}
}

func mechanicInfo(staff *models.FieldStaff) MechanicInfo {
	return MechanicInfo{
		StaffID: staff.ID,
		UserID:  staff.UserID,
		Name:    staff.User.Name,
		Phone:   staff.User.Phone,
		Rating:  staff.Rating,
	}
}
