package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SR_STATUS_PENDING     = "pending"
	SR_STATUS_CONFIRMED   = "confirmed"
	SR_STATUS_SCHEDULED   = "scheduled"
	SR_STATUS_IN_PROGRESS = "in_progress"
	SR_STATUS_COMPLETED   = "completed"
	SR_STATUS_CANCELLED   = "cancelled"
	SR_STATUS_REJECTED    = "rejected"

	PURCHASE_CART         = "cart"
	PURCHASE_DIRECT       = "direct"
	PURCHASE_SUBSCRIPTION = "subscription"
)

// Cancellation reasons recorded on the request.
const (
	CANCEL_REASON_CUSTOMER       = "customer_cancelled"
	CANCEL_REASON_NO_MECHANIC    = "no_mechanic_available"
	CANCEL_REASON_OUT_OF_RANGE   = "out_of_service_area"
	CANCEL_REASON_SUB_EXPIRED    = "subscription_expired"
	CANCEL_REASON_VISIT_CANCELED = "visit_cancelled"
)

// srTransitions lists the allowed next states per state. Terminal states map to nil.
var srTransitions = map[string][]string{
	SR_STATUS_PENDING:     {SR_STATUS_CONFIRMED, SR_STATUS_REJECTED, SR_STATUS_CANCELLED},
	SR_STATUS_CONFIRMED:   {SR_STATUS_SCHEDULED, SR_STATUS_IN_PROGRESS, SR_STATUS_CANCELLED},
	SR_STATUS_SCHEDULED:   {SR_STATUS_IN_PROGRESS, SR_STATUS_CANCELLED},
	SR_STATUS_IN_PROGRESS: {SR_STATUS_COMPLETED},
	SR_STATUS_COMPLETED:   nil,
	SR_STATUS_CANCELLED:   nil,
	SR_STATUS_REJECTED:    nil,
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to string) bool {
	for _, next := range srTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every state that may move to the given state.
func TransitionSources(to string) []string {
	var sources []string
	for _, from := range []string{
		SR_STATUS_PENDING, SR_STATUS_CONFIRMED, SR_STATUS_SCHEDULED,
		SR_STATUS_IN_PROGRESS, SR_STATUS_COMPLETED, SR_STATUS_CANCELLED, SR_STATUS_REJECTED,
	} {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// IsTerminalStatus reports whether no further transition is possible.
func IsTerminalStatus(status string) bool {
	next, ok := srTransitions[status]
	return ok && len(next) == 0
}

// IsValidStatus reports whether status is a known lifecycle state.
func IsValidStatus(status string) bool {
	_, ok := srTransitions[status]
	return ok
}

type ServiceRequest struct {
	ID                    uint                       `gorm:"primaryKey" json:"id"`
	Reference             string                     `gorm:"type:varchar(12);uniqueIndex;not null" json:"reference"`
	UserID                *uint                      `gorm:"index" json:"user_id"`
	Contact               ContactSnapshot            `gorm:"embedded" json:"contact"`
	Vehicle               VehicleSnapshot            `gorm:"embedded" json:"vehicle"`
	Items                 []ServiceRequestItem       `gorm:"foreignKey:ServiceRequestID;constraint:OnDelete:CASCADE" json:"items"`
	PurchaseType          string                     `gorm:"type:varchar(20);not null" json:"purchase_type"`
	Status                string                     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	ScheduledDate         *time.Time                 `gorm:"type:date" json:"scheduled_date"`
	ScheduledTime         string                     `gorm:"type:varchar(5)" json:"scheduled_time"`
	ServiceTotal          decimal.Decimal            `gorm:"type:decimal(10,2);not null;default:0" json:"service_total"`
	DistanceFee           decimal.Decimal            `gorm:"type:decimal(10,2);not null;default:0" json:"distance_fee"`
	DistanceKm            float64                    `gorm:"default:0" json:"distance_km"`
	TotalAmount           decimal.Decimal            `gorm:"type:decimal(10,2);not null;default:0" json:"total_amount"`
	ServiceCost           decimal.NullDecimal        `gorm:"type:decimal(10,2)" json:"service_cost"`
	Notes                 string                     `gorm:"type:text" json:"notes"`
	AssignedStaffID       *uint                      `gorm:"index" json:"assigned_staff_id"`
	CancelReason          string                     `gorm:"type:varchar(50)" json:"cancel_reason,omitempty"`
	CancelledAt           *time.Time                 `json:"cancelled_at,omitempty"`
	CancelledBy           *uint                      `json:"cancelled_by,omitempty"`
	TrackingStartedAt     *time.Time                 `json:"tracking_started_at,omitempty"`
	TrackingStalledAt     *time.Time                 `json:"tracking_stalled_at,omitempty"`
	CompletedAt           *time.Time                 `json:"completed_at,omitempty"`
	Hidden                bool                       `gorm:"default:false;index" json:"-"`
	SubscriptionRequestID *uint                      `gorm:"index" json:"subscription_request_id,omitempty"`
	UserSubscriptionID    *uint                      `gorm:"index" json:"user_subscription_id,omitempty"`
	Attachments           []ServiceRequestAttachment `gorm:"foreignKey:ServiceRequestID;constraint:OnDelete:CASCADE" json:"attachments,omitempty"`
	CreatedAt             time.Time                  `gorm:"index" json:"created_at"`
	UpdatedAt             time.Time                  `json:"updated_at"`
}

// ComputeTotals fills ServiceTotal and TotalAmount from the item snapshots and the distance fee.
func (sr *ServiceRequest) ComputeTotals() {
	total := decimal.Zero
	for _, item := range sr.Items {
		total = total.Add(item.LineTotal())
	}
	sr.ServiceTotal = total.Round(2)
	sr.DistanceFee = sr.DistanceFee.Round(2)
	sr.TotalAmount = sr.ServiceTotal.Add(sr.DistanceFee)
}

// IsOwnedBy reports whether userID is the customer on the request.
func (sr *ServiceRequest) IsOwnedBy(userID uint) bool {
	return sr.UserID != nil && *sr.UserID == userID
}

type ServiceRequestItem struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	ServiceRequestID uint            `gorm:"index" json:"service_request_id"`
	ServiceItemID    uint            `json:"service_item_id"`
	Name             string          `gorm:"type:varchar(150)" json:"name"`
	UnitPrice        decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"unit_price"`
	Quantity         int             `gorm:"not null;default:1" json:"quantity"`
}

func (i ServiceRequestItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ServiceRequestAttachment references an uploaded blob by URL.
type ServiceRequestAttachment struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	ServiceRequestID uint      `gorm:"index" json:"service_request_id"`
	URL              string    `gorm:"type:varchar(500);not null" json:"url"`
	ContentType      string    `gorm:"type:varchar(100)" json:"content_type"`
	UploadedBy       uint      `json:"uploaded_by"`
	CreatedAt        time.Time `json:"created_at"`
}
