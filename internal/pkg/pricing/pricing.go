// Package pricing resolves the travel surcharge for a customer location.
package pricing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/internal/pkg/geo"
)

// RuleSource yields the single active pricing rule.
type RuleSource interface {
	GetActive(ctx context.Context) (*models.DistancePricingRule, error)
}

// Quote is the outcome of a surcharge lookup.
type Quote struct {
	Fee        decimal.Decimal `json:"fee"`
	DistanceKm float64         `json:"distance_km"`
	OutOfRange bool            `json:"out_of_range"`
	RuleID     uint            `json:"rule_id,omitempty"`
}

type Resolver struct {
	rules RuleSource
}

func NewResolver(rules RuleSource) *Resolver {
	return &Resolver{rules: rules}
}

// Surcharge prices the trip to point. Without an active rule the fee is zero.
func (r *Resolver) Surcharge(ctx context.Context, point *geo.Point) (Quote, error) {
	rule, err := r.rules.GetActive(ctx)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Quote{Fee: decimal.Zero}, nil
		}
		return Quote{}, err
	}
	return Compute(rule, point), nil
}

// Compute applies rule to point. A nil rule or a nil point costs nothing.
func Compute(rule *models.DistancePricingRule, point *geo.Point) Quote {
	if rule == nil || point == nil {
		return Quote{Fee: decimal.Zero}
	}

	center := &geo.Point{Lat: rule.CenterLat, Lon: rule.CenterLon}
	d := geo.DistanceKm(center, point)
	q := Quote{Fee: decimal.Zero, DistanceKm: geo.Round2(d), RuleID: rule.ID}

	switch {
	case d <= rule.FreeRadiusKm:
		return q
	case d > rule.MaxDistanceKm:
		q.OutOfRange = true
		return q
	}

	extra := decimal.NewFromFloat(d - rule.FreeRadiusKm)
	q.Fee = rule.BaseCharge.Add(extra.Mul(rule.PerKmCharge)).Round(2)
	return q
}
