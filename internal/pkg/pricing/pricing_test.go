package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/internal/pkg/geo"
)

type stubRules struct {
	rule *models.DistancePricingRule
	err  error
}

func (s stubRules) GetActive(context.Context) (*models.DistancePricingRule, error) {
	return s.rule, s.err
}

func testRule() *models.DistancePricingRule {
	return &models.DistancePricingRule{
		ID:            1,
		CenterLat:     12.9716,
		CenterLon:     77.5946,
		FreeRadiusKm:  5,
		MaxDistanceKm: 25,
		BaseCharge:    decimal.RequireFromString("50"),
		PerKmCharge:   decimal.RequireFromString("10"),
		IsActive:      true,
	}
}

// offsetNorth moves roughly km kilometres north of the rule center.
func offsetNorth(km float64) *geo.Point {
	return &geo.Point{Lat: 12.9716 + km/111.19492664455873, Lon: 77.5946}
}

func TestComputeInsideFreeRadius(t *testing.T) {
	q := Compute(testRule(), offsetNorth(3))
	assert.True(t, q.Fee.IsZero())
	assert.False(t, q.OutOfRange)
	assert.InDelta(t, 3.0, q.DistanceKm, 0.01)
}

func TestComputeBoundaries(t *testing.T) {
	point := offsetNorth(5)
	d := geo.DistanceKm(&geo.Point{Lat: 12.9716, Lon: 77.5946}, point)

	tests := []struct {
		name       string
		free, max  float64
		fee        string
		outOfRange bool
	}{
		{"exactly on the free radius", d, 25, "0", false},
		{"just past the free radius", d - 1e-6, 25, "50", false},
		{"exactly on the maximum distance", 1, d, "90", false},
		{"just past the maximum distance", 1, d - 1e-6, "0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := testRule()
			rule.FreeRadiusKm = tt.free
			rule.MaxDistanceKm = tt.max

			q := Compute(rule, point)
			assert.Equal(t, tt.outOfRange, q.OutOfRange)
			assert.True(t, q.Fee.Equal(decimal.RequireFromString(tt.fee)), "fee %s", q.Fee)
		})
	}
}

func TestComputeJustPastFreeRadius(t *testing.T) {
	q := Compute(testRule(), offsetNorth(5.1))
	assert.False(t, q.OutOfRange)
	assert.True(t, q.Fee.GreaterThanOrEqual(decimal.RequireFromString("50")))
	assert.True(t, q.Fee.LessThan(decimal.RequireFromString("52")))
}

func TestComputeLinearFee(t *testing.T) {
	q := Compute(testRule(), offsetNorth(15))
	// 50 + (15-5)*10
	assert.InDelta(t, 150.0, q.Fee.InexactFloat64(), 0.5)
	assert.Equal(t, int32(-2), q.Fee.Round(2).Exponent())
}

func TestComputeOutOfRange(t *testing.T) {
	q := Compute(testRule(), offsetNorth(30))
	assert.True(t, q.OutOfRange)
	assert.True(t, q.Fee.IsZero())
}

func TestComputeMissingInputs(t *testing.T) {
	assert.True(t, Compute(nil, offsetNorth(30)).Fee.IsZero())
	q := Compute(testRule(), nil)
	assert.True(t, q.Fee.IsZero())
	assert.False(t, q.OutOfRange)
}

func TestResolverNoActiveRule(t *testing.T) {
	r := NewResolver(stubRules{err: gorm.ErrRecordNotFound})
	q, err := r.Surcharge(context.Background(), offsetNorth(30))
	require.NoError(t, err)
	assert.True(t, q.Fee.IsZero())
	assert.False(t, q.OutOfRange)
}

func TestResolverPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("db down")
	r := NewResolver(stubRules{err: boom})
	_, err := r.Surcharge(context.Background(), offsetNorth(1))
	assert.ErrorIs(t, err, boom)
}

func TestResolverUsesActiveRule(t *testing.T) {
	r := NewResolver(stubRules{rule: testRule()})
	q, err := r.Surcharge(context.Background(), offsetNorth(30))
	require.NoError(t, err)
	assert.True(t, q.OutOfRange)
	assert.Equal(t, uint(1), q.RuleID)
}
