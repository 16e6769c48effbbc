package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAppSettings(t *testing.T) {
	s := DefaultAppSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, 5.0, s.GetDispatchRadiusKm())
	assert.Equal(t, 60*time.Second, s.GetOfferTimeout())
	assert.Equal(t, 30*time.Second, s.GetDispatchRetryDelay())
	assert.Equal(t, 120*time.Second, s.GetDispatchDeadline())
	assert.Equal(t, 10*time.Minute, s.GetTrackingStallWindow())
	assert.True(t, s.IsDistanceFeeEnabled())
	assert.False(t, s.IsAutoConfirmEnabled())
}

func TestAppSettingsApply(t *testing.T) {
	s := DefaultAppSettings()
	s.apply("dispatch_radius_km", "7.5")
	s.apply("distance_fee_enabled", "false")
	s.apply("offer_timeout_seconds", "45")
	s.apply("visit_slot_capacity", "not-a-number")

	assert.Equal(t, 7.5, s.DispatchRadiusKm)
	assert.False(t, s.DistanceFeeEnabled)
	assert.Equal(t, 45, s.OfferTimeoutSeconds)
	assert.Equal(t, 1, s.VisitSlotCapacity)
}

func TestAppSettingsValidateRejectsZeroRadius(t *testing.T) {
	s := DefaultAppSettings()
	s.DispatchRadiusKm = 0
	assert.Error(t, s.Validate())
}
