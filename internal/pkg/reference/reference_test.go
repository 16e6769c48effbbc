package reference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceReferenceFormat(t *testing.T) {
	for i := 0; i < 200; i++ {
		ref, err := NewServiceReference()
		require.NoError(t, err)
		assert.Len(t, ref, 12)
		assert.True(t, IsServiceReference(ref), ref)
	}
}

func TestNewServiceReferenceIsRandom(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		ref, err := NewServiceReference()
		require.NoError(t, err)
		seen[ref] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestIsServiceReference(t *testing.T) {
	assert.True(t, IsServiceReference("RMB-0A1B2C3D"))
	assert.False(t, IsServiceReference("RMB-0a1b2c3d"))
	assert.False(t, IsServiceReference("RMB-0A1B2C3"))
	assert.False(t, IsServiceReference("XYZ-0A1B2C3D"))
}

func TestSubscriptionAudit(t *testing.T) {
	at := time.Unix(1736200000, 0)
	assert.Equal(t, "SUB-42-3-1736200000", SubscriptionAudit(42, 3, at))
}

func TestRandomCodeInvalidLength(t *testing.T) {
	_, err := randomCode(0)
	assert.Error(t, err)
}
