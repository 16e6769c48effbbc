package jobqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManagerRunsPeriodicTasks(t *testing.T) {
	m := NewManager(nil)
	var ticks, failures atomic.Int32
	m.Every("tick", 10*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	})
	m.Every("broken", 10*time.Millisecond, func(context.Context) error {
		failures.Add(1)
		return errors.New("boom")
	})

	m.Start()
	assert.True(t, m.IsRunning())
	assert.Eventually(t, func() bool { return ticks.Load() >= 3 && failures.Load() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()
	assert.False(t, m.IsRunning())

	after := ticks.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestManagerRestart(t *testing.T) {
	m := NewManager(nil)
	var ticks atomic.Int32
	m.Every("tick", 5*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	})
	m.Start()
	m.Start()
	m.Stop()
	m.Stop()

	before := ticks.Load()
	m.Start()
	defer m.Stop()
	assert.Eventually(t, func() bool { return ticks.Load() > before }, time.Second, 5*time.Millisecond)
}

func TestManagerStopWithoutStart(t *testing.T) {
	m := NewManager(nil)
	assert.False(t, m.IsRunning())
	m.Stop()
	assert.False(t, m.IsRunning())
}
