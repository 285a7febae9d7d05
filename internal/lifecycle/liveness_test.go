package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cpucom/internal/log"
)

func TestSignalFiresOnce(t *testing.T) {
	s := NewSignal()
	var calls atomic.Int32
	_, err := s.Watch(func() { calls.Add(1) })
	require.NoError(t, err)

	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, int32(1), calls.Load())

	_, err = s.Watch(func() {})
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestSignalCancelPreventsFire(t *testing.T) {
	s := NewSignal()
	var calls atomic.Int32
	h, err := s.Watch(func() { calls.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 1, s.Watchers())

	h.Cancel()
	h.Cancel()
	assert.Equal(t, 0, s.Watchers())

	s.Disconnect()
	assert.Zero(t, calls.Load())
}

func TestSignalCancelReleasesWatch(t *testing.T) {
	s := NewSignal()
	for i := 0; i < 1000; i++ {
		h, err := s.Watch(func() {})
		require.NoError(t, err)
		h.Cancel()
	}
	assert.Empty(t, s.watches)
	assert.Equal(t, 0, s.Watchers())

	var calls atomic.Int32
	keep, err := s.Watch(func() { calls.Add(1) })
	require.NoError(t, err)
	drop, err := s.Watch(func() { t.Error("cancelled watch fired") })
	require.NoError(t, err)
	drop.Cancel()
	assert.Len(t, s.watches, 1)

	s.Disconnect()
	keep.Cancel()
	assert.Equal(t, int32(1), calls.Load())
}

func TestContextLivenessFiresOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan struct{})
	_, err := FromContext(ctx).Watch(func() { close(fired) })
	require.NoError(t, err)

	cancel()
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not fired")
	}
}

func TestContextLivenessCancelledHandle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	h, err := FromContext(ctx).Watch(func() { calls.Add(1) })
	require.NoError(t, err)
	h.Cancel()
	cancel()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestContextLivenessAlreadyDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FromContext(ctx).Watch(func() {})
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestMonitorForwardsCallerID(t *testing.T) {
	got := make(chan string, 1)
	m := NewMonitor(func(id string) { got <- id }, log.Discard())

	s := NewSignal()
	_, err := m.Attach("radio-1", s)
	require.NoError(t, err)
	s.Disconnect()
	assert.Equal(t, "radio-1", <-got)

	_, err = m.Attach("radio-2", s)
	assert.ErrorIs(t, err, ErrDisconnected)

	_, err = m.Attach("radio-3", nil)
	assert.Error(t, err)
}
