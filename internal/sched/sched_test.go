package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/testutil"
)

func TestDebouncer_CoalescesTriggers(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(30*time.Millisecond, func() { calls.Add(1) })
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Trigger()
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, d.Pending())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "rapid triggers must collapse into one call")
	assert.False(t, d.Pending())
}

func TestDebouncer_TriggerRestartsDelay(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(50*time.Millisecond, func() { calls.Add(1) })
	defer d.Stop()

	d.Trigger()
	time.Sleep(30 * time.Millisecond)
	d.Trigger()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "second trigger must restart the quiet period")

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDebouncer_Flush(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(time.Hour, func() { calls.Add(1) })
	defer d.Stop()

	assert.False(t, d.Flush(), "nothing pending")

	d.Trigger()
	assert.True(t, d.Flush())
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, d.Pending())
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(20*time.Millisecond, func() { calls.Add(1) })

	d.Trigger()
	d.Stop()
	d.Trigger()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestSerialEvent_LatestWins(t *testing.T) {
	var ev SerialEvent
	ctx := context.Background()

	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	firstResult := make(chan error, 1)
	var firstCtxCancelled atomic.Bool

	go func() {
		firstResult <- ev.Run(ctx, func(ctx context.Context, tk Ticket) error {
			close(firstStarted)
			<-releaseFirst
			firstCtxCancelled.Store(ctx.Err() != nil)
			if tk.Superseded() {
				return nil
			}
			return errors.New("first run should have seen it was superseded")
		})
	}()
	<-firstStarted

	err := ev.Run(ctx, func(ctx context.Context, tk Ticket) error {
		assert.Equal(t, uint64(2), tk.Serial())
		assert.False(t, tk.Superseded())
		return nil
	})
	require.NoError(t, err)

	close(releaseFirst)
	assert.ErrorIs(t, <-firstResult, ErrSuperseded)
	assert.True(t, firstCtxCancelled.Load(), "newer run must cancel the older run's context")
	assert.Equal(t, uint64(2), ev.Current())
}

func TestSerialEvent_ReturnsFnError(t *testing.T) {
	var ev SerialEvent
	boom := errors.New("boom")

	err := ev.Run(context.Background(), func(ctx context.Context, tk Ticket) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestIdleMgr_FiresOncePerIdlePeriod(t *testing.T) {
	clock := testutil.NewManualClock(time.Time{})
	var shorts, longs atomic.Int32

	m := NewIdleMgr(IdleConfig{
		ShortIdle:    time.Second,
		LongIdle:     10 * time.Second,
		BaseInterval: 100 * time.Millisecond,
		MaxInterval:  time.Second,
	},
		func(ctx context.Context) { shorts.Add(1) },
		func(ctx context.Context) { longs.Add(1) },
		WithIdleClock(clock.Now),
	)
	ctx := context.Background()

	m.check(ctx)
	assert.Equal(t, int32(0), shorts.Load())

	clock.Advance(time.Second)
	m.check(ctx)
	m.check(ctx)
	assert.Equal(t, int32(1), shorts.Load(), "short idle fires once per period")
	assert.Equal(t, int32(0), longs.Load())

	clock.Advance(9 * time.Second)
	m.check(ctx)
	assert.Equal(t, int32(1), longs.Load())

	m.Touch()
	clock.Advance(2 * time.Second)
	m.check(ctx)
	assert.Equal(t, int32(2), shorts.Load(), "activity re-arms the short callback")
}

func TestIdleMgr_AdaptiveBackoff(t *testing.T) {
	clock := testutil.NewManualClock(time.Time{})
	m := NewIdleMgr(IdleConfig{
		ShortIdle:    time.Minute,
		LongIdle:     time.Hour,
		BaseInterval: 100 * time.Millisecond,
		MaxInterval:  500 * time.Millisecond,
	}, nil, nil, WithIdleClock(clock.Now))
	ctx := context.Background()

	assert.Equal(t, 100*time.Millisecond, m.Interval())
	m.check(ctx)
	assert.Equal(t, 200*time.Millisecond, m.Interval())
	m.check(ctx)
	assert.Equal(t, 400*time.Millisecond, m.Interval())
	m.check(ctx)
	assert.Equal(t, 500*time.Millisecond, m.Interval(), "interval is capped")

	m.Touch()
	assert.Equal(t, 100*time.Millisecond, m.Interval(), "activity resets the interval")
}

func TestIdleMgr_RunStopsOnCancel(t *testing.T) {
	var shorts atomic.Int32
	m := NewIdleMgr(IdleConfig{
		ShortIdle:    10 * time.Millisecond,
		LongIdle:     time.Hour,
		BaseInterval: 5 * time.Millisecond,
		MaxInterval:  10 * time.Millisecond,
	}, func(ctx context.Context) { shorts.Add(1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return shorts.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
