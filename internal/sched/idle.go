package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// IdleConfig controls when IdleMgr fires its callbacks.
type IdleConfig struct {
	// ShortIdle is the quiet period before the short-idle callback fires.
	ShortIdle time.Duration
	// LongIdle is the quiet period before the long-idle callback fires.
	LongIdle time.Duration
	// BaseInterval is the poll interval right after activity.
	BaseInterval time.Duration
	// MaxInterval caps the poll interval while the host stays idle.
	MaxInterval time.Duration
}

// DefaultIdleConfig returns the intervals used by the watch command.
func DefaultIdleConfig() IdleConfig {
	return IdleConfig{
		ShortIdle:    2 * time.Second,
		LongIdle:     30 * time.Second,
		BaseInterval: 250 * time.Millisecond,
		MaxInterval:  5 * time.Second,
	}
}

// IdleFunc is background work scheduled by IdleMgr.
type IdleFunc func(ctx context.Context)

// IdleMgr fires short- and long-idle callbacks once per idle period.
//
// Activity is reported with Touch. While nothing happens the poll interval
// doubles from BaseInterval up to MaxInterval; Touch resets it. Each
// callback fires at most once between two Touch calls. Callbacks run on the
// Run goroutine, so they never overlap each other.
type IdleMgr struct {
	cfg     IdleConfig
	onShort IdleFunc
	onLong  IdleFunc
	now     func() time.Time

	mu         sync.Mutex
	lastActive time.Time
	shortFired bool
	longFired  bool
	interval   time.Duration
	touched    chan struct{}
}

// IdleOption configures an IdleMgr.
type IdleOption func(*IdleMgr)

// WithIdleClock overrides the wall clock (tests).
func WithIdleClock(now func() time.Time) IdleOption {
	return func(m *IdleMgr) {
		m.now = now
	}
}

// NewIdleMgr creates an IdleMgr. Either callback may be nil.
func NewIdleMgr(cfg IdleConfig, onShort, onLong IdleFunc, opts ...IdleOption) *IdleMgr {
	def := DefaultIdleConfig()
	if cfg.ShortIdle <= 0 {
		cfg.ShortIdle = def.ShortIdle
	}
	if cfg.LongIdle <= 0 {
		cfg.LongIdle = def.LongIdle
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = def.BaseInterval
	}
	if cfg.MaxInterval < cfg.BaseInterval {
		cfg.MaxInterval = cfg.BaseInterval
	}

	m := &IdleMgr{
		cfg:      cfg,
		onShort:  onShort,
		onLong:   onLong,
		now:      time.Now,
		interval: cfg.BaseInterval,
		touched:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastActive = m.now()
	return m
}

// Touch records activity: the idle period restarts and the poll interval
// resets to BaseInterval.
func (m *IdleMgr) Touch() {
	m.mu.Lock()
	m.lastActive = m.now()
	m.shortFired = false
	m.longFired = false
	m.interval = m.cfg.BaseInterval
	m.mu.Unlock()

	select {
	case m.touched <- struct{}{}:
	default:
	}
}

// Interval returns the current poll interval.
func (m *IdleMgr) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Run polls until ctx is cancelled.
func (m *IdleMgr) Run(ctx context.Context) error {
	timer := time.NewTimer(m.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.touched:
			// Interval was reset; restart the timer with it.
		case <-timer.C:
			m.check(ctx)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.Interval())
	}
}

// check fires whichever callbacks are due and backs the interval off.
func (m *IdleMgr) check(ctx context.Context) {
	m.mu.Lock()
	idleFor := m.now().Sub(m.lastActive)
	fireShort := !m.shortFired && idleFor >= m.cfg.ShortIdle
	fireLong := !m.longFired && idleFor >= m.cfg.LongIdle
	if fireShort {
		m.shortFired = true
	}
	if fireLong {
		m.longFired = true
	}
	m.interval *= 2
	if m.interval > m.cfg.MaxInterval {
		m.interval = m.cfg.MaxInterval
	}
	m.mu.Unlock()

	if fireShort && m.onShort != nil {
		slog.Debug("short idle", "idle_for", idleFor)
		m.onShort(ctx)
	}
	if fireLong && m.onLong != nil {
		slog.Debug("long idle", "idle_for", idleFor)
		m.onLong(ctx)
	}
}
