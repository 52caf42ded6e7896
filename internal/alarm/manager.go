// Package alarm is the wake-up facility: a persisted table of alarms keyed by
// request code and an event-driven timer loop that fires them.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kalambet/nudge/internal/storage"
)

// ErrExactDenied is returned by SetExact when exact alarms are not permitted.
var ErrExactDenied = errors.New("exact alarms not permitted")

// Alarm is a registered wake-up.
type Alarm = storage.Alarm

// Store persists alarms. At most one alarm exists per request code.
type Store interface {
	UpsertAlarm(a storage.Alarm) error
	GetAlarm(code int32) (storage.Alarm, error)
	DeleteAlarm(code int32) (bool, error)
	NextAlarm() (storage.Alarm, error)
	TakeDueAlarms(now time.Time) ([]storage.Alarm, error)
}

// Receiver is invoked once for every alarm that fires.
type Receiver interface {
	OnAlarm(ctx context.Context, a Alarm)
}

// Options configures a Manager.
type Options struct {
	// ExactAllowed mirrors the platform exact-alarm permission.
	ExactAllowed bool
	// InexactWindow is the batching window of inexact alarms. Zero fires
	// inexact alarms at their trigger time.
	InexactWindow time.Duration
	// RetryDelay is how long Run waits after a store error.
	RetryDelay time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Manager registers alarms and fires them when due.
type Manager struct {
	store        Store
	receiver     Receiver
	exactAllowed atomic.Bool
	window       time.Duration
	retryDelay   time.Duration
	now          func() time.Time
	logger       *slog.Logger
	updateChan   chan struct{}
}

// NewManager creates a Manager delivering fired alarms to r.
func NewManager(store Store, r Receiver, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	m := &Manager{
		store:      store,
		receiver:   r,
		window:     opts.InexactWindow,
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
		logger:     opts.Logger,
		updateChan: make(chan struct{}, 1),
	}
	m.exactAllowed.Store(opts.ExactAllowed)
	return m
}

// CanScheduleExact reports whether exact alarms are currently permitted.
func (m *Manager) CanScheduleExact() bool {
	return m.exactAllowed.Load()
}

// SetExactAllowed grants or revokes the exact-alarm permission.
func (m *Manager) SetExactAllowed(allowed bool) {
	m.exactAllowed.Store(allowed)
}

// SetExact registers an alarm that fires at exactly a.TriggerAt, replacing
// any alarm with the same request code.
func (m *Manager) SetExact(a Alarm) error {
	if !m.CanScheduleExact() {
		return ErrExactDenied
	}
	a.Exact = true
	if err := m.store.UpsertAlarm(a); err != nil {
		return fmt.Errorf("registering exact alarm %d: %w", a.RequestCode, err)
	}
	m.Refresh()
	return nil
}

// SetInexactAllowWhileIdle registers an alarm that fires at the first
// batching window boundary at or after a.TriggerAt.
func (m *Manager) SetInexactAllowWhileIdle(a Alarm) error {
	a.Exact = false
	a.TriggerAt = m.windowBoundary(a.TriggerAt)
	if err := m.store.UpsertAlarm(a); err != nil {
		return fmt.Errorf("registering inexact alarm %d: %w", a.RequestCode, err)
	}
	m.Refresh()
	return nil
}

func (m *Manager) windowBoundary(t time.Time) time.Time {
	if m.window <= 0 {
		return t
	}
	b := t.Truncate(m.window)
	if b.Before(t) {
		b = b.Add(m.window)
	}
	return b
}

// Cancel removes the alarm with the given request code. It reports whether
// one was registered.
func (m *Manager) Cancel(code int32) (bool, error) {
	existed, err := m.store.DeleteAlarm(code)
	if err != nil {
		return false, fmt.Errorf("cancelling alarm %d: %w", code, err)
	}
	if existed {
		m.Refresh()
	}
	return existed, nil
}

// Get returns the alarm registered under code, or storage.ErrNotFound.
func (m *Manager) Get(code int32) (Alarm, error) {
	return m.store.GetAlarm(code)
}

// Refresh signals the loop to re-evaluate the next wake-up immediately.
func (m *Manager) Refresh() {
	select {
	case m.updateChan <- struct{}{}:
	default:
		// Channel already has a pending signal, no need to block
	}
}

// Run fires due alarms until ctx is cancelled. Alarms that matured while the
// process was down fire on the first pass.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("alarm loop started")

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		next, err := m.FireDue(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			m.logger.Error("alarm pass failed", "error", err)
			wait = m.retryDelay
		case next.IsZero():
			wait = -1
		default:
			wait = next.Sub(m.now())
			if wait < 0 {
				wait = 0
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait >= 0 {
			timer.Reset(wait)
			m.logger.Debug("next alarm pass scheduled", "in", wait)
		} else {
			m.logger.Debug("no alarms registered, alarm loop idle")
		}

		select {
		case <-ctx.Done():
			m.logger.Info("alarm loop stopped")
			return
		case <-m.updateChan:
		case <-timer.C:
		}
	}
}

// FireDue delivers every matured alarm to the receiver and returns the
// trigger time of the next registered alarm, or zero if none remain.
func (m *Manager) FireDue(ctx context.Context) (time.Time, error) {
	due, err := m.store.TakeDueAlarms(m.now())
	if err != nil {
		return time.Time{}, fmt.Errorf("taking due alarms: %w", err)
	}
	for _, a := range due {
		m.logger.Info("alarm fired", "request_code", a.RequestCode, "rule_id", a.RuleID,
			"exact", a.Exact, "late_by", m.now().Sub(a.TriggerAt).Round(time.Millisecond))
		if m.receiver != nil {
			m.receiver.OnAlarm(ctx, a)
		}
	}

	next, err := m.store.NextAlarm()
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("loading next alarm: %w", err)
	}
	return next.TriggerAt, nil
}
