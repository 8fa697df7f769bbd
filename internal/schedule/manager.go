// Package schedule implements the schedule manager of spec §4.J: it
// defers a task's admission into the scheduler queue until its
// model.Schedule fires and every model.DownloadCondition it was given is
// met, then calls back so the coordinator can enqueue it. There is no
// direct teacher equivalent (surge has no deferred-start concept); this
// package follows the teacher's goroutine-per-unit-of-work style
// (internal/engine/concurrent health.go's poll loop) applied to waiting
// rather than health-checking.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/haulio/haul/internal/model"
)

const conditionPollInterval = 500 * time.Millisecond

// waiter pairs a waiting goroutine's context with its cancel func so a
// superseding Wait/Reschedule/Cancel can tell it apart from a newer one
// for the same taskID (context.Context supports == comparison, unlike
// func values).
type waiter struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager tracks one cancelable waiter per scheduled task.
type Manager struct {
	mu      sync.Mutex
	waiters map[string]waiter
}

func NewManager() *Manager {
	return &Manager{waiters: make(map[string]waiter)}
}

// Wait starts (or restarts) the waiter for taskID. onReady is called
// exactly once, from a new goroutine, once the schedule fires and every
// condition holds. If Cancel or Reschedule is called first, onReady is
// never invoked for the superseded waiter.
func (m *Manager) Wait(parent context.Context, taskID string, sch model.Schedule, conditions []model.DownloadCondition, onReady func()) {
	ctx, cancel := context.WithCancel(parent)
	w := waiter{ctx: ctx, cancel: cancel}

	m.mu.Lock()
	if old, ok := m.waiters[taskID]; ok {
		old.cancel()
	}
	m.waiters[taskID] = w
	m.mu.Unlock()

	go func() {
		defer m.clear(taskID, w)
		if !m.waitForSchedule(ctx, sch) {
			return
		}
		if !m.waitForConditions(ctx, conditions) {
			return
		}
		onReady()
	}()
}

// Reschedule replaces taskID's pending schedule/conditions with a new
// one, as if Wait had been called fresh (spec §4.J "reschedule").
func (m *Manager) Reschedule(parent context.Context, taskID string, sch model.Schedule, conditions []model.DownloadCondition, onReady func()) {
	m.Wait(parent, taskID, sch, conditions, onReady)
}

// Cancel stops taskID's waiter, if any, without invoking onReady.
func (m *Manager) Cancel(taskID string) {
	m.mu.Lock()
	w, ok := m.waiters[taskID]
	if ok {
		delete(m.waiters, taskID)
	}
	m.mu.Unlock()
	if ok {
		w.cancel()
	}
}

func (m *Manager) clear(taskID string, mine waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.waiters[taskID]; ok && cur.ctx == mine.ctx {
		delete(m.waiters, taskID)
	}
}

func (m *Manager) waitForSchedule(ctx context.Context, sch model.Schedule) bool {
	switch sch.Kind {
	case model.ScheduleAtTime:
		d := time.Until(sch.At)
		if d <= 0 {
			return true
		}
		return sleep(ctx, d)
	case model.ScheduleAfterDelay:
		return sleep(ctx, sch.Delay)
	default: // ScheduleImmediate or zero value
		return ctx.Err() == nil
	}
}

func (m *Manager) waitForConditions(ctx context.Context, conditions []model.DownloadCondition) bool {
	if len(conditions) == 0 {
		return ctx.Err() == nil
	}
	ticker := time.NewTicker(conditionPollInterval)
	defer ticker.Stop()
	for {
		if allMet(conditions) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func allMet(conditions []model.DownloadCondition) bool {
	for _, c := range conditions {
		if !c.IsMet() {
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
