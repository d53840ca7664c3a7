package alarm

import (
	"errors"
	"sync"
	"time"
)

// ErrPermissionDenied is returned by a [Registrar] that is not allowed to
// schedule triggers. The alarm stays enabled in the store so that a later
// restore can retry it.
var ErrPermissionDenied = errors.New("alarm: scheduling permission denied")

// ErrRegistrarClosed is returned by [TimerRegistrar.Register] after Close.
var ErrRegistrarClosed = errors.New("alarm: registrar closed")

// Registrar arms one-shot triggers keyed by alarm id.
//
// Register must be idempotent per id: registering an id that already has a
// pending trigger replaces it. fire must run on its own goroutine, never
// from inside Register. Implementations must be safe for concurrent use.
type Registrar interface {
	Register(id int64, at time.Time, fire func()) error

	// Cancel removes the pending trigger for id and reports whether one
	// existed.
	Cancel(id int64) bool
}

// Timer is the subset of *time.Timer used by [TimerRegistrar].
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. [time.AfterFunc] satisfies it once wrapped.
type AfterFunc func(d time.Duration, f func()) Timer

// Compile-time interface assertion.
var _ Registrar = (*TimerRegistrar)(nil)

// TimerRegistrar is an in-process [Registrar] holding one timer per id.
type TimerRegistrar struct {
	after AfterFunc
	now   func() time.Time

	mu     sync.Mutex
	timers map[int64]*pending
	closed bool
}

type pending struct {
	timer Timer
	at    time.Time
}

// TimerOption is a functional option for [NewTimerRegistrar].
type TimerOption func(*TimerRegistrar)

// WithAfterFunc replaces time.AfterFunc. Used by tests to fire triggers
// by hand.
func WithAfterFunc(f AfterFunc) TimerOption {
	return func(r *TimerRegistrar) { r.after = f }
}

// WithTimerClock sets the clock used to turn instants into delays.
func WithTimerClock(now func() time.Time) TimerOption {
	return func(r *TimerRegistrar) { r.now = now }
}

// NewTimerRegistrar creates a registrar backed by time.AfterFunc.
func NewTimerRegistrar(opts ...TimerOption) *TimerRegistrar {
	r := &TimerRegistrar{
		after: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		now:    time.Now,
		timers: make(map[int64]*pending),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register arms a trigger for id at the given instant, replacing any
// pending one. An instant in the past fires immediately.
func (r *TimerRegistrar) Register(id int64, at time.Time, fire func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistrarClosed
	}
	if old, ok := r.timers[id]; ok {
		old.timer.Stop()
	}

	p := &pending{at: at}
	p.timer = r.after(max(at.Sub(r.now()), 0), func() {
		r.mu.Lock()
		if r.timers[id] == p {
			delete(r.timers, id)
		}
		r.mu.Unlock()
		fire()
	})
	r.timers[id] = p
	return nil
}

// Cancel implements Registrar.
func (r *TimerRegistrar) Cancel(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.timers[id]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(r.timers, id)
	return true
}

// Pending returns the trigger instant for id, if one is armed.
func (r *TimerRegistrar) Pending(id int64) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return p.at, true
}

// Len returns the number of armed triggers.
func (r *TimerRegistrar) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Close stops every pending trigger. Further registrations fail with
// [ErrRegistrarClosed].
func (r *TimerRegistrar) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.timers {
		p.timer.Stop()
		delete(r.timers, id)
	}
	r.closed = true
}
