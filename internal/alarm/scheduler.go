package alarm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/pillbox/internal/observe"
	"github.com/MrWong99/pillbox/internal/store"
	"github.com/MrWong99/pillbox/pkg/types"
)

// ErrNoID is returned when registering an alarm that has not been persisted.
var ErrNoID = errors.New("alarm: alarm has no id")

// FireFunc is invoked each time an alarm's trigger fires. at is the
// scheduled instant, not the time the callback ran.
type FireFunc func(ctx context.Context, a types.Alarm, at time.Time)

// Scheduler registers alarms with a [Registrar] and re-arms them daily.
type Scheduler struct {
	reg     Registrar
	fire    FireFunc
	now     func() time.Time
	base    context.Context
	metrics *observe.Metrics

	// mu is held across Registrar calls so a trigger cannot re-arm an
	// alarm that was cancelled or replaced while its callback was running.
	mu  sync.Mutex
	gen uint64

	// active maps an alarm id to the generation of its live registration.
	// Callbacks carrying an older generation are stale.
	active map[int64]uint64
}

// SchedulerOption is a functional option for [NewScheduler].
type SchedulerOption func(*Scheduler)

// WithClock sets the clock used to compute trigger instants.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithBaseContext sets the context passed to the [FireFunc]. Triggers outlive
// the request that registered them, so request contexts are never used.
func WithBaseContext(ctx context.Context) SchedulerOption {
	return func(s *Scheduler) { s.base = ctx }
}

// NewScheduler creates a Scheduler. fire may be nil.
func NewScheduler(reg Registrar, fire FireFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		reg:    reg,
		fire:   fire,
		now:    time.Now,
		base:   context.Background(),
		active: make(map[int64]uint64),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register arms a's next trigger. Disabled alarms are cancelled instead.
func (s *Scheduler) Register(ctx context.Context, a types.Alarm) error {
	if a.ID == 0 {
		return ErrNoID
	}
	if !a.Enabled {
		s.Cancel(ctx, a.ID)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armLocked(ctx, a, s.now())
}

func (s *Scheduler) armLocked(ctx context.Context, a types.Alarm, now time.Time) error {
	at := NextTrigger(a.Hour, a.Minute, now)
	s.gen++
	gen := s.gen
	if err := s.reg.Register(a.ID, at, func() { s.trigger(a, at, gen) }); err != nil {
		s.forgetLocked(ctx, a.ID)
		return fmt.Errorf("alarm: register %d: %w", a.ID, err)
	}

	_, existed := s.active[a.ID]
	s.active[a.ID] = gen
	if !existed {
		s.metrics.ActiveAlarms.Add(ctx, 1)
	}
	observe.Logger(ctx).Debug("alarm registered", "alarm_id", a.ID, "medicine", a.MedicineName, "at", at)
	return nil
}

// trigger re-arms the alarm for the next day, then hands it to the FireFunc.
// A callback whose registration was cancelled or replaced does nothing.
func (s *Scheduler) trigger(a types.Alarm, at time.Time, gen uint64) {
	ctx := s.base

	s.mu.Lock()
	if cur, ok := s.active[a.ID]; !ok || cur != gen {
		s.mu.Unlock()
		observe.Logger(ctx).Debug("alarm: stale trigger dropped", "alarm_id", a.ID, "at", at)
		return
	}
	// Timers never fire early, but an injected clock may lag the trigger.
	now := s.now()
	if now.Before(at) {
		now = at
	}
	err := s.armLocked(ctx, a, now)
	s.mu.Unlock()

	if err != nil {
		observe.Logger(ctx).Warn("alarm: re-arm failed", "alarm_id", a.ID, "err", err)
	}
	if s.fire != nil {
		s.fire(ctx, a, at)
	}
}

// RegisterAll registers every enabled alarm and returns how many were armed.
// Failures do not stop the remaining registrations; they are joined into the
// returned error. A permission failure is logged as a warning, since the
// alarm stays enabled and is retried on the next restore.
func (s *Scheduler) RegisterAll(ctx context.Context, alarms []types.Alarm) (int, error) {
	log := observe.Logger(ctx)
	var (
		n    int
		errs []error
	)
	for _, a := range alarms {
		if !a.Enabled {
			continue
		}
		if err := s.Register(ctx, a); err != nil {
			if errors.Is(err, ErrPermissionDenied) {
				log.Warn("alarm kept enabled without a trigger", "alarm_id", a.ID, "err", err)
			}
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Restore re-registers every enabled alarm in src, ordered by time of day.
// Registration is idempotent per id, so calling it twice is harmless.
func (s *Scheduler) Restore(ctx context.Context, src store.Alarms) (int, error) {
	alarms, err := src.ListAlarms(ctx, store.AlarmFilter{EnabledOnly: true})
	if err != nil {
		return 0, fmt.Errorf("alarm: restore: %w", err)
	}
	slices.SortStableFunc(alarms, func(a, b types.Alarm) int {
		return cmp.Or(cmp.Compare(a.Hour, b.Hour), cmp.Compare(a.Minute, b.Minute))
	})
	n, err := s.RegisterAll(ctx, alarms)
	observe.Logger(ctx).Info("alarms restored", "registered", n, "enabled", len(alarms))
	return n, err
}

// Cancel removes the trigger for id. Unknown ids are ignored.
func (s *Scheduler) Cancel(ctx context.Context, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reg.Cancel(id)
	s.forgetLocked(ctx, id)
}

func (s *Scheduler) forgetLocked(ctx context.Context, id int64) {
	if _, ok := s.active[id]; !ok {
		return
	}
	delete(s.active, id)
	s.metrics.ActiveAlarms.Add(ctx, -1)
}

// Active returns the ids with an armed trigger, ascending.
func (s *Scheduler) Active() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
