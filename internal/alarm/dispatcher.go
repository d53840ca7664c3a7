package alarm

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/pillbox/internal/observe"
	"github.com/MrWong99/pillbox/internal/store"
	"github.com/MrWong99/pillbox/pkg/types"
)

// DoorOpener opens dispenser compartments. Satisfied by *pillbox.Client.
type DoorOpener interface {
	OpenDoors(ctx context.Context, doors []int) error
}

// Notification returns the reminder text shown for a.
func Notification(a types.Alarm) string {
	return strings.TrimSpace("Time to take your medicine: " + a.MedicineName + " " + a.Dosage)
}

// Dispatcher handles fired alarms: it logs the reminder, records a pending
// dose and opens the dispenser doors for every alarm due that minute.
type Dispatcher struct {
	alarms  store.Alarms
	doses   store.DoseLogs
	doors   DoorOpener
	metrics *observe.Metrics

	mu          sync.Mutex
	lastSession time.Time
}

// NewDispatcher creates a Dispatcher. doors may be nil when no dispenser is
// configured; metrics may be nil to use [observe.DefaultMetrics].
func NewDispatcher(alarms store.Alarms, doses store.DoseLogs, doors DoorOpener, metrics *observe.Metrics) *Dispatcher {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{alarms: alarms, doses: doses, doors: doors, metrics: metrics}
}

// Fire implements [FireFunc].
func (d *Dispatcher) Fire(ctx context.Context, a types.Alarm, at time.Time) {
	ctx, span := observe.StartSpan(ctx, "alarm.Fire", trace.WithAttributes(
		observe.AttrAlarmID.Int64(a.ID),
		observe.AttrMedicine.String(a.MedicineName),
		observe.AttrSlotLabel.String(a.Label),
	))
	status := d.fire(ctx, a, at)
	observe.EndSpan(span, status, status != "door_error")
}

// fire does the work of Fire and reports how far it got: "notified" when no
// doors were due, "doors_opened" or "door_error" otherwise.
func (d *Dispatcher) fire(ctx context.Context, a types.Alarm, at time.Time) string {
	log := observe.Logger(ctx).With("alarm_id", a.ID, "medicine", a.MedicineName, "label", a.Label)
	log.Info(Notification(a))
	d.metrics.RecordAlarmFired(ctx, a.Label)

	if _, err := d.doses.AddDoseLog(ctx, types.DoseLog{
		AlarmID:      a.ID,
		MedicineID:   a.MedicineID,
		MedicineName: a.MedicineName,
		ScheduledAt:  at,
		Status:       types.DosePending,
	}); err != nil {
		log.Warn("alarm: record dose failed", "err", err)
	}

	if d.doors == nil || !d.claimSession(at) {
		return "notified"
	}
	doors := d.doorsDue(ctx, a)
	if len(doors) == 0 {
		return "notified"
	}
	if err := d.doors.OpenDoors(ctx, doors); err != nil {
		log.Warn("alarm: open dispenser doors failed", "doors", doors, "err", err)
		return "door_error"
	}
	return "doors_opened"
}

// claimSession reports whether the caller is the first firing for the
// minute of at. Alarms due at the same minute share one door session.
func (d *Dispatcher) claimSession(at time.Time) bool {
	minute := at.Truncate(time.Minute)
	d.mu.Lock()
	defer d.mu.Unlock()
	if minute.Equal(d.lastSession) {
		return false
	}
	d.lastSession = minute
	return true
}

// doorsDue collects the compartments of every enabled alarm set for a's time
// of day, always including a's own compartment.
func (d *Dispatcher) doorsDue(ctx context.Context, a types.Alarm) []int {
	var doors []int
	if a.Compartment > 0 {
		doors = append(doors, a.Compartment)
	}
	at := a.Time()
	due, err := d.alarms.ListAlarms(ctx, store.AlarmFilter{EnabledOnly: true, At: &at})
	if err != nil {
		observe.Logger(ctx).Warn("alarm: list due alarms failed", "err", err)
	}
	for _, other := range due {
		if other.Compartment > 0 {
			doors = append(doors, other.Compartment)
		}
	}
	slices.Sort(doors)
	return slices.Compact(doors)
}
