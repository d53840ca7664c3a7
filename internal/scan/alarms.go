package scan

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/pillbox/internal/observe"
	"github.com/MrWong99/pillbox/pkg/types"
)

// AlarmChange is the outcome of a user edit to the alarm set.
type AlarmChange struct {
	Alarm     types.Alarm `json:"alarm"`
	PushedVia string      `json:"pushed_via,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
}

// AddAlarm stores a user-entered alarm for a medicine, registers it and
// pushes the refreshed schedule. Name, dosage and compartment are taken
// from the medicine.
func (p *Pipeline) AddAlarm(ctx context.Context, medicineID int64, at types.ClockTime, label string) (AlarmChange, error) {
	med, err := p.store.GetMedicine(ctx, medicineID)
	if err != nil {
		return AlarmChange{}, err
	}
	if !med.Active {
		return AlarmChange{}, fmt.Errorf("scan: add alarm for %d: %w", medicineID, ErrInactive)
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = "Custom"
	}

	a, err := p.store.AddAlarm(ctx, types.Alarm{
		MedicineID:   med.ID,
		MedicineName: med.Name,
		Dosage:       med.Dosage,
		Hour:         at.Hour,
		Minute:       at.Minute,
		Label:        label,
		Compartment:  med.Compartment,
		Enabled:      true,
	})
	if err != nil {
		return AlarmChange{}, fmt.Errorf("scan: add alarm: %w", err)
	}

	out := AlarmChange{Alarm: a}
	if err := p.scheduler.Register(ctx, a); err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("alarm %d saved but not registered: %v", a.ID, err))
	}
	out.PushedVia, out.Warnings = p.pushWarn(ctx, out.Warnings)
	observe.Logger(ctx).Info("custom alarm added", "alarm_id", a.ID, "medicine_id", med.ID, "time", a.Time())
	return out, nil
}

// SetAlarmEnabled enables or disables an alarm, arming or cancelling its
// trigger to match.
func (p *Pipeline) SetAlarmEnabled(ctx context.Context, id int64, enabled bool) (AlarmChange, error) {
	a, err := p.store.SetAlarmEnabled(ctx, id, enabled)
	if err != nil {
		return AlarmChange{}, err
	}
	out := AlarmChange{Alarm: a}
	if err := p.scheduler.Register(ctx, a); err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("alarm %d not registered: %v", a.ID, err))
	}
	out.PushedVia, out.Warnings = p.pushWarn(ctx, out.Warnings)
	return out, nil
}

// DeleteAlarm cancels an alarm's trigger and then removes it.
func (p *Pipeline) DeleteAlarm(ctx context.Context, id int64) ([]string, error) {
	if _, err := p.store.GetAlarm(ctx, id); err != nil {
		return nil, err
	}
	p.scheduler.Cancel(ctx, id)
	if err := p.store.DeleteAlarm(ctx, id); err != nil {
		return nil, err
	}
	_, warnings := p.pushWarn(ctx, nil)
	return warnings, nil
}
