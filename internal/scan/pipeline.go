// Package scan runs the prescription pipeline: OCR text in, medicines,
// schedule slots and registered alarms out.
//
// [Pipeline.Run] is side-effect free apart from advancing the credential
// rotation cursor. [Pipeline.Save] persists a result, registers its alarms
// and pushes the refreshed schedule to the dispenser.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/pillbox/internal/alarm"
	"github.com/MrWong99/pillbox/internal/extraction"
	"github.com/MrWong99/pillbox/internal/observe"
	"github.com/MrWong99/pillbox/internal/schedule"
	"github.com/MrWong99/pillbox/internal/store"
	"github.com/MrWong99/pillbox/pkg/types"
)

var (
	// ErrEmptyText is returned by [Pipeline.Run] for blank input.
	ErrEmptyText = errors.New("scan: empty text")

	// ErrNothingToSave is returned by [Pipeline.Save] with no medicines.
	ErrNothingToSave = errors.New("scan: no medicines to save")

	// ErrInactive is returned when regenerating the schedule of a removed
	// medicine.
	ErrInactive = errors.New("scan: medicine is inactive")
)

// Store is the persistence the pipeline writes to.
type Store interface {
	store.Medicines
	store.Alarms
}

// Result is the outcome of one scan.
type Result struct {
	ScanID      string               `json:"scan_id"`
	Status      extraction.Status    `json:"status"`
	Medicines   []types.Medicine     `json:"medicines"`
	TimesPerDay map[string]int       `json:"times_per_day"`
	Slots       []types.Slot         `json:"slots"`
	Tier        string               `json:"tier,omitempty"`
	Attempts    []extraction.Attempt `json:"attempts"`
	Trace       []string             `json:"trace"`
	RawText     string               `json:"raw_text"`
}

// Saved describes what [Pipeline.Save] persisted.
type Saved struct {
	Medicines []types.Medicine `json:"medicines"`
	Alarms    []types.Alarm    `json:"alarms"`

	// Registered counts alarms with an armed trigger.
	Registered int `json:"registered"`

	// PushedVia names the delivery channel that accepted the schedule. It
	// is empty when delivery was disabled or failed.
	PushedVia string `json:"pushed_via,omitempty"`

	// Warnings lists partial failures. Nothing is rolled back; a medicine
	// without alarms can be repaired with [Pipeline.RegenerateSchedule].
	Warnings []string `json:"warnings,omitempty"`
}

// Config wires a [Pipeline].
type Config struct {
	Rotator      *extraction.Rotator
	Orchestrator *extraction.Orchestrator
	Models       []string
	Anchors      types.MealAnchors
	Store        Store
	Scheduler    *alarm.Scheduler

	// Publisher may be nil to disable schedule delivery.
	Publisher *schedule.Publisher
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	rotator   *extraction.Rotator
	orch      *extraction.Orchestrator
	models    []string
	store     Store
	scheduler *alarm.Scheduler
	publisher *schedule.Publisher
	anchors   atomic.Pointer[types.MealAnchors]
	newID     func() string
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		rotator:   cfg.Rotator,
		orch:      cfg.Orchestrator,
		models:    cfg.Models,
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		publisher: cfg.Publisher,
		newID:     uuid.NewString,
	}
	if len(p.models) == 0 {
		p.models = extraction.DefaultModels
	}
	p.SetAnchors(cfg.Anchors)
	return p
}

// SetAnchors replaces the meal anchors used for new schedules. Existing
// alarms keep their times until regenerated.
func (p *Pipeline) SetAnchors(a types.MealAnchors) {
	p.anchors.Store(&a)
}

// Anchors returns the current meal anchors.
func (p *Pipeline) Anchors() types.MealAnchors {
	return *p.anchors.Load()
}

// Run extracts medicines from rawText and builds their schedule. Nothing is
// persisted. A run that recovers no medicine is not an error: the result
// carries the trace explaining why.
func (p *Pipeline) Run(ctx context.Context, rawText string) (Result, error) {
	rawText = strings.TrimSpace(rawText)
	if rawText == "" {
		return Result{}, ErrEmptyText
	}
	res := Result{ScanID: p.newID(), RawText: rawText}
	log := observe.Logger(ctx).With("scan_id", res.ScanID)

	order := p.rotator.NextTryOrder(ctx)
	ext := p.orch.Extract(ctx, rawText, order, p.models)

	res.Status = ext.Status
	res.Tier = string(ext.Tier)
	res.Attempts = ext.Attempts
	res.Trace = ext.Trace
	res.TimesPerDay = ext.TimesPerDay
	res.Medicines = ext.Medicines
	if res.Medicines == nil {
		res.Medicines = []types.Medicine{}
	}
	res.Slots = schedule.Generate(ext.Medicines, ext.TimesPerDay, p.Anchors())
	for i := range res.Medicines {
		res.Medicines[i].Compartment = i + 1
		if tpd, ok := ext.TimesPerDay[res.Medicines[i].Name]; ok {
			res.Medicines[i].TimesPerDay = tpd
		}
	}

	log.Info("scan finished",
		"status", res.Status,
		"medicines", len(res.Medicines),
		"slots", len(res.Slots),
		"attempts", len(res.Attempts),
		"tier", res.Tier,
	)
	return res, nil
}

// Save persists medicines with their generated alarms, registers the alarms
// and pushes the refreshed schedule. Compartments follow the order of
// medicines. If ctx is already done nothing is written.
func (p *Pipeline) Save(ctx context.Context, medicines []types.Medicine, timesPerDay map[string]int) (Saved, error) {
	if len(medicines) == 0 {
		return Saved{}, ErrNothingToSave
	}
	if err := ctx.Err(); err != nil {
		return Saved{}, fmt.Errorf("scan: save: %w", err)
	}

	slots := schedule.Generate(medicines, timesPerDay, p.Anchors())
	byMedicine := make(map[int][]types.Slot, len(medicines))
	for _, s := range slots {
		byMedicine[s.MedicineIndex] = append(byMedicine[s.MedicineIndex], s)
	}

	var out Saved
	for i, med := range medicines {
		med.Compartment = i + 1
		if tpd, ok := timesPerDay[med.Name]; ok {
			med.TimesPerDay = tpd
		}
		stored, err := p.store.AddMedicine(ctx, med)
		if err != nil {
			// Earlier medicines stay saved; the caller sees which ones.
			return out, fmt.Errorf("scan: save medicine %q: %w", med.Name, err)
		}
		out.Medicines = append(out.Medicines, stored)

		alarms, registered, warnings := p.persistAlarms(ctx, schedule.AlarmsFor(stored, byMedicine[i]))
		out.Alarms = append(out.Alarms, alarms...)
		out.Registered += registered
		out.Warnings = append(out.Warnings, warnings...)
	}

	out.PushedVia, out.Warnings = p.pushWarn(ctx, out.Warnings)
	observe.Logger(ctx).Info("scan saved",
		"medicines", len(out.Medicines),
		"alarms", len(out.Alarms),
		"registered", out.Registered,
		"warnings", len(out.Warnings),
	)
	return out, nil
}

// persistAlarms stores and registers alarms, collecting failures as
// warnings rather than aborting.
func (p *Pipeline) persistAlarms(ctx context.Context, alarms []types.Alarm) ([]types.Alarm, int, []string) {
	var (
		stored     []types.Alarm
		registered int
		warnings   []string
	)
	for _, a := range alarms {
		saved, err := p.store.AddAlarm(ctx, a)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("alarm %s %s for %s not saved: %v", a.Label, a.Time(), a.MedicineName, err))
			continue
		}
		stored = append(stored, saved)
		if err := p.scheduler.Register(ctx, saved); err != nil {
			warnings = append(warnings, fmt.Sprintf("alarm %d saved but not registered: %v", saved.ID, err))
			continue
		}
		registered++
	}
	return stored, registered, warnings
}

// RegenerateSchedule replaces the auto-generated alarms of a medicine with
// fresh ones built from its stored daily count and the current anchors.
// User-entered alarms are untouched.
func (p *Pipeline) RegenerateSchedule(ctx context.Context, medicineID int64) (Saved, error) {
	med, err := p.store.GetMedicine(ctx, medicineID)
	if err != nil {
		return Saved{}, err
	}
	if !med.Active {
		return Saved{}, fmt.Errorf("scan: regenerate %d: %w", medicineID, ErrInactive)
	}

	removed, err := p.store.DeleteAutoAlarms(ctx, medicineID)
	if err != nil {
		return Saved{}, fmt.Errorf("scan: regenerate %d: %w", medicineID, err)
	}
	for _, id := range removed {
		p.scheduler.Cancel(ctx, id)
	}

	slots := schedule.Generate([]types.Medicine{med}, nil, p.Anchors())
	compartment := max(med.Compartment, 1)
	for i := range slots {
		slots[i].Compartment = compartment
	}

	out := Saved{Medicines: []types.Medicine{med}}
	out.Alarms, out.Registered, out.Warnings = p.persistAlarms(ctx, schedule.AlarmsFor(med, slots))
	out.PushedVia, out.Warnings = p.pushWarn(ctx, out.Warnings)
	observe.Logger(ctx).Info("schedule regenerated",
		"medicine_id", medicineID,
		"removed", len(removed),
		"alarms", len(out.Alarms),
	)
	return out, nil
}

// RemoveMedicine deactivates a medicine and disables and cancels all of
// its alarms.
func (p *Pipeline) RemoveMedicine(ctx context.Context, medicineID int64) error {
	if err := p.store.DeactivateMedicine(ctx, medicineID); err != nil {
		return err
	}
	alarms, err := p.store.ListAlarms(ctx, store.AlarmFilter{MedicineID: medicineID})
	if err != nil {
		return fmt.Errorf("scan: remove medicine %d: %w", medicineID, err)
	}
	var errs []error
	for _, a := range alarms {
		p.scheduler.Cancel(ctx, a.ID)
		if _, err := p.store.SetAlarmEnabled(ctx, a.ID, false); err != nil {
			errs = append(errs, err)
		}
	}
	p.pushWarn(ctx, nil)
	if len(errs) > 0 {
		return fmt.Errorf("scan: remove medicine %d: %w", medicineID, errors.Join(errs...))
	}
	return nil
}

// PushSchedule delivers the schedule of every enabled alarm and returns the
// channel that accepted it.
func (p *Pipeline) PushSchedule(ctx context.Context) (string, error) {
	if p.publisher == nil {
		return "", schedule.ErrDisabled
	}
	alarms, err := p.store.ListAlarms(ctx, store.AlarmFilter{EnabledOnly: true})
	if err != nil {
		return "", fmt.Errorf("scan: push schedule: %w", err)
	}
	return p.publisher.Publish(ctx, schedule.PayloadFromAlarms(alarms))
}

// pushWarn runs PushSchedule and appends a warning on failure. A disabled
// publisher is not a warning.
func (p *Pipeline) pushWarn(ctx context.Context, warnings []string) (string, []string) {
	via, err := p.PushSchedule(ctx)
	if err != nil && !errors.Is(err, schedule.ErrDisabled) {
		warnings = append(warnings, "schedule not delivered to dispenser: "+err.Error())
	}
	return via, warnings
}

// Credentials reports the masked rotation state.
func (p *Pipeline) Credentials(ctx context.Context) (extraction.DebugInfo, error) {
	return p.rotator.Debug(ctx)
}

// HasCredentials reports whether any extraction credential is configured.
func (p *Pipeline) HasCredentials() bool {
	return len(p.rotator.AllCredentials()) > 0
}
