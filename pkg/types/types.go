// Package types defines the records shared across all pillbox packages.
//
// These types are the lingua franca between the extraction pipeline, the
// schedule generator, the alarm scheduler and the persistence layer. Each
// package keeps its own internal types; only data that crosses package
// boundaries lives here to avoid circular imports.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Medicine is one prescribed item recovered from a scanned prescription.
//
// Name, Dosage, Frequency and Timing are display fields. TimesPerDay is the
// numeric daily count used for scheduling; it is independent of the free-text
// Frequency (e.g. Frequency "OD (5 days)" with TimesPerDay 1).
type Medicine struct {
	// ID is assigned by the store. Zero until persisted.
	ID int64 `json:"id,omitempty"`

	// Name is trimmed and at least two characters long.
	Name string `json:"name"`

	// Dosage is free text ("500mg", "1 tablet"); a placeholder when absent.
	Dosage string `json:"dosage"`

	// Frequency is the display frequency, with the duration appended in
	// parentheses when the prescription carried one.
	Frequency string `json:"frequency"`

	// Timing is the meal timing ("after meals", "as directed").
	Timing string `json:"timing"`

	// TimesPerDay is the positive daily dose count.
	TimesPerDay int `json:"times_per_day"`

	// Compartment is the 1-based dispenser bin assigned to this medicine.
	Compartment int `json:"compartment,omitempty"`

	// Active is false once the medicine has been removed by the user.
	Active bool `json:"active"`

	// CreatedAt is set by the store.
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Label returns the "name dosage" string used in notifications and in the
// dispenser schedule payload.
func (m Medicine) Label() string {
	if m.Dosage == "" {
		return m.Name
	}
	return m.Name + " " + m.Dosage
}

// ClockTime is a wall-clock time of day with minute resolution.
type ClockTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ParseClock parses "HH:MM" (24 hour clock). Single-digit hours are accepted.
func ParseClock(s string) (ClockTime, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ClockTime{}, fmt.Errorf("types: clock %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return ClockTime{}, fmt.Errorf("types: clock %q: hour out of range 0-23", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || len(m) != 2 || minute < 0 || minute > 59 {
		return ClockTime{}, fmt.Errorf("types: clock %q: minute out of range 00-59", s)
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

// MustParseClock is like [ParseClock] but panics on error. Intended for
// package-level defaults and tests.
func MustParseClock(s string) ClockTime {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String formats c as zero-padded "HH:MM".
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Valid reports whether c is a real time of day.
func (c ClockTime) Valid() bool {
	return c.Hour >= 0 && c.Hour <= 23 && c.Minute >= 0 && c.Minute <= 59
}

// MealAnchors are the user-chosen times for the three daily dosing occasions.
type MealAnchors struct {
	Morning   ClockTime `json:"morning"`
	Afternoon ClockTime `json:"afternoon"`
	Night     ClockTime `json:"night"`
}

// DefaultMealAnchors returns 08:00, 13:00 and 21:00.
func DefaultMealAnchors() MealAnchors {
	return MealAnchors{
		Morning:   ClockTime{Hour: 8},
		Afternoon: ClockTime{Hour: 13},
		Night:     ClockTime{Hour: 21},
	}
}

// At returns the anchor for label. Unknown labels map to Morning.
func (a MealAnchors) At(label SlotLabel) ClockTime {
	switch label {
	case LabelAfternoon:
		return a.Afternoon
	case LabelNight:
		return a.Night
	default:
		return a.Morning
	}
}

// SlotLabel names a dosing occasion.
type SlotLabel string

const (
	LabelMorning   SlotLabel = "Morning"
	LabelAfternoon SlotLabel = "Afternoon"
	LabelNight     SlotLabel = "Night"
)

// Slot is a single (time, label) dosing occasion for one medicine.
type Slot struct {
	// MedicineIndex is the 0-based position of the medicine in the scan result.
	MedicineIndex int `json:"medicine_index"`

	// MedicineName and Dosage identify the medicine for display.
	MedicineName string `json:"medicine_name"`
	Dosage       string `json:"dosage"`

	Hour   int       `json:"hour"`
	Minute int       `json:"minute"`
	Label  SlotLabel `json:"label"`

	// Compartment is shared by every slot of the same medicine.
	Compartment int `json:"compartment"`
}

// Time returns the slot's time of day.
func (s Slot) Time() ClockTime {
	return ClockTime{Hour: s.Hour, Minute: s.Minute}
}

// Alarm is a persisted, registrable wall-clock trigger.
type Alarm struct {
	ID           int64  `json:"id,omitempty"`
	MedicineID   int64  `json:"medicine_id"`
	MedicineName string `json:"medicine_name"`
	Dosage       string `json:"dosage"`
	Hour         int    `json:"hour"`
	Minute       int    `json:"minute"`
	Label        string `json:"label"`
	Compartment  int    `json:"compartment,omitempty"`

	// Enabled alarms are registered at startup.
	Enabled bool `json:"enabled"`

	// AutoGenerated separates schedule-derived alarms from user-entered ones.
	// Only auto-generated alarms are replaced by a schedule regeneration.
	AutoGenerated bool `json:"auto_generated"`
}

// Time returns the alarm's time of day.
func (a Alarm) Time() ClockTime {
	return ClockTime{Hour: a.Hour, Minute: a.Minute}
}

// DoseStatus tracks what happened to a single scheduled dose.
type DoseStatus string

const (
	DosePending DoseStatus = "pending"
	DoseTaken   DoseStatus = "taken"
	DoseMissed  DoseStatus = "missed"
	DoseSkipped DoseStatus = "skipped"
)

// IsValid reports whether s is a recognised dose status.
func (s DoseStatus) IsValid() bool {
	switch s {
	case DosePending, DoseTaken, DoseMissed, DoseSkipped:
		return true
	}
	return false
}

// DoseLog records one fired alarm and the user's response to it.
type DoseLog struct {
	ID           int64      `json:"id,omitempty"`
	AlarmID      int64      `json:"alarm_id"`
	MedicineID   int64      `json:"medicine_id"`
	MedicineName string     `json:"medicine_name"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	Status       DoseStatus `json:"status"`
	UpdatedAt    time.Time  `json:"updated_at,omitzero"`
}
