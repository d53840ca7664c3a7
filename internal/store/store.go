// Package store persists medicines, alarms, dose logs and the credential
// rotation cursor.
//
// Three implementations share the [Store] interface: [MemStore] for tests
// and ephemeral runs, [PostgresStore] backed by pgx, and [SQLiteStore] for a
// single-file deployment next to the dispenser. All are safe for concurrent
// use.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/MrWong99/pillbox/pkg/types"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrInvalid is returned when a record fails validation before it is written.
var ErrInvalid = errors.New("store: invalid record")

// Medicines manages saved prescription items.
type Medicines interface {
	// AddMedicine stores m and returns it with ID and CreatedAt set. The
	// medicine is stored as active regardless of m.Active.
	AddMedicine(ctx context.Context, m types.Medicine) (types.Medicine, error)

	// GetMedicine returns [ErrNotFound] for an unknown id.
	GetMedicine(ctx context.Context, id int64) (types.Medicine, error)

	// ListMedicines returns medicines ordered by id.
	ListMedicines(ctx context.Context, activeOnly bool) ([]types.Medicine, error)

	// DeactivateMedicine marks a medicine inactive. Its rows are kept so
	// that dose history stays readable.
	DeactivateMedicine(ctx context.Context, id int64) error
}

// AlarmFilter narrows [Alarms.ListAlarms]. Zero fields match everything.
type AlarmFilter struct {
	EnabledOnly bool
	MedicineID  int64

	// At restricts results to alarms set for this time of day.
	At *types.ClockTime
}

// Alarms manages registrable triggers.
type Alarms interface {
	AddAlarm(ctx context.Context, a types.Alarm) (types.Alarm, error)
	GetAlarm(ctx context.Context, id int64) (types.Alarm, error)

	// ListAlarms returns alarms ordered by hour, minute and id.
	ListAlarms(ctx context.Context, f AlarmFilter) ([]types.Alarm, error)

	SetAlarmEnabled(ctx context.Context, id int64, enabled bool) (types.Alarm, error)
	DeleteAlarm(ctx context.Context, id int64) error

	// DeleteAutoAlarms removes the auto-generated alarms of a medicine and
	// returns the ids that were removed. User-entered alarms are kept.
	DeleteAutoAlarms(ctx context.Context, medicineID int64) ([]int64, error)
}

// DoseFilter narrows [DoseLogs.ListDoseLogs]. Zero fields match everything.
type DoseFilter struct {
	MedicineID int64
	Status     types.DoseStatus
	Limit      int
}

// DoseLogs records what happened to each fired alarm.
type DoseLogs interface {
	AddDoseLog(ctx context.Context, d types.DoseLog) (types.DoseLog, error)

	// ListDoseLogs returns logs newest first.
	ListDoseLogs(ctx context.Context, f DoseFilter) ([]types.DoseLog, error)

	// SetDoseStatus updates the status and stamps UpdatedAt with at.
	SetDoseStatus(ctx context.Context, id int64, status types.DoseStatus, at time.Time) (types.DoseLog, error)
}

// Cursors persists credential rotation cursors by namespace.
type Cursors interface {
	// AdvanceCursor atomically moves the cursor of namespace to
	// (last+1) mod n and returns the new value. A namespace without a
	// cursor starts at 0.
	AdvanceCursor(ctx context.Context, namespace string, n int) (int, error)

	// Cursor returns the stored cursor, or -1 when none exists.
	Cursor(ctx context.Context, namespace string) (int, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	Medicines
	Alarms
	DoseLogs
	Cursors

	// Ping checks that the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}

// validateMedicine checks the fields every implementation requires.
func validateMedicine(m types.Medicine) error {
	if len(m.Name) < 2 {
		return errors.Join(ErrInvalid, errors.New("medicine name must be at least 2 characters"))
	}
	return nil
}

// validateAlarm checks the fields every implementation requires.
func validateAlarm(a types.Alarm) error {
	var errs []error
	if !a.Time().Valid() {
		errs = append(errs, errors.New("alarm time out of range"))
	}
	if a.Compartment < 0 {
		errs = append(errs, errors.New("alarm compartment must not be negative"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalid}, errs...)...)
	}
	return nil
}

// validateCursor checks the rotation size.
func validateCursor(n int) error {
	if n <= 0 {
		return errors.Join(ErrInvalid, errors.New("cursor size must be positive"))
	}
	return nil
}

// sortedIDs sorts ids in place and returns them.
func sortedIDs(ids []int64) []int64 {
	slices.Sort(ids)
	return ids
}
