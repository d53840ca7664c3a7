package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/pillbox/pkg/types"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// Nothing survives a restart, so it suits tests and ephemeral runs only.
type MemStore struct {
	mu        sync.RWMutex
	nextID    int64
	medicines map[int64]types.Medicine
	alarms    map[int64]types.Alarm
	doses     map[int64]types.DoseLog
	cursors   map[string]int

	now func() time.Time
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		medicines: make(map[int64]types.Medicine),
		alarms:    make(map[int64]types.Alarm),
		doses:     make(map[int64]types.DoseLog),
		cursors:   make(map[string]int),
		now:       time.Now,
	}
}

// id returns the next record id. Callers must hold mu.
func (s *MemStore) id() int64 {
	s.nextID++
	return s.nextID
}

// ── Medicines ───────────────────────────────────────────────────────────────

// AddMedicine implements [Medicines.AddMedicine].
func (s *MemStore) AddMedicine(_ context.Context, m types.Medicine) (types.Medicine, error) {
	if err := validateMedicine(m); err != nil {
		return types.Medicine{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = s.id()
	m.Active = true
	m.CreatedAt = s.now().UTC()
	s.medicines[m.ID] = m
	return m, nil
}

// GetMedicine implements [Medicines.GetMedicine].
func (s *MemStore) GetMedicine(_ context.Context, id int64) (types.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.medicines[id]
	if !ok {
		return types.Medicine{}, fmt.Errorf("store: medicine %d: %w", id, ErrNotFound)
	}
	return m, nil
}

// ListMedicines implements [Medicines.ListMedicines].
func (s *MemStore) ListMedicines(_ context.Context, activeOnly bool) ([]types.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.Medicine, 0, len(s.medicines))
	for _, m := range s.medicines {
		if activeOnly && !m.Active {
			continue
		}
		result = append(result, m)
	}
	slices.SortFunc(result, func(a, b types.Medicine) int { return cmp.Compare(a.ID, b.ID) })
	return result, nil
}

// DeactivateMedicine implements [Medicines.DeactivateMedicine].
func (s *MemStore) DeactivateMedicine(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.medicines[id]
	if !ok {
		return fmt.Errorf("store: medicine %d: %w", id, ErrNotFound)
	}
	m.Active = false
	s.medicines[id] = m
	return nil
}

// ── Alarms ──────────────────────────────────────────────────────────────────

// AddAlarm implements [Alarms.AddAlarm].
func (s *MemStore) AddAlarm(_ context.Context, a types.Alarm) (types.Alarm, error) {
	if err := validateAlarm(a); err != nil {
		return types.Alarm{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = s.id()
	s.alarms[a.ID] = a
	return a, nil
}

// GetAlarm implements [Alarms.GetAlarm].
func (s *MemStore) GetAlarm(_ context.Context, id int64) (types.Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alarms[id]
	if !ok {
		return types.Alarm{}, fmt.Errorf("store: alarm %d: %w", id, ErrNotFound)
	}
	return a, nil
}

// ListAlarms implements [Alarms.ListAlarms].
func (s *MemStore) ListAlarms(_ context.Context, f AlarmFilter) ([]types.Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		if matchesAlarm(a, f) {
			result = append(result, a)
		}
	}
	slices.SortFunc(result, compareAlarms)
	return result, nil
}

// SetAlarmEnabled implements [Alarms.SetAlarmEnabled].
func (s *MemStore) SetAlarmEnabled(_ context.Context, id int64, enabled bool) (types.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alarms[id]
	if !ok {
		return types.Alarm{}, fmt.Errorf("store: alarm %d: %w", id, ErrNotFound)
	}
	a.Enabled = enabled
	s.alarms[id] = a
	return a, nil
}

// DeleteAlarm implements [Alarms.DeleteAlarm].
func (s *MemStore) DeleteAlarm(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alarms[id]; !ok {
		return fmt.Errorf("store: alarm %d: %w", id, ErrNotFound)
	}
	delete(s.alarms, id)
	return nil
}

// DeleteAutoAlarms implements [Alarms.DeleteAutoAlarms].
func (s *MemStore) DeleteAutoAlarms(_ context.Context, medicineID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for id, a := range s.alarms {
		if a.MedicineID == medicineID && a.AutoGenerated {
			ids = append(ids, id)
			delete(s.alarms, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// ── Dose logs ───────────────────────────────────────────────────────────────

// AddDoseLog implements [DoseLogs.AddDoseLog].
func (s *MemStore) AddDoseLog(_ context.Context, d types.DoseLog) (types.DoseLog, error) {
	if d.Status == "" {
		d.Status = types.DosePending
	}
	if !d.Status.IsValid() {
		return types.DoseLog{}, fmt.Errorf("store: dose status %q: %w", d.Status, ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d.ID = s.id()
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = s.now().UTC()
	}
	s.doses[d.ID] = d
	return d, nil
}

// ListDoseLogs implements [DoseLogs.ListDoseLogs].
func (s *MemStore) ListDoseLogs(_ context.Context, f DoseFilter) ([]types.DoseLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.DoseLog, 0, len(s.doses))
	for _, d := range s.doses {
		if f.MedicineID != 0 && d.MedicineID != f.MedicineID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		result = append(result, d)
	}
	slices.SortFunc(result, func(a, b types.DoseLog) int {
		return cmp.Or(b.ScheduledAt.Compare(a.ScheduledAt), cmp.Compare(b.ID, a.ID))
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// SetDoseStatus implements [DoseLogs.SetDoseStatus].
func (s *MemStore) SetDoseStatus(_ context.Context, id int64, status types.DoseStatus, at time.Time) (types.DoseLog, error) {
	if !status.IsValid() {
		return types.DoseLog{}, fmt.Errorf("store: dose status %q: %w", status, ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.doses[id]
	if !ok {
		return types.DoseLog{}, fmt.Errorf("store: dose %d: %w", id, ErrNotFound)
	}
	d.Status = status
	d.UpdatedAt = at.UTC()
	s.doses[id] = d
	return d, nil
}

// ── Cursors ─────────────────────────────────────────────────────────────────

// AdvanceCursor implements [Cursors.AdvanceCursor].
func (s *MemStore) AdvanceCursor(_ context.Context, namespace string, n int) (int, error) {
	if err := validateCursor(n); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.cursors[namespace]
	if !ok {
		last = -1
	}
	next := (last + 1) % n
	s.cursors[namespace] = next
	return next, nil
}

// Cursor implements [Cursors.Cursor].
func (s *MemStore) Cursor(_ context.Context, namespace string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cursors[namespace]
	if !ok {
		return -1, nil
	}
	return c, nil
}

// Ping implements [Store.Ping]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store.Close]. It is a no-op.
func (s *MemStore) Close() error { return nil }

// matchesAlarm reports whether a passes every non-zero filter field.
func matchesAlarm(a types.Alarm, f AlarmFilter) bool {
	if f.EnabledOnly && !a.Enabled {
		return false
	}
	if f.MedicineID != 0 && a.MedicineID != f.MedicineID {
		return false
	}
	if f.At != nil && (a.Hour != f.At.Hour || a.Minute != f.At.Minute) {
		return false
	}
	return true
}

// compareAlarms orders alarms by time of day, then id.
func compareAlarms(a, b types.Alarm) int {
	return cmp.Or(
		cmp.Compare(a.Hour, b.Hour),
		cmp.Compare(a.Minute, b.Minute),
		cmp.Compare(a.ID, b.ID),
	)
}
