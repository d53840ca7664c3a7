package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/pillbox/pkg/types"
)

// SQLiteSchemaVersion is the current schema version of the SQLite database.
const SQLiteSchemaVersion = 1

// SQLiteStore is a [Store] backed by a single SQLite file. Timestamps are
// stored as RFC 3339 text in UTC.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("store: sqlite: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: sqlite: create db dir: %w", err)
	}

	dsn := "file:" + path + "?mode=rwc&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite: open: %w", err)
	}
	// SQLite allows one writer; a single connection serialises access
	// instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite: ping: %w", err)
	}
	if err := MigrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// MigrateSQLite brings db to [SQLiteSchemaVersion]. It is idempotent.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("store: sqlite: migrate: db is nil")
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`); err != nil {
		return fmt.Errorf("store: sqlite: migrate: create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("store: sqlite: migrate: read current version: %w", err)
	}
	if current >= SQLiteSchemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: sqlite: migrate: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS medicines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			dosage TEXT NOT NULL DEFAULT '',
			frequency TEXT NOT NULL DEFAULT '',
			timing TEXT NOT NULL DEFAULT '',
			times_per_day INTEGER NOT NULL DEFAULT 1,
			compartment INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS alarms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			medicine_id INTEGER NOT NULL DEFAULT 0,
			medicine_name TEXT NOT NULL DEFAULT '',
			dosage TEXT NOT NULL DEFAULT '',
			hour INTEGER NOT NULL CHECK (hour BETWEEN 0 AND 23),
			minute INTEGER NOT NULL CHECK (minute BETWEEN 0 AND 59),
			label TEXT NOT NULL DEFAULT '',
			compartment INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			auto_generated INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_medicine ON alarms(medicine_id);`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_time ON alarms(hour, minute);`,
		`CREATE TABLE IF NOT EXISTS dose_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alarm_id INTEGER NOT NULL DEFAULT 0,
			medicine_id INTEGER NOT NULL DEFAULT 0,
			medicine_name TEXT NOT NULL DEFAULT '',
			scheduled_at TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'taken', 'missed', 'skipped')),
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dose_logs_scheduled ON dose_logs(scheduled_at);`,
		`CREATE TABLE IF NOT EXISTS rotation_cursors (
			namespace TEXT PRIMARY KEY,
			last_index INTEGER NOT NULL
		);`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: sqlite: migrate: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES (?);`, SQLiteSchemaVersion); err != nil {
		return fmt.Errorf("store: sqlite: migrate: record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: sqlite: migrate: commit: %w", err)
	}
	return nil
}

// Ping implements [Store.Ping].
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements [Store.Close].
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) stamp() string { return formatTime(s.now()) }

// timeLayout is RFC 3339 with a fixed-width fraction so that text order
// matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// ---- medicines ----

// AddMedicine implements [Medicines.AddMedicine].
func (s *SQLiteStore) AddMedicine(ctx context.Context, m types.Medicine) (types.Medicine, error) {
	if err := validateMedicine(m); err != nil {
		return types.Medicine{}, err
	}
	created := s.stamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO medicines (name, dosage, frequency, timing, times_per_day, compartment, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		m.Name, m.Dosage, m.Frequency, m.Timing, m.TimesPerDay, m.Compartment, created)
	if err != nil {
		return types.Medicine{}, fmt.Errorf("store: add medicine: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return types.Medicine{}, fmt.Errorf("store: add medicine: last insert id: %w", err)
	}
	m.Active = true
	m.CreatedAt, _ = parseTime(created)
	return m, nil
}

// GetMedicine implements [Medicines.GetMedicine].
func (s *SQLiteStore) GetMedicine(ctx context.Context, id int64) (types.Medicine, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+medicineColumns+` FROM medicines WHERE id = ?`, id)
	m, err := scanSQLiteMedicine(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Medicine{}, fmt.Errorf("store: medicine %d: %w", id, ErrNotFound)
		}
		return types.Medicine{}, fmt.Errorf("store: get medicine %d: %w", id, err)
	}
	return m, nil
}

// ListMedicines implements [Medicines.ListMedicines].
func (s *SQLiteStore) ListMedicines(ctx context.Context, activeOnly bool) ([]types.Medicine, error) {
	query := `SELECT ` + medicineColumns + ` FROM medicines`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list medicines: %w", err)
	}
	defer rows.Close()

	var result []types.Medicine
	for rows.Next() {
		m, err := scanSQLiteMedicine(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list medicines: scan: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list medicines: rows: %w", err)
	}
	return result, nil
}

// DeactivateMedicine implements [Medicines.DeactivateMedicine].
func (s *SQLiteStore) DeactivateMedicine(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE medicines SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deactivate medicine %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("medicine %d", id))
}

// ---- alarms ----

// AddAlarm implements [Alarms.AddAlarm].
func (s *SQLiteStore) AddAlarm(ctx context.Context, a types.Alarm) (types.Alarm, error) {
	if err := validateAlarm(a); err != nil {
		return types.Alarm{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alarms (medicine_id, medicine_name, dosage, hour, minute, label, compartment, enabled, auto_generated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.MedicineID, a.MedicineName, a.Dosage, a.Hour, a.Minute, a.Label, a.Compartment, a.Enabled, a.AutoGenerated)
	if err != nil {
		return types.Alarm{}, fmt.Errorf("store: add alarm: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return types.Alarm{}, fmt.Errorf("store: add alarm: last insert id: %w", err)
	}
	return a, nil
}

// GetAlarm implements [Alarms.GetAlarm].
func (s *SQLiteStore) GetAlarm(ctx context.Context, id int64) (types.Alarm, error) {
	a, err := scanAlarm(s.db.QueryRowContext(ctx, `SELECT `+alarmColumns+` FROM alarms WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Alarm{}, fmt.Errorf("store: alarm %d: %w", id, ErrNotFound)
		}
		return types.Alarm{}, fmt.Errorf("store: get alarm %d: %w", id, err)
	}
	return a, nil
}

// ListAlarms implements [Alarms.ListAlarms].
func (s *SQLiteStore) ListAlarms(ctx context.Context, f AlarmFilter) ([]types.Alarm, error) {
	where, args := alarmWhere(f, sqlitePlaceholder)
	rows, err := s.db.QueryContext(ctx, `SELECT `+alarmColumns+` FROM alarms`+where+` ORDER BY hour, minute, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list alarms: %w", err)
	}
	defer rows.Close()

	var result []types.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list alarms: scan: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list alarms: rows: %w", err)
	}
	return result, nil
}

// SetAlarmEnabled implements [Alarms.SetAlarmEnabled].
func (s *SQLiteStore) SetAlarmEnabled(ctx context.Context, id int64, enabled bool) (types.Alarm, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE alarms SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return types.Alarm{}, fmt.Errorf("store: set alarm %d enabled: %w", id, err)
	}
	if err := requireAffected(res, fmt.Sprintf("alarm %d", id)); err != nil {
		return types.Alarm{}, err
	}
	return s.GetAlarm(ctx, id)
}

// DeleteAlarm implements [Alarms.DeleteAlarm].
func (s *SQLiteStore) DeleteAlarm(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete alarm %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("alarm %d", id))
}

// DeleteAutoAlarms implements [Alarms.DeleteAutoAlarms].
func (s *SQLiteStore) DeleteAutoAlarms(ctx context.Context, medicineID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `DELETE FROM alarms WHERE medicine_id = ? AND auto_generated = 1 RETURNING id`, medicineID)
	if err != nil {
		return nil, fmt.Errorf("store: delete auto alarms of %d: %w", medicineID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: delete auto alarms of %d: scan: %w", medicineID, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: delete auto alarms of %d: rows: %w", medicineID, err)
	}
	return sortedIDs(ids), nil
}

// ---- dose logs ----

// AddDoseLog implements [DoseLogs.AddDoseLog].
func (s *SQLiteStore) AddDoseLog(ctx context.Context, d types.DoseLog) (types.DoseLog, error) {
	if d.Status == "" {
		d.Status = types.DosePending
	}
	if !d.Status.IsValid() {
		return types.DoseLog{}, fmt.Errorf("store: dose status %q: %w", d.Status, ErrInvalid)
	}
	updated := s.stamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dose_logs (alarm_id, medicine_id, medicine_name, scheduled_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.AlarmID, d.MedicineID, d.MedicineName, formatTime(d.ScheduledAt), string(d.Status), updated)
	if err != nil {
		return types.DoseLog{}, fmt.Errorf("store: add dose log: %w", err)
	}
	if d.ID, err = res.LastInsertId(); err != nil {
		return types.DoseLog{}, fmt.Errorf("store: add dose log: last insert id: %w", err)
	}
	d.UpdatedAt, _ = parseTime(updated)
	return d, nil
}

// ListDoseLogs implements [DoseLogs.ListDoseLogs].
func (s *SQLiteStore) ListDoseLogs(ctx context.Context, f DoseFilter) ([]types.DoseLog, error) {
	where, args := doseWhere(f, sqlitePlaceholder)
	query := `SELECT ` + doseColumns + ` FROM dose_logs` + where + ` ORDER BY scheduled_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list dose logs: %w", err)
	}
	defer rows.Close()

	var result []types.DoseLog
	for rows.Next() {
		d, err := scanSQLiteDose(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list dose logs: scan: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list dose logs: rows: %w", err)
	}
	return result, nil
}

// SetDoseStatus implements [DoseLogs.SetDoseStatus].
func (s *SQLiteStore) SetDoseStatus(ctx context.Context, id int64, status types.DoseStatus, at time.Time) (types.DoseLog, error) {
	if !status.IsValid() {
		return types.DoseLog{}, fmt.Errorf("store: dose status %q: %w", status, ErrInvalid)
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE dose_logs SET status = ?, updated_at = ? WHERE id = ? RETURNING `+doseColumns,
		string(status), formatTime(at), id)
	d, err := scanSQLiteDose(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.DoseLog{}, fmt.Errorf("store: dose %d: %w", id, ErrNotFound)
		}
		return types.DoseLog{}, fmt.Errorf("store: set dose %d status: %w", id, err)
	}
	return d, nil
}

// ---- cursors ----

// AdvanceCursor implements [Cursors.AdvanceCursor] as a single upsert.
func (s *SQLiteStore) AdvanceCursor(ctx context.Context, namespace string, n int) (int, error) {
	if err := validateCursor(n); err != nil {
		return 0, err
	}
	var next int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rotation_cursors (namespace, last_index) VALUES (?, 0)
		ON CONFLICT (namespace) DO UPDATE
		SET last_index = (rotation_cursors.last_index + 1) % ?
		RETURNING last_index`, namespace, n).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("store: advance cursor %q: %w", namespace, err)
	}
	return next, nil
}

// Cursor implements [Cursors.Cursor].
func (s *SQLiteStore) Cursor(ctx context.Context, namespace string) (int, error) {
	var c int
	err := s.db.QueryRowContext(ctx, `SELECT last_index FROM rotation_cursors WHERE namespace = ?`, namespace).Scan(&c)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return -1, nil
		}
		return 0, fmt.Errorf("store: cursor %q: %w", namespace, err)
	}
	return c, nil
}

// ---- helpers ----

func sqlitePlaceholder(int) string { return "?" }

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s: %w", what, ErrNotFound)
	}
	return nil
}

func scanSQLiteMedicine(r rowScanner) (types.Medicine, error) {
	var (
		m       types.Medicine
		created string
	)
	if err := r.Scan(&m.ID, &m.Name, &m.Dosage, &m.Frequency, &m.Timing, &m.TimesPerDay, &m.Compartment, &m.Active, &created); err != nil {
		return types.Medicine{}, err
	}
	t, err := parseTime(created)
	if err != nil {
		return types.Medicine{}, fmt.Errorf("created_at: %w", err)
	}
	m.CreatedAt = t
	return m, nil
}

func scanSQLiteDose(r rowScanner) (types.DoseLog, error) {
	var (
		d                  types.DoseLog
		status             string
		scheduled, updated string
	)
	if err := r.Scan(&d.ID, &d.AlarmID, &d.MedicineID, &d.MedicineName, &scheduled, &status, &updated); err != nil {
		return types.DoseLog{}, err
	}
	d.Status = types.DoseStatus(status)
	var err error
	if d.ScheduledAt, err = parseTime(scheduled); err != nil {
		return types.DoseLog{}, fmt.Errorf("scheduled_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return types.DoseLog{}, fmt.Errorf("updated_at: %w", err)
	}
	return d, nil
}
