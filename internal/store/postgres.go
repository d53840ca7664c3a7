package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/pillbox/pkg/types"
)

// Schema is the PostgreSQL DDL for all pillbox tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS medicines (
    id            BIGSERIAL PRIMARY KEY,
    name          TEXT NOT NULL,
    dosage        TEXT NOT NULL DEFAULT '',
    frequency     TEXT NOT NULL DEFAULT '',
    timing        TEXT NOT NULL DEFAULT '',
    times_per_day INTEGER NOT NULL DEFAULT 1,
    compartment   INTEGER NOT NULL DEFAULT 0,
    active        BOOLEAN NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alarms (
    id             BIGSERIAL PRIMARY KEY,
    medicine_id    BIGINT NOT NULL DEFAULT 0,
    medicine_name  TEXT NOT NULL DEFAULT '',
    dosage         TEXT NOT NULL DEFAULT '',
    hour           INTEGER NOT NULL CHECK (hour BETWEEN 0 AND 23),
    minute         INTEGER NOT NULL CHECK (minute BETWEEN 0 AND 59),
    label          TEXT NOT NULL DEFAULT '',
    compartment    INTEGER NOT NULL DEFAULT 0,
    enabled        BOOLEAN NOT NULL DEFAULT TRUE,
    auto_generated BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_alarms_medicine ON alarms(medicine_id);
CREATE INDEX IF NOT EXISTS idx_alarms_time ON alarms(hour, minute);

CREATE TABLE IF NOT EXISTS dose_logs (
    id            BIGSERIAL PRIMARY KEY,
    alarm_id      BIGINT NOT NULL DEFAULT 0,
    medicine_id   BIGINT NOT NULL DEFAULT 0,
    medicine_name TEXT NOT NULL DEFAULT '',
    scheduled_at  TIMESTAMPTZ NOT NULL,
    status        TEXT NOT NULL CHECK (status IN ('pending', 'taken', 'missed', 'skipped')),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_dose_logs_scheduled ON dose_logs(scheduled_at DESC);

CREATE TABLE IF NOT EXISTS rotation_cursors (
    namespace  TEXT PRIMARY KEY,
    last_index INTEGER NOT NULL
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db   DB
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on an existing connection or
// pool. The caller is responsible for calling [PostgresStore.Migrate] and
// for closing db.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool to dsn, pings it and applies [Schema]. The
// returned store owns the pool; release it with [PostgresStore.Close].
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: postgres: ping: %w", err)
	}

	s := &PostgresStore{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping implements [Store.Ping].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// Close implements [Store.Close]. A store built with [NewPostgresStore]
// leaves the connection to its owner.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ---- medicines ----

const medicineColumns = `id, name, dosage, frequency, timing, times_per_day, compartment, active, created_at`

// AddMedicine implements [Medicines.AddMedicine].
func (s *PostgresStore) AddMedicine(ctx context.Context, m types.Medicine) (types.Medicine, error) {
	if err := validateMedicine(m); err != nil {
		return types.Medicine{}, err
	}
	const query = `
		INSERT INTO medicines (name, dosage, frequency, timing, times_per_day, compartment, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING id, created_at`

	m.Active = true
	err := s.db.QueryRow(ctx, query,
		m.Name, m.Dosage, m.Frequency, m.Timing, m.TimesPerDay, m.Compartment,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return types.Medicine{}, fmt.Errorf("store: add medicine: %w", err)
	}
	return m, nil
}

// GetMedicine implements [Medicines.GetMedicine].
func (s *PostgresStore) GetMedicine(ctx context.Context, id int64) (types.Medicine, error) {
	query := `SELECT ` + medicineColumns + ` FROM medicines WHERE id = $1`
	m, err := scanMedicine(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Medicine{}, fmt.Errorf("store: medicine %d: %w", id, ErrNotFound)
		}
		return types.Medicine{}, fmt.Errorf("store: get medicine %d: %w", id, err)
	}
	return m, nil
}

// ListMedicines implements [Medicines.ListMedicines].
func (s *PostgresStore) ListMedicines(ctx context.Context, activeOnly bool) ([]types.Medicine, error) {
	query := `SELECT ` + medicineColumns + ` FROM medicines WHERE ($1 = FALSE OR active) ORDER BY id`
	rows, err := s.db.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("store: list medicines: %w", err)
	}
	defer rows.Close()

	var result []types.Medicine
	for rows.Next() {
		m, err := scanMedicine(rows)
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
func (s *PostgresStore) DeactivateMedicine(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE medicines SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: deactivate medicine %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: medicine %d: %w", id, ErrNotFound)
	}
	return nil
}

// ---- alarms ----

const alarmColumns = `id, medicine_id, medicine_name, dosage, hour, minute, label, compartment, enabled, auto_generated`

// AddAlarm implements [Alarms.AddAlarm].
func (s *PostgresStore) AddAlarm(ctx context.Context, a types.Alarm) (types.Alarm, error) {
	if err := validateAlarm(a); err != nil {
		return types.Alarm{}, err
	}
	const query = `
		INSERT INTO alarms (medicine_id, medicine_name, dosage, hour, minute, label, compartment, enabled, auto_generated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := s.db.QueryRow(ctx, query,
		a.MedicineID, a.MedicineName, a.Dosage, a.Hour, a.Minute, a.Label, a.Compartment, a.Enabled, a.AutoGenerated,
	).Scan(&a.ID)
	if err != nil {
		return types.Alarm{}, fmt.Errorf("store: add alarm: %w", err)
	}
	return a, nil
}

// GetAlarm implements [Alarms.GetAlarm].
func (s *PostgresStore) GetAlarm(ctx context.Context, id int64) (types.Alarm, error) {
	query := `SELECT ` + alarmColumns + ` FROM alarms WHERE id = $1`
	a, err := scanAlarm(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Alarm{}, fmt.Errorf("store: alarm %d: %w", id, ErrNotFound)
		}
		return types.Alarm{}, fmt.Errorf("store: get alarm %d: %w", id, err)
	}
	return a, nil
}

// ListAlarms implements [Alarms.ListAlarms].
func (s *PostgresStore) ListAlarms(ctx context.Context, f AlarmFilter) ([]types.Alarm, error) {
	where, args := alarmWhere(f, pgPlaceholder)
	query := `SELECT ` + alarmColumns + ` FROM alarms` + where + ` ORDER BY hour, minute, id`
	rows, err := s.db.Query(ctx, query, args...)
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
func (s *PostgresStore) SetAlarmEnabled(ctx context.Context, id int64, enabled bool) (types.Alarm, error) {
	query := `UPDATE alarms SET enabled = $2 WHERE id = $1 RETURNING ` + alarmColumns
	a, err := scanAlarm(s.db.QueryRow(ctx, query, id, enabled))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Alarm{}, fmt.Errorf("store: alarm %d: %w", id, ErrNotFound)
		}
		return types.Alarm{}, fmt.Errorf("store: set alarm %d enabled: %w", id, err)
	}
	return a, nil
}

// DeleteAlarm implements [Alarms.DeleteAlarm].
func (s *PostgresStore) DeleteAlarm(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM alarms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete alarm %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: alarm %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAutoAlarms implements [Alarms.DeleteAutoAlarms].
func (s *PostgresStore) DeleteAutoAlarms(ctx context.Context, medicineID int64) ([]int64, error) {
	const query = `DELETE FROM alarms WHERE medicine_id = $1 AND auto_generated RETURNING id`
	rows, err := s.db.Query(ctx, query, medicineID)
	if err != nil {
		return nil, fmt.Errorf("store: delete auto alarms of %d: %w", medicineID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("store: delete auto alarms of %d: %w", medicineID, err)
	}
	return sortedIDs(ids), nil
}

// ---- dose logs ----

const doseColumns = `id, alarm_id, medicine_id, medicine_name, scheduled_at, status, updated_at`

// AddDoseLog implements [DoseLogs.AddDoseLog].
func (s *PostgresStore) AddDoseLog(ctx context.Context, d types.DoseLog) (types.DoseLog, error) {
	if d.Status == "" {
		d.Status = types.DosePending
	}
	if !d.Status.IsValid() {
		return types.DoseLog{}, fmt.Errorf("store: dose status %q: %w", d.Status, ErrInvalid)
	}
	const query = `
		INSERT INTO dose_logs (alarm_id, medicine_id, medicine_name, scheduled_at, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, updated_at`

	err := s.db.QueryRow(ctx, query,
		d.AlarmID, d.MedicineID, d.MedicineName, d.ScheduledAt, string(d.Status),
	).Scan(&d.ID, &d.UpdatedAt)
	if err != nil {
		return types.DoseLog{}, fmt.Errorf("store: add dose log: %w", err)
	}
	return d, nil
}

// ListDoseLogs implements [DoseLogs.ListDoseLogs].
func (s *PostgresStore) ListDoseLogs(ctx context.Context, f DoseFilter) ([]types.DoseLog, error) {
	where, args := doseWhere(f, pgPlaceholder)
	query := `SELECT ` + doseColumns + ` FROM dose_logs` + where + ` ORDER BY scheduled_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list dose logs: %w", err)
	}
	defer rows.Close()

	var result []types.DoseLog
	for rows.Next() {
		d, err := scanDose(rows)
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
func (s *PostgresStore) SetDoseStatus(ctx context.Context, id int64, status types.DoseStatus, at time.Time) (types.DoseLog, error) {
	if !status.IsValid() {
		return types.DoseLog{}, fmt.Errorf("store: dose status %q: %w", status, ErrInvalid)
	}
	query := `UPDATE dose_logs SET status = $2, updated_at = $3 WHERE id = $1 RETURNING ` + doseColumns
	d, err := scanDose(s.db.QueryRow(ctx, query, id, string(status), at.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.DoseLog{}, fmt.Errorf("store: dose %d: %w", id, ErrNotFound)
		}
		return types.DoseLog{}, fmt.Errorf("store: set dose %d status: %w", id, err)
	}
	return d, nil
}

// ---- cursors ----

// AdvanceCursor implements [Cursors.AdvanceCursor] as a single upsert, so
// concurrent scans never observe the same cursor.
func (s *PostgresStore) AdvanceCursor(ctx context.Context, namespace string, n int) (int, error) {
	if err := validateCursor(n); err != nil {
		return 0, err
	}
	const query = `
		INSERT INTO rotation_cursors (namespace, last_index) VALUES ($1, 0)
		ON CONFLICT (namespace) DO UPDATE
		SET last_index = (rotation_cursors.last_index + 1) % $2
		RETURNING last_index`

	var next int
	if err := s.db.QueryRow(ctx, query, namespace, n).Scan(&next); err != nil {
		return 0, fmt.Errorf("store: advance cursor %q: %w", namespace, err)
	}
	return next, nil
}

// Cursor implements [Cursors.Cursor].
func (s *PostgresStore) Cursor(ctx context.Context, namespace string) (int, error) {
	var c int
	err := s.db.QueryRow(ctx, `SELECT last_index FROM rotation_cursors WHERE namespace = $1`, namespace).Scan(&c)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return -1, nil
		}
		return 0, fmt.Errorf("store: cursor %q: %w", namespace, err)
	}
	return c, nil
}

// ---- scanning helpers ----

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMedicine(r rowScanner) (types.Medicine, error) {
	var m types.Medicine
	err := r.Scan(&m.ID, &m.Name, &m.Dosage, &m.Frequency, &m.Timing, &m.TimesPerDay, &m.Compartment, &m.Active, &m.CreatedAt)
	return m, err
}

func scanAlarm(r rowScanner) (types.Alarm, error) {
	var a types.Alarm
	err := r.Scan(&a.ID, &a.MedicineID, &a.MedicineName, &a.Dosage, &a.Hour, &a.Minute, &a.Label, &a.Compartment, &a.Enabled, &a.AutoGenerated)
	return a, err
}

func scanDose(r rowScanner) (types.DoseLog, error) {
	var (
		d      types.DoseLog
		status string
	)
	err := r.Scan(&d.ID, &d.AlarmID, &d.MedicineID, &d.MedicineName, &d.ScheduledAt, &status, &d.UpdatedAt)
	d.Status = types.DoseStatus(status)
	return d, err
}

// ---- query building ----

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// alarmWhere renders the WHERE clause for f using ph for the n-th
// placeholder. It returns "" when f matches everything.
func alarmWhere(f AlarmFilter, ph func(int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.EnabledOnly {
		args = append(args, true)
		conds = append(conds, "enabled = "+ph(len(args)))
	}
	if f.MedicineID != 0 {
		args = append(args, f.MedicineID)
		conds = append(conds, "medicine_id = "+ph(len(args)))
	}
	if f.At != nil {
		args = append(args, f.At.Hour)
		conds = append(conds, "hour = "+ph(len(args)))
		args = append(args, f.At.Minute)
		conds = append(conds, "minute = "+ph(len(args)))
	}
	return joinWhere(conds), args
}

// doseWhere renders the WHERE clause for f, see [alarmWhere].
func doseWhere(f DoseFilter, ph func(int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.MedicineID != 0 {
		args = append(args, f.MedicineID)
		conds = append(conds, "medicine_id = "+ph(len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, "status = "+ph(len(args)))
	}
	return joinWhere(conds), args
}

func joinWhere(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
