package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/etf-validator/etfd/internal/model"
)

var (
	ErrNotFound        = fmt.Errorf("record %w", model.ErrNotFound)
	ErrAlreadyExists   = errors.New("already exists")
	ErrAlreadyFinished = errors.New("already finished")
)

type TestObject struct {
	UUID       string
	Label      string
	Resources  map[string]string
	Properties map[string]string
}

type TestObjectRow struct {
	TestObject
	ID      int
	Created time.Time
}

// Run is the initial record of a test run.
type Run struct {
	UUID       string
	Label      string
	ObjectUUID string
	Tasks      int
	State      string
	Created    time.Time
}

// Finish is the final result of a test run.
type Finish struct {
	State         string
	Completed     int
	Max           int
	Started       time.Time
	Finished      time.Time
	FailureReason *string
}

type RunRow struct {
	Run
	ID            int
	InProgress    bool
	Completed     int
	Max           int
	Started       *time.Time
	Finished      *time.Time
	FailureReason *string
}

func (r RunRow) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("uuid: %q, state: %s, in_progress: %t", r.UUID, r.State, r.InProgress))
	sb.WriteString(fmt.Sprintf(", steps: %d/%d", r.Completed, r.Max))
	if r.FailureReason != nil {
		sb.WriteString(fmt.Sprintf(", failure_reason: %q", *r.FailureReason))
	} else {
		sb.WriteString(", failure_reason: nil")
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer, serialize access instead of SQLITE_BUSY errors
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS test_objects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			label TEXT NOT NULL,
			resources TEXT NOT NULL,
			properties TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS test_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			label TEXT NOT NULL,
			object_uuid TEXT NOT NULL,
			tasks INTEGER NOT NULL,
			state TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			created_at INTEGER NOT NULL,
			completed_steps INTEGER NOT NULL DEFAULT 0,
			max_steps INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER DEFAULT NULL,
			finished_at INTEGER DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// AddTestObject persists a test object. ErrAlreadyExists is returned if the
// uuid is already used.
func AddTestObject(ctx context.Context, db *sql.DB, obj TestObject) error {
	resources, err := marshalMap(obj.Resources)
	if err != nil {
		return err
	}
	properties, err := marshalMap(obj.Properties)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, obj.UUID)

	if found, err := exists(ctx, tx, "test_objects", obj.UUID); err != nil {
		return err
	} else if found {
		return ErrAlreadyExists
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO test_objects (uuid, label, resources, properties, created_at) VALUES (?,?,?,?,?);`,
		obj.UUID, obj.Label, resources, properties, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// GetTestObject returns ErrNotFound when the test object does not exist.
func GetTestObject(ctx context.Context, db *sql.DB, uuid string) (TestObjectRow, error) {
	var row TestObjectRow
	var resources, properties string
	var created int64
	err := db.QueryRowContext(ctx,
		`SELECT id, uuid, label, resources, properties, created_at FROM test_objects WHERE uuid=?`, uuid,
	).Scan(&row.ID, &row.UUID, &row.Label, &resources, &properties, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return TestObjectRow{}, ErrNotFound
	case err != nil:
		return TestObjectRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	if row.Resources, err = unmarshalMap(resources); err != nil {
		return TestObjectRow{}, err
	}
	if row.Properties, err = unmarshalMap(properties); err != nil {
		return TestObjectRow{}, err
	}
	row.Created = time.UnixMilli(created)
	return row, nil
}

func TestObjectExists(ctx context.Context, db *sql.DB, uuid string) (bool, error) {
	return exists(ctx, db, "test_objects", uuid)
}

func DeleteTestObject(ctx context.Context, db *sql.DB, uuid string) error {
	return deleteRow(ctx, db, "test_objects", uuid)
}

// AddRun persists the initial record of a test run. ErrAlreadyExists is
// returned if the uuid is already used.
func AddRun(ctx context.Context, db *sql.DB, run Run) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, run.UUID)

	if found, err := exists(ctx, tx, "test_runs", run.UUID); err != nil {
		return err
	} else if found {
		return ErrAlreadyExists
	}

	created := run.Created
	if created.IsZero() {
		created = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO test_runs (uuid, label, object_uuid, tasks, state, in_progress, created_at) VALUES (?,?,?,?,?,?,?);`,
		run.UUID, run.Label, run.ObjectUUID, run.Tasks, run.State, true, created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// GetRun returns ErrNotFound when the test run does not exist.
func GetRun(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	var row RunRow
	var created int64
	var started, finished sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT id, uuid, label, object_uuid, tasks, state, in_progress, created_at,
			completed_steps, max_steps, started_at, finished_at, failure_reason
		FROM test_runs WHERE uuid=?`, uuid,
	).Scan(
		&row.ID,
		&row.UUID,
		&row.Label,
		&row.ObjectUUID,
		&row.Tasks,
		&row.State,
		&row.InProgress,
		&created,
		&row.Completed,
		&row.Max,
		&started,
		&finished,
		&row.FailureReason,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	row.Created = time.UnixMilli(created)
	row.Started = nullTime(started)
	row.Finished = nullTime(finished)
	return row, nil
}

func RunExists(ctx context.Context, db *sql.DB, uuid string) (bool, error) {
	return exists(ctx, db, "test_runs", uuid)
}

// FinishRun stores the final result of a test run. ErrNotFound is returned
// for unknown runs, ErrAlreadyFinished if the result was stored already.
func FinishRun(ctx context.Context, db *sql.DB, uuid string, f Finish) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM test_runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	var started sql.NullInt64
	if !f.Started.IsZero() {
		started = sql.NullInt64{Int64: f.Started.UnixMilli(), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE test_runs
		 SET
			in_progress = false,
			state = ?,
			completed_steps = ?,
			max_steps = ?,
			started_at = ?,
			finished_at = ?,
			failure_reason = ?
		WHERE uuid = ?;
		`, f.State, f.Completed, f.Max, started, f.Finished.UnixMilli(), f.FailureReason, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func DeleteRun(ctx context.Context, db *sql.DB, uuid string) error {
	return deleteRow(ctx, db, "test_runs", uuid)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// exists is only called with table names defined in this file.
func exists(ctx context.Context, q queryer, table, uuid string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM `+table+` WHERE uuid=?`, uuid,
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("executing sql query failed: %w", err)
	}
	return true, nil
}

func deleteRow(ctx context.Context, db *sql.DB, table, uuid string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	result, err := tx.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE uuid=?`, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}

	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid), slog.String("error", err.Error()))
	}
}

func marshalMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling map: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshaling map: %w", err)
	}
	return m, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
