package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/cascade"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements cascade.InvocationStore using a SQLite database.
// Fencing tokens live in the invocations table and every fenced write checks
// the token inside its transaction, so writes from an executor that lost its
// claim are rejected.
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	mutex   sync.RWMutex
	options SQLiteOptions
}

// SQLiteOptions configures the SQLite store.
type SQLiteOptions struct {
	QueryTimeout      time.Duration
	PragmaJournalMode string
	PragmaSyncMode    string
	MaxConnections    int
}

// DefaultSQLiteOptions returns sensible defaults.
func DefaultSQLiteOptions() SQLiteOptions {
	return SQLiteOptions{
		QueryTimeout:      30 * time.Second,
		PragmaJournalMode: "WAL",
		PragmaSyncMode:    "NORMAL",
		MaxConnections:    10,
	}
}

// NewSQLiteStore creates a SQLite-backed invocation store.
func NewSQLiteStore(dbPath string, options SQLiteOptions) (*SQLiteStore, error) {
	if options.QueryTimeout == 0 {
		options = DefaultSQLiteOptions()
	}
	store := &SQLiteStore{dbPath: dbPath, options: options}
	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	dsn := fmt.Sprintf("%s?_journal_mode=%s&_sync=%s&_foreign_keys=1&_timeout=5000",
		s.dbPath, s.options.PragmaJournalMode, s.options.PragmaSyncMode)

	var err error
	s.db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db.SetMaxOpenConns(s.options.MaxConnections)
	s.db.SetMaxIdleConns(s.options.MaxConnections / 2)
	s.db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), s.options.QueryTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return s.createSchema()
}

func (s *SQLiteStore) createSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.options.QueryTimeout)
	defer cancel()

	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id TEXT PRIMARY KEY,
		entrypoint_id TEXT NOT NULL,
		entrypoint_version TEXT NOT NULL,
		tenant_id TEXT,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		dedup_key TEXT,
		correlation_id TEXT,
		snapshot_id TEXT,
		data JSON NOT NULL,
		fence INTEGER NOT NULL DEFAULT 0,
		executor_id TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_invocations_dedup
		ON invocations(entrypoint_id, dedup_key) WHERE dedup_key != '' AND dedup_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_invocations_status ON invocations(status);
	CREATE INDEX IF NOT EXISTS idx_invocations_entrypoint ON invocations(entrypoint_id);

	CREATE TABLE IF NOT EXISTS snapshots (
		invocation_id TEXT PRIMARY KEY,
		snapshot_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		data JSON NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS step_records (
		invocation_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		data JSON NOT NULL,
		PRIMARY KEY (invocation_id, position)
	);

	CREATE TABLE IF NOT EXISTS invocation_events (
		id TEXT PRIMARY KEY,
		invocation_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		event_type TEXT NOT NULL,
		step_name TEXT,
		data JSON,
		UNIQUE(invocation_id, sequence)
	);

	CREATE INDEX IF NOT EXISTS idx_invocation_events_invocation
		ON invocation_events(invocation_id, sequence);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, inv *cascade.Invocation) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invocation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invocations
		(id, entrypoint_id, entrypoint_version, tenant_id, mode, status, attempt,
		 dedup_key, correlation_id, snapshot_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.EntrypointID, inv.EntrypointVersion, inv.TenantID, string(inv.Mode),
		string(inv.Status), inv.Attempt, inv.DedupKey, inv.CorrelationID, inv.SnapshotID,
		string(data), inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert invocation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, invocationID string) (*cascade.Invocation, *cascade.Snapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	inv, err := s.loadInvocation(ctx, invocationID)
	if err != nil {
		return nil, nil, err
	}

	var snapData string
	err = s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE invocation_id = ?`, invocationID).Scan(&snapData)
	if err == sql.ErrNoRows {
		return inv, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	var snapshot cascade.Snapshot
	if err := json.Unmarshal([]byte(snapData), &snapshot); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return inv, &snapshot, nil
}

func (s *SQLiteStore) loadInvocation(ctx context.Context, invocationID string) (*cascade.Invocation, error) {
	var data, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, status FROM invocations WHERE id = ?`, invocationID).Scan(&data, &status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, invocationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invocation: %w", err)
	}
	var inv cascade.Invocation
	if err := json.Unmarshal([]byte(data), &inv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invocation: %w", err)
	}
	// The status column is authoritative: Transition updates it without
	// rewriting the JSON document.
	inv.Status = cascade.Status(status)
	return &inv, nil
}

func (s *SQLiteStore) FindByDedupKey(ctx context.Context, entrypointID, key string) (*cascade.Invocation, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM invocations WHERE entrypoint_id = ? AND dedup_key = ?`,
		entrypointID, key).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dedup key: %w", err)
	}
	return s.loadInvocation(ctx, id)
}

func (s *SQLiteStore) Claim(ctx context.Context, invocationID, executorID string) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var fence int64
	err = tx.QueryRowContext(ctx,
		`SELECT fence FROM invocations WHERE id = ?`, invocationID).Scan(&fence)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, invocationID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read fence: %w", err)
	}
	fence++
	if _, err := tx.ExecContext(ctx,
		`UPDATE invocations SET fence = ?, executor_id = ? WHERE id = ?`,
		fence, executorID, invocationID); err != nil {
		return 0, fmt.Errorf("failed to update fence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit claim: %w", err)
	}
	return fence, nil
}

func (s *SQLiteStore) Release(ctx context.Context, invocationID string, fence int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET executor_id = NULL WHERE id = ? AND fence = ?`,
		invocationID, fence)
	return err
}

func (s *SQLiteStore) Transition(ctx context.Context, invocationID string, to cascade.Status, fence int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.checkFenceTx(ctx, tx, invocationID, fence)
	if err != nil {
		return err
	}
	if !current.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE invocations SET status = ? WHERE id = ? AND fence = ?`,
		string(to), invocationID, fence); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Update(ctx context.Context, inv *cascade.Invocation, fence int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.checkFenceTx(ctx, tx, inv.ID, fence)
	if err != nil {
		return err
	}
	copied := *inv
	copied.Status = current
	data, err := json.Marshal(&copied)
	if err != nil {
		return fmt.Errorf("failed to marshal invocation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE invocations SET attempt = ?, snapshot_id = ?, data = ? WHERE id = ? AND fence = ?`,
		copied.Attempt, copied.SnapshotID, string(data), inv.ID, fence); err != nil {
		return fmt.Errorf("failed to update invocation: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snapshot *cascade.Snapshot, fence int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.checkFenceTx(ctx, tx, snapshot.InvocationID, fence); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	// REPLACE supersedes the previous snapshot; old snapshots are garbage.
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (invocation_id, snapshot_id, attempt, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		snapshot.InvocationID, snapshot.ID, snapshot.Attempt, string(data), snapshot.CreatedAt); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE invocations SET snapshot_id = ? WHERE id = ?`,
		snapshot.ID, snapshot.InvocationID); err != nil {
		return fmt.Errorf("failed to update snapshot pointer: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendStep(ctx context.Context, invocationID string, step *cascade.StepRecord, fence int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.checkFenceTx(ctx, tx, invocationID, fence); err != nil {
		return err
	}
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal step record: %w", err)
	}
	var position int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM step_records WHERE invocation_id = ?`,
		invocationID).Scan(&position); err != nil {
		return fmt.Errorf("failed to compute step position: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO step_records (invocation_id, position, name, data)
		VALUES (?, ?, ?, ?)`,
		invocationID, position, step.Name, string(data)); err != nil {
		return fmt.Errorf("failed to insert step record: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, events []*cascade.InvocationEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO invocation_events
		(id, invocation_id, sequence, timestamp, event_type, step_name, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, event := range events {
		if err := event.Validate(); err != nil {
			return fmt.Errorf("invalid event at index %d: %w", i, err)
		}
		var dataJSON []byte
		if event.Data != nil {
			dataJSON, err = json.Marshal(event.Data)
			if err != nil {
				return fmt.Errorf("failed to marshal event data at index %d: %w", i, err)
			}
		}
		if _, err := stmt.ExecContext(ctx,
			event.ID, event.InvocationID, event.Sequence, event.Timestamp,
			string(event.EventType), event.StepName, nullableBytes(dataJSON)); err != nil {
			return fmt.Errorf("failed to insert event at index %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, invocationID string, fromSeq int64) ([]*cascade.InvocationEvent, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invocation_id, sequence, timestamp, event_type, step_name, data
		FROM invocation_events
		WHERE invocation_id = ? AND sequence >= ?
		ORDER BY sequence ASC`, invocationID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*cascade.InvocationEvent
	for rows.Next() {
		var event cascade.InvocationEvent
		var eventType string
		var stepName sql.NullString
		var data sql.NullString
		if err := rows.Scan(&event.ID, &event.InvocationID, &event.Sequence,
			&event.Timestamp, &eventType, &stepName, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.EventType = cascade.InvocationEventType(eventType)
		event.StepName = stepName.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status cascade.Status, limit int) ([]*cascade.Invocation, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	query := `SELECT id FROM invocations WHERE status = ? ORDER BY created_at ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*cascade.Invocation
	for _, id := range ids {
		inv, err := s.loadInvocation(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// ListSteps returns persisted step records in append order.
func (s *SQLiteStore) ListSteps(ctx context.Context, invocationID string) ([]*cascade.StepRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM step_records WHERE invocation_id = ? ORDER BY position ASC`,
		invocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step records: %w", err)
	}
	defer rows.Close()

	var steps []*cascade.StepRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var step cascade.StepRecord
		if err := json.Unmarshal([]byte(data), &step); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step record: %w", err)
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// checkFenceTx verifies the fence inside a transaction and returns the
// current status.
func (s *SQLiteStore) checkFenceTx(ctx context.Context, tx *sql.Tx, invocationID string, fence int64) (cascade.Status, error) {
	var current int64
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT fence, status FROM invocations WHERE id = ?`, invocationID).Scan(&current, &status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrNotFound, invocationID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read fence: %w", err)
	}
	if fence != current {
		return "", fmt.Errorf("%w: have %d, current %d", ErrStaleFence, fence, current)
	}
	return cascade.Status(status), nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
