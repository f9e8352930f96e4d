package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/epic"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using a SQLite database via the pure-Go
// modernc.org/sqlite driver, so no CGO is required.
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	mutex   sync.RWMutex
	options SQLiteOptions
}

// SQLiteOptions configures the SQLite store
type SQLiteOptions struct {
	QueryTimeout      time.Duration // Timeout for database queries
	PragmaJournalMode string        // WAL mode for better concurrent performance
	PragmaSyncMode    string        // Synchronization mode
	MaxConnections    int           // Maximum number of connections in pool
}

// DefaultSQLiteOptions returns sensible defaults
func DefaultSQLiteOptions() SQLiteOptions {
	return SQLiteOptions{
		QueryTimeout:      30 * time.Second,
		PragmaJournalMode: "wal",
		PragmaSyncMode:    "normal",
		MaxConnections:    10,
	}
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at dbPath.
func NewSQLiteStore(dbPath string, options SQLiteOptions) (*SQLiteStore, error) {
	if options.QueryTimeout == 0 {
		options = DefaultSQLiteOptions()
	}
	store := &SQLiteStore{dbPath: dbPath, options: options}
	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize sqlite store: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		s.dbPath, s.options.PragmaJournalMode, s.options.PragmaSyncMode)

	var err error
	s.db, err = sql.Open("sqlite", dsn)
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
	return s.createSchema(ctx)
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		epic_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		phase TEXT NOT NULL,
		state JSON NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (epic_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_phase ON checkpoints(phase);

	CREATE TABLE IF NOT EXISTS approvals (
		request_id TEXT PRIMARY KEY,
		epic_id TEXT NOT NULL,
		data JSON NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_epic ON approvals(epic_id);

	CREATE TABLE IF NOT EXISTS snapshot_refs (
		snapshot_id TEXT NOT NULL,
		epic_id TEXT NOT NULL,
		data JSON NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (epic_id, snapshot_id)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, state *epic.EpicState) (int64, error) {
	if state == nil || state.ID == "" {
		return 0, fmt.Errorf("state with epic id is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int64
	row := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM checkpoints WHERE epic_id = ?", state.ID)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to assign version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (epic_id, version, phase, state, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, state.ID, version, string(state.Phase), stateJSON, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, epicID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT epic_id, version, phase, state, created_at
		FROM checkpoints WHERE epic_id = ?
		ORDER BY version DESC LIMIT 1
	`, epicID)
	checkpoint, err := scanCheckpoint(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", epic.ErrEpicNotFound, epicID)
		}
		return nil, err
	}
	return checkpoint, nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, epicID string, version int64) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT epic_id, version, phase, state, created_at
		FROM checkpoints WHERE epic_id = ? AND version = ?
	`, epicID, version)
	checkpoint, err := scanCheckpoint(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s version %d", epic.ErrEpicNotFound, epicID, version)
		}
		return nil, err
	}
	return checkpoint, nil
}

func (s *SQLiteStore) ListEpics(ctx context.Context, filter EpicFilter) ([]*epic.EpicState, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	query := `
		SELECT c.state FROM checkpoints c
		INNER JOIN (
			SELECT epic_id, MAX(version) AS version
			FROM checkpoints GROUP BY epic_id
		) latest ON c.epic_id = latest.epic_id AND c.version = latest.version
	`
	var conditions []string
	var args []interface{}
	if filter.Phase != "" {
		conditions = append(conditions, "c.phase = ?")
		args = append(args, string(filter.Phase))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY json_extract(c.state, '$.created_at') DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		// SQLite rejects OFFSET without LIMIT; -1 means unlimited.
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query epics: %w", err)
	}
	defer rows.Close()

	var states []*epic.EpicState
	for rows.Next() {
		var stateJSON []byte
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		var state epic.EpicState
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		states = append(states, &state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return states, nil
}

func (s *SQLiteStore) CleanupTerminal(ctx context.Context, olderThan time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT c.epic_id, c.state FROM checkpoints c
		INNER JOIN (
			SELECT epic_id, MAX(version) AS version
			FROM checkpoints GROUP BY epic_id
		) latest ON c.epic_id = latest.epic_id AND c.version = latest.version
		WHERE c.phase IN ('complete', 'failed', 'cancelled')
	`)
	if err != nil {
		return fmt.Errorf("failed to query terminal epics: %w", err)
	}
	defer rows.Close()

	var epicIDs []string
	for rows.Next() {
		var id string
		var stateJSON []byte
		if err := rows.Scan(&id, &stateJSON); err != nil {
			return fmt.Errorf("failed to scan epic id: %w", err)
		}
		var state epic.EpicState
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return fmt.Errorf("failed to unmarshal state: %w", err)
		}
		if state.UpdatedAt.Before(olderThan) {
			epicIDs = append(epicIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	for _, epicID := range epicIDs {
		for _, table := range []string{"checkpoints", "approvals", "snapshot_refs"} {
			query := fmt.Sprintf("DELETE FROM %s WHERE epic_id = ?", table)
			if _, err := tx.ExecContext(ctx, query, epicID); err != nil {
				return fmt.Errorf("failed to delete from %s for %s: %w", table, epicID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveApproval(ctx context.Context, request *epic.ApprovalRequest) error {
	if request == nil || request.ID == "" {
		return fmt.Errorf("approval request with id is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal approval: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (request_id, epic_id, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET data = excluded.data
	`, request.ID, request.EpicID, data, request.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetApproval(ctx context.Context, requestID string) (*epic.ApprovalRequest, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var data []byte
	row := s.db.QueryRowContext(ctx, "SELECT data FROM approvals WHERE request_id = ?", requestID)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", epic.ErrApprovalNotFound, requestID)
		}
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	var request epic.ApprovalRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval: %w", err)
	}
	return &request, nil
}

func (s *SQLiteStore) SaveSnapshotRef(ctx context.Context, snapshot *epic.Snapshot) error {
	if snapshot == nil || snapshot.ID == "" || snapshot.EpicID == "" {
		return fmt.Errorf("snapshot with id and epic id is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot ref: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshot_refs (snapshot_id, epic_id, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(epic_id, snapshot_id) DO UPDATE SET data = excluded.data
	`, snapshot.ID, snapshot.EpicID, data, snapshot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot ref: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSnapshotRefs(ctx context.Context, epicID string) ([]*epic.Snapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM snapshot_refs WHERE epic_id = ? ORDER BY created_at ASC
	`, epicID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot refs: %w", err)
	}
	defer rows.Close()

	refs := []*epic.Snapshot{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot ref: %w", err)
		}
		var snapshot epic.Snapshot
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot ref: %w", err)
		}
		refs = append(refs, &snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return refs, nil
}

func (s *SQLiteStore) DeleteSnapshotRef(ctx context.Context, epicID, snapshotID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM snapshot_refs WHERE epic_id = ? AND snapshot_id = ?", epicID, snapshotID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot ref: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	var phase string
	var stateJSON []byte
	if err := row.Scan(&checkpoint.EpicID, &checkpoint.Version, &phase, &stateJSON, &checkpoint.CreatedAt); err != nil {
		return nil, err
	}
	checkpoint.Phase = epic.Phase(phase)
	var state epic.EpicState
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	checkpoint.State = &state
	return checkpoint, nil
}
