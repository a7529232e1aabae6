package store

import (
	"database/sql"
	"time"

	"brokersync/internal/models"
)

// HistoryStore records sync runs in the sync_history table.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a HistoryStore.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// HistoryEntry is one recorded sync run.
type HistoryEntry struct {
	ID                 int64
	RunID              string
	SyncType           string
	Status             string
	AccountsSynced     int
	PositionsSynced    int
	TransactionsSynced int
	WarningsCount      int
	ErrorMessage       string
	StartedAt          time.Time
	CompletedAt        *time.Time
	DurationMs         *int64
}

// Start records the beginning of a sync run.
func (s *HistoryStore) Start(runID, syncType string) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_history (run_id, sync_type, status, started_at)
		VALUES (?, ?, 'started', CURRENT_TIMESTAMP)
	`, runID, syncType)
	return err
}

// Complete marks a sync run as finished and records its counters.
func (s *HistoryStore) Complete(runID string, result *models.SyncResult) error {
	status := "completed"
	if !result.Success {
		status = "failed"
	}
	_, err := s.db.Exec(`
		UPDATE sync_history
		SET status = ?,
		    accounts_synced = ?,
		    positions_synced = ?,
		    transactions_synced = ?,
		    warnings_count = ?,
		    error_message = ?,
		    completed_at = CURRENT_TIMESTAMP,
		    duration_ms = CAST((julianday(CURRENT_TIMESTAMP) - julianday(started_at)) * 86400000 AS INTEGER)
		WHERE run_id = ?
	`, status, result.AccountsSynced, result.PositionsSynced, result.TransactionsSynced,
		len(result.Warnings), joinHistoryErrors(result.Errors), runID)
	return err
}

// Fail marks a sync run as failed with an error message.
func (s *HistoryStore) Fail(runID, errorMsg string) error {
	_, err := s.db.Exec(`
		UPDATE sync_history
		SET status = 'failed',
		    error_message = ?,
		    completed_at = CURRENT_TIMESTAMP,
		    duration_ms = CAST((julianday(CURRENT_TIMESTAMP) - julianday(started_at)) * 86400000 AS INTEGER)
		WHERE run_id = ?
	`, errorMsg, runID)
	return err
}

// Recent returns the most recent sync runs, newest first.
func (s *HistoryStore) Recent(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, run_id, sync_type, status, accounts_synced, positions_synced,
		       transactions_synced, warnings_count, COALESCE(error_message, ''),
		       started_at, completed_at, duration_ms
		FROM sync_history
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var completedAt sql.NullTime
		var durationMs sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &e.SyncType, &e.Status,
			&e.AccountsSynced, &e.PositionsSynced, &e.TransactionsSynced,
			&e.WarningsCount, &e.ErrorMessage, &e.StartedAt, &completedAt, &durationMs); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		if durationMs.Valid {
			e.DurationMs = &durationMs.Int64
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func joinHistoryErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "; " + e
	}
	return msg
}
