package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// QueryRecord is one executed user query.
type QueryRecord struct {
	ID           int64     `json:"id"`
	ConnectionID string    `json:"connection_id"`
	QueryText    string    `json:"query_text"`
	Fingerprint  string    `json:"fingerprint"`
	DurationMS   int64     `json:"duration_ms"`
	RowCount     int64     `json:"row_count"`
	Error        string    `json:"error,omitempty"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// QueryFingerprint hashes a normalized form of the query so repeated runs of
// the same statement group together in history views.
func QueryFingerprint(query string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return strconv.FormatUint(h.Sum64(), 16)
}

// RecordQuery appends a history row for an executed query. execErr may be nil.
func (s *Store) RecordQuery(ctx context.Context, connectionID, query string, duration time.Duration, rowCount int64, execErr error) (int64, error) {
	errMsg := sql.NullString{}
	if execErr != nil {
		errMsg = sql.NullString{String: execErr.Error(), Valid: true}
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO query_history (connection_id, query_text, fingerprint, duration_ms, row_count, error)
			VALUES (?, ?, ?, ?, ?, ?);
		`, connectionID, query, QueryFingerprint(query), duration.Milliseconds(), rowCount, errMsg)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("record query: %w", err)
	}
	return id, nil
}

// ListQueryHistory returns the most recent history rows for a connection.
func (s *Store) ListQueryHistory(ctx context.Context, connectionID string, limit int) ([]QueryRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, query_text, fingerprint, duration_ms, row_count, COALESCE(error, ''), executed_at
		FROM query_history
		WHERE connection_id = ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ?;
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list query history: %w", err)
	}
	defer rows.Close()

	var out []QueryRecord
	for rows.Next() {
		var rec QueryRecord
		if err := rows.Scan(&rec.ID, &rec.ConnectionID, &rec.QueryText, &rec.Fingerprint, &rec.DurationMS, &rec.RowCount, &rec.Error, &rec.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan query history: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query history rows: %w", err)
	}
	return out, nil
}

// PurgeQueryHistoryBefore deletes history rows older than cutoff, across all
// connections. Returns the number of rows removed.
func (s *Store) PurgeQueryHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM query_history WHERE executed_at < ?;
		`, cutoff.UTC())
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge query history: %w", err)
	}
	return purged, nil
}

// TrimConnectionHistory keeps only the newest keep rows for a connection.
// Returns the number of rows removed.
func (s *Store) TrimConnectionHistory(ctx context.Context, connectionID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var trimmed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM query_history
			WHERE connection_id = ?
			  AND id NOT IN (
				SELECT id FROM query_history
				WHERE connection_id = ?
				ORDER BY executed_at DESC, id DESC
				LIMIT ?
			  );
		`, connectionID, connectionID, keep)
		if err != nil {
			return err
		}
		trimmed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("trim connection history: %w", err)
	}
	return trimmed, nil
}

// DeleteConnectionHistory removes all history for a connection.
func (s *Store) DeleteConnectionHistory(ctx context.Context, connectionID string) (int64, error) {
	return s.TrimConnectionHistory(ctx, connectionID, 0)
}

// CountQueryHistory returns total history rows, optionally for one connection
// (empty connectionID counts everything).
func (s *Store) CountQueryHistory(ctx context.Context, connectionID string) (int64, error) {
	var count int64
	var err error
	if connectionID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM query_history;`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM query_history WHERE connection_id = ?;`, connectionID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count query history: %w", err)
	}
	return count, nil
}

// Vacuum reclaims free pages in the database file. Run by the recurring
// vacuum maintenance task after history purges.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM;`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
