// ABOUTME: Dispatch ledger store methods: record, list, summarize and prune
// ABOUTME: Timestamps are fixed-width UTC strings so they sort lexically

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// RecordDispatch appends a dispatch to the ledger.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) RecordDispatch(ctx context.Context, d *Dispatch) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO dispatches (id, event_id, platform, conversation_key, command, outcome, error_kind, attempts, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.EventID,
		d.Platform,
		d.ConversationKey,
		d.Command,
		d.Outcome,
		d.ErrorKind,
		d.Attempts,
		d.Latency.Milliseconds(),
		formatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting dispatch: %w", err)
	}

	s.logger.Debug("recorded dispatch",
		"id", d.ID,
		"key", d.ConversationKey,
		"command", d.Command,
		"outcome", d.Outcome,
	)
	return nil
}

const dispatchColumns = `id, event_id, platform, conversation_key, command, outcome, error_kind, attempts, latency_ms, created_at`

// GetDispatch retrieves a dispatch by id.
func (s *SQLiteStore) GetDispatch(ctx context.Context, id string) (*Dispatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE id = ?`, id)
	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDispatches returns dispatches matching the filter, newest first.
func (s *SQLiteStore) ListDispatches(ctx context.Context, f DispatchFilter) ([]Dispatch, error) {
	var since *string
	if f.Since != nil {
		str := formatTime(*f.Since)
		since = &str
	}

	query := `
		SELECT ` + dispatchColumns + `
		FROM dispatches
		WHERE (? IS NULL OR conversation_key = ?)
		  AND (? IS NULL OR platform = ?)
		  AND (? IS NULL OR created_at >= ?)
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		f.ConversationKey, f.ConversationKey,
		f.Platform, f.Platform,
		since, since,
		normalizeDispatchLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying dispatches: %w", err)
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dispatches: %w", err)
	}
	return out, nil
}

// SummarizeDispatches counts dispatches by outcome, command and error kind.
func (s *SQLiteStore) SummarizeDispatches(ctx context.Context, since time.Time) (*DispatchSummary, error) {
	var sinceStr *string
	if !since.IsZero() {
		str := formatTime(since)
		sinceStr = &str
	}

	query := `
		SELECT outcome, command, error_kind, COUNT(*)
		FROM dispatches
		WHERE (? IS NULL OR created_at >= ?)
		GROUP BY outcome, command, error_kind
	`
	rows, err := s.db.QueryContext(ctx, query, sinceStr, sinceStr)
	if err != nil {
		return nil, fmt.Errorf("summarizing dispatches: %w", err)
	}
	defer rows.Close()

	sum := newSummary()
	for rows.Next() {
		var outcome, command, errorKind string
		var n int
		if err := rows.Scan(&outcome, &command, &errorKind, &n); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		sum.Total += n
		sum.ByOutcome[outcome] += n
		sum.ByCommand[command] += n
		if errorKind != "" {
			sum.ByError[errorKind] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating summary rows: %w", err)
	}
	return sum, nil
}

// PruneDispatches deletes dispatches older than cutoff.
func (s *SQLiteStore) PruneDispatches(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dispatches WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning dispatches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned dispatches: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned dispatches", "removed", n)
	}
	return n, nil
}

func scanDispatch(scanner interface{ Scan(dest ...any) error }) (Dispatch, error) {
	var d Dispatch
	var latencyMS int64
	var created string

	if err := scanner.Scan(
		&d.ID,
		&d.EventID,
		&d.Platform,
		&d.ConversationKey,
		&d.Command,
		&d.Outcome,
		&d.ErrorKind,
		&d.Attempts,
		&latencyMS,
		&created,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, err
		}
		return d, fmt.Errorf("scanning dispatch: %w", err)
	}

	d.Latency = time.Duration(latencyMS) * time.Millisecond
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return d, fmt.Errorf("parsing timestamp: %w", err)
	}
	d.CreatedAt = t
	return d, nil
}
