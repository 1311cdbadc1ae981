// ABOUTME: SQL implementation for tool usage tracking
// ABOUTME: Stores one append-only record per invocation attempt for auditing

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveUsage stores a usage record.
func (s *SQLStore) SaveUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tool_usage (
			id, tool_id, caller_id, caller_type, input, output,
			duration_ms, status, cached, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		rec.ID,
		rec.ToolID,
		rec.CallerID,
		rec.CallerType,
		nullJSON(rec.Input),
		nullJSON(rec.Output),
		rec.DurationMs,
		rec.Status,
		boolInt(rec.Cached),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved tool usage",
		"id", rec.ID,
		"tool_id", rec.ToolID,
		"caller_type", rec.CallerType,
		"status", rec.Status,
		"cached", rec.Cached,
	)
	return nil
}

// ListUsage retrieves usage records newest first with optional filters.
func (s *SQLStore) ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageRecord, error) {
	query := `
		SELECT id, tool_id, caller_id, caller_type, input, output,
		       duration_ms, status, cached, created_at
		FROM tool_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.ToolID != "" {
		query += " AND tool_id = ?"
		args = append(args, filter.ToolID)
	}
	if filter.CallerType != "" {
		query += " AND caller_type = ?"
		args = append(args, filter.CallerType)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return records, nil
}

// scanUsage scans a single usage row into a UsageRecord.
func scanUsage(rows *sql.Rows) (*UsageRecord, error) {
	var (
		rec           UsageRecord
		input, output sql.NullString
		cached        int
		createdAtStr  string
	)

	err := rows.Scan(
		&rec.ID,
		&rec.ToolID,
		&rec.CallerID,
		&rec.CallerType,
		&input,
		&output,
		&rec.DurationMs,
		&rec.Status,
		&cached,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	rec.Input = rawJSON(input)
	rec.Output = rawJSON(output)
	rec.Cached = cached != 0

	rec.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &rec, nil
}

// Ensure SQLStore implements UsageStore interface.
var _ UsageStore = (*SQLStore)(nil)
