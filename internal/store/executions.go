// ABOUTME: SQL implementation for skill execution records
// ABOUTME: Terminal transitions are guarded so a finished execution is never rewritten

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const executionColumns = `id, skill_id, version_id, org_id, triggered_by, trigger_type, input,
	status, step_results, output, duration_ms, created_at, updated_at`

// CreateExecution stores a new execution, normally in the running state.
func (s *SQLStore) CreateExecution(ctx context.Context, exec *SkillExecution) error {
	now := time.Now().UTC()
	if exec.Status == "" {
		exec.Status = ExecutionRunning
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = exec.CreatedAt
	}

	query := `INSERT INTO skill_executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		exec.ID,
		exec.SkillID,
		exec.VersionID,
		exec.OrgID,
		exec.TriggeredBy,
		exec.TriggerType,
		nullJSON(exec.Input),
		string(exec.Status),
		nullJSON(exec.StepResults),
		nullJSON(exec.Output),
		exec.DurationMs,
		formatTime(exec.CreatedAt),
		formatTime(exec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	s.logger.Debug("created execution", "id", exec.ID, "skill_id", exec.SkillID)
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*SkillExecution, error) {
	return s.getExecution(ctx, s.db, id)
}

func (s *SQLStore) getExecution(ctx context.Context, q execer, id string) (*SkillExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM skill_executions WHERE id = ?`
	exec, err := scanExecution(q.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns executions newest first, optionally for one org.
func (s *SQLStore) ListExecutions(ctx context.Context, orgID string) ([]*SkillExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM skill_executions`
	args := []any{}
	if orgID != "" {
		query += ` WHERE org_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var execs []*SkillExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating execution rows: %w", err)
	}
	return execs, nil
}

// FinishExecution writes the terminal result of a running execution.
func (s *SQLStore) FinishExecution(ctx context.Context, id string, result ExecutionResult) error {
	if !result.Status.Terminal() {
		return fmt.Errorf("finishing execution with non-terminal status %q", result.Status)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE skill_executions
			SET status = ?, step_results = ?, output = ?, duration_ms = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`),
			string(result.Status),
			nullJSON(result.StepResults),
			nullJSON(result.Output),
			result.DurationMs,
			formatTime(time.Now()),
			id,
			string(ExecutionRunning),
		)
		if err != nil {
			return fmt.Errorf("finishing execution: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if n == 1 {
			return nil
		}

		if _, err := s.getExecution(ctx, tx, id); err != nil {
			return err
		}
		return fmt.Errorf("execution %s: %w", id, ErrTerminal)
	})
}

// CancelExecution marks a running execution cancelled and returns it.
func (s *SQLStore) CancelExecution(ctx context.Context, id string) (*SkillExecution, error) {
	var exec *SkillExecution
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getExecution(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return fmt.Errorf("execution %s is %s: %w", id, current.Status, ErrTerminal)
		}

		current.Status = ExecutionCancelled
		current.UpdatedAt = time.Now().UTC()
		current.DurationMs = current.UpdatedAt.Sub(current.CreatedAt).Milliseconds()

		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE skill_executions SET status = ?, duration_ms = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`),
			string(current.Status), current.DurationMs, formatTime(current.UpdatedAt),
			id, string(ExecutionRunning))
		if err != nil {
			return fmt.Errorf("cancelling execution: %w", err)
		}
		exec = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func scanExecution(row scanner) (*SkillExecution, error) {
	var (
		exec                         SkillExecution
		input, stepResults, output   sql.NullString
		status, createdAt, updatedAt string
	)
	err := row.Scan(
		&exec.ID,
		&exec.SkillID,
		&exec.VersionID,
		&exec.OrgID,
		&exec.TriggeredBy,
		&exec.TriggerType,
		&input,
		&status,
		&stepResults,
		&output,
		&exec.DurationMs,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning execution row: %w", err)
	}

	exec.Input = rawJSON(input)
	exec.StepResults = rawJSON(stepResults)
	exec.Output = rawJSON(output)
	exec.Status = ExecutionStatus(status)
	if exec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if exec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &exec, nil
}
