// ABOUTME: SQL implementation for the tool catalog and per-caller permissions
// ABOUTME: SyncTools reconciles a server's reported tools inside one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncTools disables every tool of the server, then upserts each reported tool
// as enabled. Tools no longer reported stay disabled; rows are never deleted.
func (s *SQLStore) SyncTools(ctx context.Context, serverID string, tools []ToolSpec) error {
	now := formatTime(time.Now())

	upsert := s.rebind(`
		INSERT INTO tools (id, server_id, name, description, input_schema, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (server_id, name) DO UPDATE SET
			description = excluded.description,
			input_schema = excluded.input_schema,
			enabled = 1,
			updated_at = excluded.updated_at
	`)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE tools SET enabled = 0, updated_at = ? WHERE server_id = ?`),
			now, serverID); err != nil {
			return fmt.Errorf("disabling tools: %w", err)
		}

		for _, t := range tools {
			if _, err := tx.ExecContext(ctx, upsert,
				uuid.NewString(),
				serverID,
				t.Name,
				t.Description,
				nullJSON(t.InputSchema),
				now,
				now,
			); err != nil {
				return fmt.Errorf("upserting tool %s: %w", t.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("synced tools", "server_id", serverID, "count", len(tools))
	return nil
}

// ListTools returns all tools of a server, enabled or not, ordered by name.
func (s *SQLStore) ListTools(ctx context.Context, serverID string) ([]*Tool, error) {
	query := `
		SELECT id, server_id, name, description, input_schema, enabled, created_at, updated_at
		FROM tools
		WHERE server_id = ?
		ORDER BY name ASC
	`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), serverID)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tools []*Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool rows: %w", err)
	}
	return tools, nil
}

// GetToolByName looks up a tool by its (server, name) key.
func (s *SQLStore) GetToolByName(ctx context.Context, serverID, name string) (*Tool, error) {
	query := `
		SELECT id, server_id, name, description, input_schema, enabled, created_at, updated_at
		FROM tools
		WHERE server_id = ? AND name = ?
	`
	t, err := scanTool(s.db.QueryRowContext(ctx, s.rebind(query), serverID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// SetPermission creates or replaces the rule for (tool, callerType).
func (s *SQLStore) SetPermission(ctx context.Context, toolID, callerType string, allowed bool) (*Permission, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO tool_permissions (id, tool_id, caller_type, allowed, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tool_id, caller_type) DO UPDATE SET allowed = excluded.allowed
	`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		uuid.NewString(), toolID, callerType, boolInt(allowed), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("upserting permission: %w", err)
	}

	perms, err := s.ListPermissions(ctx, toolID)
	if err != nil {
		return nil, err
	}
	for _, p := range perms {
		if p.CallerType == callerType {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

// ListPermissions returns every rule attached to a tool.
func (s *SQLStore) ListPermissions(ctx context.Context, toolID string) ([]*Permission, error) {
	query := `
		SELECT id, tool_id, caller_type, allowed, created_at
		FROM tool_permissions
		WHERE tool_id = ?
		ORDER BY caller_type ASC
	`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), toolID)
	if err != nil {
		return nil, fmt.Errorf("querying permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var perms []*Permission
	for rows.Next() {
		var (
			p         Permission
			allowed   int
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.ToolID, &p.CallerType, &allowed, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning permission row: %w", err)
		}
		p.Allowed = allowed != 0
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		perms = append(perms, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating permission rows: %w", err)
	}
	return perms, nil
}

func scanTool(row scanner) (*Tool, error) {
	var (
		t                    Tool
		schema               sql.NullString
		enabled              int
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.ServerID, &t.Name, &t.Description, &schema, &enabled, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning tool row: %w", err)
	}

	t.InputSchema = rawJSON(schema)
	t.Enabled = enabled != 0
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}
