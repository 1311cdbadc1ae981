// ABOUTME: SQL implementation for tool server registration records
// ABOUTME: Servers carry their transport config as opaque JSON and a persisted connection status

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateServer stores a new tool server.
func (s *SQLStore) CreateServer(ctx context.Context, srv *ToolServer) error {
	if srv.Status == "" {
		srv.Status = ServerDisconnected
	}
	now := time.Now().UTC()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	if srv.UpdatedAt.IsZero() {
		srv.UpdatedAt = srv.CreatedAt
	}

	var lastPing sql.NullString
	if srv.LastPingAt != nil {
		lastPing = nullString(formatTime(*srv.LastPingAt))
	}

	query := `
		INSERT INTO tool_servers (id, name, transport, config, status, last_ping_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		srv.ID,
		srv.Name,
		srv.Transport,
		string(srv.Config),
		string(srv.Status),
		lastPing,
		formatTime(srv.CreatedAt),
		formatTime(srv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("server %s: %w", srv.ID, ErrDuplicate)
		}
		return fmt.Errorf("inserting server: %w", err)
	}

	s.logger.Debug("created server", "id", srv.ID, "transport", srv.Transport)
	return nil
}

// GetServer retrieves a tool server by ID.
func (s *SQLStore) GetServer(ctx context.Context, id string) (*ToolServer, error) {
	query := `
		SELECT id, name, transport, config, status, last_ping_at, created_at, updated_at
		FROM tool_servers
		WHERE id = ?
	`
	srv, err := scanServer(s.db.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// ListServers returns every registered server ordered by creation time.
func (s *SQLStore) ListServers(ctx context.Context) ([]*ToolServer, error) {
	query := `
		SELECT id, name, transport, config, status, last_ping_at, created_at, updated_at
		FROM tool_servers
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []*ToolServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server rows: %w", err)
	}
	return servers, nil
}

// UpdateServerStatus records the server's connection status.
func (s *SQLStore) UpdateServerStatus(ctx context.Context, id string, status ServerStatus, lastPing *time.Time) error {
	now := formatTime(time.Now())

	var (
		result sql.Result
		err    error
	)
	if lastPing != nil {
		result, err = s.db.ExecContext(ctx,
			s.rebind(`UPDATE tool_servers SET status = ?, last_ping_at = ?, updated_at = ? WHERE id = ?`),
			string(status), formatTime(*lastPing), now, id)
	} else {
		result, err = s.db.ExecContext(ctx,
			s.rebind(`UPDATE tool_servers SET status = ?, updated_at = ? WHERE id = ?`),
			string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("updating server status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated server status", "id", id, "status", status)
	return nil
}

// DeleteServer removes a server that has no catalog entries.
func (s *SQLStore) DeleteServer(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM tools WHERE server_id = ?`), id).Scan(&count)
		if err != nil {
			return fmt.Errorf("counting server tools: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("server %s has %d tools: %w", id, count, ErrInUse)
		}

		result, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tool_servers WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("deleting server: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanServer(row scanner) (*ToolServer, error) {
	var (
		srv                  ToolServer
		config, status       string
		lastPing             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&srv.ID, &srv.Name, &srv.Transport, &config, &status, &lastPing, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning server row: %w", err)
	}

	srv.Config = []byte(config)
	srv.Status = ServerStatus(status)
	if lastPing.Valid {
		t, err := parseTime(lastPing.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_ping_at: %w", err)
		}
		srv.LastPingAt = &t
	}
	if srv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if srv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &srv, nil
}
