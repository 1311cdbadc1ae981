// ABOUTME: Capability catalog sync between live tool servers and the store
// ABOUTME: Each sync disables the server's tools, then re-enables the ones still reported

package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/tool-gateway/internal/store"
	"github.com/2389/tool-gateway/internal/transport"
)

// Lister reports the tools currently offered by a server.
type Lister interface {
	ListTools(ctx context.Context) ([]transport.ToolInfo, error)
}

// Syncer reconciles the persisted catalog with a live server.
type Syncer struct {
	store  store.CatalogStore
	logger *slog.Logger
}

// NewSyncer creates a Syncer writing to the given catalog store.
func NewSyncer(s store.CatalogStore, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:  s,
		logger: logger.With("component", "catalog"),
	}
}

// Sync fetches the live tool list and applies it to the store in one
// transaction. Tools the server no longer reports are disabled, never deleted.
// Returns the number of tools reported.
func (s *Syncer) Sync(ctx context.Context, serverID string, lister Lister) (int, error) {
	tools, err := lister.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tools for %s: %w", serverID, err)
	}

	specs := make([]store.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, store.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	if err := s.store.SyncTools(ctx, serverID, specs); err != nil {
		return 0, fmt.Errorf("syncing tools for %s: %w", serverID, err)
	}

	s.logger.Info("synced tools from server", "server_id", serverID, "tool_count", len(specs))
	return len(specs), nil
}
