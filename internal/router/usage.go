// ABOUTME: Asynchronous usage log writer for tool invocations
// ABOUTME: Records are queued without blocking and written by one worker goroutine

package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tool-gateway/internal/store"
)

// DefaultUsageQueueSize is the queue capacity when none is configured.
const DefaultUsageQueueSize = 1024

const usageWriteTimeout = 5 * time.Second

// UsageLog persists usage records off the request path.
type UsageLog struct {
	store  store.UsageStore
	logger *slog.Logger
	queue  chan *store.UsageRecord

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewUsageLog starts the writer goroutine. Call Close to drain and stop it.
func NewUsageLog(s store.UsageStore, size int, logger *slog.Logger) *UsageLog {
	if size <= 0 {
		size = DefaultUsageQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	u := &UsageLog{
		store:  s,
		logger: logger.With("component", "usage"),
		queue:  make(chan *store.UsageRecord, size),
		done:   make(chan struct{}),
	}
	go u.run()
	return u
}

// Enqueue queues rec for writing. It never blocks: when the queue is full,
// or the log is closed, the record is dropped with a warning.
func (u *UsageLog) Enqueue(rec *store.UsageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		u.logger.Warn("usage log closed, dropping record", "tool_id", rec.ToolID)
		return
	}

	select {
	case u.queue <- rec:
	default:
		u.logger.Warn("usage queue full, dropping record", "tool_id", rec.ToolID, "caller_type", rec.CallerType)
	}
}

func (u *UsageLog) run() {
	defer close(u.done)
	for rec := range u.queue {
		ctx, cancel := context.WithTimeout(context.Background(), usageWriteTimeout)
		if err := u.store.SaveUsage(ctx, rec); err != nil {
			u.logger.Error("failed to log tool usage", "tool_id", rec.ToolID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting records and waits until queued ones are written
// or ctx expires.
func (u *UsageLog) Close(ctx context.Context) error {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.queue)
	}
	u.mu.Unlock()

	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
