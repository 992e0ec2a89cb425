// Package recovery reconciles durable state after application restarts.
// A crash can leave render jobs locked by a dead worker, or completed
// conversations whose job enqueue was lost before the artifact appeared.
// Recovery runs once at startup, before the dispatcher and document worker
// begin.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FormFlow/internal/store"
)

// DefaultStaleThreshold is how long a claimed render job may sit locked
// before a restart reclaims it.
const DefaultStaleThreshold = 5 * time.Minute

// Manager performs startup reconciliation against the store.
type Manager struct {
	store          store.Store
	staleThreshold time.Duration
}

// Opts holds configuration options for the recovery manager.
type Opts struct {
	StaleThreshold time.Duration
}

// Option defines a configuration option for the recovery manager.
type Option func(*Opts)

// WithStaleThreshold overrides how old a lock must be before reclaim.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.StaleThreshold = d }
}

// NewManager creates a recovery manager backed by the given store.
func NewManager(st store.Store, opts ...Option) *Manager {
	cfg := Opts{StaleThreshold: DefaultStaleThreshold}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{store: st, staleThreshold: cfg.StaleThreshold}
}

// Run executes all recovery passes. Failures abort startup; running against
// an unreconciled store risks stranded conversations.
func (m *Manager) Run(ctx context.Context) error {
	slog.Info("Recovery: starting state reconciliation")

	requeued, err := m.requeueStaleJobs(ctx)
	if err != nil {
		return fmt.Errorf("recovery: requeue stale render jobs: %w", err)
	}

	enqueued, err := m.enqueueMissingJobs(ctx)
	if err != nil {
		return fmt.Errorf("recovery: enqueue missing render jobs: %w", err)
	}

	slog.Info("Recovery: state reconciliation complete",
		"staleJobsRequeued", requeued, "missingJobsEnqueued", enqueued)
	return nil
}

// requeueStaleJobs returns jobs abandoned mid-render to the queue.
func (m *Manager) requeueStaleJobs(ctx context.Context) (int, error) {
	staleBefore := time.Now().Add(-m.staleThreshold)
	n, err := m.store.RequeueStaleRenderJobs(ctx, staleBefore)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("Recovery: requeued stale render jobs", "count", n, "staleBefore", staleBefore)
	}
	return n, nil
}

// enqueueMissingJobs finds completed conversations with neither an artifact
// nor a pending render job and enqueues one. Document generation is
// idempotent, so enqueueing for a conversation whose artifact lands
// concurrently is harmless.
func (m *Manager) enqueueMissingJobs(ctx context.Context) (int, error) {
	ids, err := m.store.ListCompletedWithoutArtifact(ctx)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, id := range ids {
		jobID, err := m.store.EnqueueRenderJob(ctx, id)
		if err != nil {
			return enqueued, fmt.Errorf("enqueue render job for conversation %s: %w", id, err)
		}
		slog.Info("Recovery: enqueued missing render job", "conversationID", id, "jobID", jobID)
		enqueued++
	}
	return enqueued, nil
}
