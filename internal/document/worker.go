package document

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FormFlow/internal/messaging"
	"github.com/BTreeMap/FormFlow/internal/store"
)

// DocumentCaption accompanies the delivered document.
const DocumentCaption = "Your signed agreement"

// Worker periodically claims due render jobs, generates the artifact, and
// delivers it through the notifier. Both steps are idempotent, so redundant
// jobs and crash-requeued jobs converge without duplicate artifacts.
type Worker struct {
	store        store.Store
	generator    *Generator
	notifier     messaging.Notifier
	pollInterval time.Duration
	claimLimit   int
}

// NewWorker creates a render worker. Jobs stranded in the rendering state by
// a crash are requeued at startup by the recovery manager, not here.
func NewWorker(st store.Store, gen *Generator, notifier messaging.Notifier, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		store:        st,
		generator:    gen,
		notifier:     notifier,
		pollInterval: pollInterval,
		claimLimit:   10,
	}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("Worker.Run: starting render worker", "pollInterval", w.pollInterval)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Worker.Run: stopping")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	now := time.Now()
	jobs, err := w.store.ClaimDueRenderJobs(ctx, now, w.claimLimit)
	if err != nil {
		slog.Error("Worker.poll: claim failed", "error", err)
		return
	}

	for _, job := range jobs {
		slog.Debug("Worker.poll: processing render job", "id", job.ID, "conversationID", job.ConversationID)
		if err := w.process(ctx, job.ConversationID); err != nil {
			slog.Error("Worker.poll: render job failed", "id", job.ID, "error", err)
			// Exponential backoff: 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<job.Attempts)) * time.Second
			nextAttempt := now.Add(backoff)
			if err := w.store.FailRenderJob(ctx, job.ID, err.Error(), nextAttempt); err != nil {
				slog.Error("Worker.poll: fail job error", "id", job.ID, "error", err)
			}
		} else {
			if err := w.store.MarkRenderJobDone(ctx, job.ID); err != nil {
				slog.Error("Worker.poll: mark done error", "id", job.ID, "error", err)
			}
			slog.Debug("Worker.poll: render job done", "id", job.ID, "conversationID", job.ConversationID)
		}
	}
}

// process generates the artifact (idempotently) and delivers it.
func (w *Worker) process(ctx context.Context, conversationID string) error {
	if _, err := w.generator.Generate(ctx, conversationID); err != nil {
		return err
	}

	artifact, err := w.store.GetArtifact(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load artifact for %s: %w", conversationID, err)
	}
	if artifact == nil {
		return fmt.Errorf("artifact for %s missing after generation", conversationID)
	}

	if w.notifier != nil {
		if err := w.notifier.SendDocument(ctx, conversationID, *artifact, DocumentCaption); err != nil {
			return fmt.Errorf("deliver artifact for %s: %w", conversationID, err)
		}
	}
	return nil
}
