// Package scheduler provides cron-based scheduling for FormFlow maintenance
// jobs, such as pruning old entries from the applied-update ledger.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/FormFlow/internal/store"
)

// Maintenance defaults
const (
	// DefaultLedgerRetention is how long admitted update IDs are kept. The
	// window must comfortably exceed the longest plausible redelivery delay.
	DefaultLedgerRetention = 30 * 24 * time.Hour
	// DefaultPruneSchedule runs the ledger prune daily at 03:00.
	DefaultPruneSchedule = "0 3 * * *"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleLedgerPrune registers a recurring job that removes ledger entries
// older than the retention window.
func (s *Scheduler) ScheduleLedgerPrune(st store.ConversationStore, retention time.Duration) error {
	if retention <= 0 {
		retention = DefaultLedgerRetention
	}
	err := s.AddJob(DefaultPruneSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		before := time.Now().Add(-retention)
		pruned, err := st.PruneLedger(ctx, before)
		if err != nil {
			slog.Error("Scheduler: ledger prune failed", "error", err, "before", before)
			return
		}
		slog.Info("Scheduler: pruned ledger entries", "count", pruned, "before", before)
	})
	if err != nil {
		return fmt.Errorf("schedule ledger prune: %w", err)
	}
	return nil
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
