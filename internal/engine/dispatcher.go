// Package engine: the dispatcher drains the update source and routes each
// update to a worker partition keyed by conversation ID. All updates for one
// conversation land on the same partition, preserving per-conversation order
// without any global lock; distinct conversations proceed in parallel.
package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FormFlow/internal/messaging"
	"github.com/BTreeMap/FormFlow/internal/models"
)

// Dispatcher configuration constants
const (
	// DefaultPartitions is the default number of worker partitions.
	DefaultPartitions = 8
	// DefaultPartitionQueueSize bounds each partition's backlog.
	DefaultPartitionQueueSize = 64
	// pollErrorBackoff is the delay after a failed source poll.
	pollErrorBackoff = 2 * time.Second
)

// DispatcherOpts holds configuration options for the dispatcher.
type DispatcherOpts struct {
	Partitions int
	QueueSize  int
}

// DispatcherOption defines a configuration option for the dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithPartitions sets the number of worker partitions.
func WithPartitions(n int) DispatcherOption {
	return func(o *DispatcherOpts) { o.Partitions = n }
}

// WithPartitionQueueSize sets the per-partition queue capacity.
func WithPartitionQueueSize(n int) DispatcherOption {
	return func(o *DispatcherOpts) { o.QueueSize = n }
}

// Dispatcher owns the ingestion loop: a single logical consumer per source
// connection fanning out to a bounded worker pool.
type Dispatcher struct {
	engine     *Engine
	source     messaging.Source
	partitions []chan models.Update
}

// NewDispatcher creates a dispatcher over the engine and update source.
func NewDispatcher(e *Engine, source messaging.Source, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{
		Partitions: DefaultPartitions,
		QueueSize:  DefaultPartitionQueueSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = DefaultPartitions
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultPartitionQueueSize
	}

	partitions := make([]chan models.Update, cfg.Partitions)
	for i := range partitions {
		partitions[i] = make(chan models.Update, cfg.QueueSize)
	}
	return &Dispatcher{
		engine:     e,
		source:     source,
		partitions: partitions,
	}
}

// Run starts the workers and the poll loop. It blocks until the context is
// cancelled, then drains the partition queues before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher.Run: starting", "partitions", len(d.partitions))

	var wg sync.WaitGroup
	for i, ch := range d.partitions {
		wg.Add(1)
		go func(id int, ch <-chan models.Update) {
			defer wg.Done()
			d.work(id, ch)
		}(i, ch)
	}

	err := d.pollLoop(ctx)

	for _, ch := range d.partitions {
		close(ch)
	}
	wg.Wait()
	slog.Info("Dispatcher.Run: stopped")
	return err
}

// pollLoop drains the source until the context is cancelled.
func (d *Dispatcher) pollLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		batch, err := d.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Dispatcher.pollLoop: poll failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollErrorBackoff):
			}
			continue
		}

		for _, upd := range batch {
			p := d.partitionFor(upd.ConversationID)
			select {
			case <-ctx.Done():
				return nil
			case d.partitions[p] <- upd:
			}
		}
	}
}

// partitionFor maps a conversation ID to its worker partition.
func (d *Dispatcher) partitionFor(conversationID string) int {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(len(d.partitions)))
}

// work processes one partition's updates in order. Handle failures are logged
// and dropped here; the at-least-once source redelivers the update.
func (d *Dispatcher) work(id int, ch <-chan models.Update) {
	for upd := range ch {
		res, err := d.engine.Handle(context.Background(), upd)
		if err != nil {
			slog.Error("Dispatcher.work: handle failed", "partition", id, "updateID", upd.ID, "conversationID", upd.ConversationID, "error", err)
			continue
		}
		slog.Debug("Dispatcher.work: handled update", "partition", id, "updateID", upd.ID, "conversationID", upd.ConversationID, "outcome", res.Outcome.String())
	}
}
