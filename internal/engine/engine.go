// Package engine implements the conversation state machine: it consumes one
// update at a time per conversation, validates input against the current
// step, and advances the conversation through optimistic, version-checked
// commits. Admission to the deduplication ledger and the state mutation are
// one atomic unit in the store, so an update is either fully applied once or
// not at all.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FormFlow/internal/flow"
	"github.com/BTreeMap/FormFlow/internal/messaging"
	"github.com/BTreeMap/FormFlow/internal/models"
	"github.com/BTreeMap/FormFlow/internal/store"
)

// Engine configuration constants
const (
	// DefaultMaxCommitAttempts bounds the optimistic retry loop for one update.
	DefaultMaxCommitAttempts = 5
	// DefaultStorageTimeout bounds each storage operation.
	DefaultStorageTimeout = 5 * time.Second
	// initialCommitBackoff is the first retry delay; it doubles per attempt.
	initialCommitBackoff = 25 * time.Millisecond
)

// ErrConflictExhausted is returned when repeated commit conflicts on one
// conversation exceed the bounded attempt count. The at-least-once source
// redelivers the update, which drives the eventual retry.
var ErrConflictExhausted = errors.New("conversation commit conflicts exhausted retry attempts")

// Outcome classifies the terminal result of handling one update.
type Outcome int

const (
	// OutcomeAdvanced means the conversation moved to a new step.
	OutcomeAdvanced Outcome = iota
	// OutcomeRejected means validation failed or the conversation is closed;
	// state is unchanged but the update was admitted to the ledger.
	OutcomeRejected
	// OutcomeDuplicate means the update ID was already admitted.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of one handled update.
type Result struct {
	Outcome Outcome
	// NewStep is set when Outcome is OutcomeAdvanced.
	NewStep models.StepID
	// Reason is set when Outcome is OutcomeRejected.
	Reason string
}

// Opts holds configuration options for the engine.
type Opts struct {
	MaxCommitAttempts int
	StorageTimeout    time.Duration
	Notifier          messaging.Notifier
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithMaxCommitAttempts overrides the optimistic retry bound.
func WithMaxCommitAttempts(n int) Option {
	return func(o *Opts) { o.MaxCommitAttempts = n }
}

// WithStorageTimeout overrides the per-operation storage timeout.
func WithStorageTimeout(d time.Duration) Option {
	return func(o *Opts) { o.StorageTimeout = d }
}

// WithNotifier enables outbound prompting after each outcome. Send failures
// are logged, never propagated; the provider retries on its side.
func WithNotifier(n messaging.Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// Engine drives conversations through the static flow definition.
type Engine struct {
	store          store.Store
	def            *flow.Definition
	notifier       messaging.Notifier
	maxAttempts    int
	storageTimeout time.Duration
}

// New creates an engine over the given store and flow definition.
func New(st store.Store, def *flow.Definition, opts ...Option) *Engine {
	cfg := Opts{
		MaxCommitAttempts: DefaultMaxCommitAttempts,
		StorageTimeout:    DefaultStorageTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		store:          st,
		def:            def,
		notifier:       cfg.Notifier,
		maxAttempts:    cfg.MaxCommitAttempts,
		storageTimeout: cfg.StorageTimeout,
	}
}

// Handle processes one inbound update to a terminal outcome. Every admitted
// update yields exactly one of ADVANCED, REJECTED, or DUPLICATE; transient
// storage failures surface as errors and rely on source redelivery.
func (e *Engine) Handle(ctx context.Context, upd models.Update) (Result, error) {
	if err := upd.Validate(); err != nil {
		return Result{}, fmt.Errorf("malformed update: %w", err)
	}

	seen, err := e.seenUpdate(ctx, upd.ID)
	if err != nil {
		return Result{}, err
	}
	if seen {
		slog.Debug("Engine.Handle duplicate update", "updateID", upd.ID, "conversationID", upd.ConversationID)
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	backoff := initialCommitBackoff
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		res, done, err := e.tryApply(ctx, upd)
		if err != nil {
			return Result{}, err
		}
		if done {
			e.notifyOutcome(ctx, upd.ConversationID, res)
			return res, nil
		}

		slog.Debug("Engine.Handle commit conflict, retrying", "updateID", upd.ID, "conversationID", upd.ConversationID, "attempt", attempt)
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	slog.Error("Engine.Handle retries exhausted", "updateID", upd.ID, "conversationID", upd.ConversationID, "attempts", e.maxAttempts)
	return Result{}, ErrConflictExhausted
}

// tryApply performs one optimistic attempt. done=false with nil error means
// the commit lost a version race and the caller should re-evaluate against
// the now-advanced conversation.
func (e *Engine) tryApply(ctx context.Context, upd models.Update) (Result, bool, error) {
	conv, err := e.loadConversation(ctx, upd.ConversationID)
	if err != nil {
		return Result{}, false, err
	}

	expected := int64(0)
	if conv == nil {
		now := time.Now()
		conv = &models.Conversation{
			ID:          upd.ConversationID,
			CurrentStep: e.def.First(),
			Fields:      make(map[models.FieldKey]string),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	} else {
		expected = conv.Version
		conv = conv.Clone()
	}

	if conv.CurrentStep.IsTerminal() {
		return e.reject(ctx, upd, "conversation closed")
	}

	prev := conv.CurrentStep
	if flow.IsCancel(upd.Payload) {
		conv.CurrentStep = models.StepAbandoned
	} else {
		step, ok := e.def.Step(conv.CurrentStep)
		if !ok {
			return Result{}, false, fmt.Errorf("conversation %s is at unknown step %q", conv.ID, conv.CurrentStep)
		}
		fields, verr := step.Validate(upd.Payload)
		if verr != nil {
			reason := step.ErrorMessage
			var ve *flow.ValidationError
			if errors.As(verr, &ve) && ve.Reason != "" {
				reason = ve.Reason
			}
			return e.reject(ctx, upd, reason)
		}
		for k, v := range fields {
			conv.Fields[k] = v
		}
		next, err := e.def.Next(conv.CurrentStep)
		if err != nil {
			return Result{}, false, err
		}
		conv.CurrentStep = next
	}

	// Steps only move forward in the static order or to a terminal state.
	if !e.def.Precedes(prev, conv.CurrentStep) {
		return Result{}, false, fmt.Errorf("conversation %s: illegal transition %s -> %s", conv.ID, prev, conv.CurrentStep)
	}

	conv.Version = expected + 1
	conv.LastUpdate = upd.ID
	conv.UpdatedAt = time.Now()

	outcome, err := e.commit(ctx, conv, expected, upd.ID)
	if err != nil {
		return Result{}, false, err
	}
	switch outcome {
	case store.CommitOK:
		slog.Info("Engine.Handle advanced conversation", "conversationID", conv.ID, "step", conv.CurrentStep, "version", conv.Version, "updateID", upd.ID)
		return Result{Outcome: OutcomeAdvanced, NewStep: conv.CurrentStep}, true, nil
	case store.CommitDuplicate:
		return Result{Outcome: OutcomeDuplicate}, true, nil
	default:
		return Result{}, false, nil
	}
}

// reject admits the update without mutating the conversation. A concurrent
// admission of the same ID turns the rejection into a duplicate, so an
// identical retried update is never rejected twice.
func (e *Engine) reject(ctx context.Context, upd models.Update, reason string) (Result, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()
	admitted, err := e.store.AdmitUpdate(cctx, upd.ID, upd.ConversationID)
	if err != nil {
		return Result{}, false, fmt.Errorf("admit rejected update %s: %w", upd.ID, err)
	}
	if !admitted {
		return Result{Outcome: OutcomeDuplicate}, true, nil
	}
	slog.Info("Engine.Handle rejected update", "updateID", upd.ID, "conversationID", upd.ConversationID, "reason", reason)
	return Result{Outcome: OutcomeRejected, Reason: reason}, true, nil
}

func (e *Engine) seenUpdate(ctx context.Context, updateID string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()
	seen, err := e.store.SeenUpdate(cctx, updateID)
	if err != nil {
		return false, fmt.Errorf("ledger lookup for %s: %w", updateID, err)
	}
	return seen, nil
}

func (e *Engine) loadConversation(ctx context.Context, id string) (*models.Conversation, error) {
	cctx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()
	conv, err := e.store.GetConversation(cctx, id)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return conv, nil
}

func (e *Engine) commit(ctx context.Context, conv *models.Conversation, expected int64, updateID string) (store.CommitOutcome, error) {
	cctx, cancel := context.WithTimeout(ctx, e.storageTimeout)
	defer cancel()
	outcome, err := e.store.CommitConversation(cctx, conv, expected, updateID)
	if err != nil {
		return outcome, fmt.Errorf("commit conversation %s: %w", conv.ID, err)
	}
	return outcome, nil
}

// notifyOutcome sends the follow-up message for a terminal outcome: the next
// step's prompt, the rejection reason, or a closing message.
func (e *Engine) notifyOutcome(ctx context.Context, conversationID string, res Result) {
	if e.notifier == nil {
		return
	}

	var body string
	switch res.Outcome {
	case OutcomeAdvanced:
		switch res.NewStep {
		case models.StepCompleted:
			body = "All set. Your document is being prepared and will be sent to you shortly."
		case models.StepAbandoned:
			body = "The intake was cancelled and this conversation is closed."
		default:
			if step, ok := e.def.Step(res.NewStep); ok {
				body = step.Prompt
			}
		}
	case OutcomeRejected:
		body = res.Reason
	default:
		return
	}
	if body == "" {
		return
	}

	if err := e.notifier.SendMessage(ctx, conversationID, body); err != nil {
		slog.Error("Engine.notifyOutcome send failed", "error", err, "conversationID", conversationID)
	}
}
