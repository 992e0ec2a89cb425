// Package store provides storage backends for FormFlow.
//
// A Store holds conversations, the ledger of applied update IDs, render jobs,
// and generated document artifacts. The PostgreSQL and SQLite backends commit
// a conversation mutation, its ledger admission, and (on completion) the
// render-job enqueue as one transaction; the in-memory backend serves tests.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/FormFlow/internal/models"
)

// CommitOutcome is the result of an optimistic conversation commit.
type CommitOutcome int

const (
	// CommitOK means the conversation and ledger entry were persisted.
	CommitOK CommitOutcome = iota
	// CommitConflict means the expected version no longer matches; the caller
	// should reload the conversation and re-evaluate.
	CommitConflict
	// CommitDuplicate means the update ID was already admitted; nothing was
	// written.
	CommitDuplicate
)

func (o CommitOutcome) String() string {
	switch o {
	case CommitOK:
		return "ok"
	case CommitConflict:
		return "conflict"
	case CommitDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// ConversationStore is the durable record of conversations plus the
// deduplication ledger that guards them.
type ConversationStore interface {
	// GetConversation loads a conversation, or nil if none exists yet.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// ListConversations returns all conversations, newest first.
	ListConversations(ctx context.Context) ([]models.Conversation, error)

	// CommitConversation persists conv and records updateID in the ledger as
	// one atomic unit, guarded by expectedVersion (0 means the conversation
	// must not exist yet). When conv has reached StepCompleted, a render job
	// for it is enqueued in the same transaction.
	CommitConversation(ctx context.Context, conv *models.Conversation, expectedVersion int64, updateID string) (CommitOutcome, error)

	// AdmitUpdate records updateID in the ledger without touching any
	// conversation. Returns false if the ID was already admitted. Used for
	// rejected updates, so an identical retry is a duplicate.
	AdmitUpdate(ctx context.Context, updateID, conversationID string) (bool, error)

	// SeenUpdate reports whether updateID has already been admitted.
	SeenUpdate(ctx context.Context, updateID string) (bool, error)

	// PruneLedger removes ledger entries admitted before the cutoff. A pruned
	// ID cannot recur from a live source, so this is safe once the owning
	// conversations are archived.
	PruneLedger(ctx context.Context, before time.Time) (int, error)
}

// ArtifactStore persists generated documents, at most one per conversation.
type ArtifactStore interface {
	// SaveArtifactIfAbsent inserts the artifact unless one already exists for
	// its conversation. Returns false if an artifact was already present.
	SaveArtifactIfAbsent(ctx context.Context, artifact models.DocumentArtifact) (bool, error)

	// GetArtifact loads the artifact for a conversation, or nil if absent.
	GetArtifact(ctx context.Context, conversationID string) (*models.DocumentArtifact, error)
}

// RenderJobRepo is the durable queue of document render requests.
type RenderJobRepo interface {
	// EnqueueRenderJob inserts a render job for the conversation. If a
	// non-done job for that conversation already exists, returns its ID.
	EnqueueRenderJob(ctx context.Context, conversationID string) (string, error)

	// ClaimDueRenderJobs marks up to limit queued jobs whose next_attempt_at
	// <= now (or is NULL) as rendering and returns them.
	ClaimDueRenderJobs(ctx context.Context, now time.Time, limit int) ([]models.RenderJob, error)

	// MarkRenderJobDone marks a job as completed.
	MarkRenderJobDone(ctx context.Context, id string) error

	// FailRenderJob records a render failure and schedules a retry.
	FailRenderJob(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleRenderJobs resets jobs stuck in rendering since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleRenderJobs(ctx context.Context, staleBefore time.Time) (int, error)

	// ListCompletedWithoutArtifact returns IDs of completed conversations that
	// have neither an artifact nor a pending render job. Recovery re-enqueues
	// these after a crash between transition and rendering.
	ListCompletedWithoutArtifact(ctx context.Context) ([]string, error)
}

// Store combines all persistence concerns behind one backend.
type Store interface {
	ConversationStore
	ArtifactStore
	RenderJobRepo

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// NewStore selects a backend from the configured DSN: Postgres for
// connection URLs and key=value strings, SQLite for file paths, and the
// in-memory store when no DSN is configured.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

// DetectDSNType classifies a DSN string as "postgres" or "sqlite". Postgres
// DSNs are URLs (postgres:// or postgresql://) or key=value connection
// strings; anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
