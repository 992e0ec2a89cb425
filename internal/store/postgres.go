// Package store provides storage backends for FormFlow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/FormFlow/internal/models"
	"github.com/BTreeMap/FormFlow/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}

// GetConversation loads a conversation by ID, or nil if absent.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, current_step, fields, version, last_update_id, created_at, updated_at
		 FROM conversations WHERE id = $1`, id)

	conv, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.GetConversation not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetConversation failed", "error", err, "id", id)
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return conv, nil
}

// ListConversations returns all conversations, newest first.
func (s *PostgresStore) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, current_step, fields, version, last_update_id, created_at, updated_at
		 FROM conversations ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("PostgresStore.ListConversations query failed", "error", err)
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			slog.Error("PostgresStore.ListConversations scan failed", "error", err)
			return nil, err
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations iteration: %w", err)
	}
	slog.Debug("PostgresStore.ListConversations succeeded", "count", len(convs))
	return convs, nil
}

// CommitConversation persists the conversation, the ledger admission, and (on
// completion) the render-job enqueue in a single transaction, guarded by the
// expected version.
func (s *PostgresStore) CommitConversation(ctx context.Context, conv *models.Conversation, expectedVersion int64, updateID string) (CommitOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitConflict, fmt.Errorf("begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO applied_updates (update_id, conversation_id, admitted_at)
		 VALUES ($1, $2, $3) ON CONFLICT (update_id) DO NOTHING`,
		updateID, conv.ID, now)
	if err != nil {
		return CommitConflict, fmt.Errorf("admit update %s: %w", updateID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("PostgresStore.CommitConversation duplicate update", "updateID", updateID)
		return CommitDuplicate, nil
	}

	fieldsJSON, err := marshalFields(conv.Fields)
	if err != nil {
		return CommitConflict, err
	}

	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO conversations (id, current_step, fields, version, last_update_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			conv.ID, string(conv.CurrentStep), fieldsJSON, conv.Version, conv.LastUpdate, conv.CreatedAt, conv.UpdatedAt)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE conversations SET current_step = $2, fields = $3, version = $4, last_update_id = $5, updated_at = $6
			 WHERE id = $1 AND version = $7`,
			conv.ID, string(conv.CurrentStep), fieldsJSON, conv.Version, conv.LastUpdate, conv.UpdatedAt, expectedVersion)
	}
	if err != nil {
		return CommitConflict, fmt.Errorf("commit conversation %s: %w", conv.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("PostgresStore.CommitConversation version conflict", "id", conv.ID, "expectedVersion", expectedVersion)
		return CommitConflict, nil
	}

	if conv.CurrentStep == models.StepCompleted {
		jobID := util.GenerateRandomID("rj_", 32)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO render_jobs (id, conversation_id, status, attempts, created_at, updated_at)
			 VALUES ($1, $2, 'queued', 0, $3, $4)`,
			jobID, conv.ID, now, now); err != nil {
			return CommitConflict, fmt.Errorf("enqueue render job for %s: %w", conv.ID, err)
		}
		slog.Debug("PostgresStore.CommitConversation enqueued render job", "id", conv.ID, "jobID", jobID)
	}

	if err := tx.Commit(); err != nil {
		return CommitConflict, fmt.Errorf("commit conversation transaction: %w", err)
	}
	slog.Debug("PostgresStore.CommitConversation succeeded", "id", conv.ID, "version", conv.Version, "step", conv.CurrentStep)
	return CommitOK, nil
}

// AdmitUpdate records the update in the ledger without mutating any conversation.
func (s *PostgresStore) AdmitUpdate(ctx context.Context, updateID, conversationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO applied_updates (update_id, conversation_id, admitted_at)
		 VALUES ($1, $2, $3) ON CONFLICT (update_id) DO NOTHING`,
		updateID, conversationID, time.Now())
	if err != nil {
		return false, fmt.Errorf("admit update %s: %w", updateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("admit update rows affected: %w", err)
	}
	return n > 0, nil
}

// SeenUpdate reports whether the update ID was already admitted.
func (s *PostgresStore) SeenUpdate(ctx context.Context, updateID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT update_id FROM applied_updates WHERE update_id = $1`, updateID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seen update check: %w", err)
	}
	return true, nil
}

// PruneLedger removes ledger entries admitted before the cutoff.
func (s *PostgresStore) PruneLedger(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM applied_updates WHERE admitted_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.PruneLedger removed entries", "count", n)
	}
	return int(n), nil
}

// SaveArtifactIfAbsent inserts the artifact unless one already exists for the
// conversation. The uniqueness constraint on conversation_id makes concurrent
// and repeated saves converge.
func (s *PostgresStore) SaveArtifactIfAbsent(ctx context.Context, artifact models.DocumentArtifact) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO document_artifacts (id, conversation_id, file_name, content_type, content, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (conversation_id) DO NOTHING`,
		artifact.ID, artifact.ConversationID, artifact.FileName, artifact.ContentType, artifact.Content, artifact.GeneratedAt)
	if err != nil {
		return false, fmt.Errorf("save artifact for %s: %w", artifact.ConversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save artifact rows affected: %w", err)
	}
	slog.Debug("PostgresStore.SaveArtifactIfAbsent", "conversationID", artifact.ConversationID, "saved", n > 0)
	return n > 0, nil
}

// GetArtifact loads the artifact for a conversation, or nil if absent.
func (s *PostgresStore) GetArtifact(ctx context.Context, conversationID string) (*models.DocumentArtifact, error) {
	var a models.DocumentArtifact
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, file_name, content_type, content, generated_at
		 FROM document_artifacts WHERE conversation_id = $1`, conversationID).Scan(
		&a.ID, &a.ConversationID, &a.FileName, &a.ContentType, &a.Content, &a.GeneratedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact for %s: %w", conversationID, err)
	}
	return &a, nil
}

// EnqueueRenderJob inserts a render job, reusing any pending job for the same
// conversation.
func (s *PostgresStore) EnqueueRenderJob(ctx context.Context, conversationID string) (string, error) {
	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM render_jobs WHERE conversation_id = $1 AND status <> 'done'`,
		conversationID).Scan(&existingID)
	if err == nil {
		slog.Debug("PostgresStore.EnqueueRenderJob: pending job exists", "conversationID", conversationID, "existingID", existingID)
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("render job dedupe check: %w", err)
	}

	id := util.GenerateRandomID("rj_", 32)
	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO render_jobs (id, conversation_id, status, attempts, created_at, updated_at)
		 VALUES ($1, $2, 'queued', 0, $3, $4)`,
		id, conversationID, now, now); err != nil {
		return "", fmt.Errorf("enqueue render job: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueRenderJob", "id", id, "conversationID", conversationID)
	return id, nil
}

// ClaimDueRenderJobs marks due queued jobs as rendering and returns them.
func (s *PostgresStore) ClaimDueRenderJobs(ctx context.Context, now time.Time, limit int) ([]models.RenderJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE render_jobs SET status = 'rendering', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM render_jobs WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, conversation_id, status, attempts, next_attempt_at, locked_at, last_error, created_at, updated_at`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due render jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.RenderJob
	for rows.Next() {
		j, err := scanRenderJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim render jobs iteration: %w", err)
	}
	return jobs, nil
}

// MarkRenderJobDone marks a render job as completed.
func (s *PostgresStore) MarkRenderJobDone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs SET status = 'done', updated_at = $1 WHERE id = $2`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("mark render job done: %w", err)
	}
	return nil
}

// FailRenderJob records a failure and schedules the next attempt.
func (s *PostgresStore) FailRenderJob(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs SET status = 'queued', attempts = attempts + 1, last_error = $1, next_attempt_at = $2, locked_at = NULL, updated_at = $3
		 WHERE id = $4`,
		errMsg, nextAttemptAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("fail render job: %w", err)
	}
	return nil
}

// RequeueStaleRenderJobs resets jobs stuck in rendering back to queued.
func (s *PostgresStore) RequeueStaleRenderJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs SET status = 'queued', locked_at = NULL, updated_at = $1
		 WHERE status = 'rendering' AND locked_at < $2`,
		time.Now(), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale render jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleRenderJobs", "requeued", n)
	}
	return int(n), nil
}

// ListCompletedWithoutArtifact returns completed conversations that have no
// artifact and no pending render job.
func (s *PostgresStore) ListCompletedWithoutArtifact(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id FROM conversations c
		 LEFT JOIN document_artifacts a ON a.conversation_id = c.id
		 WHERE c.current_step = $1 AND a.id IS NULL
		   AND NOT EXISTS (
		     SELECT 1 FROM render_jobs j WHERE j.conversation_id = c.id AND j.status <> 'done'
		   )`,
		string(models.StepCompleted))
	if err != nil {
		return nil, fmt.Errorf("list completed without artifact: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("completed without artifact iteration: %w", err)
	}
	return ids, nil
}
