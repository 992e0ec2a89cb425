// Package store provides storage backends for FormFlow.
//
// This file implements the SQLite-backed store for single-node deployments
// and tests.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/FormFlow/internal/models"
	"github.com/BTreeMap/FormFlow/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// The parent directory is created if it doesn't exist.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	// The engine serializes same-conversation commits through the version
	// check; SQLite serializes writers, so a single connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// GetConversation loads a conversation by ID, or nil if absent.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, current_step, fields, version, last_update_id, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)

	conv, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetConversation not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetConversation failed", "error", err, "id", id)
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return conv, nil
}

// ListConversations returns all conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, current_step, fields, version, last_update_id, created_at, updated_at
		 FROM conversations ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("SQLiteStore.ListConversations query failed", "error", err)
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			slog.Error("SQLiteStore.ListConversations scan failed", "error", err)
			return nil, err
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations iteration: %w", err)
	}
	return convs, nil
}

// CommitConversation persists the conversation, the ledger admission, and (on
// completion) the render-job enqueue in a single transaction.
func (s *SQLiteStore) CommitConversation(ctx context.Context, conv *models.Conversation, expectedVersion int64, updateID string) (CommitOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitConflict, fmt.Errorf("begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied_updates (update_id, conversation_id, admitted_at)
		 VALUES (?, ?, ?)`,
		updateID, conv.ID, now)
	if err != nil {
		return CommitConflict, fmt.Errorf("admit update %s: %w", updateID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("SQLiteStore.CommitConversation duplicate update", "updateID", updateID)
		return CommitDuplicate, nil
	}

	fieldsJSON, err := marshalFields(conv.Fields)
	if err != nil {
		return CommitConflict, err
	}

	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO conversations (id, current_step, fields, version, last_update_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, string(conv.CurrentStep), fieldsJSON, conv.Version, conv.LastUpdate, conv.CreatedAt, conv.UpdatedAt)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE conversations SET current_step = ?, fields = ?, version = ?, last_update_id = ?, updated_at = ?
			 WHERE id = ? AND version = ?`,
			string(conv.CurrentStep), fieldsJSON, conv.Version, conv.LastUpdate, conv.UpdatedAt, conv.ID, expectedVersion)
	}
	if err != nil {
		return CommitConflict, fmt.Errorf("commit conversation %s: %w", conv.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("SQLiteStore.CommitConversation version conflict", "id", conv.ID, "expectedVersion", expectedVersion)
		return CommitConflict, nil
	}

	if conv.CurrentStep == models.StepCompleted {
		jobID := util.GenerateRandomID("rj_", 32)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO render_jobs (id, conversation_id, status, attempts, created_at, updated_at)
			 VALUES (?, ?, 'queued', 0, ?, ?)`,
			jobID, conv.ID, now, now); err != nil {
			return CommitConflict, fmt.Errorf("enqueue render job for %s: %w", conv.ID, err)
		}
		slog.Debug("SQLiteStore.CommitConversation enqueued render job", "id", conv.ID, "jobID", jobID)
	}

	if err := tx.Commit(); err != nil {
		return CommitConflict, fmt.Errorf("commit conversation transaction: %w", err)
	}
	slog.Debug("SQLiteStore.CommitConversation succeeded", "id", conv.ID, "version", conv.Version, "step", conv.CurrentStep)
	return CommitOK, nil
}

// AdmitUpdate records the update in the ledger without mutating any conversation.
func (s *SQLiteStore) AdmitUpdate(ctx context.Context, updateID, conversationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied_updates (update_id, conversation_id, admitted_at)
		 VALUES (?, ?, ?)`,
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
func (s *SQLiteStore) SeenUpdate(ctx context.Context, updateID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT update_id FROM applied_updates WHERE update_id = ?`, updateID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seen update check: %w", err)
	}
	return true, nil
}

// PruneLedger removes ledger entries admitted before the cutoff.
func (s *SQLiteStore) PruneLedger(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM applied_updates WHERE admitted_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.PruneLedger removed entries", "count", n)
	}
	return int(n), nil
}

// SaveArtifactIfAbsent inserts the artifact unless one already exists for the
// conversation.
func (s *SQLiteStore) SaveArtifactIfAbsent(ctx context.Context, artifact models.DocumentArtifact) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO document_artifacts (id, conversation_id, file_name, content_type, content, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.ConversationID, artifact.FileName, artifact.ContentType, artifact.Content, artifact.GeneratedAt)
	if err != nil {
		return false, fmt.Errorf("save artifact for %s: %w", artifact.ConversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save artifact rows affected: %w", err)
	}
	slog.Debug("SQLiteStore.SaveArtifactIfAbsent", "conversationID", artifact.ConversationID, "saved", n > 0)
	return n > 0, nil
}

// GetArtifact loads the artifact for a conversation, or nil if absent.
func (s *SQLiteStore) GetArtifact(ctx context.Context, conversationID string) (*models.DocumentArtifact, error) {
	var a models.DocumentArtifact
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, file_name, content_type, content, generated_at
		 FROM document_artifacts WHERE conversation_id = ?`, conversationID).Scan(
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
func (s *SQLiteStore) EnqueueRenderJob(ctx context.Context, conversationID string) (string, error) {
	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM render_jobs WHERE conversation_id = ? AND status <> 'done'`,
		conversationID).Scan(&existingID)
	if err == nil {
		slog.Debug("SQLiteStore.EnqueueRenderJob: pending job exists", "conversationID", conversationID, "existingID", existingID)
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("render job dedupe check: %w", err)
	}

	id := util.GenerateRandomID("rj_", 32)
	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO render_jobs (id, conversation_id, status, attempts, created_at, updated_at)
		 VALUES (?, ?, 'queued', 0, ?, ?)`,
		id, conversationID, now, now); err != nil {
		return "", fmt.Errorf("enqueue render job: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueRenderJob", "id", id, "conversationID", conversationID)
	return id, nil
}

// ClaimDueRenderJobs marks due queued jobs as rendering and returns them.
// SQLite has a single writer, so the select-then-mark pair needs no row locks.
func (s *SQLiteStore) ClaimDueRenderJobs(ctx context.Context, now time.Time, limit int) ([]models.RenderJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, status, attempts, next_attempt_at, locked_at, last_error, created_at, updated_at
		 FROM render_jobs WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
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

	for i := range jobs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE render_jobs SET status = 'rendering', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, jobs[i].ID); err != nil {
			return nil, fmt.Errorf("mark render job rendering: %w", err)
		}
		jobs[i].Status = models.RenderJobStatusRendering
		lockedAt := now
		jobs[i].LockedAt = &lockedAt
	}
	return jobs, nil
}

// MarkRenderJobDone marks a render job as completed.
func (s *SQLiteStore) MarkRenderJobDone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs SET status = 'done', updated_at = ? WHERE id = ?`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("mark render job done: %w", err)
	}
	return nil
}

// FailRenderJob records a failure and schedules the next attempt.
func (s *SQLiteStore) FailRenderJob(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		errMsg, nextAttemptAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("fail render job: %w", err)
	}
	return nil
}

// RequeueStaleRenderJobs resets jobs stuck in rendering back to queued.
func (s *SQLiteStore) RequeueStaleRenderJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs SET status = 'queued', locked_at = NULL, updated_at = ?
		 WHERE status = 'rendering' AND locked_at < ?`,
		time.Now(), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale render jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleRenderJobs", "requeued", n)
	}
	return int(n), nil
}

// ListCompletedWithoutArtifact returns completed conversations that have no
// artifact and no pending render job.
func (s *SQLiteStore) ListCompletedWithoutArtifact(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id FROM conversations c
		 LEFT JOIN document_artifacts a ON a.conversation_id = c.id
		 WHERE c.current_step = ? AND a.id IS NULL
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
