package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/BTreeMap/FormFlow/internal/models"
)

func getenvOrSkip(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresCommitLifecycle(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	id := "pg-test-" + time.Now().Format("20060102150405.000000")
	upd1 := "u1-" + id

	conv := newConversation(id, models.StepFullName, 1)
	outcome, err := s.CommitConversation(ctx, conv, 0, upd1)
	if err != nil {
		t.Fatalf("CommitConversation failed: %v", err)
	}
	if outcome != CommitOK {
		t.Fatalf("expected CommitOK, got %v", outcome)
	}

	// Duplicate update ID.
	outcome, err = s.CommitConversation(ctx, newConversation(id, models.StepBirthDate, 2), 1, upd1)
	if err != nil || outcome != CommitDuplicate {
		t.Fatalf("duplicate commit: %v, %v", outcome, err)
	}

	// Version conflict.
	outcome, err = s.CommitConversation(ctx, newConversation(id, models.StepBirthDate, 3), 2, "u2-"+id)
	if err != nil || outcome != CommitConflict {
		t.Fatalf("conflicting commit: %v, %v", outcome, err)
	}

	got, err := s.GetConversation(ctx, id)
	if err != nil || got == nil || got.Version != 1 {
		t.Fatalf("unexpected conversation after conflicts: %+v, %v", got, err)
	}
}

func TestPostgresRenderJobClaim(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	id := "pg-job-" + time.Now().Format("20060102150405.000000")
	if _, err := s.CommitConversation(ctx, newConversation(id, models.StepCompleted, 1), 0, "u-"+id); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	jobs, err := s.ClaimDueRenderJobs(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("ClaimDueRenderJobs failed: %v", err)
	}
	var claimed *models.RenderJob
	for i := range jobs {
		if jobs[i].ConversationID == id {
			claimed = &jobs[i]
		}
	}
	if claimed == nil {
		t.Fatalf("completion did not enqueue a job for %s", id)
	}
	if err := s.MarkRenderJobDone(ctx, claimed.ID); err != nil {
		t.Fatalf("MarkRenderJobDone failed: %v", err)
	}
}
