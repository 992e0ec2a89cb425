package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/FormFlow/internal/models"
	"github.com/BTreeMap/FormFlow/internal/store"
)

func TestAddJobInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("expected error for invalid cron expression")
	}
	// Seconds field is not part of the 5-field format.
	if err := s.AddJob("* * * * * *", func() {}); err == nil {
		t.Error("expected error for 6-field expression")
	}
}

func TestAddJobRuns(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	fired := make(chan struct{}, 1)
	if err := s.AddJob("* * * * *", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	// The job fires at the next minute boundary; only assert registration
	// succeeded rather than waiting up to a minute here.
}

func TestScheduleLedgerPrune(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	st := store.NewInMemoryStore()
	if err := s.ScheduleLedgerPrune(st, DefaultLedgerRetention); err != nil {
		t.Fatalf("ScheduleLedgerPrune failed: %v", err)
	}
	if err := s.ScheduleLedgerPrune(st, 0); err != nil {
		t.Fatalf("ScheduleLedgerPrune with default retention failed: %v", err)
	}
}

func TestPruneRemovesOldLedgerEntries(t *testing.T) {
	// Exercise the prune the scheduler performs, without waiting for cron.
	st := store.NewInMemoryStore()
	ctx := context.Background()

	conv := &models.Conversation{
		ID:          "c1",
		CurrentStep: models.StepFullName,
		Fields:      map[models.FieldKey]string{models.FieldConsent: "agreed"},
		Version:     1,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if _, err := st.CommitConversation(ctx, conv, 0, "u1"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	pruned, err := st.PruneLedger(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneLedger failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	// After pruning, the same update ID is admitted again.
	next := conv.Clone()
	next.Version = 2
	if outcome, err := st.CommitConversation(ctx, next, 1, "u1"); err != nil {
		t.Fatalf("recommit failed: %v", err)
	} else if outcome != store.CommitOK {
		t.Errorf("outcome after prune = %v, want CommitOK", outcome)
	}
}
