package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/FormFlow/internal/flow"
	"github.com/BTreeMap/FormFlow/internal/messaging"
	"github.com/BTreeMap/FormFlow/internal/models"
	"github.com/BTreeMap/FormFlow/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.InMemoryStore, *messaging.InMemoryNotifier) {
	t.Helper()
	st := store.NewInMemoryStore()
	notifier := messaging.NewInMemoryNotifier()
	eng := New(st, flow.NewIntakeDefinition(), WithNotifier(notifier))
	return eng, st, notifier
}

func textUpdate(id, conversationID, payload string) models.Update {
	return models.Update{
		ID:             id,
		ConversationID: conversationID,
		Kind:           models.UpdateKindText,
		Payload:        payload,
		ReceivedAt:     time.Now(),
	}
}

func TestHandleCreatesConversationOnFirstUpdate(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := eng.Handle(ctx, textUpdate("u1", "c1", "agree"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != OutcomeAdvanced {
		t.Fatalf("expected advanced, got %v", res.Outcome)
	}
	if res.NewStep != models.StepFullName {
		t.Errorf("expected step %q, got %q", models.StepFullName, res.NewStep)
	}

	conv, err := st.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv == nil {
		t.Fatal("conversation was not created")
	}
	if conv.Version != 1 {
		t.Errorf("expected version 1, got %d", conv.Version)
	}
	if conv.Fields[models.FieldConsent] != "agreed" {
		t.Errorf("consent field not recorded: %v", conv.Fields)
	}
	if conv.LastUpdate != "u1" {
		t.Errorf("expected last update u1, got %q", conv.LastUpdate)
	}
}

func TestHandleReplayedUpdateIsDuplicate(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	upd := textUpdate("u1", "c1", "agree")
	if _, err := eng.Handle(ctx, upd); err != nil {
		t.Fatalf("first Handle failed: %v", err)
	}
	before, _ := st.GetConversation(ctx, "c1")

	res, err := eng.Handle(ctx, upd)
	if err != nil {
		t.Fatalf("replay Handle failed: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %v", res.Outcome)
	}

	after, _ := st.GetConversation(ctx, "c1")
	if after.Version != before.Version || after.CurrentStep != before.CurrentStep {
		t.Errorf("replay mutated conversation: before=%+v after=%+v", before, after)
	}
}

func TestHandleRejectsInvalidInputWithoutMutation(t *testing.T) {
	eng, st, notifier := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Handle(ctx, textUpdate("u1", "c1", "agree")); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	res, err := eng.Handle(ctx, textUpdate("u2", "c1", "OnlyOneName"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %v", res.Outcome)
	}
	if res.Reason == "" {
		t.Error("rejection reason missing")
	}

	conv, _ := st.GetConversation(ctx, "c1")
	if conv.Version != 1 || conv.CurrentStep != models.StepFullName {
		t.Errorf("rejection mutated conversation: %+v", conv)
	}
	if conv.LastUpdate != "u1" {
		t.Errorf("rejection changed last update: %q", conv.LastUpdate)
	}

	// The rejection reason is relayed to the user.
	msgs := notifier.Messages()
	if len(msgs) == 0 || msgs[len(msgs)-1].Body != res.Reason {
		t.Errorf("rejection reason not sent: %v", msgs)
	}
}

func TestHandleRejectedUpdateReplayIsDuplicate(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Handle(ctx, textUpdate("u1", "c1", "agree")); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	bad := textUpdate("u2", "c1", "???")
	res, err := eng.Handle(ctx, bad)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %v", res.Outcome)
	}

	res, err = eng.Handle(ctx, bad)
	if err != nil {
		t.Fatalf("replay Handle failed: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Errorf("replayed rejected update should be duplicate, got %v", res.Outcome)
	}
}

func TestHandleRejectedFirstUpdateCreatesNoConversation(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := eng.Handle(ctx, textUpdate("u1", "c1", "no thanks"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %v", res.Outcome)
	}

	conv, _ := st.GetConversation(ctx, "c1")
	if conv != nil {
		t.Errorf("rejected first update should not create a conversation: %+v", conv)
	}
}

func TestHandleFullFlowToCompletion(t *testing.T) {
	eng, st, notifier := newTestEngine(t)
	ctx := context.Background()

	inputs := []struct {
		id      string
		payload string
		step    models.StepID
	}{
		{"u1", "agree", models.StepFullName},
		{"u2", "Ivan Petrov", models.StepBirthDate},
		{"u3", "15.06.1990", models.StepGender},
		{"u4", "male", models.StepReview},
		{"u5", "all_ok", models.StepCompleted},
	}
	for _, in := range inputs {
		res, err := eng.Handle(ctx, textUpdate(in.id, "c1", in.payload))
		if err != nil {
			t.Fatalf("Handle(%s) failed: %v", in.id, err)
		}
		if res.Outcome != OutcomeAdvanced || res.NewStep != in.step {
			t.Fatalf("Handle(%s) = %+v, want advance to %q", in.id, res, in.step)
		}
	}

	conv, _ := st.GetConversation(ctx, "c1")
	if conv.Version != 5 {
		t.Errorf("expected version 5, got %d", conv.Version)
	}
	if conv.Fields[models.FieldConfirmed] != "true" {
		t.Errorf("confirmation field not recorded: %v", conv.Fields)
	}

	// Completion must have enqueued exactly one render job.
	jobs, err := st.ClaimDueRenderJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueRenderJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ConversationID != "c1" {
		t.Fatalf("expected one render job for c1, got %v", jobs)
	}

	// A prompt was sent after each advancement.
	if len(notifier.Messages()) != len(inputs) {
		t.Errorf("expected %d messages, got %d", len(inputs), len(notifier.Messages()))
	}
}

func TestHandleCancelAbandonsConversation(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Handle(ctx, textUpdate("u1", "c1", "agree")); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	res, err := eng.Handle(ctx, textUpdate("u2", "c1", "cancel"))
	if err != nil {
		t.Fatalf("Handle(cancel) failed: %v", err)
	}
	if res.Outcome != OutcomeAdvanced || res.NewStep != models.StepAbandoned {
		t.Fatalf("expected abandonment, got %+v", res)
	}

	conv, _ := st.GetConversation(ctx, "c1")
	if conv.CurrentStep != models.StepAbandoned {
		t.Errorf("expected abandoned step, got %q", conv.CurrentStep)
	}

	// A closed conversation rejects further input.
	res, err = eng.Handle(ctx, textUpdate("u3", "c1", "agree"))
	if err != nil {
		t.Fatalf("Handle after close failed: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Errorf("expected rejection after close, got %v", res.Outcome)
	}
}

func TestHandleClosedConversationStateUnchanged(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	seq := []struct{ id, payload string }{
		{"u1", "agree"}, {"u2", "Ivan Petrov"}, {"u3", "15.06.1990"},
		{"u4", "female"}, {"u5", "all_ok"},
	}
	for _, s := range seq {
		if _, err := eng.Handle(ctx, textUpdate(s.id, "c1", s.payload)); err != nil {
			t.Fatalf("setup Handle(%s) failed: %v", s.id, err)
		}
	}

	res, err := eng.Handle(ctx, textUpdate("u6", "c1", "agree"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("completed conversation must reject input, got %v", res.Outcome)
	}

	conv, _ := st.GetConversation(ctx, "c1")
	if conv.CurrentStep != models.StepCompleted || conv.Version != 5 {
		t.Errorf("closed conversation mutated: %+v", conv)
	}
}

func TestHandleMalformedUpdate(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	if _, err := eng.Handle(context.Background(), models.Update{ConversationID: "c1"}); err == nil {
		t.Error("update without ID should fail validation")
	}
	if _, err := eng.Handle(context.Background(), models.Update{ID: "u1"}); err == nil {
		t.Error("update without conversation ID should fail validation")
	}
}

func TestHandleConcurrentUpdatesOneConversation(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Handle(ctx, textUpdate("u0", "c1", "agree")); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	// Two distinct updates race on the same conversation. Exactly one can win
	// the version check; the loser re-evaluates against the advanced state and
	// is rejected because the step has moved past full name.
	const n = 4
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := eng.Handle(ctx, textUpdate(fmt.Sprintf("race-%d", i), "c1", "Ivan Petrov"))
			if err != nil {
				t.Errorf("concurrent Handle failed: %v", err)
				return
			}
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	advanced := 0
	for _, o := range outcomes {
		if o == OutcomeAdvanced {
			advanced++
		}
	}
	if advanced != 1 {
		t.Errorf("expected exactly one advancement, got %d (outcomes %v)", advanced, outcomes)
	}

	conv, _ := st.GetConversation(ctx, "c1")
	if conv.Version != 2 || conv.CurrentStep != models.StepBirthDate {
		t.Errorf("unexpected final state: %+v", conv)
	}
}

func TestHandleDistinctConversationsDoNotInterfere(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conv-%d", i)
			if _, err := eng.Handle(ctx, textUpdate("u-"+id, id, "agree")); err != nil {
				t.Errorf("Handle(%s) failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	convs, err := st.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(convs) != 8 {
		t.Errorf("expected 8 conversations, got %d", len(convs))
	}
}

// conflictingStore reports a version conflict on every commit.
type conflictingStore struct {
	*store.InMemoryStore
	commits int32
}

func (s *conflictingStore) CommitConversation(ctx context.Context, conv *models.Conversation, expectedVersion int64, updateID string) (store.CommitOutcome, error) {
	atomic.AddInt32(&s.commits, 1)
	return store.CommitConflict, nil
}

func TestHandleConflictRetriesExhausted(t *testing.T) {
	st := &conflictingStore{InMemoryStore: store.NewInMemoryStore()}
	notifier := messaging.NewInMemoryNotifier()
	eng := New(st, flow.NewIntakeDefinition(), WithNotifier(notifier), WithMaxCommitAttempts(3))
	ctx := context.Background()

	_, err := eng.Handle(ctx, textUpdate("u1", "c1", "agree"))
	if !errors.Is(err, ErrConflictExhausted) {
		t.Fatalf("expected ErrConflictExhausted, got %v", err)
	}
	if got := atomic.LoadInt32(&st.commits); got != 3 {
		t.Errorf("commit attempts = %d, want 3", got)
	}

	seen, err := st.SeenUpdate(ctx, "u1")
	if err != nil {
		t.Fatalf("SeenUpdate failed: %v", err)
	}
	if seen {
		t.Error("update must not be admitted when every commit conflicts")
	}
	if len(notifier.Messages()) != 0 {
		t.Errorf("no message should be sent on exhaustion, got %v", notifier.Messages())
	}
}

// failingStore simulates an unavailable storage backend on commit.
type failingStore struct {
	*store.InMemoryStore
}

func (s *failingStore) CommitConversation(ctx context.Context, conv *models.Conversation, expectedVersion int64, updateID string) (store.CommitOutcome, error) {
	return store.CommitConflict, errors.New("connection reset")
}

func TestHandleStorageErrorLeavesLedgerUntouched(t *testing.T) {
	st := &failingStore{InMemoryStore: store.NewInMemoryStore()}
	eng := New(st, flow.NewIntakeDefinition())
	ctx := context.Background()

	_, err := eng.Handle(ctx, textUpdate("u1", "c1", "agree"))
	if err == nil {
		t.Fatal("expected storage error to propagate")
	}
	if errors.Is(err, ErrConflictExhausted) {
		t.Fatalf("storage failure must not be classified as conflict exhaustion: %v", err)
	}

	seen, serr := st.SeenUpdate(ctx, "u1")
	if serr != nil {
		t.Fatalf("SeenUpdate failed: %v", serr)
	}
	if seen {
		t.Error("update must not be admitted when the commit fails")
	}
	conv, gerr := st.GetConversation(ctx, "c1")
	if gerr != nil {
		t.Fatalf("GetConversation failed: %v", gerr)
	}
	if conv != nil {
		t.Errorf("no conversation should be persisted, got %+v", conv)
	}

	// Redelivery after the outage applies the update normally.
	healthy := New(st.InMemoryStore, flow.NewIntakeDefinition())
	res, err := healthy.Handle(ctx, textUpdate("u1", "c1", "agree"))
	if err != nil {
		t.Fatalf("Handle after recovery failed: %v", err)
	}
	if res.Outcome != OutcomeAdvanced {
		t.Errorf("expected advanced after recovery, got %v", res.Outcome)
	}
}
