package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/BTreeMap/FormFlow/internal/flow"
	"github.com/BTreeMap/FormFlow/internal/messaging"
	"github.com/BTreeMap/FormFlow/internal/models"
	"github.com/BTreeMap/FormFlow/internal/store"
)

func TestPartitionForIsStable(t *testing.T) {
	d := NewDispatcher(nil, messaging.NewInMemorySource(), WithPartitions(8))

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("conversation-%d", i)
		p := d.partitionFor(id)
		if p < 0 || p >= 8 {
			t.Fatalf("partition %d out of range for %q", p, id)
		}
		for j := 0; j < 5; j++ {
			if q := d.partitionFor(id); q != p {
				t.Fatalf("partitionFor(%q) not stable: %d then %d", id, p, q)
			}
		}
	}
}

func TestDispatcherProcessesUpdatesInOrder(t *testing.T) {
	st := store.NewInMemoryStore()
	eng := New(st, flow.NewIntakeDefinition())
	source := messaging.NewInMemorySource()

	now := time.Now()
	seq := []struct{ id, payload string }{
		{"u1", "agree"}, {"u2", "Ivan Petrov"}, {"u3", "15.06.1990"},
		{"u4", "male"}, {"u5", "all_ok"},
	}
	for _, s := range seq {
		source.Queue(models.Update{
			ID:             s.id,
			ConversationID: "c1",
			Kind:           models.UpdateKindText,
			Payload:        s.payload,
			ReceivedAt:     now,
		})
	}

	d := NewDispatcher(eng, source, WithPartitions(4))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Wait for the conversation to reach the terminal step.
	deadline := time.After(5 * time.Second)
	for {
		conv, err := st.GetConversation(context.Background(), "c1")
		if err != nil {
			t.Fatalf("GetConversation failed: %v", err)
		}
		if conv != nil && conv.CurrentStep == models.StepCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("conversation did not complete, state: %+v", conv)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("dispatcher Run returned error: %v", err)
	}

	conv, _ := st.GetConversation(context.Background(), "c1")
	if conv.Version != 5 {
		t.Errorf("expected version 5, got %d", conv.Version)
	}
	if conv.Fields[models.FieldFullName] != "Ivan Petrov" {
		t.Errorf("fields out of order: %v", conv.Fields)
	}
}

func TestDispatcherHandlesManyConversations(t *testing.T) {
	st := store.NewInMemoryStore()
	eng := New(st, flow.NewIntakeDefinition())
	source := messaging.NewInMemorySource()

	const conversations = 16
	now := time.Now()
	for i := 0; i < conversations; i++ {
		source.Queue(models.Update{
			ID:             fmt.Sprintf("u-%d", i),
			ConversationID: fmt.Sprintf("conv-%d", i),
			Kind:           models.UpdateKindText,
			Payload:        "agree",
			ReceivedAt:     now,
		})
	}

	d := NewDispatcher(eng, source, WithPartitions(4), WithPartitionQueueSize(8))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		convs, err := st.ListConversations(context.Background())
		if err != nil {
			t.Fatalf("ListConversations failed: %v", err)
		}
		if len(convs) == conversations {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of %d conversations created", len(convs), conversations)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("dispatcher Run returned error: %v", err)
	}
}
