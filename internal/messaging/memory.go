package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/FormFlow/internal/models"
)

// InMemorySource is a Source fed by tests. Queued updates are returned by the
// next Poll call; an empty queue yields an empty batch.
type InMemorySource struct {
	mu      sync.Mutex
	pending []models.Update
}

// NewInMemorySource creates an empty in-memory source.
func NewInMemorySource() *InMemorySource {
	return &InMemorySource{}
}

// Queue appends updates for the next poll.
func (s *InMemorySource) Queue(updates ...models.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, updates...)
}

func (s *InMemorySource) Poll(ctx context.Context) ([]models.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch, nil
}

func (s *InMemorySource) Start(ctx context.Context) error { return nil }
func (s *InMemorySource) Stop() error                     { return nil }

// SentMessage records one outbound text message.
type SentMessage struct {
	ConversationID string
	Body           string
}

// SentDocument records one outbound document delivery.
type SentDocument struct {
	ConversationID string
	Artifact       models.DocumentArtifact
	Caption        string
}

// InMemoryNotifier is a Notifier that records sends for assertions.
type InMemoryNotifier struct {
	mu        sync.Mutex
	messages  []SentMessage
	documents []SentDocument
}

// NewInMemoryNotifier creates an empty in-memory notifier.
func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) SendMessage(ctx context.Context, conversationID, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, SentMessage{ConversationID: conversationID, Body: body})
	return nil
}

func (n *InMemoryNotifier) SendDocument(ctx context.Context, conversationID string, artifact models.DocumentArtifact, caption string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.documents = append(n.documents, SentDocument{ConversationID: conversationID, Artifact: artifact, Caption: caption})
	return nil
}

// Messages returns a copy of the recorded text messages.
func (n *InMemoryNotifier) Messages() []SentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SentMessage(nil), n.messages...)
}

// Documents returns a copy of the recorded document deliveries.
func (n *InMemoryNotifier) Documents() []SentDocument {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SentDocument(nil), n.documents...)
}
