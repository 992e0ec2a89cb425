// Package messaging defines the transport-facing contracts of FormFlow: the
// pull-based update source the ingest loop drains and the outbound notifier
// that delivers replies and generated documents.
package messaging

import (
	"context"

	"github.com/BTreeMap/FormFlow/internal/models"
)

// Source is a pull-based stream of inbound updates. Implementations must
// tolerate empty batches and may redeliver previously seen updates; the
// engine's ledger makes redelivery harmless.
type Source interface {
	// Poll blocks until updates are available, the poll window elapses (empty
	// batch), or the context is cancelled.
	Poll(ctx context.Context) ([]models.Update, error)

	// Start begins any background processing the source needs.
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error
}

// Notifier delivers messages and documents back through the conversation's
// reply channel. Sends are fire-and-forget with provider-side retry; the
// engine never blocks its state machine on delivery acknowledgment.
type Notifier interface {
	// SendMessage sends a text message to the conversation's counterpart.
	SendMessage(ctx context.Context, conversationID, body string) error

	// SendDocument delivers a generated document with a caption.
	SendDocument(ctx context.Context, conversationID string, artifact models.DocumentArtifact, caption string) error
}
