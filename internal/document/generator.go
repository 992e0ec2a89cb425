package document

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FormFlow/internal/models"
	"github.com/BTreeMap/FormFlow/internal/store"
)

// GenerateResult classifies the outcome of a generation attempt.
type GenerateResult int

const (
	// Generated means this call rendered and persisted the artifact.
	Generated GenerateResult = iota
	// AlreadyExists means an artifact was already present; nothing was written.
	AlreadyExists
)

// Generator renders and persists artifacts for completed conversations.
// Persistence is guarded by the uniqueness constraint on conversation_id, so
// concurrent or repeated invocations converge to AlreadyExists rather than a
// second artifact.
type Generator struct {
	store    store.Store
	renderer Renderer
}

// NewGenerator creates a generator over the store and renderer.
func NewGenerator(st store.Store, r Renderer) *Generator {
	return &Generator{store: st, renderer: r}
}

// Generate produces the artifact for a completed conversation. Rendering
// failures return an error and persist nothing; the caller retries with
// backoff.
func (g *Generator) Generate(ctx context.Context, conversationID string) (GenerateResult, error) {
	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		return AlreadyExists, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if conv == nil {
		return AlreadyExists, fmt.Errorf("conversation %s not found", conversationID)
	}
	if conv.CurrentStep != models.StepCompleted {
		return AlreadyExists, fmt.Errorf("conversation %s is not completed (step %q)", conversationID, conv.CurrentStep)
	}

	// Skip rendering when the artifact already exists; the save below is
	// the authoritative guard.
	existing, err := g.store.GetArtifact(ctx, conversationID)
	if err != nil {
		return AlreadyExists, fmt.Errorf("artifact lookup for %s: %w", conversationID, err)
	}
	if existing != nil {
		return AlreadyExists, nil
	}

	content, err := g.renderer.Render(conv)
	if err != nil {
		return AlreadyExists, fmt.Errorf("render conversation %s: %w", conversationID, err)
	}

	artifact := models.DocumentArtifact{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		FileName:       FileName(conversationID),
		ContentType:    ArtifactContentType,
		Content:        content,
		GeneratedAt:    time.Now(),
	}

	saved, err := g.store.SaveArtifactIfAbsent(ctx, artifact)
	if err != nil {
		return AlreadyExists, fmt.Errorf("save artifact for %s: %w", conversationID, err)
	}
	if !saved {
		slog.Debug("Generator.Generate: artifact already exists", "conversationID", conversationID)
		return AlreadyExists, nil
	}
	slog.Info("Generator.Generate: artifact generated", "conversationID", conversationID, "bytes", len(content))
	return Generated, nil
}
