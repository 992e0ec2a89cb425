package models

import "time"

// DocumentArtifact is the rendered output of a completed conversation.
// At most one artifact exists per conversation; it is immutable once saved.
type DocumentArtifact struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	FileName       string    `json:"file_name"`
	ContentType    string    `json:"content_type"`
	Content        []byte    `json:"-"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// RenderJobStatus represents the lifecycle state of a render job.
type RenderJobStatus string

const (
	RenderJobStatusQueued    RenderJobStatus = "queued"
	RenderJobStatusRendering RenderJobStatus = "rendering"
	RenderJobStatusDone      RenderJobStatus = "done"
)

// RenderJob is a durable request to generate and deliver the document for a
// completed conversation. Jobs are enqueued in the same transaction as the
// COMPLETED transition and consumed by an idempotent worker, so a crash
// between transition and rendering is recovered by requeueing.
type RenderJob struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Status         RenderJobStatus `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at"`
	LockedAt       *time.Time      `json:"locked_at"`
	LastError      string          `json:"last_error"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
