package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/FormFlow/internal/models"
)

// marshalFields serializes collected fields to JSON for storage.
func marshalFields(fields map[models.FieldKey]string) ([]byte, error) {
	if len(fields) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation fields: %w", err)
	}
	return b, nil
}

// unmarshalFields deserializes collected fields from storage.
func unmarshalFields(data []byte) (map[models.FieldKey]string, error) {
	fields := make(map[models.FieldKey]string)
	if len(data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal conversation fields: %w", err)
	}
	return fields, nil
}

// scanConversation scans a conversation from sql.Rows.
func scanConversation(rows *sql.Rows) (*models.Conversation, error) {
	var conv models.Conversation
	var step string
	var fieldsJSON []byte
	err := rows.Scan(&conv.ID, &step, &fieldsJSON, &conv.Version, &conv.LastUpdate, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan conversation failed: %w", err)
	}
	conv.CurrentStep = models.StepID(step)
	conv.Fields, err = unmarshalFields(fieldsJSON)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// scanConversationRow scans a conversation from a single sql.Row. Callers
// must check for sql.ErrNoRows.
func scanConversationRow(row *sql.Row) (*models.Conversation, error) {
	var conv models.Conversation
	var step string
	var fieldsJSON []byte
	err := row.Scan(&conv.ID, &step, &fieldsJSON, &conv.Version, &conv.LastUpdate, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	conv.CurrentStep = models.StepID(step)
	conv.Fields, err = unmarshalFields(fieldsJSON)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// scanRenderJob scans a render job from sql.Rows.
func scanRenderJob(rows *sql.Rows) (models.RenderJob, error) {
	var j models.RenderJob
	var status string
	var lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(&j.ID, &j.ConversationID, &status, &j.Attempts, &nextAttemptAt, &lockedAt, &lastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, fmt.Errorf("scan render job failed: %w", err)
	}
	j.Status = models.RenderJobStatus(status)
	j.LastError = lastError.String
	if nextAttemptAt.Valid {
		j.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}
