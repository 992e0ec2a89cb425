package models

import "time"

// StepID identifies one stage of the static intake flow.
type StepID string

const (
	// StepConsent asks the user to accept data processing.
	StepConsent StepID = "consent"
	// StepFullName collects the user's full name.
	StepFullName StepID = "full_name"
	// StepBirthDate collects the user's birth date (dd.MM.yyyy).
	StepBirthDate StepID = "birth_date"
	// StepGender collects the user's gender selection.
	StepGender StepID = "gender"
	// StepReview asks the user to confirm the collected data.
	StepReview StepID = "review"

	// StepCompleted is the terminal success state; a document is generated.
	StepCompleted StepID = "completed"
	// StepAbandoned is the terminal cancellation state.
	StepAbandoned StepID = "abandoned"
)

// IsTerminal reports whether the step is a terminal state.
func (s StepID) IsTerminal() bool {
	return s == StepCompleted || s == StepAbandoned
}

// FieldKey names a collected field inside a conversation.
type FieldKey string

const (
	FieldConsent   FieldKey = "consent"
	FieldFullName  FieldKey = "full_name"
	FieldBirthDate FieldKey = "birth_date"
	FieldGender    FieldKey = "gender"
	FieldConfirmed FieldKey = "confirmed"
)

// Conversation is the durable record of one multi-step interaction with one
// external chat session. It is created lazily on the first applied update and
// mutated only by the engine. Version increases by exactly 1 on every applied
// update; LastUpdateID is the update that produced the current version.
// Conversations are never deleted (retained for audit).
type Conversation struct {
	ID          string              `json:"id"`
	CurrentStep StepID              `json:"current_step"`
	Fields      map[FieldKey]string `json:"fields"`
	Version     int64               `json:"version"`
	LastUpdate  string              `json:"last_update_id"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate a working copy while
// retaining the loaded snapshot for version comparison.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Fields = make(map[FieldKey]string, len(c.Fields))
	for k, v := range c.Fields {
		cp.Fields[k] = v
	}
	return &cp
}
