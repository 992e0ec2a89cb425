// Package models defines the core data structures for FormFlow.
//
// It includes types for inbound updates, conversations, and generated
// documents, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// UpdateKind distinguishes how the payload of an update was produced.
type UpdateKind string

const (
	// UpdateKindText carries free-form text typed by the user.
	UpdateKindText UpdateKind = "text"
	// UpdateKindCallback carries the data of a pressed inline button.
	UpdateKindCallback UpdateKind = "callback"
)

// Validation constants for input validation
const (
	// MaxPayloadLength defines the maximum allowed length for update payloads
	MaxPayloadLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyUpdateID       = errors.New("update id cannot be empty")
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrPayloadTooLong      = errors.New("update payload exceeds maximum length")
)

// Update represents one inbound event from the chat platform. Updates are
// immutable once received; identity is the UpdateID. The source delivers
// at least once, so the same UpdateID may be observed repeatedly.
type Update struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Kind           UpdateKind `json:"kind,omitempty"`
	Payload        string     `json:"payload"`
	ReceivedAt     time.Time  `json:"received_at"`
}

// Validate checks that the update carries the fields the engine requires.
func (u Update) Validate() error {
	if u.ID == "" {
		return ErrEmptyUpdateID
	}
	if u.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if len(u.Payload) > MaxPayloadLength {
		return ErrPayloadTooLong
	}
	return nil
}
