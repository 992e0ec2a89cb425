package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestUpdateValidate(t *testing.T) {
	tests := []struct {
		name    string
		update  Update
		wantErr error
	}{
		{
			name:   "valid text update",
			update: Update{ID: "u1", ConversationID: "c1", Kind: UpdateKindText, Payload: "hello"},
		},
		{
			name:   "valid callback with empty payload",
			update: Update{ID: "u2", ConversationID: "c1", Kind: UpdateKindCallback},
		},
		{
			name:    "missing update id",
			update:  Update{ConversationID: "c1", Payload: "hello"},
			wantErr: ErrEmptyUpdateID,
		},
		{
			name:    "missing conversation id",
			update:  Update{ID: "u1", Payload: "hello"},
			wantErr: ErrEmptyConversationID,
		},
		{
			name:    "payload too long",
			update:  Update{ID: "u1", ConversationID: "c1", Payload: strings.Repeat("x", MaxPayloadLength+1)},
			wantErr: ErrPayloadTooLong,
		},
		{
			name:   "payload at limit",
			update: Update{ID: "u1", ConversationID: "c1", Payload: strings.Repeat("x", MaxPayloadLength)},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.update.Validate()
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestStepIsTerminal(t *testing.T) {
	terminal := []StepID{StepCompleted, StepAbandoned}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	active := []StepID{StepConsent, StepFullName, StepBirthDate, StepGender, StepReview}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestConversationClone(t *testing.T) {
	now := time.Now()
	orig := &Conversation{
		ID:          "c1",
		CurrentStep: StepBirthDate,
		Fields: map[FieldKey]string{
			FieldConsent:  "agreed",
			FieldFullName: "Ivan Petrov",
		},
		Version:    2,
		LastUpdate: "u2",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	cp := orig.Clone()
	cp.Fields[FieldBirthDate] = "15.06.1990"
	cp.Version = 3

	if _, ok := orig.Fields[FieldBirthDate]; ok {
		t.Error("mutating the clone's fields leaked into the original")
	}
	if orig.Version != 2 {
		t.Errorf("original version changed to %d", orig.Version)
	}
	if cp.ID != orig.ID || cp.LastUpdate != orig.LastUpdate {
		t.Error("clone lost scalar fields")
	}
}

func TestConversationCloneNil(t *testing.T) {
	var c *Conversation
	if c.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestAPIResponseConstructors(t *testing.T) {
	ok := Success([]int{1, 2})
	if ok.Status != string(APIStatusOK) || ok.Message != "" {
		t.Errorf("Success() = %+v", ok)
	}

	withMsg := SuccessWithMessage("done", nil)
	if withMsg.Status != string(APIStatusOK) || withMsg.Message != "done" {
		t.Errorf("SuccessWithMessage() = %+v", withMsg)
	}

	errResp := Error("boom")
	if errResp.Status != string(APIStatusError) || errResp.Message != "boom" || errResp.Result != nil {
		t.Errorf("Error() = %+v", errResp)
	}
}
