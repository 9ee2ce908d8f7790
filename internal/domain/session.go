// Package domain contains core domain types for the artefact relay.
package domain

import (
	"time"
)

// ConversationHandle is the remote service's identifier for one ongoing dialogue.
type ConversationHandle string

// Role identifies who authored a message in a participant's history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single stored exchange entry.
type Message struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ParticipantSession holds the conversation state for one participant.
type ParticipantSession struct {
	ParticipantID      string             `json:"participant_id"`
	ConversationHandle ConversationHandle `json:"conversation_handle,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	Messages           []Message          `json:"messages,omitempty"`
}

// HasConversation returns true once a conversation handle has been assigned.
func (s *ParticipantSession) HasConversation() bool {
	return s.ConversationHandle != ""
}

// SessionSummary is a lightweight listing entry for administrative views.
type SessionSummary struct {
	ParticipantID string    `json:"participant_id"`
	MessageCount  int       `json:"message_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
