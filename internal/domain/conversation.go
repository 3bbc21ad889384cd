package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type ConversationStatus string

const (
	StatusQueued     ConversationStatus = "queued"
	StatusProcessing ConversationStatus = "processing"
	StatusCompleted  ConversationStatus = "completed"
	StatusFailed     ConversationStatus = "failed"
)

// allowedPredecessors lists, for each target status, the statuses a
// conversation may move from. Nothing ever moves back to queued.
var allowedPredecessors = map[ConversationStatus][]ConversationStatus{
	StatusProcessing: {StatusQueued, StatusProcessing},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusQueued, StatusProcessing},
}

func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s ConversationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Pending reports whether the conversation still needs a worker pass.
func (s ConversationStatus) Pending() bool {
	return s == StatusQueued || s == StatusProcessing
}

// CanTransition reports whether from -> to respects the forward-only rule.
func CanTransition(from, to ConversationStatus) bool {
	for _, candidate := range allowedPredecessors[to] {
		if candidate == from {
			return true
		}
	}
	return false
}

// PredecessorsOf returns the statuses from which to is reachable.
func PredecessorsOf(to ConversationStatus) []ConversationStatus {
	return append([]ConversationStatus(nil), allowedPredecessors[to]...)
}

type Message struct {
	Role      string     `json:"role,omitempty"`
	AuthorID  string     `json:"author_id,omitempty"`
	Text      string     `json:"text"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Inbound   *bool      `json:"inbound,omitempty"`
}

// Speaker is the label used for the message when flattening a conversation.
func (m Message) Speaker() string {
	if role := strings.TrimSpace(m.Role); role != "" {
		return role
	}
	if author := strings.TrimSpace(m.AuthorID); author != "" {
		return author
	}
	return "user"
}

// Conversation is the unit accepted at ingress and enriched by the worker.
type Conversation struct {
	ID           string
	Messages     []Message
	Metadata     map[string]any
	Status       ConversationStatus
	Error        string
	RawPayload   json.RawMessage
	LastResponse json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
