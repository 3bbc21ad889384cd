package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iago/conversation-insights/internal/domain"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("conversation id already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ConversationStore owns the persisted state of conversations and insights.
// Every status change is atomic per conversation id.
type ConversationStore interface {
	Insert(ctx context.Context, conversation *domain.Conversation) error
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	SetStatus(ctx context.Context, id string, status domain.ConversationStatus, errMsg string) error
	AttachResponse(ctx context.Context, id string, raw json.RawMessage) error
	WriteInsight(ctx context.Context, insight *domain.Insight) error
	GetInsight(ctx context.Context, conversationID string) (*domain.Insight, error)
	ListPending(ctx context.Context) ([]string, error)
	QueryInsights(ctx context.Context, filter domain.InsightFilter) ([]domain.Insight, int, error)
	Close() error
}

func statusStrings(statuses []domain.ConversationStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}

// transitionError explains why a guarded update touched no row.
func transitionError(current domain.ConversationStatus, target domain.ConversationStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
}

func encodeJSON(value any, fallback string) ([]byte, error) {
	if value == nil {
		return []byte(fallback), nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if string(encoded) == "null" {
		return []byte(fallback), nil
	}
	return encoded, nil
}
