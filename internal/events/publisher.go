package events

import (
	"context"
	"time"

	"github.com/iago/conversation-insights/internal/domain"
)

// Outcome is emitted once a conversation reaches a terminal status.
type Outcome struct {
	ConversationID string
	Status         domain.ConversationStatus
	Error          string
	SentimentScore *float64
	Confidence     *float64
	Model          string
	FinishedAt     time.Time
}

// Publisher fans terminal outcomes out to downstream consumers.
// Publishing is best effort; callers log failures and move on.
type Publisher interface {
	Publish(ctx context.Context, outcome Outcome) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Outcome) error { return nil }

func (NoopPublisher) Close() error { return nil }
