package events

import (
	"context"
	"testing"
	"time"

	"github.com/iago/conversation-insights/internal/domain"
)

func TestOutcomeValuesForCompletedConversation(t *testing.T) {
	score := 0.75
	confidence := 0.9
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	values := outcomeValues(Outcome{
		ConversationID: "conv_1",
		Status:         domain.StatusCompleted,
		SentimentScore: &score,
		Confidence:     &confidence,
		Model:          "grok-3",
		FinishedAt:     finished,
	})

	if values["conversation_id"] != "conv_1" || values["status"] != "completed" {
		t.Fatalf("unexpected identity fields: %v", values)
	}
	if values["sentiment_score"] != "0.75" || values["confidence"] != "0.9" {
		t.Fatalf("unexpected score fields: %v", values)
	}
	if values["finished_at"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected finished_at: %v", values["finished_at"])
	}
	if _, ok := values["error"]; ok {
		t.Fatalf("error must be omitted for completed outcomes")
	}
}

func TestOutcomeValuesForFailedConversation(t *testing.T) {
	values := outcomeValues(Outcome{
		ConversationID: "conv_2",
		Status:         domain.StatusFailed,
		Error:          "missing from enrichment results",
	})
	if values["error"] != "missing from enrichment results" {
		t.Fatalf("expected error field, got %v", values)
	}
	if _, ok := values["sentiment_score"]; ok {
		t.Fatalf("failed outcomes carry no score")
	}
	if values["finished_at"] == "" {
		t.Fatalf("finished_at must default to now")
	}
}

func TestNewStreamsPublisherRequiresAddress(t *testing.T) {
	if _, err := NewStreamsPublisher(context.Background(), StreamsConfig{}); err == nil {
		t.Fatalf("expected error without address")
	}
}

func TestNoopPublisher(t *testing.T) {
	var publisher Publisher = NoopPublisher{}
	if err := publisher.Publish(context.Background(), Outcome{ConversationID: "x"}); err != nil {
		t.Fatalf("noop publish failed: %v", err)
	}
}
