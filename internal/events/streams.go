package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// StreamsPublisher appends outcomes to a Redis stream.
type StreamsPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamsPublisher(ctx context.Context, cfg StreamsConfig) (*StreamsPublisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "conversation_outcomes"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100000
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &StreamsPublisher{
		client: client,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
	}, nil
}

func (p *StreamsPublisher) Close() error {
	return p.client.Close()
}

func (p *StreamsPublisher) Publish(ctx context.Context, outcome Outcome) error {
	_, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: outcomeValues(outcome),
	}).Result()
	if err != nil {
		return fmt.Errorf("publish outcome to stream: %w", err)
	}
	return nil
}

func outcomeValues(outcome Outcome) map[string]any {
	finishedAt := outcome.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}
	values := map[string]any{
		"conversation_id": outcome.ConversationID,
		"status":          string(outcome.Status),
		"finished_at":     finishedAt.UTC().Format(time.RFC3339Nano),
	}
	if outcome.Error != "" {
		values["error"] = outcome.Error
	}
	if outcome.Model != "" {
		values["model"] = outcome.Model
	}
	if outcome.SentimentScore != nil {
		values["sentiment_score"] = strconv.FormatFloat(*outcome.SentimentScore, 'f', -1, 64)
	}
	if outcome.Confidence != nil {
		values["confidence"] = strconv.FormatFloat(*outcome.Confidence, 'f', -1, 64)
	}
	return values
}
