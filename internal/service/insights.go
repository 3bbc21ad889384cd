package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/iago/conversation-insights/internal/domain"
	"github.com/iago/conversation-insights/internal/repository"
)

type InsightsPage struct {
	Items    []domain.Insight
	Total    int
	Returned int
	Start    time.Time
	End      time.Time
}

type InsightsService struct {
	store repository.ConversationStore
}

func NewInsightsService(store repository.ConversationStore) *InsightsService {
	return &InsightsService{store: store}
}

func (s *InsightsService) Query(ctx context.Context, filter domain.InsightFilter) (InsightsPage, error) {
	if filter.StartTime.IsZero() || filter.EndTime.IsZero() {
		return InsightsPage{}, fmt.Errorf("%w: start_time and end_time are required", ErrValidation)
	}
	if !filter.EndTime.After(filter.StartTime) {
		return InsightsPage{}, fmt.Errorf("%w: end_time must be after start_time", ErrValidation)
	}
	if filter.Limit < 0 {
		return InsightsPage{}, fmt.Errorf("%w: limit must be positive", ErrValidation)
	}
	if filter.MinConfidence != nil && (math.IsNaN(*filter.MinConfidence) || *filter.MinConfidence < 0 || *filter.MinConfidence > 1) {
		return InsightsPage{}, fmt.Errorf("%w: min_confidence must be between 0 and 1", ErrValidation)
	}
	if filter.Sentiment != "" && !filter.Sentiment.Valid() {
		return InsightsPage{}, fmt.Errorf("%w: sentiment must be positive, neutral or negative", ErrValidation)
	}

	filter.Limit = filter.EffectiveLimit()
	items, total, err := s.store.QueryInsights(ctx, filter)
	if err != nil {
		return InsightsPage{}, fmt.Errorf("query insights: %w", err)
	}
	return InsightsPage{
		Items:    items,
		Total:    total,
		Returned: len(items),
		Start:    filter.StartTime,
		End:      filter.EndTime,
	}, nil
}
