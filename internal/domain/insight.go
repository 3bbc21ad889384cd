package domain

import (
	"encoding/json"
	"time"
)

const (
	MaxInsightsLimit     = 1000
	DefaultInsightsLimit = 100

	sentimentBucketThreshold = 0.1
)

// Insight is the validated enrichment result for one conversation.
type Insight struct {
	ConversationID string          `json:"conversation_id"`
	SentimentScore float64         `json:"sentiment_score"`
	Clusters       []string        `json:"clusters"`
	Confidence     float64         `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
	Model          string          `json:"model,omitempty"`
	RawResponse    json.RawMessage `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
}

type SentimentBucket string

const (
	SentimentPositive SentimentBucket = "positive"
	SentimentNeutral  SentimentBucket = "neutral"
	SentimentNegative SentimentBucket = "negative"
)

func (b SentimentBucket) Valid() bool {
	switch b {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	default:
		return false
	}
}

// Contains reports whether score falls in the bucket. Positive is
// score > 0.1, negative is score < -0.1, neutral is everything between.
func (b SentimentBucket) Contains(score float64) bool {
	switch b {
	case SentimentPositive:
		return score > sentimentBucketThreshold
	case SentimentNegative:
		return score < -sentimentBucketThreshold
	case SentimentNeutral:
		return score >= -sentimentBucketThreshold && score <= sentimentBucketThreshold
	default:
		return true
	}
}

// SentimentThreshold is the boundary used by Contains, exported for SQL filters.
func SentimentThreshold() float64 {
	return sentimentBucketThreshold
}

type InsightFilter struct {
	StartTime     time.Time
	EndTime       time.Time
	Limit         int
	MinConfidence *float64
	Sentiment     SentimentBucket
}

// EffectiveLimit applies the default and the hard cap.
func (f InsightFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultInsightsLimit
	}
	if f.Limit > MaxInsightsLimit {
		return MaxInsightsLimit
	}
	return f.Limit
}

// Matches reports whether insight passes every filter, time window included.
func (f InsightFilter) Matches(insight Insight) bool {
	if !f.InWindow(insight.CreatedAt) {
		return false
	}
	if f.MinConfidence != nil && insight.Confidence < *f.MinConfidence {
		return false
	}
	if f.Sentiment != "" && !f.Sentiment.Contains(insight.SentimentScore) {
		return false
	}
	return true
}

func (f InsightFilter) InWindow(at time.Time) bool {
	return !at.Before(f.StartTime) && !at.After(f.EndTime)
}

func ClampFloat(value, lower, upper float64) float64 {
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}
