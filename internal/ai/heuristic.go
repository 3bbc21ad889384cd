package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
)

var (
	positiveWords = []string{"love", "great", "thanks", "smooth", "fast"}
	negativeWords = []string{"delay", "crash", "ignored", "disappointed", "help", "problem", "issue", "unresolved"}
)

// HeuristicEnricher scores conversations locally from keywords. It is used
// when no API key is configured so the pipeline still runs end to end.
type HeuristicEnricher struct {
	model  string
	random func() float64
}

func NewHeuristicEnricher(model string) *HeuristicEnricher {
	if strings.TrimSpace(model) == "" {
		model = "heuristic"
	}
	return &HeuristicEnricher{model: model, random: rand.Float64}
}

func (h *HeuristicEnricher) Model() string {
	return h.model
}

func (h *HeuristicEnricher) EnrichBatch(ctx context.Context, items []Item) (BatchResult, error) {
	if len(items) == 0 {
		return BatchResult{}, ErrEmptyBatch
	}
	if err := ctx.Err(); err != nil {
		return BatchResult{}, err
	}

	envelope := resultEnvelope{Results: make([]resultRow, 0, len(items))}
	rows := make(map[string]json.RawMessage, len(items))
	for _, item := range items {
		row := h.score(item)
		encoded, err := json.Marshal(row)
		if err != nil {
			return BatchResult{}, fmt.Errorf("encode heuristic row: %w", err)
		}
		envelope.Results = append(envelope.Results, row)
		if _, seen := rows[item.ConversationID]; !seen {
			rows[item.ConversationID] = encoded
		}
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return BatchResult{}, fmt.Errorf("encode heuristic batch: %w", err)
	}
	return BatchResult{Rows: rows, Raw: raw, Model: h.model, Attempts: 1}, nil
}

func (h *HeuristicEnricher) score(item Item) resultRow {
	lower := strings.ToLower(item.Text)

	score := 0.0
	for _, word := range positiveWords {
		if strings.Contains(lower, word) {
			score += 0.25
		}
	}
	for _, word := range negativeWords {
		if strings.Contains(lower, word) {
			score -= 0.3
		}
	}
	score = math.Max(-1, math.Min(1, score))

	clusters := make([]string, 0, 3)
	if containsAny(lower, "crash", "bug") {
		clusters = append(clusters, "app_stability")
	}
	if containsAny(lower, "refund", "policy") {
		clusters = append(clusters, "policy_questions")
	}
	if containsAny(lower, "delay", "shipping", "package") {
		clusters = append(clusters, "delivery_issues")
	}
	if containsAny(lower, "love", "great") {
		clusters = append(clusters, "praise")
	}
	if len(clusters) == 0 {
		clusters = append(clusters, "general_support")
	}
	if strings.Contains(item.Text, "?") || strings.Contains(lower, "anyone") || strings.HasPrefix(lower, "where") {
		clusters = append(clusters, "knowledge_gap")
	}

	confidence := math.Round((0.45+0.2*h.random())*100) / 100
	return resultRow{
		ConversationID: item.ConversationID,
		SentimentScore: score,
		Clusters:       clusters,
		Confidence:     confidence,
		Reasoning:      fmt.Sprintf("Heuristic %s inference based on keywords.", h.model),
	}
}

func containsAny(text string, words ...string) bool {
	for _, word := range words {
		if strings.Contains(text, word) {
			return true
		}
	}
	return false
}
