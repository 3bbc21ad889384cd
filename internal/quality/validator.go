package quality

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/iago/conversation-insights/internal/domain"
	"github.com/iago/conversation-insights/internal/policy"
)

const (
	maxClusters     = 10
	maxClusterLen   = 64
	maxReasoningLen = 1000
)

// Outcome is either ValidRow or RejectedRow.
type Outcome interface {
	outcome()
}

type ValidRow struct {
	Insight domain.Insight
}

type RejectedRow struct {
	ConversationID string
	Reason         string
}

func (ValidRow) outcome()    {}
func (RejectedRow) outcome() {}

// Validator treats every enrichment row as untrusted input.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Missing builds the rejection for a batch id the service did not answer.
func (v *Validator) Missing(conversationID string) RejectedRow {
	return RejectedRow{
		ConversationID: conversationID,
		Reason:         "no result returned for conversation",
	}
}

// Validate checks one row against the ids of the batch it came from.
func (v *Validator) Validate(batch map[string]struct{}, raw json.RawMessage) Outcome {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return RejectedRow{Reason: "row is not a JSON object"}
	}

	var conversationID string
	if err := decodeField(fields, "conversation_id", &conversationID); err != nil {
		return RejectedRow{Reason: err.Error()}
	}
	if _, ok := batch[conversationID]; !ok {
		return RejectedRow{ConversationID: conversationID, Reason: "conversation_id is not part of the batch"}
	}
	reject := func(reason string) Outcome {
		return RejectedRow{ConversationID: conversationID, Reason: reason}
	}

	var score float64
	if err := decodeField(fields, "sentiment_score", &score); err != nil {
		return reject(err.Error())
	}
	var confidence float64
	if err := decodeField(fields, "confidence", &confidence); err != nil {
		return reject(err.Error())
	}
	if confidence < 0 || confidence > 1 {
		return reject(fmt.Sprintf("confidence %v outside [0, 1]", confidence))
	}

	clusters, err := decodeClusters(fields["clusters"])
	if err != nil {
		return reject(err.Error())
	}

	var reasoning string
	if err := decodeField(fields, "reasoning", &reasoning); err != nil {
		return reject(err.Error())
	}
	reasoning = truncateAtWord(policy.RedactPII(normalizeText(reasoning)), maxReasoningLen)

	return ValidRow{Insight: domain.Insight{
		ConversationID: conversationID,
		SentimentScore: domain.ClampFloat(score, -1, 1),
		Clusters:       clusters,
		Confidence:     confidence,
		Reasoning:      reasoning,
		RawResponse:    append(json.RawMessage(nil), raw...),
	}}
}

func decodeField(fields map[string]json.RawMessage, name string, target any) error {
	value, ok := fields[name]
	if !ok || isNull(value) {
		return fmt.Errorf("%s is required", name)
	}
	if err := json.Unmarshal(value, target); err != nil {
		return fmt.Errorf("%s has the wrong type", name)
	}
	if number, ok := target.(*float64); ok && (math.IsNaN(*number) || math.IsInf(*number, 0)) {
		return fmt.Errorf("%s is not a finite number", name)
	}
	return nil
}

func decodeClusters(value json.RawMessage) ([]string, error) {
	if len(value) == 0 || isNull(value) {
		return []string{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(value, &items); err != nil {
		return nil, fmt.Errorf("clusters must be a list of strings")
	}

	clusters := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		var cluster string
		if err := json.Unmarshal(item, &cluster); err != nil || isNull(item) {
			return nil, fmt.Errorf("clusters must contain only strings")
		}
		cluster = normalizeText(cluster)
		if cluster == "" {
			continue
		}
		cluster = strings.TrimSpace(truncateRunes(cluster, maxClusterLen))
		if _, dup := seen[cluster]; dup {
			continue
		}
		seen[cluster] = struct{}{}
		clusters = append(clusters, cluster)
		if len(clusters) == maxClusters {
			break
		}
	}
	return clusters, nil
}

func isNull(value json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(value), []byte("null"))
}

func normalizeText(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// truncateAtWord keeps at most maxLen characters, backing off to the last
// space when one falls in the second half of the kept text.
func truncateAtWord(value string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(value) <= maxLen {
		return value
	}
	cut := truncateRunes(value, maxLen)
	if lastSpace := strings.LastIndex(cut, " "); lastSpace > len(cut)/2 {
		cut = cut[:lastSpace]
	}
	return strings.TrimSpace(cut)
}

// truncateRunes cuts value to at most maxRunes characters, never inside a
// multi-byte sequence.
func truncateRunes(value string, maxRunes int) string {
	count := 0
	for index := range value {
		if count == maxRunes {
			return value[:index]
		}
		count++
	}
	return value
}
