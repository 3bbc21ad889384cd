package ai

import (
	"context"
	"encoding/json"
)

// Item is one conversation handed to the enrichment service.
type Item struct {
	ConversationID string
	Text           string
}

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// BatchResult carries the untrusted rows returned for a batch, keyed by the
// conversation_id each row claims. Ids absent from Rows were omitted by the
// service.
type BatchResult struct {
	Rows     map[string]json.RawMessage
	Raw      json.RawMessage
	Model    string
	Attempts int
	Usage    TokenUsage
}

type Enricher interface {
	EnrichBatch(ctx context.Context, items []Item) (BatchResult, error)
	Model() string
}
