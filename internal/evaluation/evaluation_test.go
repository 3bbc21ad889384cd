package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/iago/conversation-insights/internal/ai"
)

type failingEnricher struct{}

func (failingEnricher) Model() string { return "broken" }

func (failingEnricher) EnrichBatch(context.Context, []ai.Item) (ai.BatchResult, error) {
	return ai.BatchResult{}, &ai.UpstreamError{StatusCode: 503, Message: "unavailable"}
}

type fixedEnricher struct {
	score float64
}

func (f fixedEnricher) Model() string { return "fixed" }

func (f fixedEnricher) EnrichBatch(_ context.Context, items []ai.Item) (ai.BatchResult, error) {
	rows := make(map[string]json.RawMessage, len(items))
	for i, item := range items {
		if i == len(items)-1 {
			continue
		}
		row, _ := json.Marshal(map[string]any{
			"conversation_id": item.ConversationID,
			"sentiment_score": f.score,
			"confidence":      0.9,
			"clusters":        []string{},
			"reasoning":       "fixed",
		})
		rows[item.ConversationID] = row
	}
	return ai.BatchResult{Rows: rows, Model: "fixed", Attempts: 1}, nil
}

func TestBucketBoundaries(t *testing.T) {
	cases := map[float64]int{
		0.21:  1,
		0.2:   0,
		0:     0,
		-0.2:  0,
		-0.21: -1,
	}
	for score, expected := range cases {
		if got := Bucket(score); got != expected {
			t.Fatalf("Bucket(%v) = %d, expected %d", score, got, expected)
		}
	}
}

func TestEvaluateScoresEachModel(t *testing.T) {
	factory := func(model string) (ai.Enricher, error) {
		switch model {
		case "heuristic":
			return ai.NewHeuristicEnricher(model), nil
		case "broken":
			return failingEnricher{}, nil
		case "neutral":
			return fixedEnricher{score: 0}, nil
		default:
			return nil, errors.New("unknown model")
		}
	}

	results, err := Evaluate(context.Background(), factory, []string{"heuristic", "broken", "neutral", "heuristic", " ", "ghost"}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 deduplicated models, got %d", len(results))
	}

	heuristic := results[0]
	if heuristic.Model != "heuristic" || heuristic.Correct != 4 || heuristic.Accuracy != 0.8 {
		t.Fatalf("unexpected heuristic result: %+v", heuristic)
	}

	broken := results[1]
	if broken.Accuracy != 0 || broken.Error == "" {
		t.Fatalf("expected failed model to report error: %+v", broken)
	}

	neutral := results[2]
	if neutral.Correct != 1 || neutral.Rejected != 1 || neutral.Total != 5 {
		t.Fatalf("unexpected neutral result: %+v", neutral)
	}

	if results[3].Error == "" {
		t.Fatalf("expected factory error to be reported: %+v", results[3])
	}

	best, ok := Best(results)
	if !ok || best.Model != "heuristic" {
		t.Fatalf("unexpected best model: %+v", best)
	}
}

func TestEvaluateRequiresModels(t *testing.T) {
	factory := func(string) (ai.Enricher, error) { return ai.NewHeuristicEnricher(""), nil }
	if _, err := Evaluate(context.Background(), factory, nil, nil); err == nil {
		t.Fatalf("expected error without models")
	}
	if _, err := Evaluate(context.Background(), nil, []string{"x"}, nil); err == nil {
		t.Fatalf("expected error without factory")
	}
}
