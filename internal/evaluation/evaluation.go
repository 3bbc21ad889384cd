package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/iago/conversation-insights/internal/ai"
	"github.com/iago/conversation-insights/internal/quality"
)

const bucketThreshold = 0.2

// Example is a labelled conversation. Expected is -1, 0 or 1.
type Example struct {
	Text     string
	Expected int
}

// Set is the fixed labelled set used to compare models.
var Set = []Example{
	{Text: "Love the latest features! Smooth and fast.", Expected: 1},
	{Text: "The app keeps crashing when I open settings.", Expected: -1},
	{Text: "Where can I find the refund policy?", Expected: 0},
	{Text: "My ticket has been ignored for days.", Expected: -1},
	{Text: "Thanks for the quick help!", Expected: 1},
}

// EnricherFactory builds the enricher that answers for one model.
type EnricherFactory func(model string) (ai.Enricher, error)

type ModelResult struct {
	Model    string  `json:"model"`
	Accuracy float64 `json:"accuracy"`
	Correct  int     `json:"correct"`
	Total    int     `json:"total"`
	Rejected int     `json:"rejected"`
	Error    string  `json:"error,omitempty"`
}

// Bucket maps a score onto -1, 0 or 1 with a ±0.2 dead zone.
func Bucket(score float64) int {
	switch {
	case score > bucketThreshold:
		return 1
	case score < -bucketThreshold:
		return -1
	default:
		return 0
	}
}

// Evaluate sends the labelled set to every model as one batch and scores
// the validated rows. A model whose call fails gets accuracy 0 and its error;
// the other models still run.
func Evaluate(ctx context.Context, factory EnricherFactory, models []string, examples []Example) ([]ModelResult, error) {
	if factory == nil {
		return nil, errors.New("enricher factory is required")
	}
	if len(examples) == 0 {
		examples = Set
	}
	models = uniqueModels(models)
	if len(models) == 0 {
		return nil, errors.New("at least one model is required")
	}

	results := make([]ModelResult, len(models))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for i, model := range models {
		i, model := i, model
		group.Go(func() error {
			result, err := evaluateModel(groupCtx, factory, model, examples)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				result.Error = err.Error()
			}
			results[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func evaluateModel(ctx context.Context, factory EnricherFactory, model string, examples []Example) (ModelResult, error) {
	result := ModelResult{Model: model, Total: len(examples)}

	enricher, err := factory(model)
	if err != nil {
		return result, fmt.Errorf("build enricher: %w", err)
	}

	items := make([]ai.Item, len(examples))
	batch := make(map[string]struct{}, len(examples))
	for i, example := range examples {
		id := fmt.Sprintf("eval_%d", i+1)
		items[i] = ai.Item{ConversationID: id, Text: "user: " + example.Text}
		batch[id] = struct{}{}
	}

	enriched, err := enricher.EnrichBatch(ctx, items)
	if err != nil {
		return result, err
	}

	validator := quality.NewValidator()
	for i, item := range items {
		raw, ok := enriched.Rows[item.ConversationID]
		if !ok {
			result.Rejected++
			continue
		}
		valid, ok := validator.Validate(batch, raw).(quality.ValidRow)
		if !ok {
			result.Rejected++
			continue
		}
		if Bucket(valid.Insight.SentimentScore) == examples[i].Expected {
			result.Correct++
		}
	}
	result.Accuracy = float64(result.Correct) / float64(result.Total)
	return result, nil
}

func uniqueModels(models []string) []string {
	seen := make(map[string]struct{}, len(models))
	unique := make([]string, 0, len(models))
	for _, model := range models {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		if _, ok := seen[model]; ok {
			continue
		}
		seen[model] = struct{}{}
		unique = append(unique, model)
	}
	return unique
}

// Best returns the most accurate result, ties broken by model name.
func Best(results []ModelResult) (ModelResult, bool) {
	if len(results) == 0 {
		return ModelResult{}, false
	}
	sorted := append([]ModelResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Accuracy == sorted[j].Accuracy {
			return sorted[i].Model < sorted[j].Model
		}
		return sorted[i].Accuracy > sorted[j].Accuracy
	})
	return sorted[0], true
}
