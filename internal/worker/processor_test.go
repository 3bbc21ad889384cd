package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/conversation-insights/internal/ai"
	"github.com/iago/conversation-insights/internal/domain"
	"github.com/iago/conversation-insights/internal/events"
	"github.com/iago/conversation-insights/internal/queue"
	"github.com/iago/conversation-insights/internal/ratelimit"
	"github.com/iago/conversation-insights/internal/repository"
)

type scriptedEnricher struct {
	mu      sync.Mutex
	calls   [][]ai.Item
	respond func(items []ai.Item) (ai.BatchResult, error)
}

func (e *scriptedEnricher) EnrichBatch(_ context.Context, items []ai.Item) (ai.BatchResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, append([]ai.Item(nil), items...))
	e.mu.Unlock()
	return e.respond(items)
}

func (e *scriptedEnricher) Model() string { return "test-model" }

func (e *scriptedEnricher) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type recordingPublisher struct {
	mu       sync.Mutex
	outcomes []events.Outcome
}

func (p *recordingPublisher) Publish(_ context.Context, outcome events.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, outcome)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// echoRows answers every item with a neutral, valid row.
func echoRows(items []ai.Item) (ai.BatchResult, error) {
	rows := make(map[string]json.RawMessage, len(items))
	for _, item := range items {
		rows[item.ConversationID] = json.RawMessage(`{"conversation_id":"` + item.ConversationID +
			`","sentiment_score":0,"confidence":0.7,"clusters":["general"],"reasoning":"ok"}`)
	}
	return ai.BatchResult{Rows: rows, Raw: json.RawMessage(`{"results":[]}`), Model: "test-model", Attempts: 1}, nil
}

func seed(t *testing.T, store repository.ConversationStore, ids ...string) {
	t.Helper()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for index, id := range ids {
		createdAt := base.Add(time.Duration(index) * time.Second)
		err := store.Insert(context.Background(), &domain.Conversation{
			ID: id,
			Messages: []domain.Message{
				{Role: "customer", Text: "my bill is wrong, email me at a@b.co"},
				{Role: "agent", Text: "fixed it"},
			},
			Status:     domain.StatusQueued,
			RawPayload: json.RawMessage(`{}`),
			CreatedAt:  createdAt,
			UpdatedAt:  createdAt,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func newProcessor(store repository.ConversationStore, source queue.BatchSource, enricher ai.Enricher, publisher events.Publisher) *Processor {
	limiter := ratelimit.New(ratelimit.Config{RatePerSecond: 1000, Capacity: 10})
	processor := NewProcessor(source, store, limiter, enricher, publisher, Config{
		BatchSize:     10,
		FlushInterval: 10 * time.Millisecond,
	}, nil)
	processor.sleep = func(context.Context, time.Duration) error { return nil }
	return processor
}

func TestProcessBatchClampsAndFailsMissingRows(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, "conv_1", "conv_2")

	raw := json.RawMessage(`{"results":[{"conversation_id":"conv_1","sentiment_score":1.5,"confidence":0.9,"clusters":["billing"],"reasoning":"resolved"}]}`)
	enricher := &scriptedEnricher{respond: func([]ai.Item) (ai.BatchResult, error) {
		return ai.BatchResult{
			Rows:     map[string]json.RawMessage{"conv_1": json.RawMessage(`{"conversation_id":"conv_1","sentiment_score":1.5,"confidence":0.9,"clusters":["billing"],"reasoning":"resolved"}`)},
			Raw:      raw,
			Model:    "grok-3",
			Attempts: 1,
		}, nil
	}}
	publisher := &recordingPublisher{}
	processor := newProcessor(store, queue.NewWorkQueue(), enricher, publisher)

	report := processor.ProcessBatch(context.Background(), []string{"conv_1", "conv_2"})
	if report.Completed != 1 || report.Failed != 1 {
		t.Fatalf("expected 1 completed and 1 failed, got %+v", report)
	}

	ctx := context.Background()
	insight, err := store.GetInsight(ctx, "conv_1")
	if err != nil {
		t.Fatalf("expected insight for conv_1: %v", err)
	}
	if insight.SentimentScore != 1.0 || insight.Model != "grok-3" {
		t.Fatalf("unexpected insight: %+v", insight)
	}
	first, _ := store.Get(ctx, "conv_1")
	if first.Status != domain.StatusCompleted {
		t.Fatalf("expected conv_1 completed, got %s", first.Status)
	}

	second, _ := store.Get(ctx, "conv_2")
	if second.Status != domain.StatusFailed || second.Error == "" {
		t.Fatalf("expected conv_2 failed with reason, got %s %q", second.Status, second.Error)
	}
	if string(second.LastResponse) != string(raw) {
		t.Fatalf("expected raw response kept for conv_2, got %s", second.LastResponse)
	}
	if _, err := store.GetInsight(ctx, "conv_2"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("conv_2 must have no insight, got %v", err)
	}

	if len(publisher.outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(publisher.outcomes))
	}

	sent := enricher.calls[0]
	if len(sent) != 2 || strings.Contains(sent[0].Text, "a@b.co") {
		t.Fatalf("expected redacted text for both items, got %+v", sent)
	}
	if !strings.HasPrefix(sent[0].Text, "customer: my bill is wrong") {
		t.Fatalf("unexpected conversation text: %q", sent[0].Text)
	}
}

func TestProcessBatchIsolatesInvalidRows(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, "conv_a", "conv_b")

	enricher := &scriptedEnricher{respond: func([]ai.Item) (ai.BatchResult, error) {
		return ai.BatchResult{
			Rows: map[string]json.RawMessage{
				"conv_a": json.RawMessage(`{"conversation_id":"conv_a","sentiment_score":0.3,"confidence":1.4,"reasoning":"x"}`),
				"conv_b": json.RawMessage(`{"conversation_id":"conv_b","sentiment_score":-0.3,"confidence":0.6,"reasoning":"y"}`),
			},
			Raw: json.RawMessage(`{"results":[]}`),
		}, nil
	}}
	processor := newProcessor(store, queue.NewWorkQueue(), enricher, nil)
	report := processor.ProcessBatch(context.Background(), []string{"conv_a", "conv_b"})
	if report.Completed != 1 || report.Failed != 1 {
		t.Fatalf("expected sibling isolation, got %+v", report)
	}

	failed, _ := store.Get(context.Background(), "conv_a")
	if failed.Status != domain.StatusFailed || !strings.Contains(failed.Error, "confidence") {
		t.Fatalf("expected confidence rejection, got %s %q", failed.Status, failed.Error)
	}
	insight, err := store.GetInsight(context.Background(), "conv_b")
	if err != nil || insight.Model != "test-model" {
		t.Fatalf("expected conv_b insight with fallback model, got %+v %v", insight, err)
	}
}

func TestProcessBatchMarksEveryItemFailedOnTerminalError(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, "conv_1", "conv_2", "conv_3")

	enricher := &scriptedEnricher{respond: func([]ai.Item) (ai.BatchResult, error) {
		return ai.BatchResult{Attempts: 3, Raw: json.RawMessage(`{"oops":true}`)},
			&ai.MalformedResponseError{Reason: `missing "results" key`}
	}}
	processor := newProcessor(store, queue.NewWorkQueue(), enricher, nil)
	report := processor.ProcessBatch(context.Background(), []string{"conv_1", "conv_2", "conv_3"})
	if report.Failed != 3 {
		t.Fatalf("expected every item failed, got %+v", report)
	}

	for _, id := range []string{"conv_1", "conv_2", "conv_3"} {
		conversation, _ := store.Get(context.Background(), id)
		if conversation.Status != domain.StatusFailed {
			t.Fatalf("expected %s failed, got %s", id, conversation.Status)
		}
		if !strings.Contains(conversation.Error, "after 3 attempt(s)") {
			t.Fatalf("expected attempt count in reason, got %q", conversation.Error)
		}
		if string(conversation.LastResponse) != `{"oops":true}` {
			t.Fatalf("expected raw body kept, got %s", conversation.LastResponse)
		}
	}
}

func TestProcessBatchSkipsTerminalAndDuplicateIDs(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, "done", "fresh")
	ctx := context.Background()
	if err := store.SetStatus(ctx, "done", domain.StatusProcessing, ""); err != nil {
		t.Fatalf("set processing: %v", err)
	}
	if err := store.SetStatus(ctx, "done", domain.StatusFailed, "earlier"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	enricher := &scriptedEnricher{respond: echoRows}
	processor := newProcessor(store, queue.NewWorkQueue(), enricher, nil)
	report := processor.ProcessBatch(ctx, []string{"done", "fresh", "fresh", "ghost"})
	if report.Completed != 1 || report.Skipped != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(enricher.calls) != 1 || len(enricher.calls[0]) != 1 || enricher.calls[0][0].ConversationID != "fresh" {
		t.Fatalf("expected a single call for fresh only, got %+v", enricher.calls)
	}
	done, _ := store.Get(ctx, "done")
	if done.Status != domain.StatusFailed || done.Error != "earlier" {
		t.Fatalf("terminal conversation must be untouched, got %s %q", done.Status, done.Error)
	}
}

type flakyStore struct {
	repository.ConversationStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) SetStatus(ctx context.Context, id string, status domain.ConversationStatus, errMsg string) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("database is locked")
	}
	s.mu.Unlock()
	return s.ConversationStore.SetStatus(ctx, id, status, errMsg)
}

func TestProcessBatchRetriesTransientStoreErrors(t *testing.T) {
	memory := repository.NewMemoryStore()
	seed(t, memory, "conv_1")
	store := &flakyStore{ConversationStore: memory, failures: 2}

	processor := newProcessor(store, queue.NewWorkQueue(), &scriptedEnricher{respond: echoRows}, nil)
	report := processor.ProcessBatch(context.Background(), []string{"conv_1"})
	if report.Completed != 1 {
		t.Fatalf("expected completion after store retries, got %+v", report)
	}
}

func TestProcessBatchLeavesItemPendingWhenStoreStaysDown(t *testing.T) {
	memory := repository.NewMemoryStore()
	seed(t, memory, "conv_1")
	store := &flakyStore{ConversationStore: memory, failures: 100}

	enricher := &scriptedEnricher{respond: echoRows}
	processor := newProcessor(store, queue.NewWorkQueue(), enricher, nil)
	report := processor.ProcessBatch(context.Background(), []string{"conv_1"})
	if report.Skipped != 1 || enricher.callCount() != 0 {
		t.Fatalf("expected item skipped without an enrichment call, got %+v calls=%d", report, enricher.callCount())
	}
	pending, _ := memory.ListPending(context.Background())
	if len(pending) != 1 {
		t.Fatalf("item must stay pending for the next reseed, got %v", pending)
	}
}

func TestRunRecoversPendingWorkAfterRestart(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store, "conv_1", "conv_2", "conv_3")
	ctx := context.Background()
	// conv_2 was in flight when the previous process died.
	if err := store.SetStatus(ctx, "conv_2", domain.StatusProcessing, ""); err != nil {
		t.Fatalf("set processing: %v", err)
	}

	work := queue.NewWorkQueue()
	if _, err := queue.Reseed(ctx, store, work, nil); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	// A stale duplicate push must not produce a second insight.
	if err := work.Push("conv_1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	work.Close()

	enricher := &scriptedEnricher{respond: echoRows}
	processor := newProcessor(store, work, enricher, nil)

	done := make(chan struct{})
	go func() {
		processor.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop after the queue drained")
	}

	for _, id := range []string{"conv_1", "conv_2", "conv_3"} {
		conversation, _ := store.Get(ctx, id)
		if conversation.Status != domain.StatusCompleted {
			t.Fatalf("expected %s completed, got %s", id, conversation.Status)
		}
	}
	_, total, err := store.QueryInsights(ctx, domain.InsightFilter{
		StartTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected exactly 3 insights, got %d", total)
	}
	pending, _ := store.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %v", pending)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	processor := newProcessor(repository.NewMemoryStore(), queue.NewWorkQueue(), &scriptedEnricher{respond: echoRows}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		processor.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker ignored cancellation")
	}
}
