package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iago/conversation-insights/internal/ai"
	contextbuilder "github.com/iago/conversation-insights/internal/context"
	"github.com/iago/conversation-insights/internal/domain"
	"github.com/iago/conversation-insights/internal/events"
	"github.com/iago/conversation-insights/internal/policy"
	"github.com/iago/conversation-insights/internal/quality"
	"github.com/iago/conversation-insights/internal/queue"
	"github.com/iago/conversation-insights/internal/repository"
)

// OutboundLimiter gates calls to the enrichment service.
type OutboundLimiter interface {
	Wait(ctx context.Context, n int) error
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	StoreAttempts int
	StoreBackoff  time.Duration
	// MaxInputTokens bounds the text sent per conversation.
	MaxInputTokens int
}

type BatchReport struct {
	Completed int
	Failed    int
	Skipped   int
}

// Processor is the single worker loop: it drains batches from the queue,
// enriches them and records one terminal status per conversation.
type Processor struct {
	source    queue.BatchSource
	store     repository.ConversationStore
	limiter   OutboundLimiter
	enricher  ai.Enricher
	validator *quality.Validator
	builder   *contextbuilder.Builder
	publisher events.Publisher
	config    Config
	logger    *log.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, delay time.Duration) error
}

func NewProcessor(
	source queue.BatchSource,
	store repository.ConversationStore,
	limiter OutboundLimiter,
	enricher ai.Enricher,
	publisher events.Publisher,
	config Config,
	logger *log.Logger,
) *Processor {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 750 * time.Millisecond
	}
	if config.StoreAttempts <= 0 {
		config.StoreAttempts = 3
	}
	if config.StoreBackoff <= 0 {
		config.StoreBackoff = 200 * time.Millisecond
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Processor{
		source:    source,
		store:     store,
		limiter:   limiter,
		enricher:  enricher,
		validator: quality.NewValidator(),
		builder:   contextbuilder.NewBuilder(config.MaxInputTokens),
		publisher: publisher,
		config:    config,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepContext,
	}
}

// Run processes batches until ctx is done or the queue is closed and
// drained. A batch that has started always runs to completion.
func (p *Processor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch := p.source.PopBatch(ctx, p.config.BatchSize, p.config.FlushInterval)
		if len(batch) == 0 {
			return
		}
		p.ProcessBatch(context.WithoutCancel(ctx), batch)
	}
}

func (p *Processor) ProcessBatch(ctx context.Context, ids []string) BatchReport {
	started := time.Now()
	report := BatchReport{}

	items := make([]ai.Item, 0, len(ids))
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := members[id]; dup {
			report.Skipped++
			continue
		}
		item, ok := p.claim(ctx, id)
		if !ok {
			report.Skipped++
			continue
		}
		members[id] = struct{}{}
		items = append(items, item)
	}
	if len(items) == 0 {
		return report
	}

	result, err := p.enrich(ctx, items)
	if err != nil {
		reason := fmt.Sprintf("enrichment failed after %d attempt(s): %v", result.Attempts, err)
		for _, item := range items {
			if p.fail(ctx, item.ConversationID, reason, result.Raw) {
				report.Failed++
			}
		}
		p.logBatch(report, len(items), result, started, err)
		return report
	}

	for _, item := range items {
		id := item.ConversationID
		var outcome quality.Outcome
		if raw, ok := result.Rows[id]; ok {
			outcome = p.validator.Validate(members, raw)
		} else {
			outcome = p.validator.Missing(id)
		}

		switch row := outcome.(type) {
		case quality.ValidRow:
			if p.complete(ctx, id, row.Insight, result.Model) {
				report.Completed++
			}
		case quality.RejectedRow:
			if p.fail(ctx, id, row.Reason, result.Raw) {
				report.Failed++
			}
		}
	}
	p.logBatch(report, len(items), result, started, nil)
	return report
}

// claim loads a conversation and moves it to processing. Conversations that
// already reached a terminal status, or that cannot be loaded, are skipped.
func (p *Processor) claim(ctx context.Context, id string) (ai.Item, bool) {
	var conversation *domain.Conversation
	err := p.withStoreRetry(ctx, "load conversation", func() error {
		var loadErr error
		conversation, loadErr = p.store.Get(ctx, id)
		return loadErr
	})
	if err != nil {
		p.logf("worker skipped conversation conversation_id=%s err=%v", id, err)
		return ai.Item{}, false
	}
	if !conversation.Status.Pending() {
		return ai.Item{}, false
	}

	err = p.withStoreRetry(ctx, "mark processing", func() error {
		return p.store.SetStatus(ctx, id, domain.StatusProcessing, "")
	})
	if err != nil {
		p.logf("worker skipped conversation conversation_id=%s err=%v", id, err)
		return ai.Item{}, false
	}
	text := p.builder.Build(conversation.Messages).Text
	return ai.Item{ConversationID: id, Text: policy.RedactPII(text)}, true
}

func (p *Processor) enrich(ctx context.Context, items []ai.Item) (ai.BatchResult, error) {
	if err := p.limiter.Wait(ctx, 1); err != nil {
		return ai.BatchResult{}, fmt.Errorf("outbound rate limiter: %w", err)
	}
	return p.enricher.EnrichBatch(ctx, items)
}

func (p *Processor) complete(ctx context.Context, id string, insight domain.Insight, model string) bool {
	if model == "" {
		model = p.enricher.Model()
	}
	insight.ConversationID = id
	insight.Model = model
	insight.CreatedAt = p.now()

	err := p.withStoreRetry(ctx, "write insight", func() error {
		return p.store.WriteInsight(ctx, &insight)
	})
	if err != nil {
		p.logf("worker could not store insight conversation_id=%s err=%v", id, err)
		return false
	}

	score := insight.SentimentScore
	confidence := insight.Confidence
	p.publish(ctx, events.Outcome{
		ConversationID: id,
		Status:         domain.StatusCompleted,
		SentimentScore: &score,
		Confidence:     &confidence,
		Model:          model,
		FinishedAt:     insight.CreatedAt,
	})
	return true
}

func (p *Processor) fail(ctx context.Context, id string, reason string, raw []byte) bool {
	if len(raw) > 0 {
		err := p.withStoreRetry(ctx, "attach response", func() error {
			return p.store.AttachResponse(ctx, id, raw)
		})
		if err != nil {
			p.logf("worker could not attach response conversation_id=%s err=%v", id, err)
		}
	}

	err := p.withStoreRetry(ctx, "mark failed", func() error {
		return p.store.SetStatus(ctx, id, domain.StatusFailed, reason)
	})
	if err != nil {
		p.logf("worker could not mark failed conversation_id=%s err=%v", id, err)
		return false
	}

	p.publish(ctx, events.Outcome{
		ConversationID: id,
		Status:         domain.StatusFailed,
		Error:          reason,
		FinishedAt:     p.now(),
	})
	return true
}

func (p *Processor) publish(ctx context.Context, outcome events.Outcome) {
	if err := p.publisher.Publish(ctx, outcome); err != nil {
		p.logf("outcome publish failed conversation_id=%s err=%v", outcome.ConversationID, err)
	}
}

// withStoreRetry retries store calls that may fail transiently. Not-found and
// invalid-transition errors are final.
func (p *Processor) withStoreRetry(ctx context.Context, operation string, fn func() error) error {
	delay := p.config.StoreBackoff
	var err error
	for attempt := 1; attempt <= p.config.StoreAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidTransition) {
			return err
		}
		if attempt == p.config.StoreAttempts {
			break
		}
		p.logf("store call failed operation=%q attempt=%d retry_in=%s err=%v", operation, attempt, delay, err)
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		delay *= 2
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func (p *Processor) logBatch(report BatchReport, size int, result ai.BatchResult, started time.Time, err error) {
	if err != nil {
		p.logf(
			"batch failed size=%d failed=%d attempts=%d duration_ms=%d err=%v",
			size, report.Failed, result.Attempts, time.Since(started).Milliseconds(), err,
		)
		return
	}
	p.logf(
		"batch processed size=%d completed=%d failed=%d skipped=%d attempts=%d model=%s duration_ms=%d",
		size, report.Completed, report.Failed, report.Skipped, result.Attempts, result.Model, time.Since(started).Milliseconds(),
	)
}

func (p *Processor) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
