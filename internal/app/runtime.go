package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/iago/conversation-insights/internal/ai"
	"github.com/iago/conversation-insights/internal/config"
	"github.com/iago/conversation-insights/internal/events"
	httpserver "github.com/iago/conversation-insights/internal/http"
	"github.com/iago/conversation-insights/internal/http/handlers"
	"github.com/iago/conversation-insights/internal/queue"
	"github.com/iago/conversation-insights/internal/ratelimit"
	"github.com/iago/conversation-insights/internal/repository"
	"github.com/iago/conversation-insights/internal/service"
	"github.com/iago/conversation-insights/internal/worker"
)

// Options overrides the collaborators New would otherwise build from Config.
type Options struct {
	Store           repository.ConversationStore
	Enricher        ai.Enricher
	Publisher       events.Publisher
	InboundLimiter  *ratelimit.Limiter
	OutboundLimiter *ratelimit.Limiter
}

// Runtime owns one wired pipeline: store, queue, limiters, worker and the
// HTTP handler in front of them.
type Runtime struct {
	Config        config.Config
	Store         repository.ConversationStore
	Queue         *queue.WorkQueue
	Conversations *service.ConversationsService
	Insights      *service.InsightsService
	Processor     *worker.Processor
	Handler       http.Handler

	enricher  ai.Enricher
	publisher events.Publisher
	logger    *log.Logger

	startOnce  sync.Once
	workerStop context.CancelFunc
	workerDone chan struct{}
	closeOnce  sync.Once
}

func New(ctx context.Context, cfg config.Config, logger *log.Logger, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		opened, err := OpenStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		store = opened
	}

	enricher := opts.Enricher
	if enricher == nil {
		built, err := NewEnricher(cfg, cfg.EnrichmentModel, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		enricher = built
	}

	publisher := opts.Publisher
	if publisher == nil {
		publisher = OpenPublisher(ctx, cfg, logger)
	}

	inbound := opts.InboundLimiter
	if inbound == nil {
		inbound = ratelimit.New(ratelimit.Config{RatePerSecond: cfg.InboundRPS, Capacity: cfg.InboundBurst})
	}
	outbound := opts.OutboundLimiter
	if outbound == nil {
		outbound = ratelimit.New(ratelimit.Config{RatePerSecond: cfg.OutboundRPS, Capacity: cfg.OutboundBurst})
	}

	workQueue := queue.NewWorkQueue()
	conversations := service.NewConversationsService(store, workQueue, logger)
	insights := service.NewInsightsService(store)
	processor := worker.NewProcessor(workQueue, store, outbound, enricher, publisher, worker.Config{
		BatchSize:      cfg.BatchSize,
		FlushInterval:  cfg.BatchFlushInterval(),
		MaxInputTokens: cfg.MaxInputTokens,
	}, logger)

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(conversations, insights, cfg.MaxBodyBytes),
		Logger:         logger,
		InboundLimiter: inbound,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
	})

	return &Runtime{
		Config:        cfg,
		Store:         store,
		Queue:         workQueue,
		Conversations: conversations,
		Insights:      insights,
		Processor:     processor,
		Handler:       handler,
		enricher:      enricher,
		publisher:     publisher,
		logger:        logger,
		workerDone:    make(chan struct{}),
	}, nil
}

// Start reseeds the queue from the store and launches the worker. It must
// run before the HTTP server accepts traffic.
func (r *Runtime) Start(ctx context.Context) (int, error) {
	var (
		reseeded int
		err      error
	)
	started := false
	r.startOnce.Do(func() {
		started = true
		reseeded, err = queue.Reseed(ctx, r.Store, r.Queue, r.logger)
		if err != nil {
			close(r.workerDone)
			return
		}

		workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		r.workerStop = cancel
		go func() {
			defer close(r.workerDone)
			r.Processor.Run(workerCtx)
		}()
		r.logf("worker started model=%s batch_size=%d", r.enricher.Model(), r.Config.BatchSize)
	})
	if !started {
		return 0, errors.New("runtime already started")
	}
	return reseeded, err
}

// BeginShutdown rejects new conversations from now on.
func (r *Runtime) BeginShutdown() {
	r.Conversations.BeginShutdown()
}

// StopWorker closes the queue and waits for the in-flight batch. Ids still
// queued stay pending in the store and are reseeded on the next start.
func (r *Runtime) StopWorker(ctx context.Context) error {
	r.BeginShutdown()
	r.Queue.Close()
	if r.workerStop == nil {
		return nil
	}
	r.workerStop()
	select {
	case <-r.workerDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker: %w", ctx.Err())
	}
}

// ErrWorkerRunning is returned by Close when the worker has not finished its
// in-flight batch. The store is left open so that batch can still be written.
var ErrWorkerRunning = errors.New("worker still running")

// Close releases the publisher and the store once the worker has exited.
func (r *Runtime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.workerRunning() {
			r.logf("worker still running, leaving store open; unfinished conversations are reseeded on next start")
			err = ErrWorkerRunning
			return
		}
		err = errors.Join(r.publisher.Close(), r.Store.Close())
	})
	return err
}

func (r *Runtime) workerRunning() bool {
	if r.workerStop == nil {
		return false
	}
	select {
	case <-r.workerDone:
		return false
	default:
		return true
	}
}

func (r *Runtime) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// OpenStore picks Postgres when DATABASE_URL is set, the in-memory store for
// DB_PATH=memory, and a SQLite file otherwise.
func OpenStore(ctx context.Context, cfg config.Config, logger *log.Logger) (repository.ConversationStore, error) {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		logPrintf(logger, "postgres store initialized")
		return store, nil
	}

	path := strings.TrimSpace(cfg.DBPath)
	if path == config.MemoryStorePath {
		logPrintf(logger, "DB_PATH=memory, using in-memory store")
		return repository.NewMemoryStore(), nil
	}
	if err := mkdirFor(path); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	store, err := repository.NewSQLiteStore(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	logPrintf(logger, "sqlite store initialized path=%s", path)
	return store, nil
}

// NewEnricher builds the remote client for model, or the local heuristic
// enricher when no API key is configured.
func NewEnricher(cfg config.Config, model string, logger *log.Logger) (ai.Enricher, error) {
	client, err := ai.NewEnrichmentClient(ai.ClientConfig{
		APIKey:  cfg.EnrichmentAPIKey,
		BaseURL: cfg.EnrichmentBaseURL,
		Model:   model,
		Timeout: cfg.EnrichmentTimeout(),
		Retry: ai.RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.Backoff(),
			MaxDelay:    ai.DefaultRetryPolicy().MaxDelay,
		},
		Logger: logger,
	})
	if errors.Is(err, ai.ErrUnavailable) {
		logPrintf(logger, "ENRICHMENT_API_KEY not configured, using heuristic enricher model=%s", model)
		return ai.NewHeuristicEnricher(model), nil
	}
	if err != nil {
		return nil, fmt.Errorf("build enrichment client: %w", err)
	}
	return client, nil
}

// OpenPublisher connects the Redis outcome stream, falling back to a no-op
// publisher when Redis is not configured or unreachable.
func OpenPublisher(ctx context.Context, cfg config.Config, logger *log.Logger) events.Publisher {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		logPrintf(logger, "REDIS_ADDR not configured, outcome events disabled")
		return events.NoopPublisher{}
	}
	publisher, err := events.NewStreamsPublisher(ctx, events.StreamsConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Stream:   cfg.RedisOutcomeStream,
	})
	if err != nil {
		logPrintf(logger, "failed to initialize redis outcome stream, events disabled: %v", err)
		return events.NoopPublisher{}
	}
	logPrintf(logger, "redis outcome stream initialized stream=%s", cfg.RedisOutcomeStream)
	return publisher
}

func mkdirFor(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func logPrintf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
