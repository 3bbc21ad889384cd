package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/iago/conversation-insights/internal/app"
	"github.com/iago/conversation-insights/internal/config"
	"github.com/iago/conversation-insights/internal/domain"
)

type Options struct {
	Conversations int
	Concurrency   int
	Queries       int
	DrainTimeout  time.Duration
	// Config drives the in-process runtime. DB_PATH is forced to memory.
	Config config.Config
}

type ScenarioResult struct {
	Name          string         `json:"name"`
	Total         int            `json:"total"`
	Success       int            `json:"success"`
	Errors        int            `json:"errors"`
	StatusCounts  map[string]int `json:"status_counts"`
	P50MS         float64        `json:"p50_ms"`
	P95MS         float64        `json:"p95_ms"`
	P99MS         float64        `json:"p99_ms"`
	MaxMS         float64        `json:"max_ms"`
	ThroughputRPS float64        `json:"throughput_rps"`
	ErrorSamples  []string       `json:"error_samples,omitempty"`
}

type DrainResult struct {
	Accepted   int     `json:"accepted"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Pending    int     `json:"pending"`
	DurationMS float64 `json:"duration_ms"`
}

type Report struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	InboundRPS     float64          `json:"inbound_rps"`
	OutboundRPS    float64          `json:"outbound_rps"`
	Results        []ScenarioResult `json:"results"`
	Drain          DrainResult      `json:"drain"`
}

type sample struct {
	durationMS float64
	status     int
	err        string
}

// Run starts an in-memory runtime behind httptest, floods the ingest
// endpoint, queries insights, and waits for the worker to drain.
func Run(ctx context.Context, opts Options, logger *log.Logger) (Report, error) {
	if opts.Conversations <= 0 {
		opts.Conversations = 200
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = time.Minute
	}
	cfg := opts.Config
	cfg.DatabaseURL = ""
	cfg.DBPath = config.MemoryStorePath

	runtime, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return Report{}, fmt.Errorf("start runtime: %w", err)
	}
	defer runtime.Close()
	if _, err := runtime.Start(ctx); err != nil {
		return Report{}, fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = runtime.StopWorker(stopCtx)
	}()

	server := httptest.NewServer(runtime.Handler)
	defer server.Close()
	client := &http.Client{Timeout: 10 * time.Second}
	headers := map[string]string{}
	if cfg.AuthToken != "" {
		headers["Authorization"] = "Bearer " + cfg.AuthToken
	}

	runID := time.Now().UTC().Format("150405")
	var (
		acceptedMu sync.Mutex
		accepted   []string
	)
	ingest := runScenario("ingest", opts.Conversations, opts.Concurrency, func(index int) (int, error) {
		id := fmt.Sprintf("load_%s_%d", runID, index)
		status, err := postConversation(client, server.URL, id, index, headers)
		if status == http.StatusAccepted {
			acceptedMu.Lock()
			accepted = append(accepted, id)
			acceptedMu.Unlock()
		}
		return status, err
	})

	window := url.Values{}
	now := time.Now().UTC()
	window.Set("start_time", now.Add(-time.Hour).Format(time.RFC3339Nano))
	window.Set("end_time", now.Add(time.Hour).Format(time.RFC3339Nano))
	query := runScenario("insights_query", opts.Queries, opts.Concurrency, func(int) (int, error) {
		return get(client, server.URL+"/api/v1/insights?"+window.Encode(), headers)
	})

	drain := waitDrain(ctx, runtime, accepted, opts.DrainTimeout)

	return Report{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		InboundRPS:     cfg.InboundRPS,
		OutboundRPS:    cfg.OutboundRPS,
		Results:        []ScenarioResult{ingest, query},
		Drain:          drain,
	}, nil
}

func waitDrain(ctx context.Context, runtime *app.Runtime, ids []string, timeout time.Duration) DrainResult {
	started := time.Now()
	deadline := started.Add(timeout)
	result := DrainResult{Accepted: len(ids)}
	for {
		result.Completed, result.Failed, result.Pending = 0, 0, 0
		for _, id := range ids {
			conversation, err := runtime.Store.Get(ctx, id)
			switch {
			case err != nil:
				result.Pending++
			case conversation.Status == domain.StatusCompleted:
				result.Completed++
			case conversation.Status == domain.StatusFailed:
				result.Failed++
			default:
				result.Pending++
			}
		}
		if result.Pending == 0 || time.Now().After(deadline) || ctx.Err() != nil {
			result.DurationMS = round2(float64(time.Since(started).Microseconds()) / 1000.0)
			return result
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) (int, error),
) ScenarioResult {
	if total <= 0 {
		return ScenarioResult{Name: name, StatusCounts: map[string]int{}}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				status, err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
					status:     status,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	statusCounts := make(map[string]int)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.status > 0 {
			statusCounts[fmt.Sprintf("%d", item.status)]++
		}
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return ScenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		StatusCounts:  statusCounts,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

var sampleTexts = []string{
	"Love the latest features! Smooth and fast.",
	"The app keeps crashing when I open settings.",
	"Where can I find the refund policy?",
	"My package is delayed again, this is a problem.",
	"Thanks for the quick help!",
}

// postConversation counts 202 and 429 as expected outcomes; a 429 is the
// limiter doing its job, not an error.
func postConversation(client *http.Client, baseURL, id string, index int, headers map[string]string) (int, error) {
	payload := map[string]any{
		"conversation_id": id,
		"messages": []map[string]any{
			{"role": "customer", "text": sampleTexts[index%len(sampleTexts)]},
			{"role": "agent", "text": "Thanks for reaching out, looking into it now."},
		},
		"metadata": map[string]any{"channel": "load", "index": index},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/conversations", bytes.NewReader(encoded))
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	return send(client, request, http.StatusAccepted, http.StatusTooManyRequests)
}

func get(client *http.Client, target string, headers map[string]string) (int, error) {
	request, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	return send(client, request, http.StatusOK, http.StatusTooManyRequests)
}

func send(client *http.Client, request *http.Request, expected ...int) (int, error) {
	response, err := client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	for _, status := range expected {
		if response.StatusCode == status {
			_, _ = io.Copy(io.Discard, response.Body)
			return response.StatusCode, nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
	return response.StatusCode, fmt.Errorf("unexpected status %d: %s", response.StatusCode, string(body))
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
