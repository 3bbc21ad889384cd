package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Retry       RetryPolicy
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
	Logger      *log.Logger
}

// EnrichmentClient calls an OpenAI-compatible chat completions endpoint with
// a whole batch per request. Retries are driven by RetryPolicy; the SDK's
// own retry loop is disabled.
type EnrichmentClient struct {
	api         openai.Client
	model       string
	timeout     time.Duration
	retry       RetryPolicy
	temperature float64
	maxTokens   int
	logger      *log.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, delay time.Duration) error
}

func NewEnrichmentClient(config ClientConfig) (*EnrichmentClient, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://api.x.ai/v1"
	}
	if strings.TrimSpace(config.Model) == "" {
		config.Model = "grok-3"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultRetryPolicy()
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 2000
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(config.BaseURL),
		option.WithMaxRetries(0),
	}
	if config.HTTPClient != nil {
		options = append(options, option.WithHTTPClient(config.HTTPClient))
	}

	return &EnrichmentClient{
		api:         openai.NewClient(options...),
		model:       strings.TrimSpace(config.Model),
		timeout:     config.Timeout,
		retry:       config.Retry,
		temperature: config.Temperature,
		maxTokens:   config.MaxTokens,
		logger:      config.Logger,
		now:         time.Now,
		sleep:       sleepContext,
	}, nil
}

func (c *EnrichmentClient) Model() string {
	return c.model
}

// EnrichBatch sends items in a single request. On success the result holds
// whatever rows the service returned; missing ids are left for the caller to
// mark as failed. A returned error means every attempt failed.
func (c *EnrichmentClient) EnrichBatch(ctx context.Context, items []Item) (BatchResult, error) {
	if len(items) == 0 {
		return BatchResult{}, ErrEmptyBatch
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildUserPrompt(items)),
		},
		MaxTokens:   openai.Int(int64(c.maxTokens)),
		Temperature: openai.Float(c.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	}

	for attempt := 1; ; attempt++ {
		result, err := c.call(ctx, params)
		if err == nil {
			result.Attempts = attempt
			return result, nil
		}
		if ctx.Err() != nil {
			return BatchResult{Attempts: attempt}, ctx.Err()
		}

		decision := c.retry.Next(attempt, err)
		if !decision.Retry {
			return BatchResult{Model: c.model, Raw: ResponseBody(err), Attempts: attempt}, err
		}
		if c.logger != nil {
			c.logger.Printf(
				"enrichment attempt failed attempt=%d batch_size=%d retry_in=%s err=%v",
				attempt,
				len(items),
				decision.Delay,
				err,
			)
		}
		if err := c.sleep(ctx, decision.Delay); err != nil {
			return BatchResult{Attempts: attempt}, err
		}
	}
}

func (c *EnrichmentClient) call(ctx context.Context, params openai.ChatCompletionNewParams) (BatchResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response, err := c.api.Chat.Completions.New(callCtx, params)
	if err != nil {
		return BatchResult{}, c.classify(err)
	}
	if len(response.Choices) == 0 {
		return BatchResult{}, &MalformedResponseError{Reason: "response without choices"}
	}

	content := response.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return BatchResult{}, &MalformedResponseError{Reason: "empty message content"}
	}

	rows, unattributed, err := parseEnvelope([]byte(content))
	if err != nil {
		return BatchResult{}, err
	}
	if unattributed > 0 && c.logger != nil {
		c.logger.Printf("enrichment rows without conversation_id dropped count=%d", unattributed)
	}

	model := response.Model
	if strings.TrimSpace(model) == "" {
		model = c.model
	}
	return BatchResult{
		Rows:  rows,
		Raw:   []byte(strings.TrimSpace(content)),
		Model: model,
		Usage: TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
			TotalTokens:  int(response.Usage.TotalTokens),
		},
	}, nil
}

func (c *EnrichmentClient) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		upstream := &UpstreamError{
			StatusCode: apiErr.StatusCode,
			Message:    truncateMessage(apiErr.Message, 700),
		}
		if upstream.Message == "" {
			upstream.Message = http.StatusText(apiErr.StatusCode)
		}
		if apiErr.Response != nil {
			upstream.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"), c.now())
		}
		return upstream
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransportError{Err: fmt.Errorf("chat completion: %w", err)}
}
