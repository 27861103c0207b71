package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Config carries the upstream connection and retry settings.
type Config struct {
	APIKey        string
	BaseURL       string
	Timeout       time.Duration // per attempt, not per call
	MaxRetries    int           // total attempts, not extra attempts
	BackoffFactor float64
	BackoffBase   time.Duration // delay before the first retry, default 1s
}

// Client talks to the configured OpenAI-compatible provider.
type Client struct {
	api           openaiSDK.Client
	timeout       time.Duration
	maxRetries    int
	backoffFactor float64
	backoffBase   time.Duration
	log           *slog.Logger
}

// NewClient builds a Client. SDK-level retries are turned off; retry policy
// lives entirely in Complete and Stream.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = backoffBase
	}
	if log == nil {
		log = slog.Default()
	}

	// No http.Client.Timeout: it would cover the whole body read and cut
	// long streams short. Per-attempt contexts bound latency instead.
	httpClient := &http.Client{}
	if cfg.BaseURL != "" {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, cfg.BaseURL)
	}

	return &Client{
		api: openaiSDK.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithHTTPClient(httpClient),
			option.WithMaxRetries(0),
		),
		timeout:       cfg.Timeout,
		maxRetries:    cfg.MaxRetries,
		backoffFactor: cfg.BackoffFactor,
		backoffBase:   cfg.BackoffBase,
		log:           log,
	}
}

// HealthCheck verifies the upstream is reachable with the configured key.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.api.Models.List(ctx); err != nil {
		return fmt.Errorf("upstream: health check: %w", c.classify(err))
	}
	return nil
}

// Complete performs a non-streaming chat completion, retrying transient
// failures up to the configured attempt budget.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	params := buildParams(req)

	var lastErr *Error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			if err := c.backoff(ctx, attempt, lastErr); err != nil {
				return nil, err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.api.Chat.Completions.New(attemptCtx, params)
		cancel()

		if err == nil {
			return toCompletion(resp)
		}

		uerr := c.classify(err)
		if !uerr.Retryable() {
			return nil, uerr
		}
		c.log.WarnContext(ctx, "upstream attempt failed",
			"attempt", attempt,
			"max_retries", c.maxRetries,
			"kind", uerr.Kind,
			"status", uerr.StatusCode,
		)
		lastErr = uerr
	}

	return nil, lastErr
}

// Stream opens a streaming chat completion. Only failures before the first
// chunk are retried; once bytes have flowed, a broken connection is delivered
// to the consumer as a terminal Chunk.Err.
//
// The returned Stream's channel is closed when the upstream finishes or the
// context is cancelled.
func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	params := buildParams(req)

	var lastErr *Error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			if err := c.backoff(ctx, attempt, lastErr); err != nil {
				return nil, err
			}
		}

		streamCtx, cancel := context.WithCancel(ctx)
		s := c.api.Chat.Completions.NewStreaming(streamCtx, params)

		// Per-attempt deadline only covers the wait for the first frame;
		// after that the stream runs as long as the caller's context lives.
		firstFrame := time.AfterFunc(c.timeout, cancel)

		if s.Next() {
			firstFrame.Stop()
			first := s.Current()
			ch := make(chan Chunk, 64)

			// Forward frames until the upstream closes or errors. The
			// goroutine owns the channel and the stream context.
			go func() {
				defer cancel()
				defer close(ch)

				emit := func(chunk openaiSDK.ChatCompletionChunk) {
					if len(chunk.Choices) == 0 {
						return
					}
					choice := chunk.Choices[0]
					if choice.Delta.Content == "" && choice.FinishReason == "" {
						return
					}
					ch <- Chunk{Content: choice.Delta.Content, FinishReason: choice.FinishReason}
				}

				emit(first)
				for s.Next() {
					emit(s.Current())
				}
				if err := s.Err(); err != nil {
					ch <- Chunk{Err: c.classify(err)}
				}
			}()

			return &Stream{ID: first.ID, Model: first.Model, Chunks: ch}, nil
		}
		firstFrame.Stop()

		err := s.Err()
		cancel()
		if err == nil {
			return nil, &Error{Kind: KindProtocol, Message: "stream ended before any chunk"}
		}

		uerr := c.classify(err)
		if !uerr.Retryable() {
			return nil, uerr
		}
		c.log.WarnContext(ctx, "upstream stream attempt failed",
			"attempt", attempt,
			"max_retries", c.maxRetries,
			"kind", uerr.Kind,
			"status", uerr.StatusCode,
		)
		lastErr = uerr
	}

	return nil, lastErr
}

// backoff sleeps before retry attempt k. The delay is
// backoffBase·factor^(k-2) plus full jitter of up to the same amount again;
// a Retry-After hint from a 429 raises the floor but never lowers it.
func (c *Client) backoff(ctx context.Context, attempt int, lastErr *Error) error {
	base := time.Duration(float64(c.backoffBase) * math.Pow(c.backoffFactor, float64(attempt-2)))
	delay := base + time.Duration(rand.Float64()*float64(base))
	if lastErr != nil && lastErr.RetryAfter > delay {
		delay = lastErr.RetryAfter
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify maps an SDK or transport error onto the gateway taxonomy.
func (c *Client) classify(err error) *Error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		status := apierr.StatusCode
		switch {
		case status == http.StatusRequestTimeout,
			status == http.StatusTooManyRequests,
			status >= http.StatusInternalServerError:
			return &Error{
				Kind:       KindTransient,
				StatusCode: status,
				Message:    apierr.Error(),
				RetryAfter: retryAfterHint(apierr.Response),
			}
		default:
			return &Error{Kind: KindClient, StatusCode: status, Message: apierr.Error()}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "attempt deadline exceeded"}
	}
	if errors.Is(err, context.Canceled) {
		// A cancelled first-frame watchdog surfaces as Canceled too.
		return &Error{Kind: KindTimeout, Message: "attempt cancelled before response"}
	}

	// Connection refused, DNS failure, broken pipe and friends.
	return &Error{Kind: KindTransient, Message: err.Error()}
}

// retryAfterHint parses a Retry-After header. Only the delta-seconds form is
// honored; HTTP-date values are rare on LLM providers and are ignored.
func retryAfterHint(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func buildParams(req Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages:    msgs,
		Model:       req.Model,
		Temperature: openaiSDK.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func toCompletion(resp *openaiSDK.ChatCompletion) (*Completion, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindProtocol, Message: "response contains no choices"}
	}
	choice := resp.Choices[0]

	return &Completion{
		ID:           resp.ID,
		Created:      resp.Created,
		Model:        resp.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

// baseURLTransport redirects SDK requests at a custom provider endpoint,
// keeping any path prefix the endpoint carries (e.g. "/openrouter/v1").
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}
