// Package upstream implements the outbound chat-completion client.
//
// The gateway fronts exactly one OpenAI-compatible provider. This package
// owns the wire call: serialization through the official SDK, the
// per-attempt timeout, the retry/backoff policy, and SSE streaming. The SDK's
// built-in retries are disabled so the policy here is the only one in play.
package upstream

import "time"

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats reported by the upstream.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
		TotalTokens      int
	}

	// Request — normalized outbound request. Temperature is always
	// meaningful here; the gateway applies the default before calling.
	Request struct {
		Model       string
		Messages    []Message
		Temperature float64
		MaxTokens   int // 0 = no cap
	}

	// Completion — normalized non-streaming response.
	Completion struct {
		ID           string
		Created      int64
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
	}

	// Chunk is one incremental fragment of a streamed completion.
	// FinishReason is non-empty only on the terminal chunk. Err is non-nil
	// when the upstream connection broke mid-stream; it is always the last
	// value delivered.
	Chunk struct {
		Content      string
		FinishReason string
		Err          error
	}

	// Stream is a single-consumer, non-restartable sequence of chunks.
	// ID and Model are taken from the first frame the upstream sent.
	Stream struct {
		ID     string
		Model  string
		Chunks <-chan Chunk
	}
)

// Default client tuning. Config values override these.
const (
	DefaultTimeout       = 60 * time.Second
	DefaultMaxRetries    = 3
	DefaultBackoffFactor = 2.0

	// backoffBase is the delay before the first retry; subsequent retries
	// multiply it by the backoff factor.
	backoffBase = time.Second
)
