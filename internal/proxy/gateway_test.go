package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/vitte-ai/llm-gateway/internal/cache"
	"github.com/vitte-ai/llm-gateway/internal/ratelimit"
	"github.com/vitte-ai/llm-gateway/internal/upstream"
)

// --- helpers ----------------------------------------------------------------

// stubClient is a programmable Completer double. Calls counts upstream calls
// (complete and stream combined).
type stubClient struct {
	calls      atomic.Int32
	lastReq    atomic.Pointer[upstream.Request]
	completeFn func(ctx context.Context, req upstream.Request) (*upstream.Completion, error)
	streamFn   func(ctx context.Context, req upstream.Request) (*upstream.Stream, error)
}

func (s *stubClient) Complete(ctx context.Context, req upstream.Request) (*upstream.Completion, error) {
	s.calls.Add(1)
	s.lastReq.Store(&req)
	if s.completeFn == nil {
		return okCompletion(req), nil
	}
	return s.completeFn(ctx, req)
}

func (s *stubClient) Stream(ctx context.Context, req upstream.Request) (*upstream.Stream, error) {
	s.calls.Add(1)
	s.lastReq.Store(&req)
	if s.streamFn == nil {
		return okStream("Hello", " world"), nil
	}
	return s.streamFn(ctx, req)
}

func okCompletion(req upstream.Request) *upstream.Completion {
	return &upstream.Completion{
		ID:           "chatcmpl-test1",
		Created:      1700000000,
		Model:        req.Model,
		Content:      "hello from upstream",
		FinishReason: "stop",
		Usage:        upstream.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// okStream builds a finished stream delivering the given fragments.
func okStream(fragments ...string) *upstream.Stream {
	ch := make(chan upstream.Chunk, len(fragments)+1)
	for _, f := range fragments {
		ch <- upstream.Chunk{Content: f}
	}
	ch <- upstream.Chunk{FinishReason: "stop"}
	close(ch)
	return &upstream.Stream{ID: "chatcmpl-stream1", Model: "deepseek/deepseek-v3.2", Chunks: ch}
}

func newTestGateway(t *testing.T, client Completer, c cache.Cache, opts GatewayOptions) *Gateway {
	t.Helper()
	if opts.DefaultModel == "" {
		opts.DefaultModel = "deepseek/deepseek-v3.2"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gw := NewGateway(context.Background(), client, c, nil, nil, opts)
	t.Cleanup(gw.Close)
	return gw
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full routing and middleware pipeline. Returns an HTTP client that
// routes to it; the listener closes on test cleanup.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doPost(t *testing.T, client *http.Client, path string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://gateway"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func doGet(t *testing.T, client *http.Client, path string) *http.Response {
	t.Helper()
	resp, err := client.Get("http://gateway" + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

const chatBody = `{"messages":[{"role":"user","content":"Hello"}]}`

func TestGatewayClose_StopsBackgroundProbes(t *testing.T) {
	gw := newTestGateway(t, &stubClient{}, nil, GatewayOptions{})

	// Close must stop the health prober and stay safe on repeated calls —
	// the app lifecycle closes once from Run and once from main's defer.
	gw.Close()
	gw.Close()
}

// --- non-streaming dispatch -------------------------------------------------

func TestChat_Success(t *testing.T) {
	client := &stubClient{}
	gw := newTestGateway(t, client, nil, GatewayOptions{})
	hc := serveGateway(t, gw)

	resp := doPost(t, hc, "/v1/chat/completions", chatBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}

	var out outboundResponse
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if out.ID != "chatcmpl-test1" {
		t.Errorf("id = %q", out.ID)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello from upstream" {
		t.Errorf("unexpected choices: %+v", out.Choices)
	}
	if out.Choices[0].Message.Role != "assistant" {
		t.Errorf("role = %q", out.Choices[0].Message.Role)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("total_tokens = %d", out.Usage.TotalTokens)
	}
}

func TestChat_ValidationRejectedBeforeUpstream(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"no messages", `{"messages":[]}`},
		{"bad role", `{"messages":[{"role":"robot","content":"hi"}]}`},
		{"empty content", `{"messages":[{"role":"user","content":""}]}`},
		{"temperature too high", `{"messages":[{"role":"user","content":"hi"}],"temperature":2.5}`},
		{"negative temperature", `{"messages":[{"role":"user","content":"hi"}],"temperature":-0.1}`},
		{"zero max_tokens", `{"messages":[{"role":"user","content":"hi"}],"max_tokens":0}`},
	}

	client := &stubClient{}
	gw := newTestGateway(t, client, nil, GatewayOptions{})
	hc := serveGateway(t, gw)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doPost(t, hc, "/v1/chat/completions", tc.body)
			body := readBody(t, resp)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", resp.StatusCode, body)
			}
			if !bytes.Contains(body, []byte(`"bad_request"`)) {
				t.Errorf("error code missing from body: %s", body)
			}
		})
	}

	if got := client.calls.Load(); got != 0 {
		t.Errorf("validation failures must not reach the upstream, got %d calls", got)
	}
}

func TestChat_DefaultAndStrongModel(t *testing.T) {
	client := &stubClient{}
	gw := newTestGateway(t, client, nil, GatewayOptions{
		DefaultModel: "deepseek/deepseek-v3.2",
		StrongModel:  "deepseek/deepseek-r1",
	})
	hc := serveGateway(t, gw)

	doPost(t, hc, "/v1/chat/completions", chatBody).Body.Close()
	if got := client.lastReq.Load().Model; got != "deepseek/deepseek-v3.2" {
		t.Errorf("omitted model should fall back to default, got %q", got)
	}

	doPost(t, hc, "/v1/chat/completions",
		`{"model":"strong","messages":[{"role":"user","content":"Hello"}]}`).Body.Close()
	if got := client.lastReq.Load().Model; got != "deepseek/deepseek-r1" {
		t.Errorf("'strong' alias should resolve, got %q", got)
	}
}

func TestChat_CacheHitSkipsUpstream(t *testing.T) {
	client := &stubClient{}
	mc := cache.NewMemoryCache(context.Background())
	t.Cleanup(mc.Close)
	gw := newTestGateway(t, client, mc, GatewayOptions{})
	hc := serveGateway(t, gw)

	first := doPost(t, hc, "/v1/chat/completions", chatBody)
	firstBody := readBody(t, first)
	if first.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("first request should miss, got %q", first.Header.Get("X-Cache"))
	}

	second := doPost(t, hc, "/v1/chat/completions", chatBody)
	secondBody := readBody(t, second)
	if second.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("second request should hit, got %q", second.Header.Get("X-Cache"))
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Error("cache hit must return the byte-identical previous response")
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("upstream should be called once, got %d", got)
	}
}

func TestChat_RateLimiterCeilingReturns429(t *testing.T) {
	client := &stubClient{}
	gw := newTestGateway(t, client, nil, GatewayOptions{})
	gw.SetRateLimiter(ratelimit.New(1, time.Minute, 10*time.Millisecond))
	hc := serveGateway(t, gw)

	doPost(t, hc, "/v1/chat/completions", chatBody).Body.Close()

	resp := doPost(t, hc, "/v1/chat/completions", chatBody)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 (%s)", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("blocked request must not reach upstream, got %d calls", got)
	}
}

func TestChat_BreakerOpensAndShortCircuits(t *testing.T) {
	transient := &upstream.Error{Kind: upstream.KindTransient, StatusCode: 503, Message: "overloaded"}
	client := &stubClient{
		completeFn: func(context.Context, upstream.Request) (*upstream.Completion, error) {
			return nil, transient
		},
	}
	gw := newTestGateway(t, client, nil, GatewayOptions{
		CBConfig: CBConfig{FailureThreshold: 2, ResetTimeout: time.Minute},
	})
	hc := serveGateway(t, gw)

	for i := 0; i < 2; i++ {
		resp := doPost(t, hc, "/v1/chat/completions", chatBody)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("request %d: status = %d, want 502", i, resp.StatusCode)
		}
	}

	// The breaker is open now: rejected without an upstream call.
	resp := doPost(t, hc, "/v1/chat/completions", chatBody)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (%s)", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("503 must carry Retry-After")
	}
	if !bytes.Contains(body, []byte(`"upstream_unavailable"`)) {
		t.Errorf("error code missing: %s", body)
	}
	if got := client.calls.Load(); got != 2 {
		t.Errorf("open breaker must not call upstream, got %d calls", got)
	}
}

func TestChat_HalfOpenProbeClientErrorFreesSlot(t *testing.T) {
	// Scripted outcomes: transient trip, then an uncounted client error as
	// the half-open probe, then a success.
	var mode atomic.Int32
	client := &stubClient{}
	client.completeFn = func(_ context.Context, req upstream.Request) (*upstream.Completion, error) {
		switch mode.Load() {
		case 0:
			return nil, &upstream.Error{Kind: upstream.KindTransient, StatusCode: 503, Message: "overloaded"}
		case 1:
			return nil, &upstream.Error{Kind: upstream.KindClient, StatusCode: 401, Message: "bad key"}
		default:
			return okCompletion(req), nil
		}
	}
	gw := newTestGateway(t, client, nil, GatewayOptions{
		CBConfig: CBConfig{FailureThreshold: 1, ResetTimeout: time.Minute},
	})
	hc := serveGateway(t, gw)

	resp := doPost(t, hc, "/v1/chat/completions", chatBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("trip request: status = %d, want 502", resp.StatusCode)
	}
	if gw.cb.State() != cbOpen {
		t.Fatal("breaker should be open after the transient failure")
	}

	// Reset timeout elapses; the next request is the half-open probe. It
	// ends in a client error, which the breaker does not count — the probe
	// slot must still be freed.
	rewindOpenedAt(gw.cb, 2*time.Minute)
	mode.Store(1)
	resp = doPost(t, hc, "/v1/chat/completions", chatBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("probe request: status = %d, want 502", resp.StatusCode)
	}

	mode.Store(2)
	resp = doPost(t, hc, "/v1/chat/completions", chatBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post-probe request: status = %d, want 200 — probe slot was not released", resp.StatusCode)
	}
	if got := client.calls.Load(); got != 3 {
		t.Errorf("all three requests should reach upstream, got %d", got)
	}
	if gw.cb.State() != cbClosed {
		t.Error("successful probe should close the breaker")
	}
}

func TestChat_ClientErrorsNeverTripBreaker(t *testing.T) {
	clientErr := &upstream.Error{Kind: upstream.KindClient, StatusCode: 401, Message: "bad key"}
	client := &stubClient{
		completeFn: func(context.Context, upstream.Request) (*upstream.Completion, error) {
			return nil, clientErr
		},
	}
	gw := newTestGateway(t, client, nil, GatewayOptions{
		CBConfig: CBConfig{FailureThreshold: 2, ResetTimeout: time.Minute},
	})
	hc := serveGateway(t, gw)

	for i := 0; i < 5; i++ {
		resp := doPost(t, hc, "/v1/chat/completions", chatBody)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("request %d: status = %d, want 502", i, resp.StatusCode)
		}
	}

	// All five reached the upstream — nothing was short-circuited.
	if got := client.calls.Load(); got != 5 {
		t.Errorf("client errors must not open the breaker, got %d calls", got)
	}
	if gw.cb.State() != cbClosed {
		t.Error("breaker should still be closed")
	}
}

func TestChat_TimeoutMapsTo504(t *testing.T) {
	client := &stubClient{
		completeFn: func(context.Context, upstream.Request) (*upstream.Completion, error) {
			return nil, &upstream.Error{Kind: upstream.KindTimeout, Message: "deadline exceeded"}
		},
	}
	gw := newTestGateway(t, client, nil, GatewayOptions{})
	hc := serveGateway(t, gw)

	resp := doPost(t, hc, "/v1/chat/completions", chatBody)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504 (%s)", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte(`"upstream_timeout"`)) {
		t.Errorf("error code missing: %s", body)
	}
}

// --- streaming --------------------------------------------------------------

func TestChat_StreamingSSE(t *testing.T) {
	client := &stubClient{}
	gw := newTestGateway(t, client, nil, GatewayOptions{StreamingEnabled: true})
	hc := serveGateway(t, gw)

	resp := doPost(t, hc, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"Hello"}],"stream":true}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var (
		content  string
		finish   string
		sawDone  bool
		sawRole  bool
		frameIdx int
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			break
		}

		var frame sseChunk
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			t.Fatalf("frame %d not JSON: %v (%s)", frameIdx, err, payload)
		}
		if frame.Object != "chat.completion.chunk" {
			t.Errorf("frame %d object = %q", frameIdx, frame.Object)
		}
		if frame.ID != "chatcmpl-stream1" {
			t.Errorf("frame %d id = %q, chunks must share the stream id", frameIdx, frame.ID)
		}
		if frameIdx == 0 && frame.Choices[0].Delta.Role == "assistant" {
			sawRole = true
		}
		content += frame.Choices[0].Delta.Content
		if fr := frame.Choices[0].FinishReason; fr != nil {
			finish = *fr
		}
		frameIdx++
	}

	if !sawDone {
		t.Error("stream must terminate with [DONE]")
	}
	if !sawRole {
		t.Error("first frame should carry the assistant role delta")
	}
	if content != "Hello world" {
		t.Errorf("concatenated deltas = %q, want 'Hello world'", content)
	}
	if finish != "stop" {
		t.Errorf("finish_reason = %q, want 'stop'", finish)
	}
}

func TestChat_StreamingDisabledRejected(t *testing.T) {
	client := &stubClient{}
	gw := newTestGateway(t, client, nil, GatewayOptions{StreamingEnabled: false})
	hc := serveGateway(t, gw)

	resp := doPost(t, hc, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"Hello"}],"stream":true}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (%s)", resp.StatusCode, body)
	}
	if got := client.calls.Load(); got != 0 {
		t.Errorf("disabled streaming must not reach upstream, got %d calls", got)
	}
}

func TestChat_StreamingMidStreamErrorFrame(t *testing.T) {
	client := &stubClient{
		streamFn: func(context.Context, upstream.Request) (*upstream.Stream, error) {
			ch := make(chan upstream.Chunk, 2)
			ch <- upstream.Chunk{Content: "partial"}
			ch <- upstream.Chunk{Err: &upstream.Error{Kind: upstream.KindTransient, Message: "connection reset"}}
			close(ch)
			return &upstream.Stream{ID: "chatcmpl-s", Model: "m", Chunks: ch}, nil
		},
	}
	gw := newTestGateway(t, client, nil, GatewayOptions{StreamingEnabled: true})
	hc := serveGateway(t, gw)

	resp := doPost(t, hc, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"Hello"}],"stream":true}`)
	body := string(readBody(t, resp))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status already committed as 200, got %d", resp.StatusCode)
	}
	errIdx := strings.Index(body, `"error"`)
	doneIdx := strings.Index(body, "data: [DONE]")
	if errIdx < 0 {
		t.Fatalf("inline error frame missing: %s", body)
	}
	if doneIdx < 0 {
		t.Fatalf("[DONE] sentinel missing: %s", body)
	}
	if errIdx > doneIdx {
		t.Error("error frame must precede the [DONE] sentinel")
	}
}

// panicConn fails writes the way a torn-down connection does once fasthttp
// gives up on it.
type panicConn struct{}

func (panicConn) Write([]byte) (int, error) {
	panic("connection closed")
}

func TestStreamWriter_PanicStillFinalizes(t *testing.T) {
	gw := newTestGateway(t, &stubClient{}, nil, GatewayOptions{StreamingEnabled: true})

	// A producer that keeps sending; it must not be stranded mid-send when
	// the consumer dies.
	ch := make(chan upstream.Chunk)
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for i := 0; i < 100; i++ {
			ch <- upstream.Chunk{Content: "x"}
		}
		close(ch)
	}()

	var (
		completed = make(chan struct{})
		gotErr    error
	)
	writer := gw.streamWriter("chatcmpl-x", "m", time.Now().Unix(), ch, func(err error, _ int) {
		gotErr = err
		close(completed)
	})

	// A tiny buffer forces the first frame through to the panicking conn.
	writer(bufio.NewWriterSize(panicConn{}, 1))

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("onComplete must run even when the connection write panics")
	}
	if gotErr == nil {
		t.Error("a panicking write must surface as a stream error")
	}

	select {
	case <-producerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("producer goroutine must be drained, not left blocked on send")
	}
}

// --- operational endpoints --------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t, &stubClient{}, nil, GatewayOptions{})
	hc := serveGateway(t, gw)

	resp := doGet(t, hc, "/v1/health")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "healthy" || out["service"] != "llm-gateway" || out["version"] == "" {
		t.Errorf("unexpected health body: %s", body)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	gw := newTestGateway(t, &stubClient{}, nil, GatewayOptions{})
	hc := serveGateway(t, gw)

	resp := doGet(t, hc, "/v1/health/ready")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte(`"circuit_breaker"`)) {
		t.Errorf("readiness should report breaker state: %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	client := &stubClient{}
	mc := cache.NewMemoryCache(context.Background())
	t.Cleanup(mc.Close)
	gw := newTestGateway(t, client, mc, GatewayOptions{})
	gw.SetRateLimiter(ratelimit.New(100, time.Minute, 0))
	hc := serveGateway(t, gw)

	// One miss then one hit.
	doPost(t, hc, "/v1/chat/completions", chatBody).Body.Close()
	doPost(t, hc, "/v1/chat/completions", chatBody).Body.Close()

	resp := doGet(t, hc, "/v1/metrics")
	body := readBody(t, resp)

	var snap MetricsSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Requests.Hits != 1 || snap.Requests.Misses != 1 || snap.Requests.Errors != 0 {
		t.Errorf("outcomes = %+v", snap.Requests)
	}
	if snap.Requests.Total != 2 {
		t.Errorf("total = %d, want 2", snap.Requests.Total)
	}
	if snap.RateLimiter == nil || snap.RateLimiter.Capacity != 100 {
		t.Errorf("rate limiter snapshot missing: %s", body)
	}
	if snap.CircuitBreaker == nil || snap.CircuitBreaker.State != "closed" {
		t.Errorf("breaker snapshot missing: %s", body)
	}
	if !snap.CacheEnabled {
		t.Error("cache_enabled should be true")
	}
}

func TestCacheInvalidateEndpoint(t *testing.T) {
	client := &stubClient{}
	mc := cache.NewMemoryCache(context.Background())
	t.Cleanup(mc.Close)
	gw := newTestGateway(t, client, mc, GatewayOptions{})
	hc := serveGateway(t, gw)

	doPost(t, hc, "/v1/chat/completions", chatBody).Body.Close()

	resp := doPost(t, hc, "/v1/admin/cache/invalidate", `{"pattern":"*"}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body)
	}

	var out map[string]int
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["invalidated"] != 1 {
		t.Errorf("invalidated = %d, want 1", out["invalidated"])
	}

	// Entry gone: next identical request misses again.
	resp = doPost(t, hc, "/v1/chat/completions", chatBody)
	resp.Body.Close()
	if resp.Header.Get("X-Cache") != "MISS" {
		t.Error("invalidated entry should miss")
	}
}

func TestChat_ExcludedModelBypassesCache(t *testing.T) {
	client := &stubClient{}
	mc := cache.NewMemoryCache(context.Background())
	t.Cleanup(mc.Close)
	gw := newTestGateway(t, client, mc, GatewayOptions{})

	el, err := cache.NewExclusionList([]string{"deepseek/deepseek-v3.2"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	gw.SetCacheExclusions(el)
	hc := serveGateway(t, gw)

	for i := 0; i < 2; i++ {
		resp := doPost(t, hc, "/v1/chat/completions", chatBody)
		resp.Body.Close()
		if resp.Header.Get("X-Cache") == "HIT" {
			t.Fatal("excluded model must never hit the cache")
		}
	}
	if got := client.calls.Load(); got != 2 {
		t.Errorf("both requests should reach upstream, got %d", got)
	}
}
