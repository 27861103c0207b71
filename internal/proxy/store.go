package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitte-ai/llm-gateway/internal/cache"
	"github.com/vitte-ai/llm-gateway/internal/upstream"
)

// cacheKeyPrefix namespaces and versions every cache key. Bumping the version
// orphans old entries instead of colliding with them.
const cacheKeyPrefix = "llm-cache:v1:"

// ResponseStore memoizes completed non-streaming responses. It is a thin
// policy layer over cache.Cache: fingerprinting, entry validation, and
// best-effort semantics live here; the backend only sees opaque bytes.
//
// Failure semantics: reads downgrade to a miss, writes are dropped silently
// (logged at debug/warn by the backend). Correctness never depends on the
// cache being up.
type ResponseStore struct {
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
}

// NewResponseStore wraps c with the gateway's caching policy. c may be nil,
// in which case every lookup misses and every store is a no-op.
func NewResponseStore(c cache.Cache, ttl time.Duration, log *slog.Logger) *ResponseStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResponseStore{cache: c, ttl: ttl, log: log}
}

// Lookup returns the previously cached response body for req, or (nil, false)
// on a miss. An entry that no longer parses as a response envelope is deleted
// and reported as a miss.
func (s *ResponseStore) Lookup(ctx context.Context, req upstream.Request) ([]byte, bool) {
	if s == nil || s.cache == nil {
		return nil, false
	}

	key := Fingerprint(req)
	body, ok := s.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}

	var envelope outboundResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		s.log.WarnContext(ctx, "cache entry corrupt, deleting",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		_ = s.cache.Delete(ctx, key)
		return nil, false
	}

	return body, true
}

// Store writes the serialized response body under req's fingerprint.
// Best-effort: errors are swallowed by the cache backend.
func (s *ResponseStore) Store(ctx context.Context, req upstream.Request, body []byte) {
	if s == nil || s.cache == nil {
		return
	}
	_ = s.cache.Set(ctx, Fingerprint(req), body, s.ttl)
}

// Invalidate removes all cached entries whose fingerprint suffix matches the
// glob pattern and returns how many were removed. An empty pattern matches
// every entry in the namespace.
func (s *ResponseStore) Invalidate(ctx context.Context, pattern string) (int, error) {
	if s == nil || s.cache == nil {
		return 0, nil
	}
	if pattern == "" {
		pattern = "*"
	}
	return s.cache.DeleteByPattern(ctx, cacheKeyPrefix+pattern)
}

// Fingerprint returns the content-addressed cache key for req.
//
// The key is stable across processes: semantically equal requests hash equal.
// Temperature is rounded to four decimals so float noise does not split
// entries; an absent max-token cap is encoded distinctly from zero.
func Fingerprint(req upstream.Request) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}

	canonical := struct {
		M    string `json:"m"`
		T    string `json:"t"`
		MT   *int   `json:"mt"`
		Msgs []msg  `json:"msgs"`
	}{
		M:    req.Model,
		T:    fmt.Sprintf("%.4f", req.Temperature),
		Msgs: msgs,
	}
	if req.MaxTokens > 0 {
		canonical.MT = &req.MaxTokens
	}

	data, _ := json.Marshal(canonical)
	h := sha256.Sum256(data)
	return cacheKeyPrefix + hex.EncodeToString(h[:])
}
