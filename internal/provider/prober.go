package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumiagent/lumiagent/pkg/models"
)

const (
	// probeTimeout bounds one connectivity check. Distinct from the
	// generation timeout: a probe must fail fast.
	probeTimeout = 10 * time.Second

	// freshnessWindow is how long a ProbeResult stays authoritative.
	freshnessWindow = 60 * time.Second
)

// Prober issues minimal chat-completion requests to verify reachability
// and measure latency. Results are cached per provider for the
// freshness window; writes are last-writer-wins, safe because probes
// are idempotent.
type Prober struct {
	client *http.Client
	window time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]models.ProbeResult
}

// NewProber creates a prober with the default cache window.
func NewProber() *Prober {
	return &Prober{
		client: &http.Client{},
		window: freshnessWindow,
		now:    time.Now,
		cache:  make(map[string]models.ProbeResult),
	}
}

// Probe checks connectivity for one provider. A fresh cached result is
// returned unless force is set. Never returns an error: failures are
// reported inside the ProbeResult.
func (p *Prober) Probe(ctx context.Context, provider models.ProviderConfig, force bool) models.ProbeResult {
	// Only successful probes satisfy cache hits. A failed result stays
	// visible through Cached for status reporting, but the next request
	// retries the provider instead of trusting a stale failure.
	if !force {
		if cached, ok := p.Cached(provider.Name); ok && cached.OK {
			return cached
		}
	}

	result := p.ping(ctx, provider)

	p.mu.Lock()
	p.cache[provider.Name] = result
	p.mu.Unlock()

	log.Debug().
		Str("provider", provider.Name).
		Bool("ok", result.OK).
		Int64("latency_ms", result.LatencyMs).
		Str("error", result.Error).
		Msg("provider probed")

	return result
}

// Cached returns the cached ProbeResult for a provider if it is still
// within the freshness window.
func (p *Prober) Cached(name string) (models.ProbeResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cached, ok := p.cache[name]
	if !ok || p.now().Sub(cached.ObservedAt) >= p.window {
		return models.ProbeResult{}, false
	}
	return cached, true
}

// Invalidate drops the cached result for a provider.
func (p *Prober) Invalidate(name string) {
	p.mu.Lock()
	delete(p.cache, name)
	p.mu.Unlock()
}

// ping sends a 1-token "ping" completion using the provider's own
// default model. Another provider's model name must never be
// substituted here.
func (p *Prober) ping(ctx context.Context, provider models.ProviderConfig) models.ProbeResult {
	start := p.now()
	result := models.ProbeResult{Provider: provider.Name, ObservedAt: start}

	pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	body, _ := json.Marshal(chatRequest{
		Model:       provider.DefaultModel,
		Messages:    []models.ChatMessage{{Role: "user", Content: "ping"}},
		MaxTokens:   1,
		Temperature: 0,
	})

	req, err := http.NewRequestWithContext(pingCtx, http.MethodPost, provider.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("create request: %v", err)
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	resp, err := p.client.Do(req)
	result.LatencyMs = p.now().Sub(start).Milliseconds()
	if err != nil {
		result.Error = probeErrorSummary(err)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result.Error = upstreamErrorSummary(resp)
		return result
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		result.Error = fmt.Sprintf("malformed response body: %v", err)
		return result
	}

	result.OK = true
	return result
}

func probeErrorSummary(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "connection timed out"
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
		return "connection refused or network unreachable"
	}
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return msg
}

// upstreamErrorSummary extracts a short human-readable message from a
// non-2xx provider response.
func upstreamErrorSummary(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	msg := ""
	if err := json.Unmarshal(raw, &parsed); err == nil {
		msg = parsed.Error.Message
		if msg == "" {
			msg = parsed.Message
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
		if len(msg) > 80 {
			msg = msg[:80]
		}
	}
	if msg == "" {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	if strings.Contains(strings.ToLower(msg), "insufficient balance") {
		return "account balance exhausted; top up or check billing"
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg)
}
