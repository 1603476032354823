package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumiagent/lumiagent/pkg/models"
)

func chatOK(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": "pong"}},
		},
	})
}

func testProvider(name, baseURL, model string) models.ProviderConfig {
	return models.ProviderConfig{
		Name:         name,
		Kind:         name,
		Label:        name,
		BaseURL:      baseURL,
		DefaultModel: model,
	}
}

func newTestProber() *Prober {
	p := NewProber()
	p.window = time.Minute
	return p
}

func TestProbeCachesSuccessWithinWindow(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		chatOK(w)
	}))
	defer srv.Close()

	p := newTestProber()
	cfg := testProvider("local", srv.URL, "test-model")

	first := p.Probe(context.Background(), cfg, false)
	if !first.OK {
		t.Fatalf("probe failed: %s", first.Error)
	}
	second := p.Probe(context.Background(), cfg, false)
	if !second.OK {
		t.Fatalf("cached probe failed: %s", second.Error)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected 1 upstream call within the freshness window, got %d", got)
	}
}

func TestProbeForceBypassesCache(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		chatOK(w)
	}))
	defer srv.Close()

	p := newTestProber()
	cfg := testProvider("local", srv.URL, "test-model")

	p.Probe(context.Background(), cfg, false)
	p.Probe(context.Background(), cfg, true)
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("expected force to bypass the cache, got %d calls", got)
	}
}

func TestProbeDoesNotServeCachedFailures(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestProber()
	cfg := testProvider("local", srv.URL, "test-model")

	if res := p.Probe(context.Background(), cfg, false); res.OK {
		t.Fatal("expected probe to fail")
	}
	p.Probe(context.Background(), cfg, false)
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("failed probes must be retried, got %d calls", got)
	}
}

func TestProbeExpiresAfterWindow(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		chatOK(w)
	}))
	defer srv.Close()

	now := time.Now()
	p := newTestProber()
	p.now = func() time.Time { return now }
	cfg := testProvider("local", srv.URL, "test-model")

	p.Probe(context.Background(), cfg, false)
	now = now.Add(p.window + time.Second)
	p.Probe(context.Background(), cfg, false)
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("expected re-probe after window lapse, got %d calls", got)
	}
}

func TestProbeSendsProviderOwnModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		if body.MaxTokens != 1 {
			t.Errorf("probe should request 1 token, got %d", body.MaxTokens)
		}
		chatOK(w)
	}))
	defer srv.Close()

	p := newTestProber()
	p.Probe(context.Background(), testProvider("deepseek", srv.URL, "deepseek-chat"), false)
	if gotModel != "deepseek-chat" {
		t.Fatalf("probe used model %q, want the provider's own default", gotModel)
	}
}

func TestProbeReportsBalanceExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"message":"Insufficient Balance"}}`))
	}))
	defer srv.Close()

	p := newTestProber()
	res := p.Probe(context.Background(), testProvider("deepseek", srv.URL, "deepseek-chat"), false)
	if res.OK {
		t.Fatal("expected probe failure")
	}
	if res.Error != "account balance exhausted; top up or check billing" {
		t.Fatalf("unexpected error summary: %q", res.Error)
	}
}
