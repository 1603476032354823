package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lumiagent/lumiagent/pkg/models"
)

func sseChunk(content string) string {
	payload, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]string{"content": content}},
		},
	})
	return fmt.Sprintf("data: %s\n\n", payload)
}

func TestCompleteReturnsAssistantContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		var body struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Model != "test-model" {
			t.Errorf("request named model %q, want test-model", body.Model)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hello"}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient()
	cfg := testProvider("local", srv.URL, "test-model")
	cfg.APIKey = "sk-test"

	got, err := c.Complete(context.Background(), cfg, []models.ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestCompleteNoChoicesIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Complete(context.Background(), testProvider("local", srv.URL, "m"), nil)
	if e := models.AsError(err); e == nil || e.Kind != models.ErrUpstream {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
}

func TestStreamAccumulatesChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("foo"))
		fmt.Fprint(w, sseChunk("bar"))
		fmt.Fprint(w, sseChunk("baz"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var chunks []string
	c := NewClient()
	full, err := c.Stream(context.Background(), testProvider("local", srv.URL, "m"), nil, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if full != "foobarbaz" {
		t.Fatalf("accumulated %q", full)
	}
	if strings.Join(chunks, "|") != "foo|bar|baz" {
		t.Fatalf("chunk order wrong: %v", chunks)
	}
}

func TestStreamCancelReturnsPartialAndCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("partial"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient()
	full, err := c.Stream(ctx, testProvider("local", srv.URL, "m"), nil, func(chunk string) error {
		cancel()
		return nil
	})

	e := models.AsError(err)
	if e == nil || e.Kind != models.ErrCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if e.Message != "stopped by user" {
		t.Fatalf("unexpected cancel message: %q", e.Message)
	}
	if full != "partial" {
		t.Fatalf("expected partial content to survive cancellation, got %q", full)
	}
}

func TestStreamDeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewClient()
	_, err := c.Stream(ctx, testProvider("local", srv.URL, "m"), nil, func(string) error { return nil })
	if e := models.AsError(err); e == nil || e.Kind != models.ErrTimeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
}
