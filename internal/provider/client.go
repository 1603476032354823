package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/lumiagent/lumiagent/pkg/models"
)

// chatRequest is the OpenAI-compatible chat-completion request body.
type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Client speaks the OpenAI chat-completion protocol against any
// configured provider. Per-call deadlines come from the caller's
// context; the underlying http.Client carries no global timeout so
// long streams are not cut off.
type Client struct {
	http *http.Client
}

// NewClient creates a chat-completion client.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// Complete issues a non-streaming completion against the provider,
// always using the provider's own default model. Returns the assistant
// message content.
func (c *Client) Complete(ctx context.Context, provider models.ProviderConfig, messages []models.ChatMessage) (string, error) {
	resp, err := c.post(ctx, provider, chatRequest{
		Model:       provider.DefaultModel,
		Messages:    messages,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", models.NewError(models.ErrUpstream, "malformed response body: "+err.Error())
	}
	if len(parsed.Choices) == 0 {
		return "", models.NewError(models.ErrUpstream, "response contained no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Stream issues a streaming completion and forwards each text chunk to
// sink in order. Returns the accumulated content. If the connection
// drops mid-stream, the content received so far is returned together
// with the error so callers can surface a partial result. Cancellation
// via ctx closes the connection and is reported as Cancelled.
func (c *Client) Stream(ctx context.Context, provider models.ProviderConfig, messages []models.ChatMessage, sink func(chunk string) error) (string, error) {
	resp, err := c.post(ctx, provider, chatRequest{
		Model:       provider.DefaultModel,
		Messages:    messages,
		Temperature: 0.2,
		Stream:      true,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return full.String(), classifyCtxErr(err)
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return full.String(), nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		full.WriteString(content)
		if err := sink(content); err != nil {
			return full.String(), err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return full.String(), classifyCtxErr(ctxErr)
		}
		return full.String(), models.NewError(models.ErrUpstream, "connection dropped mid-stream: "+err.Error())
	}
	return full.String(), nil
}

func (c *Client) post(ctx context.Context, provider models.ProviderConfig, payload chatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewError(models.ErrUpstream, "encode request: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, models.NewError(models.ErrUpstream, "create request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, classifyCtxErr(ctxErr)
		}
		return nil, models.NewError(models.ErrUpstream, "request failed: "+err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, models.NewError(models.ErrUpstream, upstreamErrorSummary(resp))
	}
	return resp, nil
}

func classifyCtxErr(err error) *models.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.ErrTimeout,
			"model request timed out; raise QWEN_REQUEST_TIMEOUT for long generations")
	}
	return models.NewError(models.ErrCancelled, "stopped by user")
}
