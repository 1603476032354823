// Package generate owns the generation request lifecycle: it builds the
// mode-specific prompt, resolves a provider through the selector,
// drives the (optionally streaming) completion, and shapes the raw
// reply into a structured GenerationResult. The reuse path never
// touches the network.
package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumiagent/lumiagent/pkg/models"
)

// Resolver resolves the provider for a request. Implemented by
// provider.Selector; test doubles implement it directly.
type Resolver interface {
	Select(ctx context.Context, preference string) (*models.ResolvedProvider, error)
}

// Caller issues chat completions against a resolved provider.
// Implemented by provider.Client.
type Caller interface {
	Complete(ctx context.Context, provider models.ProviderConfig, messages []models.ChatMessage) (string, error)
	Stream(ctx context.Context, provider models.ProviderConfig, messages []models.ChatMessage, sink func(chunk string) error) (string, error)
}

// Lifecycle drives generation requests end to end.
type Lifecycle struct {
	resolver Resolver
	caller   Caller
	timeout  time.Duration
}

// New creates a lifecycle. timeout bounds one generation call; zero
// means the provider's own configured timeout (default 300s) applies.
func New(resolver Resolver, caller Caller, timeout time.Duration) *Lifecycle {
	return &Lifecycle{resolver: resolver, caller: caller, timeout: timeout}
}

// Generate runs one non-streaming generation. Always returns a non-nil
// result; failures are carried in result.Err, never as silent empties.
func (l *Lifecycle) Generate(ctx context.Context, req models.GenerationRequest) *models.GenerationResult {
	if req.Reuse {
		return l.reuse(req)
	}

	result := &models.GenerationResult{}

	resolved, err := l.resolver.Select(ctx, req.Preference)
	if err != nil {
		result.Err = models.AsError(err)
		return result
	}
	result.Provider = resolved.Config.Name
	result.Model = resolved.Config.DefaultModel
	result.Logs = append(result.Logs,
		fmt.Sprintf("calling %s (model %s)...", resolved.Config.Label, resolved.Config.DefaultModel))

	callCtx, cancel := l.callContext(ctx, resolved.Config)
	defer cancel()

	reply, err := l.caller.Complete(callCtx, resolved.Config, buildMessages(req))
	if err != nil {
		result.Err = models.AsError(err)
		return result
	}

	l.shape(req, reply, result)
	return result
}

// GenerateStream runs one streaming generation, forwarding chunk and
// status events to sink in order and terminating with exactly one done
// event that carries the final structured result. A connection drop
// mid-stream yields the partial content plus an explicit error instead
// of losing received chunks.
func (l *Lifecycle) GenerateStream(ctx context.Context, req models.GenerationRequest, sink func(models.StreamEvent) error) *models.GenerationResult {
	var result *models.GenerationResult

	if req.Reuse {
		result = l.reuse(req)
		l.emitDone(sink, result)
		return result
	}

	resolved, err := l.resolver.Select(ctx, req.Preference)
	if err != nil {
		result = &models.GenerationResult{Err: models.AsError(err)}
		l.emitDone(sink, result)
		return result
	}

	result = &models.GenerationResult{
		Provider: resolved.Config.Name,
		Model:    resolved.Config.DefaultModel,
	}

	_ = sink(models.StreamEvent{
		Type:    models.EventStatus,
		Message: fmt.Sprintf("calling %s (model %s)...", resolved.Config.Label, resolved.Config.DefaultModel),
	})

	callCtx, cancel := l.callContext(ctx, resolved.Config)
	defer cancel()

	// Hidden modes collect the full reply without forwarding raw model
	// text to the operator; the result is delivered in the done event.
	forward := req.Mode != models.ModeCreateFile && !req.MultiFile

	reply, err := l.caller.Stream(callCtx, resolved.Config, buildMessages(req), func(chunk string) error {
		if !forward {
			return nil
		}
		return sink(models.StreamEvent{Type: models.EventChunk, Content: chunk})
	})
	if err != nil {
		// Preserve whatever arrived before the failure.
		if reply != "" {
			l.shape(req, reply, result)
		}
		result.Err = models.AsError(err)
		l.emitDone(sink, result)
		return result
	}

	l.shape(req, reply, result)
	l.emitDone(sink, result)
	return result
}

// reuse builds a result directly from the stored artifact. This path
// must never touch the network, not even the selector.
func (l *Lifecycle) reuse(req models.GenerationRequest) *models.GenerationResult {
	if strings.TrimSpace(req.Code) == "" {
		return &models.GenerationResult{
			Err: models.NewError(models.ErrInvalidTarget, "reuse requested but no previously generated code is available"),
		}
	}
	return &models.GenerationResult{
		Code:    req.Code,
		Preview: Preview(req.Code),
		Logs:    []string{"reusing previously generated code; model not called"},
	}
}

func (l *Lifecycle) callContext(ctx context.Context, provider models.ProviderConfig) (context.Context, context.CancelFunc) {
	timeout := l.timeout
	if timeout <= 0 {
		timeout = provider.RequestTimeout
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// shape turns a raw model reply into the structured result for the
// request's mode.
func (l *Lifecycle) shape(req models.GenerationRequest, reply string, result *models.GenerationResult) {
	switch {
	case req.MultiFile || req.Mode == models.ModeCreateFile:
		kept, rejected := sanitizeFiles(parseMultiFile(reply))
		result.Files = kept
		result.Rejected = rejected
		result.Code = entryFileContent(kept)
		result.Preview = previewFiles(kept)
		for _, issue := range rejected {
			result.Logs = append(result.Logs, fmt.Sprintf("rejected %s: %s", issue.Path, issue.Reason))
			log.Warn().Str("path", issue.Path).Str("reason", issue.Reason).Msg("multi-file entry rejected")
		}

	case req.Mode == models.ModeMicroPython, req.Mode == models.ModePlatformIO,
		req.Mode == models.ModeCodeComplete, req.Mode == models.ModeCodeOptimize:
		result.Code = extractCode(reply)
		result.Preview = Preview(result.Code)

	case req.Mode == models.ModeTerminal:
		result.Reply = reply
		result.Code = firstLine(extractCode(reply))

	case req.Mode == models.ModeFileEdit:
		result.Code = extractCode(reply)
		result.Preview = PreviewFileEdit(result.Code)

	default: // plan, todo, free-form chat
		result.Reply = reply
	}
}

func (l *Lifecycle) emitDone(sink func(models.StreamEvent) error, result *models.GenerationResult) {
	_ = sink(models.StreamEvent{Type: models.EventDone, Result: result})
}

// entryFileContent picks the entry point of a multi-file batch:
// main.py or index.html when present, else the first declared file.
func entryFileContent(files []models.FileOutput) string {
	for _, f := range files {
		if f.Path == "main.py" || f.Path == "index.html" {
			return f.Content
		}
	}
	if len(files) > 0 {
		return files[0].Content
	}
	return ""
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
