// Package models defines the shared data types for the Lumi assistant
// bridge: provider configuration, probe results, generation requests and
// results, session state views, and the API request/response contracts.
package models

import (
	"errors"
	"fmt"
	"time"
)

// ── Providers ───────────────────────────────────────────────

// Provider kinds. All providers speak the OpenAI chat-completion
// protocol; the kind selects credentials, base URL, and default model.
const (
	ProviderLocal     = "qwen_local"
	ProviderDeepSeek  = "deepseek"
	ProviderDashScope = "dashscope"
)

// ProviderConfig describes one configured model backend. Immutable
// after load from the environment.
type ProviderConfig struct {
	Name           string        `json:"name"`
	Kind           string        `json:"kind"`
	Label          string        `json:"label"`
	BaseURL        string        `json:"base_url"`
	APIKey         string        `json:"-"`
	DefaultModel   string        `json:"default_model"`
	RequestTimeout time.Duration `json:"-"`
	Priority       int           `json:"priority"`
}

// ProbeResult records one connectivity check against a provider.
// Results are replaced wholesale, never mutated.
type ProbeResult struct {
	Provider   string    `json:"provider"`
	OK         bool      `json:"ok"`
	LatencyMs  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// ResolvedProvider is the provider chosen for a request plus the probe
// that justified the choice. Read-only once returned.
type ResolvedProvider struct {
	Config ProviderConfig `json:"config"`
	Probe  ProbeResult    `json:"probe"`
}

// ── Chat & generation ───────────────────────────────────────

// ChatMessage is one turn of an OpenAI-compatible conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generation modes.
const (
	ModeMicroPython  = "micropython"
	ModePlatformIO   = "platformio"
	ModeTerminal     = "terminal"
	ModeFileEdit     = "file_edit"
	ModePlan         = "plan"
	ModeTodo         = "todo"
	ModeCreateFile   = "create_file"
	ModeCodeComplete = "code_complete"
	ModeCodeOptimize = "code_optimize"
)

// GenerationRequest carries one user action through the lifecycle.
// Created fresh per action; not persisted beyond the request cycle.
type GenerationRequest struct {
	Instruction   string        `json:"instruction"`
	Mode          string        `json:"mode"`
	Port          string        `json:"port,omitempty"`
	BoardID       string        `json:"board_id,omitempty"`
	Platform      string        `json:"platform,omitempty"`
	FilePath      string        `json:"file_path,omitempty"`
	FileContent   string        `json:"-"`
	Language      string        `json:"language_hint,omitempty"`
	History       []ChatMessage `json:"history,omitempty"`
	Reuse         bool          `json:"reuse_code,omitempty"`
	Code          string        `json:"code,omitempty"`
	MultiFile     bool          `json:"multi_file,omitempty"`
	SearchEnabled bool          `json:"use_search,omitempty"`
	Preference    string        `json:"-"`
}

// FileOutput is one declared file of a multi-file generation. A slice
// of these preserves the model's declaration order.
type FileOutput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileIssue reports a rejected entry of a multi-file batch.
type FileIssue struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// GenerationResult is the immutable outcome of one generation.
type GenerationResult struct {
	Code     string       `json:"code,omitempty"`
	Preview  string       `json:"preview,omitempty"`
	Logs     []string     `json:"logs"`
	Files    []FileOutput `json:"files,omitempty"`
	Rejected []FileIssue  `json:"rejected,omitempty"`
	Reply    string       `json:"reply,omitempty"`
	Provider string       `json:"provider,omitempty"`
	Model    string       `json:"model,omitempty"`
	Err      *Error       `json:"error,omitempty"`
}

// Stream event types.
const (
	EventChunk  = "chunk"
	EventStatus = "status"
	EventDone   = "done"
)

// StreamEvent is one element of the finite, in-order event sequence a
// streaming generation produces. Exactly one Done event terminates it.
type StreamEvent struct {
	Type    string            `json:"type"`
	Content string            `json:"content,omitempty"`
	Message string            `json:"message,omitempty"`
	Result  *GenerationResult `json:"result,omitempty"`
}

// ── Session state views ─────────────────────────────────────

// FileEdit holds the last file-edit preview of a session.
type FileEdit struct {
	Path    string `json:"path"`
	Before  string `json:"before"`
	After   string `json:"after"`
	Diff    string `json:"diff,omitempty"`
	WriteOK bool   `json:"write_ok"`
}

// TodoItem is one entry of the session's pending to-do list.
type TodoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// ── Dispatch ────────────────────────────────────────────────

// Target identifies where a dispatched artifact should land: a serial
// port for code, or a filesystem path for file edits.
type Target struct {
	Port     string `json:"port,omitempty"`
	BoardID  string `json:"board_id,omitempty"`
	Platform string `json:"platform,omitempty"`
	Path     string `json:"path,omitempty"`
}

// DispatchResult is the outcome of a flash/apply operation.
type DispatchResult struct {
	OK   bool     `json:"ok"`
	Port string   `json:"port,omitempty"`
	Logs []string `json:"logs"`
	Err  *Error   `json:"error,omitempty"`
}

// SerialDevice describes one detected serial port.
type SerialDevice struct {
	Device      string `json:"device"`
	Description string `json:"description"`
}

// ── API contracts ───────────────────────────────────────────

// GenerateResponse is the shape of POST /api/generate and
// POST /api/flash-last responses.
type GenerateResponse struct {
	OK      bool         `json:"ok"`
	Port    string       `json:"port,omitempty"`
	Code    string       `json:"code,omitempty"`
	Preview string       `json:"preview,omitempty"`
	Files   []FileOutput `json:"files,omitempty"`
	Logs    []string     `json:"logs"`
	Error   string       `json:"error,omitempty"`
}

// AssistantChatRequest is the body of POST /api/assistant/chat.
type AssistantChatRequest struct {
	Mode        string           `json:"mode"`
	Instruction string           `json:"instruction"`
	Stream      bool             `json:"stream"`
	Context     AssistantContext `json:"context"`
}

// AssistantContext carries optional conversation context.
type AssistantContext struct {
	History  []ChatMessage `json:"history,omitempty"`
	FilePath string        `json:"file_path,omitempty"`
}

// AssistantChatResponse is the non-streaming chat response.
type AssistantChatResponse struct {
	OK       bool      `json:"ok"`
	Reply    string    `json:"reply,omitempty"`
	Mode     string    `json:"mode,omitempty"`
	FileEdit *FileEdit `json:"file_edit,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ProviderStatus summarizes one configured provider without exposing
// key material.
type ProviderStatus struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Label        string `json:"label"`
	BaseURL      string `json:"base_url"`
	DefaultModel string `json:"default_model"`
	HasAPIKey    bool   `json:"has_api_key"`
	Priority     int    `json:"priority"`
}

// ── Error taxonomy ──────────────────────────────────────────

// ErrorKind classifies a failure condition of the engine.
type ErrorKind string

const (
	ErrNoProvider    ErrorKind = "NoProviderAvailable"
	ErrUpstream      ErrorKind = "UpstreamError"
	ErrTimeout       ErrorKind = "Timeout"
	ErrCancelled     ErrorKind = "Cancelled"
	ErrBusy          ErrorKind = "Busy"
	ErrInvalidTarget ErrorKind = "InvalidTarget"
	ErrPathEscape    ErrorKind = "PathEscape"
)

// Error is the typed failure returned across component boundaries.
// Details carries per-cause context, e.g. the aggregated probe errors
// behind a NoProviderAvailable.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Details []string  `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s: %s (%d causes)", e.Kind, e.Message, len(e.Details))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a typed error.
func NewError(kind ErrorKind, message string, details ...string) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// AsError extracts a *Error from err, wrapping unknown errors as
// UpstreamError so callers always see a classified failure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: ErrUpstream, Message: err.Error()}
}
