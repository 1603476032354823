// Package session provides per-session state management for the
// assistant bridge. Each browser session owns a State holding its last
// generated artifact, device selection, file-edit preview, to-do list,
// and conversation window. All mutation goes through the single-flight
// gate: one generation token per session, minted on admission and
// required for every write, so a superseded request can never clobber
// newer state.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/lumiagent/lumiagent/pkg/models"
)

// historyWindow caps the retained conversation turns (most recent N).
const historyWindow = 10

// maxLogLines caps the retained operation log per session.
const maxLogLines = 200

// Snapshot is a read-only copy of session state for rendering.
type Snapshot struct {
	LastInstruction string               `json:"last_instruction"`
	LastCode        string               `json:"last_code"`
	LastPort        string               `json:"last_port"`
	LastBoardID     string               `json:"last_board_id"`
	LastPlatform    string               `json:"last_platform"`
	LastMode        string               `json:"last_mode"`
	FileEdit        *models.FileEdit     `json:"file_edit,omitempty"`
	Todos           []models.TodoItem    `json:"todos"`
	Logs            []string             `json:"logs"`
	History         []models.ChatMessage `json:"history"`
	Generating      bool                 `json:"generating"`
}

// State is the mutable state of one session. Safe for concurrent use.
type State struct {
	mu sync.Mutex

	id string

	lastInstruction string
	lastCode        string
	lastPort        string
	lastBoardID     string
	lastPlatform    string
	lastMode        string
	fileEdit        *models.FileEdit
	todos           []models.TodoItem
	logs            []string
	history         []models.ChatMessage

	activeToken string
	cancel      context.CancelFunc
}

// ── Single-flight gate ──────────────────────────────────────

// Begin admits a new operation, minting its generation token and a
// cancellable context derived from parent. Generation, file-edit
// preview, and flashing all share this one slot: a second request while
// one is in flight gets Busy, never queued. The check-and-set is atomic
// relative to concurrent requests in the same session.
func (s *State) Begin(parent context.Context) (context.Context, string, *models.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeToken != "" {
		return nil, "", models.NewError(models.ErrBusy,
			"another operation is already in flight for this session")
	}
	ctx, cancel := context.WithCancel(parent)
	s.activeToken = uuid.New().String()
	s.cancel = cancel
	return ctx, s.activeToken, nil
}

// End releases the slot if token still holds it.
func (s *State) End(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeToken == token {
		s.activeToken = ""
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
	}
}

// Cancel aborts the in-flight operation, if any. The streaming consumer
// observes the cancelled context at its next chunk boundary and the
// network connection is closed. Returns whether anything was cancelled.
func (s *State) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeToken == "" {
		return false
	}
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// Generating reports whether an operation is in flight.
func (s *State) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeToken != ""
}

// ── Token-guarded writes ────────────────────────────────────

// ApplyResult commits a successful generation to the session,
// all-or-nothing. Only the holder of the currently-active token may
// write; stale tokens are rejected so completion order, not submission
// order, decides the final state.
func (s *State) ApplyResult(token string, req models.GenerationRequest, res *models.GenerationResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" || token != s.activeToken {
		return false
	}
	if res == nil || res.Err != nil {
		return false
	}
	if req.Instruction != "" {
		s.lastInstruction = req.Instruction
	}
	if res.Code != "" {
		s.lastCode = res.Code
	}
	if req.Port != "" {
		s.lastPort = req.Port
	}
	if req.BoardID != "" {
		s.lastBoardID = req.BoardID
	}
	if req.Platform != "" {
		s.lastPlatform = req.Platform
	}
	s.lastMode = req.Mode
	return true
}

// SetFileEdit records a file-edit preview, computing its diff. Token
// rules match ApplyResult.
func (s *State) SetFileEdit(token string, edit models.FileEdit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" || token != s.activeToken {
		return false
	}
	if edit.Diff == "" && edit.Before != edit.After {
		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(edit.Before, edit.After, true)
		dmp.DiffCleanupSemantic(diffs)
		edit.Diff = dmp.DiffPrettyText(diffs)
	}
	s.fileEdit = &edit
	return true
}

// AppendLogs records operation log lines (dispatch outcomes and the
// like) without touching the last artifact.
func (s *State) AppendLogs(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, lines...)
	if len(s.logs) > maxLogLines {
		s.logs = s.logs[len(s.logs)-maxLogLines:]
	}
}

// AppendHistory adds conversation turns, keeping the most recent window.
func (s *State) AppendHistory(turns ...models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, turns...)
	if len(s.history) > historyWindow {
		s.history = s.history[len(s.history)-historyWindow:]
	}
}

// RecordPort remembers the operator's port choice outside a generation,
// e.g. after a dispatch resolved a fallback port.
func (s *State) RecordPort(port string) {
	if port == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPort = port
}

// ── To-do list ──────────────────────────────────────────────

func (s *State) AddTodo(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos = append(s.todos, models.TodoItem{Text: text})
}

func (s *State) ToggleTodo(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.todos) {
		return false
	}
	s.todos[index].Done = !s.todos[index].Done
	return true
}

func (s *State) ClearTodos() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos = nil
}

// ── Reads ───────────────────────────────────────────────────

// Snapshot returns a consistent copy of the session state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		LastInstruction: s.lastInstruction,
		LastCode:        s.lastCode,
		LastPort:        s.lastPort,
		LastBoardID:     s.lastBoardID,
		LastPlatform:    s.lastPlatform,
		LastMode:        s.lastMode,
		Todos:           append([]models.TodoItem(nil), s.todos...),
		Logs:            append([]string(nil), s.logs...),
		History:         append([]models.ChatMessage(nil), s.history...),
		Generating:      s.activeToken != "",
	}
	if s.fileEdit != nil {
		edit := *s.fileEdit
		snap.FileEdit = &edit
	}
	return snap
}

// Clear wipes the session state. The gate slot is untouched; an
// in-flight operation keeps its token and commits over the cleared
// state when it completes.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastInstruction = ""
	s.lastCode = ""
	s.lastPort = ""
	s.lastBoardID = ""
	s.lastPlatform = ""
	s.lastMode = ""
	s.fileEdit = nil
	s.todos = nil
	s.logs = nil
	s.history = nil
}

// ── Manager ─────────────────────────────────────────────────

// Manager owns all session states, keyed by session identifier. There
// is no ambient global session; every handler receives its State
// through the manager.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*State)}
}

// Get returns the State for a session, creating it on first use.
func (m *Manager) Get(id string) *State {
	m.mu.RLock()
	st, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return st
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[id]; ok {
		return st
	}
	st = &State{id: id}
	m.sessions[id] = st
	return st
}

// Delete removes a session entirely.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}
