// Package handlers implements the HTTP handlers for the Lumi assistant
// bridge: generation, streaming chat, flashing, device discovery,
// provider status, and per-session to-do and file-edit state.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lumiagent/lumiagent/internal/api/middleware"
	"github.com/lumiagent/lumiagent/internal/dispatch"
	"github.com/lumiagent/lumiagent/internal/generate"
	"github.com/lumiagent/lumiagent/internal/provider"
	"github.com/lumiagent/lumiagent/internal/session"
	"github.com/lumiagent/lumiagent/pkg/models"
)

// FileStore reads and writes files under the operator's edit root.
type FileStore interface {
	Read(path string) (string, error)
	Write(path, content string) (string, error)
}

// ToolChecker reports whether the external flashing tools are on PATH.
type ToolChecker interface {
	ToolStatus() (mpremoteOK, pioOK bool)
}

// CommandRunner executes one shell command on the operator's machine.
type CommandRunner interface {
	RunCommand(ctx context.Context, command string) ([]string, error)
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Sessions   *session.Manager
	Lifecycle  *generate.Lifecycle
	Selector   *provider.Selector
	Registry   *provider.Registry
	Dispatcher *dispatch.Dispatcher
	Ports      dispatch.PortLister
	Tools      ToolChecker
	Runner     CommandRunner
	Files      FileStore
	Version    string
	Preference string
}

// New creates a Handlers instance with all dependencies.
func New(sessions *session.Manager, lc *generate.Lifecycle, sel *provider.Selector, reg *provider.Registry, disp *dispatch.Dispatcher, ports dispatch.PortLister, tools ToolChecker, runner CommandRunner, files FileStore, version, preference string) *Handlers {
	return &Handlers{
		Sessions:   sessions,
		Lifecycle:  lc,
		Selector:   sel,
		Registry:   reg,
		Dispatcher: disp,
		Ports:      ports,
		Tools:      tools,
		Runner:     runner,
		Files:      files,
		Version:    version,
		Preference: preference,
	}
}

// ── Generation ───────────────────────────────────────────────

type generateBody struct {
	models.GenerationRequest
	Flash bool `json:"flash"`
}

// Generate handles POST /api/generate: run one generation under the
// session's single-flight gate, commit the result, and optionally flash
// it in the same operation.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	var body generateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Mode == "" {
		body.Mode = models.ModeMicroPython
	}

	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	snap := st.Snapshot()

	req := body.GenerationRequest
	req.Preference = h.Preference
	if len(req.History) == 0 {
		req.History = snap.History
	}
	if req.Reuse && req.Code == "" {
		req.Code = snap.LastCode
	}

	ctx, token, berr := st.Begin(r.Context())
	if berr != nil {
		respondError(w, http.StatusConflict, berr.Message)
		return
	}
	defer st.End(token)

	res := h.Lifecycle.Generate(ctx, req)
	st.AppendLogs(res.Logs...)
	if res.Err != nil {
		respondResultError(w, res)
		return
	}
	st.ApplyResult(token, req, res)

	resp := models.GenerateResponse{
		OK:      true,
		Code:    res.Code,
		Preview: res.Preview,
		Files:   res.Files,
		Logs:    res.Logs,
	}

	if body.Flash && (req.Mode == models.ModeMicroPython || req.Mode == models.ModePlatformIO) {
		dres := h.Dispatcher.Dispatch(ctx, dispatch.Request{
			Mode:         req.Mode,
			Target:       models.Target{Port: req.Port, BoardID: req.BoardID, Platform: req.Platform},
			Code:         res.Code,
			Files:        res.Files,
			FallbackPort: snap.LastPort,
		})
		st.AppendLogs(dres.Logs...)
		resp.Logs = append(resp.Logs, dres.Logs...)
		resp.Port = dres.Port
		if dres.Err != nil {
			resp.OK = false
			resp.Error = dres.Err.Message
			respondJSON(w, statusFor(dres.Err), resp)
			return
		}
		st.RecordPort(dres.Port)
	}

	respondJSON(w, http.StatusOK, resp)
}

type flashBody struct {
	Port     string `json:"port,omitempty"`
	BoardID  string `json:"board_id,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// FlashLast handles POST /api/flash-last: push the session's last
// generated artifact to the device without calling the model again.
func (h *Handlers) FlashLast(w http.ResponseWriter, r *http.Request) {
	var body flashBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	snap := st.Snapshot()
	if strings.TrimSpace(snap.LastCode) == "" {
		respondError(w, http.StatusBadRequest, "no generated code to flash yet")
		return
	}

	mode := snap.LastMode
	if mode != models.ModePlatformIO {
		mode = models.ModeMicroPython
	}
	boardID := body.BoardID
	if boardID == "" {
		boardID = snap.LastBoardID
	}
	platform := body.Platform
	if platform == "" {
		platform = snap.LastPlatform
	}

	ctx, token, berr := st.Begin(r.Context())
	if berr != nil {
		respondError(w, http.StatusConflict, berr.Message)
		return
	}
	defer st.End(token)

	dres := h.Dispatcher.Dispatch(ctx, dispatch.Request{
		Mode:         mode,
		Target:       models.Target{Port: body.Port, BoardID: boardID, Platform: platform},
		Code:         snap.LastCode,
		FallbackPort: snap.LastPort,
	})
	st.AppendLogs(dres.Logs...)

	resp := models.GenerateResponse{
		OK:      dres.OK,
		Port:    dres.Port,
		Code:    snap.LastCode,
		Preview: generate.Preview(snap.LastCode),
		Logs:    dres.Logs,
	}
	if dres.Err != nil {
		resp.Error = dres.Err.Message
		respondJSON(w, statusFor(dres.Err), resp)
		return
	}
	st.RecordPort(dres.Port)
	respondJSON(w, http.StatusOK, resp)
}

// ── Code assist ──────────────────────────────────────────────

type codeBody struct {
	Code        string `json:"code"`
	Language    string `json:"language_hint,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

// CodeComplete handles POST /api/code-complete: continue a source
// snippet. Runs under the session gate but leaves the stored artifact
// alone.
func (h *Handlers) CodeComplete(w http.ResponseWriter, r *http.Request) {
	h.codeAssist(w, r, models.ModeCodeComplete, "Complete this code.")
}

// CodeOptimize handles POST /api/code-optimize: rewrite a snippet for
// clarity and speed without changing behavior.
func (h *Handlers) CodeOptimize(w http.ResponseWriter, r *http.Request) {
	h.codeAssist(w, r, models.ModeCodeOptimize, "Optimize this code.")
}

func (h *Handlers) codeAssist(w http.ResponseWriter, r *http.Request, mode, defaultInstruction string) {
	var body codeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		respondError(w, http.StatusBadRequest, "code is required")
		return
	}

	req := models.GenerationRequest{
		Mode:        mode,
		Instruction: strings.TrimSpace(body.Instruction),
		FileContent: body.Code,
		Language:    body.Language,
		Preference:  h.Preference,
	}
	if req.Instruction == "" {
		req.Instruction = defaultInstruction
	}

	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	ctx, token, berr := st.Begin(r.Context())
	if berr != nil {
		respondError(w, http.StatusConflict, berr.Message)
		return
	}
	defer st.End(token)

	res := h.Lifecycle.Generate(ctx, req)
	st.AppendLogs(res.Logs...)
	if res.Err != nil {
		respondResultError(w, res)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "code": res.Code})
}

// ── Assistant chat ───────────────────────────────────────────

// AssistantChat handles POST /api/assistant/chat for the plan, todo,
// terminal, file-edit, and free-form modes. With stream=true the reply
// is delivered as server-sent events; the final done event carries the
// structured result.
func (h *Handlers) AssistantChat(w http.ResponseWriter, r *http.Request) {
	var body models.AssistantChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Instruction) == "" {
		respondError(w, http.StatusBadRequest, "instruction is required")
		return
	}

	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	snap := st.Snapshot()

	req := models.GenerationRequest{
		Instruction: body.Instruction,
		Mode:        body.Mode,
		FilePath:    body.Context.FilePath,
		History:     body.Context.History,
		Preference:  h.Preference,
	}
	if len(req.History) == 0 {
		req.History = snap.History
	}
	if req.Mode == models.ModeFileEdit && req.FilePath != "" {
		content, err := h.Files.Read(req.FilePath)
		if err != nil {
			respondError(w, statusFor(models.AsError(err)), models.AsError(err).Message)
			return
		}
		req.FileContent = content
	}

	ctx, token, berr := st.Begin(r.Context())
	if berr != nil {
		respondError(w, http.StatusConflict, berr.Message)
		return
	}
	defer st.End(token)

	if body.Stream {
		h.chatStream(ctx, w, st, token, req)
		return
	}

	res := h.Lifecycle.Generate(ctx, req)
	h.commitChat(st, token, req, res)
	if res.Err != nil {
		respondResultError(w, res)
		return
	}
	resp := models.AssistantChatResponse{OK: true, Reply: chatReply(res), Mode: req.Mode}
	if req.Mode == models.ModeFileEdit {
		if s := st.Snapshot(); s.FileEdit != nil {
			resp.FileEdit = s.FileEdit
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) chatStream(ctx context.Context, w http.ResponseWriter, st *session.State, token string, req models.GenerationRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	res := h.Lifecycle.GenerateStream(ctx, req, func(ev models.StreamEvent) error {
		data, _ := json.Marshal(ev)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	h.commitChat(st, token, req, res)
}

// commitChat applies a finished chat generation to the session. Failed
// or cancelled generations leave the stored artifact untouched.
func (h *Handlers) commitChat(st *session.State, token string, req models.GenerationRequest, res *models.GenerationResult) {
	st.AppendLogs(res.Logs...)
	if res.Err != nil {
		return
	}
	st.ApplyResult(token, req, res)
	st.AppendHistory(
		models.ChatMessage{Role: "user", Content: req.Instruction},
		models.ChatMessage{Role: "assistant", Content: chatReply(res)},
	)
	switch req.Mode {
	case models.ModeTodo:
		for _, line := range strings.Split(res.Reply, "\n") {
			if item := strings.TrimSpace(strings.TrimLeft(line, "-*• \t")); item != "" {
				st.AddTodo(item)
			}
		}
	case models.ModeFileEdit:
		st.SetFileEdit(token, models.FileEdit{
			Path:   req.FilePath,
			Before: req.FileContent,
			After:  res.Code,
		})
	}
}

func chatReply(res *models.GenerationResult) string {
	if res.Reply != "" {
		return res.Reply
	}
	return res.Code
}

type terminalBody struct {
	Command string `json:"command"`
}

// RunTerminal handles POST /api/assistant/terminal: execute one shell
// command under the session gate. An empty body re-runs the session's
// last terminal-mode generation.
func (h *Handlers) RunTerminal(w http.ResponseWriter, r *http.Request) {
	var body terminalBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	command := strings.TrimSpace(body.Command)
	if command == "" {
		if snap := st.Snapshot(); snap.LastMode == models.ModeTerminal {
			command = strings.TrimSpace(snap.LastCode)
		}
	}
	if command == "" {
		respondError(w, http.StatusBadRequest, "no command to run")
		return
	}

	ctx, token, berr := st.Begin(r.Context())
	if berr != nil {
		respondError(w, http.StatusConflict, berr.Message)
		return
	}
	defer st.End(token)

	log.Info().Str("command", command).Msg("running terminal command")
	logs, err := h.Runner.RunCommand(ctx, command)
	st.AppendLogs(logs...)
	if err != nil {
		e := models.AsError(err)
		respondJSON(w, statusFor(e), map[string]any{
			"ok": false, "command": command, "logs": logs, "error": e.Message,
		})
		return
	}
	st.AppendLogs("executed: " + command)
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "command": command, "logs": logs})
}

// ApplyFileEdit handles POST /api/file-edit/apply: write the pending
// file-edit preview to disk.
func (h *Handlers) ApplyFileEdit(w http.ResponseWriter, r *http.Request) {
	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	snap := st.Snapshot()
	if snap.FileEdit == nil {
		respondError(w, http.StatusBadRequest, "no pending file edit")
		return
	}

	abs, err := h.Files.Write(snap.FileEdit.Path, snap.FileEdit.After)
	if err != nil {
		e := models.AsError(err)
		respondError(w, statusFor(e), e.Message)
		return
	}
	st.AppendLogs("wrote " + abs)
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "path": abs})
}

// ── Lifecycle control ────────────────────────────────────────

// Cancel handles POST /api/cancel: abort the session's in-flight
// operation, if any. Cancelling an idle session is not an error.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	cancelled := st.Cancel()
	if cancelled {
		log.Info().Str("session", middleware.GetSession(r.Context())).Msg("operation cancelled")
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "cancelled": cancelled})
}

// ClearSession handles POST /api/session/clear: wipe the session state.
// An in-flight operation keeps running and commits over the cleared
// state when it finishes.
func (h *Handlers) ClearSession(w http.ResponseWriter, r *http.Request) {
	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	st.Clear()
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Session handles GET /api/session: the session snapshot.
func (h *Handlers) Session(w http.ResponseWriter, r *http.Request) {
	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	respondJSON(w, http.StatusOK, st.Snapshot())
}

// Status handles GET /api/status: environment readiness. A provider is
// resolved (warming the probe cache) purely for display; resolution
// failure here is reported, not returned as an error.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	mpremoteOK, pioOK := h.Tools.ToolStatus()
	resp := map[string]any{
		"ok":                   true,
		"version":              h.Version,
		"mpremote":             mpremoteOK,
		"platformio":           pioOK,
		"providers_configured": len(h.Registry.ListConfigured()),
	}
	if resolved, err := h.Selector.Select(r.Context(), h.Preference); err == nil {
		resp["provider"] = resolved.Config.Label
		resp["model"] = resolved.Config.DefaultModel
	} else {
		resp["provider_error"] = models.AsError(err).Message
	}
	respondJSON(w, http.StatusOK, resp)
}

// ── Providers & devices ──────────────────────────────────────

// ProvidersStatus handles GET /api/providers/status: configured
// providers without key material.
func (h *Handlers) ProvidersStatus(w http.ResponseWriter, r *http.Request) {
	configured := h.Registry.ListConfigured()
	out := make([]models.ProviderStatus, 0, len(configured))
	for _, p := range configured {
		out = append(out, models.ProviderStatus{
			Name:         p.Name,
			Kind:         p.Kind,
			Label:        p.Label,
			BaseURL:      p.BaseURL,
			DefaultModel: p.DefaultModel,
			HasAPIKey:    p.APIKey != "",
			Priority:     p.Priority,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"providers":  out,
		"preference": h.Preference,
	})
}

// ProvidersProbe handles GET /api/providers/probe: probe every
// configured provider. force=1 bypasses the freshness cache.
func (h *Handlers) ProvidersProbe(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	results := h.Selector.StatusAll(r.Context(), force)
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Devices handles GET /api/devices: attached serial devices plus a
// best-guess port for the board picker. The list is re-scanned on every
// call, so the refresh query flag is accepted for compatibility.
func (h *Handlers) Devices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.Ports.ListPorts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if devices == nil {
		devices = []models.SerialDevice{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"guess":   guessPort(devices),
	})
}

// guessPort picks the device most likely to be the target board: a USB
// serial adapter description wins, else the first device.
func guessPort(devices []models.SerialDevice) string {
	for _, dev := range devices {
		desc := strings.ToUpper(dev.Description)
		if strings.Contains(desc, "USB") || strings.Contains(desc, "UART") ||
			strings.Contains(desc, "CH340") || strings.Contains(desc, "CP210") {
			return dev.Device
		}
	}
	if len(devices) > 0 {
		return devices[0].Device
	}
	return ""
}

// Boards handles GET /api/boards: the supported PlatformIO board
// catalog for the UI's board picker.
func (h *Handlers) Boards(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"boards": boardCatalog})
}

type boardInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

var boardCatalog = []boardInfo{
	{ID: "nodemcuv2", Name: "NodeMCU v2 (ESP8266)", Platform: "espressif8266"},
	{ID: "d1_mini", Name: "Wemos D1 Mini (ESP8266)", Platform: "espressif8266"},
	{ID: "esp32dev", Name: "ESP32 Dev Module", Platform: "espressif32"},
	{ID: "uno", Name: "Arduino Uno", Platform: "atmelavr"},
	{ID: "nanoatmega328", Name: "Arduino Nano (ATmega328)", Platform: "atmelavr"},
	{ID: "bluepill_f103c8", Name: "Blue Pill (STM32F103C8)", Platform: "ststm32"},
	{ID: "genericSTM32F103C8", Name: "Generic STM32F103C8", Platform: "ststm32"},
}

// ── To-dos ───────────────────────────────────────────────────

func (h *Handlers) ListTodos(w http.ResponseWriter, r *http.Request) {
	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	respondJSON(w, http.StatusOK, map[string]any{"todos": st.Snapshot().Todos})
}

func (h *Handlers) AddTodo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	st.AddTodo(strings.TrimSpace(body.Text))
	respondJSON(w, http.StatusOK, map[string]any{"todos": st.Snapshot().Todos})
}

func (h *Handlers) ToggleTodo(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid index")
		return
	}
	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	if !st.ToggleTodo(index) {
		respondError(w, http.StatusNotFound, "no such to-do item")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"todos": st.Snapshot().Todos})
}

func (h *Handlers) ClearTodos(w http.ResponseWriter, r *http.Request) {
	st := h.Sessions.Get(middleware.GetSession(r.Context()))
	st.ClearTodos()
	respondJSON(w, http.StatusOK, map[string]any{"todos": []models.TodoItem{}})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondResultError renders a failed generation. Cancellation is the
// operator's own action, reported as a normal outcome rather than a
// server failure.
func respondResultError(w http.ResponseWriter, res *models.GenerationResult) {
	resp := models.GenerateResponse{Logs: res.Logs, Error: res.Err.Message}
	if res.Err.Kind == models.ErrNoProvider && len(res.Err.Details) > 0 {
		resp.Error = res.Err.Message + ": " + strings.Join(res.Err.Details, "; ")
	}
	respondJSON(w, statusFor(res.Err), resp)
}

func statusFor(e *models.Error) int {
	switch e.Kind {
	case models.ErrBusy:
		return http.StatusConflict
	case models.ErrNoProvider:
		return http.StatusServiceUnavailable
	case models.ErrTimeout:
		return http.StatusGatewayTimeout
	case models.ErrInvalidTarget, models.ErrPathEscape:
		return http.StatusBadRequest
	case models.ErrCancelled:
		return http.StatusOK
	default:
		return http.StatusBadGateway
	}
}
