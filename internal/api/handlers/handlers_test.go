package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lumiagent/lumiagent/internal/api"
	"github.com/lumiagent/lumiagent/internal/api/handlers"
	"github.com/lumiagent/lumiagent/internal/config"
	"github.com/lumiagent/lumiagent/internal/dispatch"
	"github.com/lumiagent/lumiagent/internal/generate"
	"github.com/lumiagent/lumiagent/internal/provider"
	"github.com/lumiagent/lumiagent/internal/session"
	"github.com/lumiagent/lumiagent/pkg/models"
)

type fakeFlasher struct {
	lastPort  string
	lastFiles []models.FileOutput
}

func (f *fakeFlasher) FlashMicroPython(ctx context.Context, port string, files []models.FileOutput) ([]string, error) {
	f.lastPort = port
	f.lastFiles = files
	return []string{"copied main.py"}, nil
}

func (f *fakeFlasher) FlashPlatformIO(ctx context.Context, target models.Target, code string) ([]string, error) {
	return []string{"uploaded"}, nil
}

type fakePorts struct{}

func (fakePorts) ListPorts(ctx context.Context) ([]models.SerialDevice, error) {
	return []models.SerialDevice{{Device: "/dev/ttyUSB0", Description: "CP2102 USB to UART Bridge"}}, nil
}

type fakeTools struct{}

func (fakeTools) ToolStatus() (bool, bool) { return true, false }

type fakeRunner struct {
	lastCommand string
	err         error
}

func (f *fakeRunner) RunCommand(ctx context.Context, command string) ([]string, error) {
	f.lastCommand = command
	return []string{"ran: " + command}, f.err
}

type fakeFiles struct {
	content map[string]string
}

func (f *fakeFiles) Read(path string) (string, error) {
	return f.content[path], nil
}

func (f *fakeFiles) Write(path, content string) (string, error) {
	if strings.HasPrefix(path, "/") {
		return "", models.NewError(models.ErrPathEscape, "absolute path not allowed")
	}
	if f.content == nil {
		f.content = map[string]string{}
	}
	f.content[path] = content
	return "/home/op/Desktop/" + path, nil
}

type testEnv struct {
	handler  http.Handler
	sessions *session.Manager
	flasher  *fakeFlasher
	runner   *fakeRunner
	files    *fakeFiles
}

// newTestEnv wires real lifecycle, selector, and registry against the
// given fake model backend; hardware access is faked.
func newTestEnv(t *testing.T, providers ...models.ProviderConfig) *testEnv {
	t.Helper()

	registry := provider.NewRegistryFrom(providers...)
	selector := provider.NewSelector(registry, provider.NewProber())
	lifecycle := generate.New(selector, provider.NewClient(), 0)

	fl := &fakeFlasher{}
	runner := &fakeRunner{}
	files := &fakeFiles{content: map[string]string{}}
	dispatcher := dispatch.New(fl, fakePorts{}, files)
	sessions := session.NewManager()

	h := handlers.New(sessions, lifecycle, selector, registry, dispatcher, fakePorts{}, fakeTools{}, runner, files, "test", "")
	cfg := &config.Config{Version: "test"}
	return &testEnv{
		handler:  api.NewRouter(cfg, h),
		sessions: sessions,
		flasher:  fl,
		runner:   runner,
		files:    files,
	}
}

func chatBackend(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream bool `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, chunk := range strings.SplitAfter(reply, " ") {
				payload, _ := json.Marshal(map[string]any{
					"choices": []map[string]any{{"delta": map[string]string{"content": chunk}}},
				})
				fmt.Fprintf(w, "data: %s\n\n", payload)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func localProvider(baseURL string) models.ProviderConfig {
	return models.ProviderConfig{
		Name: "local", Kind: "local", Label: "Local Qwen",
		BaseURL: baseURL, DefaultModel: "qwen-test", Priority: 0,
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGenerateCommitsToSession(t *testing.T) {
	backend := chatBackend(t, "```python\nprint('blink')\n```")
	env := newTestEnv(t, localProvider(backend.URL))

	rec := doJSON(t, env.handler, http.MethodPost, "/api/generate",
		`{"instruction":"blink the led","mode":"micropython"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	var resp models.GenerateResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.OK || resp.Code != "print('blink')" {
		t.Fatalf("response = %+v", resp)
	}

	status := doJSON(t, env.handler, http.MethodGet, "/api/session", "")
	var snap session.Snapshot
	json.Unmarshal(status.Body.Bytes(), &snap)
	if snap.LastCode != "print('blink')" || snap.LastMode != models.ModeMicroPython {
		t.Fatalf("session not committed: %+v", snap)
	}
}

func TestGenerateWithFlashUsesDetectedPort(t *testing.T) {
	backend := chatBackend(t, "```python\nprint(1)\n```")
	env := newTestEnv(t, localProvider(backend.URL))

	rec := doJSON(t, env.handler, http.MethodPost, "/api/generate",
		`{"instruction":"blink","mode":"micropython","flash":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if env.flasher.lastPort != "/dev/ttyUSB0" {
		t.Fatalf("flashed to %q", env.flasher.lastPort)
	}
}

func TestGenerateNoProviderIs503(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/generate",
		`{"instruction":"blink","mode":"micropython"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "QWEN_API_BASE") {
		t.Fatalf("setup hint missing: %s", rec.Body)
	}
}

func TestGenerateBusyIs409(t *testing.T) {
	backend := chatBackend(t, "x")
	env := newTestEnv(t, localProvider(backend.URL))

	st := env.sessions.Get("default")
	_, token, err := st.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer st.End(token)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/generate",
		`{"instruction":"blink","mode":"micropython"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
}

func TestSessionsAreIsolatedByHeader(t *testing.T) {
	backend := chatBackend(t, "```python\nprint('a')\n```")
	env := newTestEnv(t, localProvider(backend.URL))

	req := httptest.NewRequest(http.MethodPost, "/api/generate",
		strings.NewReader(`{"instruction":"x","mode":"micropython"}`))
	req.Header.Set("X-Lumi-Session", "alpha")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	other := doJSON(t, env.handler, http.MethodGet, "/api/session", "")
	var snap session.Snapshot
	json.Unmarshal(other.Body.Bytes(), &snap)
	if snap.LastCode != "" {
		t.Fatalf("state leaked into default session: %+v", snap)
	}
}

func TestFlashLastWithoutCode(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/flash-last", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestFlashLastReusesStoredArtifact(t *testing.T) {
	env := newTestEnv(t)

	st := env.sessions.Get("default")
	_, token, _ := st.Begin(context.Background())
	st.ApplyResult(token, models.GenerationRequest{
		Instruction: "blink", Mode: models.ModeMicroPython, Port: "/dev/ttyUSB7",
	}, &models.GenerationResult{Code: "print('stored')"})
	st.End(token)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/flash-last", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if env.flasher.lastPort != "/dev/ttyUSB7" {
		t.Fatalf("fallback port not used: %q", env.flasher.lastPort)
	}
	if len(env.flasher.lastFiles) != 1 || env.flasher.lastFiles[0].Content != "print('stored')" {
		t.Fatalf("stored artifact not flashed: %+v", env.flasher.lastFiles)
	}
}

func TestAssistantChatStreamEmitsDoneEvent(t *testing.T) {
	backend := chatBackend(t, "step one then two")
	env := newTestEnv(t, localProvider(backend.URL))

	rec := doJSON(t, env.handler, http.MethodPost, "/api/assistant/chat",
		`{"mode":"plan","instruction":"plan the build","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type %q", got)
	}

	var doneEvents int
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		if ev.Type == models.EventDone {
			doneEvents++
			if ev.Result == nil || ev.Result.Reply != "step one then two" {
				t.Fatalf("done result = %+v", ev.Result)
			}
		}
	}
	if doneEvents != 1 {
		t.Fatalf("expected exactly one done event, got %d", doneEvents)
	}
}

func TestAssistantChatFileEditPreviewsWithoutWriting(t *testing.T) {
	backend := chatBackend(t, "hello there\n")
	env := newTestEnv(t, localProvider(backend.URL))
	env.files.content["notes.txt"] = "hello world\n"

	rec := doJSON(t, env.handler, http.MethodPost, "/api/assistant/chat",
		`{"mode":"file_edit","instruction":"replace world with there","context":{"file_path":"notes.txt"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp models.AssistantChatResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.FileEdit == nil || resp.FileEdit.Diff == "" {
		t.Fatalf("edit preview missing: %+v", resp)
	}
	if env.files.content["notes.txt"] != "hello world\n" {
		t.Fatal("preview wrote to disk")
	}

	apply := doJSON(t, env.handler, http.MethodPost, "/api/file-edit/apply", `{}`)
	if apply.Code != http.StatusOK {
		t.Fatalf("apply status %d: %s", apply.Code, apply.Body)
	}
	if env.files.content["notes.txt"] != "hello there" {
		t.Fatalf("edit not applied: %q", env.files.content["notes.txt"])
	}
}

func TestCodeCompleteReturnsCode(t *testing.T) {
	backend := chatBackend(t, "```python\ndef add(a, b):\n    return a + b\n```")
	env := newTestEnv(t, localProvider(backend.URL))

	rec := doJSON(t, env.handler, http.MethodPost, "/api/code-complete",
		`{"code":"def add(a, b):","language_hint":"python"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		OK   bool   `json:"ok"`
		Code string `json:"code"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.OK || !strings.Contains(resp.Code, "return a + b") {
		t.Fatalf("response = %+v", resp)
	}
}

func TestCodeCompleteRequiresCode(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/code-complete", `{"code":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestCodeOptimizeLeavesArtifactAlone(t *testing.T) {
	backend := chatBackend(t, "for x in range(3): print(x)")
	env := newTestEnv(t, localProvider(backend.URL))

	st := env.sessions.Get("default")
	_, token, _ := st.Begin(context.Background())
	st.ApplyResult(token, models.GenerationRequest{Mode: models.ModeMicroPython},
		&models.GenerationResult{Code: "print('kept')"})
	st.End(token)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/code-optimize",
		`{"code":"print(0)\nprint(1)\nprint(2)"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if snap := st.Snapshot(); snap.LastCode != "print('kept')" {
		t.Fatalf("stored artifact clobbered: %q", snap.LastCode)
	}
}

func TestRunTerminalExecutesCommand(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/assistant/terminal",
		`{"command":"ls -la"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if env.runner.lastCommand != "ls -la" {
		t.Fatalf("ran %q", env.runner.lastCommand)
	}
	var resp struct {
		OK   bool     `json:"ok"`
		Logs []string `json:"logs"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.OK || len(resp.Logs) == 0 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestRunTerminalFallsBackToLastCommand(t *testing.T) {
	env := newTestEnv(t)

	st := env.sessions.Get("default")
	_, token, _ := st.Begin(context.Background())
	st.ApplyResult(token, models.GenerationRequest{Mode: models.ModeTerminal},
		&models.GenerationResult{Code: "uname -a"})
	st.End(token)

	rec := doJSON(t, env.handler, http.MethodPost, "/api/assistant/terminal", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if env.runner.lastCommand != "uname -a" {
		t.Fatalf("ran %q, want the stored terminal command", env.runner.lastCommand)
	}
}

func TestRunTerminalWithoutCommand(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/assistant/terminal", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestRunTerminalRefusedCommandIs400(t *testing.T) {
	env := newTestEnv(t)
	env.runner.err = models.NewError(models.ErrInvalidTarget, "command refused, not in the allowed tool set: rm -rf /")

	rec := doJSON(t, env.handler, http.MethodPost, "/api/assistant/terminal",
		`{"command":"rm -rf /"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "refused") {
		t.Fatalf("refusal message missing: %s", rec.Body)
	}
}

func TestCancelIdleSession(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodPost, "/api/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		OK        bool `json:"ok"`
		Cancelled bool `json:"cancelled"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.OK || resp.Cancelled {
		t.Fatalf("response = %+v", resp)
	}
}

func TestTodoEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if rec := doJSON(t, env.handler, http.MethodPost, "/api/todos", `{"text":"solder headers"}`); rec.Code != http.StatusOK {
		t.Fatalf("add status %d", rec.Code)
	}
	if rec := doJSON(t, env.handler, http.MethodPost, "/api/todos/0/toggle", ""); rec.Code != http.StatusOK {
		t.Fatalf("toggle status %d", rec.Code)
	}
	if rec := doJSON(t, env.handler, http.MethodPost, "/api/todos/9/toggle", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("out-of-range toggle status %d", rec.Code)
	}

	list := doJSON(t, env.handler, http.MethodGet, "/api/todos/", "")
	var resp struct {
		Todos []models.TodoItem `json:"todos"`
	}
	json.Unmarshal(list.Body.Bytes(), &resp)
	if len(resp.Todos) != 1 || !resp.Todos[0].Done {
		t.Fatalf("todos = %+v", resp.Todos)
	}

	if rec := doJSON(t, env.handler, http.MethodDelete, "/api/todos/", ""); rec.Code != http.StatusOK {
		t.Fatalf("clear status %d", rec.Code)
	}
}

func TestProvidersStatusMasksKeys(t *testing.T) {
	env := newTestEnv(t, models.ProviderConfig{
		Name: "deepseek", Kind: "deepseek", BaseURL: "https://api.deepseek.com/v1",
		APIKey: "sk-secret", DefaultModel: "deepseek-chat", Priority: 1,
	})
	rec := doJSON(t, env.handler, http.MethodGet, "/api/providers/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sk-secret") {
		t.Fatal("api key leaked in status response")
	}
	if !strings.Contains(rec.Body.String(), `"has_api_key":true`) {
		t.Fatalf("key presence flag missing: %s", rec.Body)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.handler, http.MethodGet, "/api/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/dev/ttyUSB0") {
		t.Fatalf("device missing: %s", rec.Body)
	}
}

func TestClearSessionKeepsWorking(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.Get("default").AppendLogs("old line")

	if rec := doJSON(t, env.handler, http.MethodPost, "/api/session/clear", ""); rec.Code != http.StatusOK {
		t.Fatalf("clear status %d", rec.Code)
	}
	status := doJSON(t, env.handler, http.MethodGet, "/api/session", "")
	var snap session.Snapshot
	json.Unmarshal(status.Body.Bytes(), &snap)
	if len(snap.Logs) != 0 {
		t.Fatalf("logs survived clear: %v", snap.Logs)
	}
}

func TestStatusReportsEnvironment(t *testing.T) {
	backend := chatBackend(t, "pong")
	env := newTestEnv(t, localProvider(backend.URL))

	rec := doJSON(t, env.handler, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		OK         bool   `json:"ok"`
		MPRemote   bool   `json:"mpremote"`
		PlatformIO bool   `json:"platformio"`
		Provider   string `json:"provider"`
		Model      string `json:"model"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.OK || !resp.MPRemote || resp.PlatformIO {
		t.Fatalf("tool status = %+v", resp)
	}
	if resp.Provider != "Local Qwen" || resp.Model != "qwen-test" {
		t.Fatalf("resolved provider = %+v", resp)
	}
}
