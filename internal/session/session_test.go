package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumiagent/lumiagent/pkg/models"
)

func TestBeginRejectsSecondOperation(t *testing.T) {
	st := NewManager().Get("s1")

	_, token, err := st.Begin(context.Background())
	if err != nil {
		t.Fatalf("first begin: %v", err)
	}
	if _, _, err := st.Begin(context.Background()); err == nil || err.Kind != models.ErrBusy {
		t.Fatalf("expected Busy, got %v", err)
	}
	st.End(token)
	if _, _, err := st.Begin(context.Background()); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
}

func TestBeginAdmitsExactlyOneConcurrently(t *testing.T) {
	st := NewManager().Get("s1")

	const n = 32
	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := st.Begin(context.Background()); err == nil {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	if admitted != 1 {
		t.Fatalf("admitted %d operations, want 1", admitted)
	}
}

func TestCancelSignalsContext(t *testing.T) {
	st := NewManager().Get("s1")
	ctx, _, err := st.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !st.Cancel() {
		t.Fatal("cancel reported nothing in flight")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
	// The slot is still held until End, so a second cancel still
	// reports an in-flight operation.
	if !st.Cancel() {
		t.Fatal("slot released before End")
	}
}

func TestCancelIdleSessionIsNoop(t *testing.T) {
	st := NewManager().Get("s1")
	if st.Cancel() {
		t.Fatal("cancel on idle session reported true")
	}
}

func TestApplyResultRejectsStaleToken(t *testing.T) {
	st := NewManager().Get("s1")
	_, token, _ := st.Begin(context.Background())
	st.End(token)

	ok := st.ApplyResult(token, models.GenerationRequest{Instruction: "old"}, &models.GenerationResult{Code: "stale"})
	if ok {
		t.Fatal("stale token write accepted")
	}
	if snap := st.Snapshot(); snap.LastCode != "" {
		t.Fatalf("stale write mutated state: %q", snap.LastCode)
	}
}

func TestApplyResultRejectsFailedGeneration(t *testing.T) {
	st := NewManager().Get("s1")
	_, token, _ := st.Begin(context.Background())
	defer st.End(token)

	res := &models.GenerationResult{Code: "half", Err: models.NewError(models.ErrCancelled, "stopped by user")}
	if st.ApplyResult(token, models.GenerationRequest{}, res) {
		t.Fatal("failed generation committed")
	}
	if snap := st.Snapshot(); snap.LastCode != "" {
		t.Fatal("failed generation mutated last code")
	}
}

func TestApplyResultCommitsAtomically(t *testing.T) {
	st := NewManager().Get("s1")
	_, token, _ := st.Begin(context.Background())
	defer st.End(token)

	req := models.GenerationRequest{
		Instruction: "blink",
		Mode:        models.ModeMicroPython,
		Port:        "/dev/ttyUSB0",
		BoardID:     "nodemcuv2",
	}
	if !st.ApplyResult(token, req, &models.GenerationResult{Code: "print(1)"}) {
		t.Fatal("commit rejected")
	}

	snap := st.Snapshot()
	if snap.LastCode != "print(1)" || snap.LastInstruction != "blink" ||
		snap.LastPort != "/dev/ttyUSB0" || snap.LastBoardID != "nodemcuv2" ||
		snap.LastMode != models.ModeMicroPython {
		t.Fatalf("partial commit: %+v", snap)
	}
}

func TestSetFileEditComputesDiff(t *testing.T) {
	st := NewManager().Get("s1")
	_, token, _ := st.Begin(context.Background())
	defer st.End(token)

	ok := st.SetFileEdit(token, models.FileEdit{
		Path:   "notes.txt",
		Before: "hello world\n",
		After:  "hello there\n",
	})
	if !ok {
		t.Fatal("file edit rejected")
	}
	snap := st.Snapshot()
	if snap.FileEdit == nil || snap.FileEdit.Diff == "" {
		t.Fatal("diff not computed")
	}
}

func TestHistoryWindowTrims(t *testing.T) {
	st := NewManager().Get("s1")
	for i := 0; i < historyWindow+5; i++ {
		st.AppendHistory(models.ChatMessage{Role: "user", Content: "turn"})
	}
	if got := len(st.Snapshot().History); got != historyWindow {
		t.Fatalf("history length %d, want %d", got, historyWindow)
	}
}

func TestClearKeepsGateSlot(t *testing.T) {
	st := NewManager().Get("s1")
	_, token, _ := st.Begin(context.Background())

	st.AppendLogs("one")
	st.Clear()

	snap := st.Snapshot()
	if len(snap.Logs) != 0 || snap.LastCode != "" {
		t.Fatalf("state not cleared: %+v", snap)
	}
	if !snap.Generating {
		t.Fatal("clear released the gate slot")
	}
	// The surviving token still commits over the cleared state.
	if !st.ApplyResult(token, models.GenerationRequest{Instruction: "x"}, &models.GenerationResult{Code: "y"}) {
		t.Fatal("in-flight token rejected after clear")
	}
}

func TestTodoOperations(t *testing.T) {
	st := NewManager().Get("s1")
	st.AddTodo("wire the servo")
	st.AddTodo("test the loop")

	if !st.ToggleTodo(0) {
		t.Fatal("toggle rejected")
	}
	if st.ToggleTodo(5) {
		t.Fatal("out-of-range toggle accepted")
	}
	snap := st.Snapshot()
	if len(snap.Todos) != 2 || !snap.Todos[0].Done || snap.Todos[1].Done {
		t.Fatalf("todos = %+v", snap.Todos)
	}
	st.ClearTodos()
	if len(st.Snapshot().Todos) != 0 {
		t.Fatal("todos not cleared")
	}
}

func TestManagerIsolatesSessions(t *testing.T) {
	m := NewManager()
	a := m.Get("a")
	b := m.Get("b")
	if a == b {
		t.Fatal("distinct session ids share state")
	}
	a.AppendLogs("only a")
	if len(b.Snapshot().Logs) != 0 {
		t.Fatal("log leaked across sessions")
	}
	if m.Get("a") != a {
		t.Fatal("manager did not return the same state for the same id")
	}
}
