package flasher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lumiagent/lumiagent/pkg/models"
)

func TestDesktopWriterWritesUnderRoot(t *testing.T) {
	root := t.TempDir()
	w := NewDesktopWriter(root)

	abs, err := w.Write("project/main.py", "print(1)")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Dir(abs) != filepath.Join(root, "project") {
		t.Fatalf("wrote to %q", abs)
	}
	data, err := os.ReadFile(abs)
	if err != nil || string(data) != "print(1)" {
		t.Fatalf("read back %q, %v", data, err)
	}
}

func TestDesktopWriterRejectsEscape(t *testing.T) {
	w := NewDesktopWriter(t.TempDir())
	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../b.txt", "a/../b.txt"} {
		_, err := w.Write(path, "x")
		e := models.AsError(err)
		if e == nil || e.Kind != models.ErrPathEscape {
			t.Errorf("path %q: expected PathEscape, got %v", path, err)
		}
	}
}

func TestDesktopWriterRejectsEmptyPath(t *testing.T) {
	w := NewDesktopWriter(t.TempDir())
	if _, err := w.Write("  ", "x"); err == nil {
		t.Fatal("empty path accepted")
	}
}

func TestDesktopWriterReadMissingFileIsEmpty(t *testing.T) {
	w := NewDesktopWriter(t.TempDir())
	content, err := w.Read("nope.txt")
	if err != nil || content != "" {
		t.Fatalf("got %q, %v", content, err)
	}
}

func TestDesktopWriterReadBack(t *testing.T) {
	w := NewDesktopWriter(t.TempDir())
	if _, err := w.Write("notes.txt", "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	content, err := w.Read("notes.txt")
	if err != nil || content != "hello" {
		t.Fatalf("got %q, %v", content, err)
	}
}
