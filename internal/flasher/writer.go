package flasher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lumiagent/lumiagent/pkg/models"
)

// DesktopWriter applies file edits under a fixed root directory,
// defaulting to the operator's Desktop. Relative paths resolve against
// the root; absolute paths and paths that climb out of the root are
// rejected rather than clamped.
type DesktopWriter struct {
	root string
}

// NewDesktopWriter creates a writer rooted at dir, or at $HOME/Desktop
// when dir is empty.
func NewDesktopWriter(dir string) *DesktopWriter {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dir = filepath.Join(home, "Desktop")
		} else {
			dir = "."
		}
	}
	return &DesktopWriter{root: dir}
}

// Write creates or replaces one file, returning the absolute path it
// wrote. Parent directories are created as needed.
func (w *DesktopWriter) Write(path, content string) (string, error) {
	abs, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return abs, nil
}

// Read returns the current content of a file under the root, for
// building edit previews. A missing file reads as empty.
func (w *DesktopWriter) Read(path string) (string, error) {
	abs, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *DesktopWriter) resolve(path string) (string, error) {
	p := strings.TrimSpace(strings.ReplaceAll(path, `\`, "/"))
	if p == "" {
		return "", models.NewError(models.ErrInvalidTarget, "empty file path")
	}
	if strings.HasPrefix(p, "/") || (len(p) >= 2 && p[1] == ':') {
		return "", models.NewError(models.ErrPathEscape,
			fmt.Sprintf("absolute path %q not allowed; paths are relative to %s", path, w.root))
	}
	// `..` segments are rejected literally, even when the joined path
	// would clean back to somewhere inside the root.
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", models.NewError(models.ErrPathEscape,
				fmt.Sprintf("path %q escapes %s", path, w.root))
		}
	}
	return filepath.Join(w.root, filepath.FromSlash(p)), nil
}
