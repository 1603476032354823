package generate

import (
	"fmt"
	"strings"

	"github.com/lumiagent/lumiagent/pkg/models"
)

// Preview truncation limits, matching the operator UI's expectations:
// single-file previews show 50 numbered lines, multi-file previews 30
// lines per file, file-edit previews 80 lines.
const (
	previewLines         = 50
	previewChars         = 12000
	multiPreviewLines    = 30
	multiPreviewChars    = 20000
	fileEditPreviewLines = 80
)

const truncatedMarker = "... (preview truncated)"

// preview renders the first lines of code with line numbers, capped in
// both lines and total characters.
func preview(code string, maxLines, maxChars int) string {
	lines := strings.Split(code, "\n")
	var b strings.Builder
	for i, line := range lines {
		if i >= maxLines {
			b.WriteString(truncatedMarker)
			break
		}
		fmt.Fprintf(&b, "%3d: %s\n", i+1, line)
	}
	out := strings.TrimRight(b.String(), "\n")
	if len(out) > maxChars {
		out = out[:maxChars] + "\n" + truncatedMarker
	}
	return out
}

// Preview renders the default single-file preview.
func Preview(code string) string {
	return preview(code, previewLines, previewChars)
}

// PreviewFileEdit renders the longer preview used for file edits.
func PreviewFileEdit(content string) string {
	return preview(content, fileEditPreviewLines, previewChars)
}

// previewFiles renders a per-file preview of a multi-file batch,
// keeping declaration order.
func previewFiles(files []models.FileOutput) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "=== %s ===\n", f.Path)
		lines := strings.Split(f.Content, "\n")
		for i, line := range lines {
			if i >= multiPreviewLines {
				b.WriteString(truncatedMarker + "\n")
				break
			}
			fmt.Fprintf(&b, "%3d: %s\n", i+1, line)
		}
	}
	out := strings.TrimRight(b.String(), "\n")
	if len(out) > multiPreviewChars {
		out = out[:multiPreviewChars] + "\n" + truncatedMarker
	}
	return out
}
