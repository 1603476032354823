package generate

import (
	"regexp"
	"strings"

	"github.com/lumiagent/lumiagent/pkg/models"
)

var fileHeaderRe = regexp.MustCompile(`(?i)---\s*FILE:\s*([^\n]+?)\s*---`)

// parseMultiFile extracts the declared files of a multi-file reply in
// declaration order. The convention is
//
//	---FILE: relative/path---
//	(content)
//
// When the model prefixes a design blurb, parsing starts at the first
// marker. A reply with no markers at all becomes a single main.py,
// matching the original single-file fallback.
func parseMultiFile(text string) []models.FileOutput {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if idx := strings.Index(strings.ToLower(trimmed), "---file:"); idx > 0 {
		trimmed = trimmed[idx:]
	}

	headers := fileHeaderRe.FindAllStringSubmatchIndex(trimmed, -1)
	if len(headers) == 0 {
		return []models.FileOutput{{Path: "main.py", Content: trimmed}}
	}

	var out []models.FileOutput
	for i, loc := range headers {
		p := strings.TrimSpace(trimmed[loc[2]:loc[3]])
		if p == "" {
			continue
		}
		end := len(trimmed)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		content := strings.Trim(trimmed[loc[1]:end], "\n")
		out = append(out, models.FileOutput{
			Path:    strings.ReplaceAll(p, `\`, "/"),
			Content: content,
		})
	}
	return out
}

// sanitizeFiles enforces the path rules on a multi-file batch: every
// path must be relative and must stay inside the target root. A `..`
// segment or an absolute path is a hard per-entry error, not silently
// stripped; the remaining entries still succeed. Accepted paths are
// preserved verbatim (after separator normalization), keeping the
// model's declaration order.
func sanitizeFiles(files []models.FileOutput) (kept []models.FileOutput, rejected []models.FileIssue) {
	for _, f := range files {
		p := strings.ReplaceAll(strings.TrimSpace(f.Path), `\`, "/")
		switch {
		case p == "":
			rejected = append(rejected, models.FileIssue{Path: f.Path, Reason: "empty path"})
		case strings.HasPrefix(p, "/") || hasVolumePrefix(p):
			rejected = append(rejected, models.FileIssue{Path: f.Path, Reason: string(models.ErrPathEscape) + ": absolute path not allowed"})
		case escapesRoot(p):
			rejected = append(rejected, models.FileIssue{Path: f.Path, Reason: string(models.ErrPathEscape) + ": path escapes the target root"})
		default:
			kept = append(kept, models.FileOutput{Path: p, Content: f.Content})
		}
	}
	return kept, rejected
}

// escapesRoot reports whether a relative path carries a `..` segment.
// Segments are checked literally, not after cleaning, so a path that
// would resolve back inside the root (a/../b.py) is still rejected.
// Dotted names like ..data are ordinary segments and pass.
func escapesRoot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// hasVolumePrefix catches Windows-style absolute paths like C:/x.
func hasVolumePrefix(p string) bool {
	return len(p) >= 2 && p[1] == ':' &&
		(('a' <= p[0] && p[0] <= 'z') || ('A' <= p[0] && p[0] <= 'Z'))
}

var fenceRe = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_+-]+)?\\s*(.*?)```")

// extractCode pulls the first fenced code block from a reply, or the
// whole trimmed reply when no fences are present.
func extractCode(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}
