package extract

import (
	"context"
	"strings"

	"lodestone/internal/fsread"
	"lodestone/internal/types"
)

var textExts = map[string]bool{
	"txt": true, "md": true, "log": true, "rtf": true,
	"py": true, "m": true, "r": true, "js": true, "json": true,
}

// TextHandler extracts plain-text documents and code. Lines that mention
// data files become text-span anchors so the linker can cite them.
type TextHandler struct{}

func (h *TextHandler) Name() string { return "text" }

func (h *TextHandler) CanHandle(f *types.FileEntry) bool {
	return textExts[f.Ext]
}

func (h *TextHandler) Extract(ctx context.Context, fs *fsread.FS, f *types.FileEntry, absPath string, maxBytes int64) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text, err := fs.ReadText(absPath, fsread.Budget{MaxBytes: maxBytes, Mode: fsread.SampleHead})
	if err != nil {
		return nil, err
	}

	lines := strings.Split(text, "\n")
	o := &Outcome{
		Title:    f.Name,
		Body:     text,
		Excerpt:  truncate(text, 500),
		Entities: map[string][]string{},
	}

	// First non-empty line doubles as a title for notes files
	for _, line := range lines {
		if t := strings.TrimSpace(line); t != "" {
			o.Title = truncate(t, 120)
			break
		}
	}

	refs := types.FileRefs(text)
	if len(refs) > 0 {
		o.Entities["file_refs"] = refs
	}

	for i, line := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(types.FileRefs(line)) == 0 {
			continue
		}
		o.Artifacts = append(o.Artifacts, Artifact{
			Type:    types.ArtifactTextSpan,
			Locator: types.TextSpanLocator{LineStart: i + 1, LineEnd: i + 1},
			Excerpt: truncate(strings.TrimSpace(line), 300),
		})
	}

	o.Summary = summarizeLines(lines)
	o.Keywords = keywordLines(lines)
	return o, nil
}

// summarizeLines keeps the first few substantive lines as a summary.
func summarizeLines(lines []string) string {
	var kept []string
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		kept = append(kept, t)
		if len(kept) == 5 {
			break
		}
	}
	return truncate(strings.Join(kept, " / "), 500)
}

// keywordLines collects distinct word tokens longer than 3 runes from the
// head of the document, capped at 20.
func keywordLines(lines []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, line := range lines {
		for _, w := range strings.Fields(strings.ToLower(line)) {
			w = strings.Trim(w, ".,;:()[]{}\"'")
			if len(w) <= 3 || seen[w] {
				continue
			}
			seen[w] = true
			out = append(out, w)
			if len(out) == 20 {
				return out
			}
		}
	}
	return out
}
