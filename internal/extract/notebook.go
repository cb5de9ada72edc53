package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"lodestone/internal/fsread"
	"lodestone/internal/types"
)

// NotebookHandler extracts Jupyter notebooks. Each cell that references a
// data file becomes a notebook-cell anchor.
type NotebookHandler struct{}

func (h *NotebookHandler) Name() string { return "notebook" }

func (h *NotebookHandler) CanHandle(f *types.FileEntry) bool {
	return f.Ext == "ipynb"
}

type notebookDoc struct {
	Cells []struct {
		CellType string      `json:"cell_type"`
		Source   interface{} `json:"source"` // string or []string
	} `json:"cells"`
	Metadata struct {
		Kernelspec struct {
			DisplayName string `json:"display_name"`
		} `json:"kernelspec"`
	} `json:"metadata"`
}

func (h *NotebookHandler) Extract(ctx context.Context, fs *fsread.FS, f *types.FileEntry, absPath string, maxBytes int64) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := fs.ReadBytes(absPath, fsread.Budget{MaxBytes: maxBytes, Mode: fsread.SampleHead})
	if err != nil {
		return nil, err
	}

	var doc notebookDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse notebook: %w", err)
	}

	o := &Outcome{
		Title:    f.Name,
		Entities: map[string][]string{},
	}

	var bodyParts []string
	markdownCells := 0
	codeCells := 0

	for i, cell := range doc.Cells {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := cellSource(cell.Source)
		if src == "" {
			continue
		}
		bodyParts = append(bodyParts, src)

		switch cell.CellType {
		case "markdown":
			markdownCells++
			if o.Summary == "" {
				o.Summary = truncate(strings.TrimSpace(src), 500)
			}
		case "code":
			codeCells++
		}

		refs := types.FileRefs(src)
		if len(refs) == 0 {
			continue
		}
		for _, r := range refs {
			o.Entities["file_refs"] = appendUnique(o.Entities["file_refs"], r)
		}
		o.Artifacts = append(o.Artifacts, Artifact{
			Type: types.ArtifactNotebookCell,
			Locator: types.NotebookCellLocator{
				CellIndex: i,
				CellType:  cell.CellType,
			},
			Excerpt: truncate(strings.TrimSpace(src), 300),
		})
	}

	if o.Summary == "" {
		o.Summary = fmt.Sprintf("Notebook with %d code and %d markdown cells", codeCells, markdownCells)
	}
	if doc.Metadata.Kernelspec.DisplayName != "" {
		o.Keywords = append(o.Keywords, strings.ToLower(doc.Metadata.Kernelspec.DisplayName))
	}
	o.Body = strings.Join(bodyParts, "\n\n")
	o.Excerpt = truncate(o.Body, 500)
	return o, nil
}

// cellSource joins notebook cell source, which the format allows to be
// either a single string or a list of line strings.
func cellSource(src interface{}) string {
	switch v := src.(type) {
	case string:
		return v
	case []interface{}:
		var b strings.Builder
		for _, line := range v {
			if s, ok := line.(string); ok {
				b.WriteString(s)
			}
		}
		return b.String()
	}
	return ""
}
