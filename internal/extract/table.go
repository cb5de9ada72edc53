package extract

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"lodestone/internal/fsread"
	"lodestone/internal/types"
)

// TableHandler extracts delimited tables (csv, tsv). Cells under canonical
// file-reference columns become table-cell anchors; other cells that happen
// to mention data files are anchored too.
type TableHandler struct {
	MaxRows int
}

func (h *TableHandler) Name() string { return "delimited-table" }

func (h *TableHandler) CanHandle(f *types.FileEntry) bool {
	return f.Ext == "csv" || f.Ext == "tsv"
}

func (h *TableHandler) Extract(ctx context.Context, fs *fsread.FS, f *types.FileEntry, absPath string, maxBytes int64) (*Outcome, error) {
	rc, err := fs.Open(absPath, maxBytes)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	if f.Ext == "tsv" {
		reader.Comma = '\t'
	}
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	maxRows := h.MaxRows
	if maxRows <= 0 {
		maxRows = 5000
	}

	o := &Outcome{
		Title:    f.Name,
		Entities: map[string][]string{},
	}

	var header []string
	var canonical []int
	var bodyParts []string
	refSeen := make(map[string]bool)
	rows := 0

	for rows < maxRows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if rows == 0 {
				return nil, fmt.Errorf("failed to parse table: %w", err)
			}
			// Mid-file parse trouble: keep what we have
			break
		}
		rows++

		if header == nil {
			header = record
			for col, name := range record {
				if types.IsCanonicalColumn(name) {
					canonical = append(canonical, col)
				}
			}
			bodyParts = append(bodyParts, strings.Join(record, " "))
			continue
		}

		bodyParts = append(bodyParts, strings.Join(record, " "))

		for col, cell := range record {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			isCanonical := containsInt(canonical, col)
			refs := types.FileRefs(cell)
			if !isCanonical && len(refs) == 0 {
				continue
			}
			if isCanonical || len(refs) > 0 {
				key := fmt.Sprintf("%d:%d", rows, col)
				if refSeen[key] {
					continue
				}
				refSeen[key] = true
				colHeader := ""
				if col < len(header) {
					colHeader = header[col]
				}
				o.Artifacts = append(o.Artifacts, Artifact{
					Type: types.ArtifactTableCell,
					Locator: types.TableCellLocator{
						Row: rows, Col: col + 1,
						CellRef: cellRef(rows, col),
					},
					Excerpt: truncate(colHeader+": "+cell, 300),
				})
				for _, r := range refs {
					o.Entities["file_refs"] = appendUnique(o.Entities["file_refs"], r)
				}
				if isCanonical && len(refs) == 0 {
					o.Entities["file_refs"] = appendUnique(o.Entities["file_refs"], strings.ToLower(cell))
				}
			}
		}
	}

	if header != nil {
		o.Keywords = lowerAll(header)
		o.Summary = fmt.Sprintf("%d columns (%s), %d data rows",
			len(header), truncate(strings.Join(header, ", "), 200), rows-1)
	}
	o.Body = strings.Join(bodyParts, "\n")
	o.Excerpt = truncate(o.Body, 500)
	return o, nil
}

// cellRef renders a spreadsheet-style reference like B3. Row is 1-based
// counting the header, col is 0-based.
func cellRef(row, col int) string {
	letters := ""
	c := col
	for {
		letters = string(rune('A'+c%26)) + letters
		c = c/26 - 1
		if c < 0 {
			break
		}
	}
	return fmt.Sprintf("%s%d", letters, row)
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func appendUnique(xs []string, x string) []string {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}

func lowerAll(xs []string) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = strings.ToLower(strings.TrimSpace(x))
	}
	return out
}
