package extract

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"lodestone/internal/fsread"
	"lodestone/internal/types"
)

// knownMagic maps leading bytes to a format label for common instrument
// and container formats.
var knownMagic = []struct {
	prefix []byte
	label  string
}{
	{[]byte("ABF2"), "abf2"},
	{[]byte("ABF "), "abf1"},
	{[]byte("\x89HDF\r\n\x1a\n"), "hdf5"},
	{[]byte("PK\x03\x04"), "zip-container"},
	{[]byte("\x93NUMPY"), "npy"},
	{[]byte("MATLAB"), "mat"},
	{[]byte("%PDF"), "pdf"},
}

// BinaryHeadHandler is the fallback for formats nothing else parses. It
// samples the head of the file, identifies the format from magic bytes
// when possible, and harvests printable strings so even opaque instrument
// files get a minimal search document.
type BinaryHeadHandler struct{}

func (h *BinaryHeadHandler) Name() string { return "binary-head" }

func (h *BinaryHeadHandler) CanHandle(f *types.FileEntry) bool {
	return true
}

func (h *BinaryHeadHandler) Extract(ctx context.Context, fs *fsread.FS, f *types.FileEntry, absPath string, maxBytes int64) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	budget := int64(64 * 1024)
	if maxBytes < budget {
		budget = maxBytes
	}
	data, err := fs.ReadBytes(absPath, fsread.Budget{MaxBytes: budget, Mode: fsread.SampleHead})
	if err != nil {
		return nil, err
	}

	format := f.Ext
	for _, m := range knownMagic {
		if len(data) >= len(m.prefix) && string(data[:len(m.prefix)]) == string(m.prefix) {
			format = m.label
			break
		}
	}

	strs := printableStrings(data, 6, 50)

	o := &Outcome{
		Title:    f.Name,
		Summary:  fmt.Sprintf("%s file, %d bytes", format, f.SizeBytes),
		Keywords: []string{format},
		Entities: map[string][]string{"format": {format}},
		Body:     f.Name + "\n" + strings.Join(strs, "\n"),
	}
	o.Excerpt = truncate(o.Body, 500)
	return o, nil
}

// printableStrings harvests runs of printable ASCII at least minLen long,
// up to maxCount of them.
func printableStrings(data []byte, minLen, maxCount int) []string {
	var out []string
	var run []byte
	flush := func() {
		if len(run) >= minLen && len(out) < maxCount {
			out = append(out, string(run))
		}
		run = run[:0]
	}
	for _, b := range data {
		if b >= 0x20 && b < 0x7F && unicode.IsPrint(rune(b)) {
			run = append(run, b)
		} else {
			flush()
		}
		if len(out) >= maxCount {
			break
		}
	}
	flush()
	return out
}
