package types

import (
	"regexp"
	"strings"
)

// FileRefPattern matches mentions of indexable data or spreadsheet files in
// free text, e.g. "run001.abf" or "session_2024-01-03.xlsx".
var FileRefPattern = regexp.MustCompile(
	`\b([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*\.(?:abf|smrx|smr|edf|mat|npz|npy|h5|hdf5|nwb|tdms|csv|tsv|xlsx|ipynb))\b`)

// shortRefPattern matches bare run or recording numbers like "run003",
// "recording 12", or "#045" that often refer to a data file without naming
// it in full.
var shortRefPattern = regexp.MustCompile(
	`(?i)\b(?:run|rec|recording|trial|sweep|file)[_\-\s#]*(\d{1,4})\b`)

// FileRefs returns the distinct full-filename mentions in text, in order of
// first appearance.
func FileRefs(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range FileRefPattern.FindAllStringSubmatch(text, -1) {
		ref := strings.ToLower(m[1])
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

// ShortRefs returns the distinct short numeric references in text with
// their mention counts.
func ShortRefs(text string) map[string]int {
	out := make(map[string]int)
	for _, m := range shortRefPattern.FindAllStringSubmatch(text, -1) {
		out[m[1]]++
	}
	return out
}

var normalizeStrip = regexp.MustCompile(`(?i)(copy(\s*\(\d+\))?|final|v\d+|draft|edit(ed)?|notes?|new|old|backup|bak)`)
var normalizeSeps = regexp.MustCompile(`[\s_\-\.]+`)

// NormalizeStem lowers a file stem and strips versioning noise so
// "Run001_Notes_FINAL v2" and "run001 notes" compare equal.
func NormalizeStem(stem string) string {
	s := strings.ToLower(stem)
	s = normalizeStrip.ReplaceAllString(s, "")
	s = normalizeSeps.ReplaceAllString(s, "")
	return s
}

// CanonicalColumns are spreadsheet header names that conventionally hold
// data-file references. Header matching is case-insensitive.
var CanonicalColumns = []string{
	"file", "filename", "file_name", "data_file", "datafile",
	"recording", "rec_file", "abf", "abf_file", "path", "source_file",
}

// IsCanonicalColumn reports whether a table header conventionally holds
// file references.
func IsCanonicalColumn(header string) bool {
	h := strings.ToLower(strings.TrimSpace(header))
	for _, c := range CanonicalColumns {
		if h == c {
			return true
		}
	}
	return false
}
