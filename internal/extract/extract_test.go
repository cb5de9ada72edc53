package extract

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lodestone/internal/config"
	"lodestone/internal/fsread"
	"lodestone/internal/store"
	"lodestone/internal/types"
)

func setup(t *testing.T) (*Pipeline, *store.Store, string, int64) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	fs, err := fsread.New([]string{dataDir})
	if err != nil {
		t.Fatalf("fsread.New failed: %v", err)
	}
	rootID, err := s.AddRoot(dataDir, "data")
	if err != nil {
		t.Fatalf("AddRoot failed: %v", err)
	}

	cfg := config.DefaultConfig().Extract
	p := New(s, fs, cfg, 10*time.Second)
	return p, s, dataDir, rootID
}

// addFile writes content to disk and registers the file in the inventory,
// the way the crawler would.
func addFile(t *testing.T, s *store.Store, dataDir string, rootID int64, relPath, content string) *types.FileEntry {
	t.Helper()
	abs := filepath.Join(dataDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	name := filepath.Base(relPath)
	parent := filepath.ToSlash(filepath.Dir(relPath))
	if parent == "." {
		parent = ""
	}
	f := &types.FileEntry{
		RootID:      rootID,
		Path:        filepath.ToSlash(relPath),
		ParentPath:  parent,
		Name:        name,
		Ext:         strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), "."),
		SizeBytes:   info.Size(),
		ModTime:     info.ModTime(),
		Category:    types.CategoryForName(name),
		Fingerprint: types.FingerprintOf(info.Size(), info.ModTime(), ""),
	}
	id, _, err := s.UpsertFile(f)
	if err != nil {
		t.Fatalf("UpsertFile failed: %v", err)
	}
	f.FileID = id
	return f
}

func TestHandlerRouting(t *testing.T) {
	p, _, _, _ := setup(t)

	cases := []struct {
		ext  string
		want string
	}{
		{"ipynb", "notebook"},
		{"csv", "delimited-table"},
		{"tsv", "delimited-table"},
		{"md", "text"},
		{"py", "text"},
		{"abf", "binary-head"},
		{"xlsx", "binary-head"},
	}
	for _, tc := range cases {
		h := p.handlerFor(&types.FileEntry{Ext: tc.ext})
		if h == nil {
			t.Fatalf("no handler for .%s", tc.ext)
		}
		if h.Name() != tc.want {
			t.Errorf(".%s routed to %s, want %s", tc.ext, h.Name(), tc.want)
		}
	}
}

func TestExtractTextNotes(t *testing.T) {
	p, s, dataDir, rootID := setup(t)

	notes := "Session 12 notes\n\nBaseline recorded in run003.abf before drug wash.\nSecond sweep saved as run004.abf.\nNo anomalies.\n"
	f := addFile(t, s, dataDir, rootID, "notes/session12.md", notes)

	if err := p.ExtractFile(context.Background(), rootID, f.Path); err != nil {
		t.Fatalf("ExtractFile failed: %v", err)
	}

	got, err := s.GetFile(f.FileID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.ExtractStatus != types.TierOK {
		t.Fatalf("extract status = %s, want ok (err: %s)", got.ExtractStatus, got.ErrorMsg)
	}

	c, err := s.GetContent(f.FileID)
	if err != nil {
		t.Fatalf("GetContent failed: %v", err)
	}
	if c == nil {
		t.Fatal("no content row")
	}
	if c.Title != "Session 12 notes" {
		t.Errorf("title = %q", c.Title)
	}
	refs := c.Entities["file_refs"]
	if len(refs) != 2 || refs[0] != "run003.abf" || refs[1] != "run004.abf" {
		t.Errorf("file_refs = %v", refs)
	}

	anchors, err := s.ListAnchorsByFile(f.FileID)
	if err != nil {
		t.Fatalf("ListAnchorsByFile failed: %v", err)
	}
	if len(anchors) != 2 {
		t.Fatalf("got %d anchors, want 2", len(anchors))
	}
	for _, a := range anchors {
		if a.ArtifactType != types.ArtifactTextSpan {
			t.Errorf("artifact type = %s", a.ArtifactType)
		}
		var loc types.TextSpanLocator
		if err := json.Unmarshal(a.Locator, &loc); err != nil {
			t.Fatalf("bad locator %s: %v", a.Locator, err)
		}
		if loc.LineStart < 1 {
			t.Errorf("line start = %d", loc.LineStart)
		}
	}
}

func TestExtractTableCanonicalColumns(t *testing.T) {
	p, s, dataDir, rootID := setup(t)

	csvBody := "subject,filename,notes\n" +
		"mouse01,run003.abf,stable baseline\n" +
		"mouse02,run004.abf,see analysis.ipynb\n"
	f := addFile(t, s, dataDir, rootID, "inventory.csv", csvBody)

	if err := p.ExtractFile(context.Background(), rootID, f.Path); err != nil {
		t.Fatalf("ExtractFile failed: %v", err)
	}

	c, err := s.GetContent(f.FileID)
	if err != nil || c == nil {
		t.Fatalf("GetContent: %v %v", c, err)
	}
	if !strings.Contains(c.Summary, "3 columns") || !strings.Contains(c.Summary, "2 data rows") {
		t.Errorf("summary = %q", c.Summary)
	}
	refs := c.Entities["file_refs"]
	joined := strings.Join(refs, " ")
	for _, want := range []string{"run003.abf", "run004.abf", "analysis.ipynb"} {
		if !strings.Contains(joined, want) {
			t.Errorf("file_refs missing %s: %v", want, refs)
		}
	}

	anchors, err := s.ListAnchorsByFile(f.FileID)
	if err != nil {
		t.Fatalf("ListAnchorsByFile failed: %v", err)
	}
	// filename cells in both data rows, plus the notes cell mentioning a file
	if len(anchors) != 3 {
		t.Fatalf("got %d anchors, want 3", len(anchors))
	}
	var loc types.TableCellLocator
	if err := json.Unmarshal(anchors[0].Locator, &loc); err != nil {
		t.Fatalf("bad locator: %v", err)
	}
	if loc.CellRef == "" {
		t.Error("empty cell ref")
	}
}

func TestExtractNotebook(t *testing.T) {
	p, s, dataDir, rootID := setup(t)

	nb := `{
  "cells": [
    {"cell_type": "markdown", "source": ["# Spike analysis\n", "Covers the May recordings."]},
    {"cell_type": "code", "source": "data = load_abf('run003.abf')"},
    {"cell_type": "code", "source": ["plot(data)\n"]}
  ],
  "metadata": {"kernelspec": {"display_name": "Python 3"}}
}`
	f := addFile(t, s, dataDir, rootID, "analysis.ipynb", nb)

	if err := p.ExtractFile(context.Background(), rootID, f.Path); err != nil {
		t.Fatalf("ExtractFile failed: %v", err)
	}

	c, err := s.GetContent(f.FileID)
	if err != nil || c == nil {
		t.Fatalf("GetContent: %v %v", c, err)
	}
	if !strings.HasPrefix(c.Summary, "# Spike analysis") {
		t.Errorf("summary = %q", c.Summary)
	}
	if len(c.Keywords) == 0 || c.Keywords[0] != "python 3" {
		t.Errorf("keywords = %v", c.Keywords)
	}

	anchors, err := s.ListAnchorsByFile(f.FileID)
	if err != nil {
		t.Fatalf("ListAnchorsByFile failed: %v", err)
	}
	if len(anchors) != 1 {
		t.Fatalf("got %d anchors, want 1", len(anchors))
	}
	var loc types.NotebookCellLocator
	if err := json.Unmarshal(anchors[0].Locator, &loc); err != nil {
		t.Fatalf("bad locator: %v", err)
	}
	if loc.CellIndex != 1 || loc.CellType != "code" {
		t.Errorf("locator = %+v", loc)
	}
}

func TestExtractBinaryHead(t *testing.T) {
	p, s, dataDir, rootID := setup(t)

	payload := "\x89HDF\r\n\x1a\n" + strings.Repeat("\x00", 32) + "recording_chamber_A" + string([]byte{0, 1, 2})
	f := addFile(t, s, dataDir, rootID, "run003.h5", payload)

	if err := p.ExtractFile(context.Background(), rootID, f.Path); err != nil {
		t.Fatalf("ExtractFile failed: %v", err)
	}

	c, err := s.GetContent(f.FileID)
	if err != nil || c == nil {
		t.Fatalf("GetContent: %v %v", c, err)
	}
	if c.Entities["format"][0] != "hdf5" {
		t.Errorf("format = %v", c.Entities["format"])
	}
	if !strings.Contains(c.Summary, "hdf5") {
		t.Errorf("summary = %q", c.Summary)
	}
}

func TestExtractFailureRecordedOnFile(t *testing.T) {
	p, s, dataDir, rootID := setup(t)

	f := addFile(t, s, dataDir, rootID, "broken.ipynb", "not json at all {{")

	if err := p.ExtractFile(context.Background(), rootID, f.Path); err == nil {
		t.Fatal("ExtractFile returned nil for a handler failure")
	}
	got, err := s.GetFile(f.FileID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.ExtractStatus != types.TierError {
		t.Fatalf("extract status = %s, want error", got.ExtractStatus)
	}
	if got.ErrorMsg == "" {
		t.Error("error message not recorded")
	}
}

func TestAnchorIDStableAcrossReExtraction(t *testing.T) {
	p, s, dataDir, rootID := setup(t)

	f := addFile(t, s, dataDir, rootID, "notes.txt", "see run003.abf\n")
	if err := p.ExtractFile(context.Background(), rootID, f.Path); err != nil {
		t.Fatalf("first ExtractFile failed: %v", err)
	}
	first, err := s.ListAnchorsByFile(f.FileID)
	if err != nil || len(first) != 1 {
		t.Fatalf("anchors after first pass: %v %v", first, err)
	}

	if err := p.ExtractFile(context.Background(), rootID, f.Path); err != nil {
		t.Fatalf("second ExtractFile failed: %v", err)
	}
	second, err := s.ListAnchorsByFile(f.FileID)
	if err != nil {
		t.Fatalf("ListAnchorsByFile failed: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("re-extraction duplicated anchors: %d", len(second))
	}
	if second[0].AnchorID != first[0].AnchorID {
		t.Errorf("anchor id changed: %s -> %s", first[0].AnchorID, second[0].AnchorID)
	}

	loc1, _ := json.Marshal(types.TextSpanLocator{LineStart: 1, LineEnd: 1})
	loc2, _ := json.Marshal(types.TextSpanLocator{LineStart: 2, LineEnd: 2})
	if AnchorID(f.Fingerprint, types.ArtifactTextSpan, loc1) == AnchorID(f.Fingerprint, types.ArtifactTextSpan, loc2) {
		t.Error("different locators produced the same anchor id")
	}
}

func TestBodyTruncation(t *testing.T) {
	p, s, dataDir, rootID := setup(t)
	p.cfg.MaxTextBytes = 64

	f := addFile(t, s, dataDir, rootID, "big.txt", strings.Repeat("word ", 200))
	if err := p.ExtractFile(context.Background(), rootID, f.Path); err != nil {
		t.Fatalf("ExtractFile failed: %v", err)
	}
	got, err := s.GetFile(f.FileID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.ExtractStatus != types.TierOK {
		t.Fatalf("extract status = %s (err: %s)", got.ExtractStatus, got.ErrorMsg)
	}
}

func TestExtractSkipsMissingFiles(t *testing.T) {
	p, s, dataDir, rootID := setup(t)

	f := addFile(t, s, dataDir, rootID, "gone.txt", "content\n")
	if err := os.Remove(filepath.Join(dataDir, "gone.txt")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := s.MarkFilesMissing(rootID, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("MarkFilesMissing failed: %v", err)
	}

	if err := p.ExtractFile(context.Background(), rootID, f.Path); err != nil {
		t.Fatalf("ExtractFile failed: %v", err)
	}
	if c, err := s.GetContent(f.FileID); err != nil || c != nil {
		t.Fatalf("missing file was extracted: %v %v", c, err)
	}
}
