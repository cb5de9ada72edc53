package fsread

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestRootEnforcement(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()
	writeFile(t, allowed, "in.txt", []byte("inside"))
	outsidePath := writeFile(t, outside, "out.txt", []byte("outside"))

	fs, err := New([]string{allowed})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := fs.ReadBytes(filepath.Join(allowed, "in.txt"), Budget{}); err != nil {
		t.Errorf("read inside allowed root failed: %v", err)
	}
	if _, err := fs.ReadBytes(outsidePath, Budget{}); err == nil {
		t.Error("read outside allowed root should fail")
	}
	if _, err := fs.List(outside); err == nil {
		t.Error("listing outside allowed root should fail")
	}
	// Traversal out of the root is caught after resolution
	if _, err := fs.ReadBytes(filepath.Join(allowed, "..", filepath.Base(outside), "out.txt"), Budget{}); err == nil {
		t.Error("traversal escape should fail")
	}
}

func TestBlockedExtensions(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "dropper.exe", []byte("MZ..."))

	fs, _ := New([]string{dir})
	if _, err := fs.ReadBytes(path, Budget{}); err == nil {
		t.Error("reading .exe should be blocked")
	}
	if _, err := fs.Open(path, 100); err == nil {
		t.Error("opening .exe should be blocked")
	}
	// Stat is metadata-only and stays allowed
	if _, err := fs.Stat(path); err != nil {
		t.Errorf("stat of blocked extension should work: %v", err)
	}
}

func TestBudgetedReads(t *testing.T) {
	dir := t.TempDir()
	body := bytes.Repeat([]byte("0123456789"), 100) // 1000 bytes
	path := writeFile(t, dir, "data.bin", body)

	fs, _ := New([]string{dir})

	head, err := fs.ReadBytes(path, Budget{MaxBytes: 10, Mode: SampleHead})
	if err != nil {
		t.Fatalf("head read: %v", err)
	}
	if !bytes.Equal(head, body[:10]) {
		t.Errorf("head = %q", head)
	}

	tail, err := fs.ReadBytes(path, Budget{MaxBytes: 10, Mode: SampleTail})
	if err != nil {
		t.Fatalf("tail read: %v", err)
	}
	if !bytes.Equal(tail, body[len(body)-10:]) {
		t.Errorf("tail = %q", tail)
	}

	spread, err := fs.ReadBytes(path, Budget{MaxBytes: 30, Mode: SampleSpread})
	if err != nil {
		t.Fatalf("spread read: %v", err)
	}
	if len(spread) != 30 {
		t.Errorf("spread length = %d, want 30", len(spread))
	}
	if !bytes.HasPrefix(spread, body[:10]) {
		t.Errorf("spread should start with the head chunk")
	}
}

func TestOpenIsLimited(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "big.txt", bytes.Repeat([]byte("x"), 500))

	fs, _ := New([]string{dir})
	r, err := fs.Open(path, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(data) != 100 {
		t.Errorf("read %d bytes past the limit", len(data))
	}
}

func TestReadTextReplacesInvalidUTF8(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mixed.txt", []byte("ok\xff\xfebytes"))

	fs, _ := New([]string{dir})
	text, err := fs.ReadText(path, Budget{})
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if !strings.Contains(text, "ok") || !strings.Contains(text, "bytes") {
		t.Errorf("text = %q", text)
	}
	if !strings.Contains(text, "�") {
		t.Errorf("invalid bytes should become replacement runes: %q", text)
	}
}

func TestStatsAccumulate(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("hello"))

	fs, _ := New([]string{dir})
	fs.ReadBytes(path, Budget{})
	fs.ReadBytes(path, Budget{})

	stats := fs.Stats()
	if stats.ReadCount != 2 {
		t.Errorf("ReadCount = %d, want 2", stats.ReadCount)
	}
	if stats.BytesRead != 10 {
		t.Errorf("BytesRead = %d, want 10", stats.BytesRead)
	}
}
