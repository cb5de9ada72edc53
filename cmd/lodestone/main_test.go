package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lodestone/internal/config"
)

// setupCLI points the global command state at a throwaway database and
// data directory.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cfg = config.DefaultConfig()
	cfg.State.Dir = filepath.Join(dir, "state")
	cfg.Audit.Enabled = false
	dbPath = filepath.Join(dir, "state", "index.db")
	logger = zap.NewNop()

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	return dataDir
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	rOut, wOut, _ := os.Pipe()
	os.Stdout = wOut

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	os.Stdout = origOut
	return <-done
}

func TestCrawlRegistersAndInventoriesRoot(t *testing.T) {
	dataDir := setupCLI(t)
	writeTestFile(t, dataDir, "notes/session.md", "# Session\nsee run003.abf\n")
	writeTestFile(t, dataDir, "raw/run003.abf", "binarydata")

	output := captureOutput(t, func() {
		if err := runCrawl(&cobra.Command{}, []string{dataDir}); err != nil {
			t.Fatalf("runCrawl returned error: %v", err)
		}
	})
	// Two directories plus two files
	if !strings.Contains(output, "4 new") {
		t.Fatalf("expected four new entries in crawl summary, got: %s", output)
	}

	// Re-crawl with no arguments reuses the registered root
	output = captureOutput(t, func() {
		if err := runCrawl(&cobra.Command{}, nil); err != nil {
			t.Fatalf("second runCrawl returned error: %v", err)
		}
	})
	if !strings.Contains(output, "0 new") {
		t.Fatalf("expected an unchanged re-crawl, got: %s", output)
	}
}

func TestCrawlWithoutRootsFails(t *testing.T) {
	setupCLI(t)
	if err := runCrawl(&cobra.Command{}, nil); err == nil {
		t.Fatal("expected an error when no roots are registered")
	}
}

func TestExtractThenStatus(t *testing.T) {
	dataDir := setupCLI(t)
	writeTestFile(t, dataDir, "notes/session.md", "# Session\nsee run003.abf\n")
	writeTestFile(t, dataDir, "raw/run003.abf", "binarydata")

	if err := runCrawl(&cobra.Command{}, []string{dataDir}); err != nil {
		t.Fatalf("runCrawl returned error: %v", err)
	}

	output := captureOutput(t, func() {
		if err := runExtract(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runExtract returned error: %v", err)
		}
	})
	if !strings.Contains(output, "extracted 2 files") {
		t.Fatalf("expected both files extracted, got: %s", output)
	}

	output = captureOutput(t, func() {
		if err := showStatus(&cobra.Command{}, nil); err != nil {
			t.Fatalf("showStatus returned error: %v", err)
		}
	})
	if !strings.Contains(output, "files:      2") {
		t.Fatalf("expected file count in status, got: %s", output)
	}
}

func TestLinkPromotesExplicitReference(t *testing.T) {
	dataDir := setupCLI(t)
	writeTestFile(t, dataDir, "session/run003.md", "# run003\nsee run003.abf for the trace\n")
	writeTestFile(t, dataDir, "session/run003.abf", "binarydata")

	if err := runCrawl(&cobra.Command{}, []string{dataDir}); err != nil {
		t.Fatalf("runCrawl returned error: %v", err)
	}
	if err := runExtract(&cobra.Command{}, nil); err != nil {
		t.Fatalf("runExtract returned error: %v", err)
	}

	output := captureOutput(t, func() {
		if err := runLink(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runLink returned error: %v", err)
		}
	})
	if !strings.Contains(output, "(1 promoted)") {
		t.Fatalf("expected one promoted edge, got: %s", output)
	}
}

func TestCommandsAreRegistered(t *testing.T) {
	for _, name := range []string{"crawl", "extract", "link", "audit", "run", "watch", "status", "search", "related", "read", "review", "jobs"} {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %q is not registered", name)
		}
	}
}

func writeTestFile(t *testing.T, dataDir, relPath, content string) {
	t.Helper()
	abs := filepath.Join(dataDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}
