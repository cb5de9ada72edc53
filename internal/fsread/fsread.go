// Package fsread is the only path through which lodestone touches source
// collections. Every operation is read-only, validated against the allowed
// roots, and budgeted, so a bug elsewhere cannot write to or hang on a
// network share.
package fsread

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// Extensions never read, not even for sampling.
var blockedExtensions = map[string]bool{
	".exe": true, ".dll": true, ".sys": true, ".bat": true, ".cmd": true,
	".ps1": true, ".sh": true, ".msi": true, ".scr": true, ".com": true,
	".pif": true, ".vbs": true,
}

// SampleMode selects which part of a file a budgeted read returns.
type SampleMode string

const (
	SampleHead   SampleMode = "head"
	SampleTail   SampleMode = "tail"
	SampleSpread SampleMode = "spread" // head + middle + tail chunks
)

// Budget bounds a single read.
type Budget struct {
	MaxBytes int64
	Mode     SampleMode
}

// DefaultBudget is used when a caller passes a zero budget.
var DefaultBudget = Budget{MaxBytes: 1 << 20, Mode: SampleHead}

// Entry is directory-listing metadata for one filesystem entry.
type Entry struct {
	Name      string
	Path      string
	IsDir     bool
	SizeBytes int64
	ModTime   time.Time
}

// FS is a read-only view of the filesystem restricted to allowed roots.
type FS struct {
	roots     []string
	readCount atomic.Int64
	bytesRead atomic.Int64
}

// New builds a read-only filesystem rooted at the given directories.
// With no roots, every absolute path is reachable.
func New(allowedRoots []string) (*FS, error) {
	fs := &FS{}
	for _, r := range allowedRoots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root %s: %w", r, err)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			// Root may not exist yet at registration time
			resolved = abs
		}
		fs.roots = append(fs.roots, resolved)
	}
	return fs, nil
}

// validate resolves the path and checks it sits under an allowed root.
func (f *FS) validate(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = abs
	}

	if len(f.roots) == 0 {
		return resolved, nil
	}
	for _, root := range f.roots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path %s is not under any allowed root", resolved)
}

// List returns the entries of a directory. Entries that cannot be stat'ed
// are skipped rather than failing the whole listing.
func (f *FS) List(path string) ([]Entry, error) {
	resolved, err := f.validate(path)
	if err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:      de.Name(),
			Path:      filepath.Join(resolved, de.Name()),
			IsDir:     de.IsDir(),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	return entries, nil
}

// Stat returns metadata for one path.
func (f *FS) Stat(path string) (Entry, error) {
	resolved, err := f.validate(path)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to stat: %w", err)
	}
	return Entry{
		Name:      info.Name(),
		Path:      resolved,
		IsDir:     info.IsDir(),
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

// ReadBytes reads a file under a budget. The returned slice never exceeds
// the budget's MaxBytes.
func (f *FS) ReadBytes(path string, budget Budget) ([]byte, error) {
	resolved, err := f.validate(path)
	if err != nil {
		return nil, err
	}
	if blockedExtensions[strings.ToLower(filepath.Ext(resolved))] {
		return nil, fmt.Errorf("reading blocked for extension %s", filepath.Ext(resolved))
	}
	if budget.MaxBytes <= 0 {
		budget = DefaultBudget
	}

	file, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to open: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("not a file: %s", resolved)
	}
	size := info.Size()

	var data []byte
	switch budget.Mode {
	case SampleTail:
		start := size - budget.MaxBytes
		if start < 0 {
			start = 0
		}
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek: %w", err)
		}
		data, err = readUpTo(file, budget.MaxBytes)

	case SampleSpread:
		data, err = readSpread(file, size, budget.MaxBytes)

	default:
		data, err = readUpTo(file, budget.MaxBytes)
	}
	if err != nil {
		return nil, err
	}

	f.readCount.Add(1)
	f.bytesRead.Add(int64(len(data)))
	return data, nil
}

func readUpTo(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max))
	if err != nil {
		return nil, fmt.Errorf("failed to read: %w", err)
	}
	return data, nil
}

// readSpread samples head, middle, and tail chunks of a large file.
func readSpread(file *os.File, size, max int64) ([]byte, error) {
	chunk := max / 3
	if chunk == 0 || size <= max {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek: %w", err)
		}
		return readUpTo(file, max)
	}

	var out []byte
	offsets := []int64{0, size/2 - chunk/2, size - chunk}
	for _, off := range offsets {
		if off < 0 {
			off = 0
		}
		if _, err := file.Seek(off, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek: %w", err)
		}
		part, err := readUpTo(file, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

// ReadText reads a file under a budget and decodes it as UTF-8, replacing
// invalid sequences.
func (f *FS) ReadText(path string, budget Budget) (string, error) {
	data, err := f.ReadBytes(path, budget)
	if err != nil {
		return "", err
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// Open returns a budget-limited reader over a file. The caller owns closing.
func (f *FS) Open(path string, maxBytes int64) (io.ReadCloser, error) {
	resolved, err := f.validate(path)
	if err != nil {
		return nil, err
	}
	if blockedExtensions[strings.ToLower(filepath.Ext(resolved))] {
		return nil, fmt.Errorf("reading blocked for extension %s", filepath.Ext(resolved))
	}
	if maxBytes <= 0 {
		maxBytes = DefaultBudget.MaxBytes
	}
	file, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to open: %w", err)
	}
	f.readCount.Add(1)
	return &limitedFile{Reader: io.LimitReader(file, maxBytes), file: file, fs: f}, nil
}

type limitedFile struct {
	io.Reader
	file *os.File
	fs   *FS
}

func (l *limitedFile) Read(p []byte) (int, error) {
	n, err := l.Reader.Read(p)
	l.fs.bytesRead.Add(int64(n))
	return n, err
}

func (l *limitedFile) Close() error {
	return l.file.Close()
}

// ReadStats reports cumulative read activity.
type ReadStats struct {
	ReadCount int64
	BytesRead int64
}

// Stats returns cumulative read counters.
func (f *FS) Stats() ReadStats {
	return ReadStats{
		ReadCount: f.readCount.Load(),
		BytesRead: f.bytesRead.Load(),
	}
}
