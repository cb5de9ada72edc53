// Package extract runs the tier-2 content pipeline: each file is routed to
// the first handler that accepts it, read under a byte and time budget, and
// reduced to a content summary, search document, and evidence anchors.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"lodestone/internal/config"
	"lodestone/internal/fsread"
	"lodestone/internal/logging"
	"lodestone/internal/store"
	"lodestone/internal/types"
)

// Artifact is one anchorable location a handler found inside a file.
type Artifact struct {
	Type    types.ArtifactType
	Locator interface{} // one of the types.*Locator structs
	Excerpt string
}

// Outcome is what a handler produces for one file.
type Outcome struct {
	Title     string
	Summary   string
	Keywords  []string
	Entities  map[string][]string
	Excerpt   string
	Body      string // full-text search document
	Artifacts []Artifact
}

// Handler extracts content from one family of file formats.
type Handler interface {
	// Name identifies the handler in content rows and logs.
	Name() string
	// CanHandle reports whether this handler accepts the file.
	CanHandle(f *types.FileEntry) bool
	// Extract reads the file under the supplied budget and reduces it.
	Extract(ctx context.Context, fs *fsread.FS, f *types.FileEntry, absPath string, maxBytes int64) (*Outcome, error)
}

// Pipeline routes files to handlers and persists the results.
type Pipeline struct {
	store    *store.Store
	fs       *fsread.FS
	cfg      config.ExtractConfig
	timeout  time.Duration
	handlers []Handler
}

// New builds a pipeline with the default handler chain. Order matters:
// the first handler whose CanHandle returns true wins, and BinaryHead
// accepts everything as the fallback.
func New(st *store.Store, fs *fsread.FS, cfg config.ExtractConfig, timeout time.Duration) *Pipeline {
	return &Pipeline{
		store:   st,
		fs:      fs,
		cfg:     cfg,
		timeout: timeout,
		handlers: []Handler{
			&NotebookHandler{},
			&TableHandler{MaxRows: cfg.MaxTableRows},
			&TextHandler{},
			&BinaryHeadHandler{},
		},
	}
}

// Register prepends a handler, letting callers override built-ins.
func (p *Pipeline) Register(h Handler) {
	p.handlers = append([]Handler{h}, p.handlers...)
}

// handlerFor returns the first handler accepting the file.
func (p *Pipeline) handlerFor(f *types.FileEntry) Handler {
	for _, h := range p.handlers {
		if h.CanHandle(f) {
			return h
		}
	}
	return nil
}

// ExtractFile runs the pipeline for one inventory entry. Handler failures
// are recorded on the file row and returned, so a queued caller can apply
// its retry policy.
func (p *Pipeline) ExtractFile(ctx context.Context, rootID int64, relPath string) error {
	timer := logging.StartTimer(logging.CategoryExtract, "ExtractFile")
	defer timer.StopWithThreshold(p.timeout / 2)

	f, err := p.store.GetFileByPath(rootID, relPath)
	if err != nil {
		return err
	}
	if f.IsDir || f.Missing {
		return nil
	}

	root, err := p.store.GetRoot(rootID)
	if err != nil {
		return err
	}
	absPath := filepath.Join(root.RootPath, filepath.FromSlash(f.Path))

	handler := p.handlerFor(f)
	if handler == nil {
		return p.store.SetExtractStatus(f.FileID, types.TierError, "no handler")
	}

	maxBytes := p.cfg.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = 50 * 1024 * 1024
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	outcome, err := handler.Extract(ctx, p.fs, f, absPath, maxBytes)
	if err != nil {
		logging.Get(logging.CategoryExtract).Warn("Extraction failed for %s (%s): %v",
			f.Path, handler.Name(), err)
		if serr := p.store.SetExtractStatus(f.FileID, types.TierError, err.Error()); serr != nil {
			return serr
		}
		return fmt.Errorf("extract %s with %s: %w", f.Path, handler.Name(), err)
	}

	if err := p.persist(f, outcome); err != nil {
		return err
	}
	logging.ExtractDebug("Extracted %s with %s: %d artifacts",
		f.Path, handler.Name(), len(outcome.Artifacts))
	return nil
}

func (p *Pipeline) persist(f *types.FileEntry, o *Outcome) error {
	body := o.Body
	if int64(len(body)) > p.cfg.MaxTextBytes && p.cfg.MaxTextBytes > 0 {
		body = body[:p.cfg.MaxTextBytes]
	}

	summary := &types.ContentSummary{
		FileID:            f.FileID,
		Title:             o.Title,
		Summary:           o.Summary,
		Keywords:          o.Keywords,
		Entities:          o.Entities,
		Excerpt:           o.Excerpt,
		Tier:              2,
		ExtractionVersion: p.cfg.Version,
	}
	if summary.Entities == nil {
		summary.Entities = map[string][]string{}
	}
	if err := p.store.UpsertContent(summary); err != nil {
		return err
	}

	for _, art := range o.Artifacts {
		locator, err := json.Marshal(art.Locator)
		if err != nil {
			return fmt.Errorf("failed to marshal locator: %w", err)
		}
		anchor := &types.EvidenceAnchor{
			AnchorID:     AnchorID(f.Fingerprint, art.Type, locator),
			FileID:       f.FileID,
			ArtifactType: art.Type,
			Locator:      locator,
			Excerpt:      art.Excerpt,
		}
		if err := p.store.InsertAnchor(anchor); err != nil {
			return err
		}
	}

	if err := p.store.IndexDocument(f.FileID, f.Name, body); err != nil {
		return err
	}

	return p.store.SetExtractStatus(f.FileID, types.TierOK, "")
}

// AnchorID derives a stable anchor id from the file fingerprint and the
// locator. Re-extracting an unchanged file reproduces the same ids, so
// everything hanging off an anchor (audit cache entries, edge provenance)
// stays valid.
func AnchorID(fingerprint string, artifactType types.ArtifactType, locator []byte) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte(artifactType))
	h.Write(locator)
	return "anc_" + hex.EncodeToString(h.Sum(nil)[:12])
}

// truncate clips s to max bytes without splitting the final rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && s[max]&0xC0 == 0x80 {
		max--
	}
	return s[:max]
}
