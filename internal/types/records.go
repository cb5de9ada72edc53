package types

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Root is a collection root registered for indexing.
type Root struct {
	RootID      int64
	RootPath    string
	Label       string
	CreatedAt   time.Time
	LastCrawlAt time.Time
}

// FileEntry is a single file or directory in the inventory.
// Unique per (root, path); only the crawler and extractor write to it.
type FileEntry struct {
	FileID     int64
	RootID     int64
	Path       string // collection-relative, forward slashes
	ParentPath string
	Name       string
	Ext        string // lowercase, no dot
	IsDir      bool
	SizeBytes  int64
	ModTime    time.Time
	CreateTime time.Time
	Category   FileCategory

	// Cheap change-detection signature (size + mtime, optionally a sampled hash).
	Fingerprint string

	// Set when the path vanishes from disk; rows are never deleted so
	// confirmed relationships survive temporary unmounts.
	Missing bool

	InventoryStatus TierStatus
	ExtractStatus   TierStatus
	EnrichStatus    TierStatus
	ErrorMsg        string
	LastIndexedAt   time.Time
}

// Stem returns the filename without its extension.
func (f *FileEntry) Stem() string {
	return strings.TrimSuffix(f.Name, filepath.Ext(f.Name))
}

// FingerprintOf builds the change fingerprint for filesystem facts.
// sampleHash may be empty when hashing was skipped.
func FingerprintOf(size int64, mtime time.Time, sampleHash string) string {
	fp := fmt.Sprintf("%d:%d", size, mtime.Unix())
	if sampleHash != "" {
		fp += ":" + sampleHash
	}
	return fp
}

// ContentSummary holds tier-appropriate extracted signals for one file.
// Superseded, never merged, when the fingerprint or extractor version changes.
type ContentSummary struct {
	FileID            int64
	Title             string
	Summary           string
	Keywords          []string
	Entities          map[string][]string // entity type -> values
	Excerpt           string
	Tier              int
	ExtractionVersion int
	ExtractedAt       time.Time
}

// EvidenceAnchor is an immutable pointer into a source file's content,
// precise enough to re-open and highlight the exact location.
type EvidenceAnchor struct {
	AnchorID     string
	FileID       int64
	ArtifactType ArtifactType
	Locator      json.RawMessage // type-specific locator payload
	Excerpt      string
	CreatedAt    time.Time
}

// TextSpanLocator locates a line/char range in a text file.
type TextSpanLocator struct {
	LineStart int `json:"line_start"`
	LineEnd   int `json:"line_end"`
	CharStart int `json:"char_start,omitempty"`
	CharEnd   int `json:"char_end,omitempty"`
}

// TableCellLocator locates a single cell in a delimited table.
type TableCellLocator struct {
	Sheet   string `json:"sheet,omitempty"`
	Row     int    `json:"row"`
	Col     int    `json:"col"`
	CellRef string `json:"cell_ref,omitempty"`
}

// TableRowLocator locates an entire row in a delimited table.
type TableRowLocator struct {
	Sheet    string `json:"sheet,omitempty"`
	Row      int    `json:"row"`
	ColStart int    `json:"col_start"`
	ColEnd   int    `json:"col_end,omitempty"`
}

// SlideLocator locates a slide (and optionally a shape) in a presentation.
type SlideLocator struct {
	SlideNumber int `json:"slide_number"`
	ShapeID     int `json:"shape_id,omitempty"`
}

// NotebookCellLocator locates a cell in a notebook document.
type NotebookCellLocator struct {
	CellIndex int    `json:"cell_index"`
	CellType  string `json:"cell_type"`
}

// Evidence is the generation-time evidence payload attached to a candidate.
type Evidence struct {
	Kind         EvidenceKind `json:"kind"`
	MatchedText  string       `json:"matched_text,omitempty"`
	MentionCount int          `json:"mention_count,omitempty"`
	ColumnHeader string       `json:"column_header,omitempty"`
	Excerpt      string       `json:"excerpt,omitempty"`
	SharedToken  string       `json:"shared_token,omitempty"`
}

// Candidate is a proposed directed edge awaiting scoring, review, or promotion.
type Candidate struct {
	CandidateID     int64
	SrcFileID       int64
	DstFileID       int64
	Relation        Relation
	Score           float64
	Confidence      float64
	Status          CandidateStatus
	RuleName        string
	StrategyVersion int64
	Evidence        Evidence
	Features        json.RawMessage // feature vector snapshot
	FeatureSchema   int
	AnchorID        string // empty when no anchor
	Annotation      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Edge is a promoted, durable relationship. Never mutated; a newer promotion
// under a newer strategy version supersedes it.
type Edge struct {
	EdgeID          int64
	SrcFileID       int64
	DstFileID       int64
	Relation        Relation
	Confidence      float64
	AnchorID        string
	CreatedBy       CreatorKind
	StrategyVersion int64
	SupersededBy    int64 // 0 when current
	CreatedAt       time.Time
}

// Audit is one append-only auditor verdict for a candidate.
type Audit struct {
	AuditID         int64
	CandidateID     int64
	Verdict         Verdict
	Confidence      float64
	Rationale       string
	MissingEvidence []string
	ReadRequests    []string
	Corrections     []Correction
	Model           string
	PromptVersion   int
	GatingReason    string
	FromCache       bool
	CreatedAt       time.Time
}

// Correction is an auditor-suggested replacement destination.
type Correction struct {
	DstFileID  int64   `json:"dst_file_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Job is a unit of queued work claimed under a lease.
type Job struct {
	JobID          int64
	Kind           JobKind
	RootID         int64
	Target         string // path for crawl/extract, candidate id for score
	Payload        json.RawMessage
	Priority       int
	Attempts       int
	MaxAttempts    int
	Status         JobStatus
	LeaseOwner     string
	LeaseExpiresAt time.Time
	RunAfter       time.Time // earliest time a retry may be claimed
	CreatedAt      time.Time
	CompletedAt    time.Time
	ErrorMsg       string
}
