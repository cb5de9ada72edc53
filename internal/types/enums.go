package types

import (
	"path/filepath"
	"strings"
)

// FileCategory classifies an inventory entry by extension.
type FileCategory string

const (
	CategoryData         FileCategory = "data"
	CategoryDocuments    FileCategory = "documents"
	CategorySpreadsheets FileCategory = "spreadsheets"
	CategoryImages       FileCategory = "images"
	CategoryCode         FileCategory = "code"
	CategorySlides       FileCategory = "slides"
	CategoryVideo        FileCategory = "video"
	CategoryArchives     FileCategory = "archives"
	CategoryOther        FileCategory = "other"
)

var categoryByExt = map[string]FileCategory{
	// Instrument data formats
	"abf": CategoryData, "smrx": CategoryData, "smr": CategoryData,
	"edf": CategoryData, "mat": CategoryData, "npz": CategoryData,
	"npy": CategoryData, "h5": CategoryData, "hdf5": CategoryData,
	"nwb": CategoryData, "tdms": CategoryData,
	// Documents
	"docx": CategoryDocuments, "doc": CategoryDocuments,
	"pdf": CategoryDocuments, "txt": CategoryDocuments,
	"md": CategoryDocuments, "rtf": CategoryDocuments, "log": CategoryDocuments,
	// Spreadsheets
	"xlsx": CategorySpreadsheets, "xls": CategorySpreadsheets,
	"csv": CategorySpreadsheets, "tsv": CategorySpreadsheets,
	// Images
	"png": CategoryImages, "jpg": CategoryImages, "jpeg": CategoryImages,
	"tif": CategoryImages, "tiff": CategoryImages, "gif": CategoryImages,
	"bmp": CategoryImages, "svg": CategoryImages,
	// Code
	"py": CategoryCode, "m": CategoryCode, "r": CategoryCode,
	"ipynb": CategoryCode, "js": CategoryCode, "json": CategoryCode,
	// Slides
	"pptx": CategorySlides, "ppt": CategorySlides,
	// Video
	"mp4": CategoryVideo, "avi": CategoryVideo, "mov": CategoryVideo,
	"mkv": CategoryVideo, "wmv": CategoryVideo,
	// Archives
	"zip": CategoryArchives, "tar": CategoryArchives, "gz": CategoryArchives,
	"7z": CategoryArchives, "rar": CategoryArchives,
}

// CategoryForName returns the category for a filename based on its extension.
func CategoryForName(name string) FileCategory {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if c, ok := categoryByExt[ext]; ok {
		return c
	}
	return CategoryOther
}

// TierStatus tracks per-tier processing state on an inventory entry.
type TierStatus string

const (
	TierPending TierStatus = "pending"
	TierOK      TierStatus = "ok"
	TierError   TierStatus = "error"
)

// Relation is the kind of a directed edge between two files.
type Relation string

const (
	RelationNotesFor   Relation = "notes_for"   // document describes a data file
	RelationAnalysisOf Relation = "analysis_of" // derived analysis of a data file
	RelationSameSubject Relation = "same_subject"
	RelationSameSession Relation = "same_session"
	RelationSibling    Relation = "sibling"
	RelationMentions   Relation = "mentions"
)

// CandidateStatus is the review state of a proposed relationship.
type CandidateStatus string

const (
	CandidatePending    CandidateStatus = "pending"
	CandidateAccepted   CandidateStatus = "accepted"
	CandidateRejected   CandidateStatus = "rejected"
	CandidateNeedsAudit CandidateStatus = "needs_audit"
)

// Verdict is the auditor's structured judgment on a candidate.
type Verdict string

const (
	VerdictAccept        Verdict = "accept"
	VerdictReject        Verdict = "reject"
	VerdictNeedsMoreInfo Verdict = "needs_more_info"
)

// ArtifactType identifies the kind of sub-document location an anchor points at.
type ArtifactType string

const (
	ArtifactTextSpan     ArtifactType = "text_span"
	ArtifactTableCell    ArtifactType = "table_cell"
	ArtifactTableRow     ArtifactType = "table_row"
	ArtifactSlide        ArtifactType = "slide"
	ArtifactNotebookCell ArtifactType = "notebook_cell"
)

// EvidenceKind ranks how directly a candidate's evidence supports the link.
type EvidenceKind string

const (
	EvidenceExplicitMention  EvidenceKind = "explicit_mention"
	EvidenceColumnCell       EvidenceKind = "column_cell"
	EvidenceNamingConvention EvidenceKind = "naming_convention"
	EvidenceInferredSequence EvidenceKind = "inferred_sequence"
	EvidenceProximityOnly    EvidenceKind = "proximity_only"
	EvidenceContextReference EvidenceKind = "context_reference"
)

// Strength returns the derived strength score for an evidence kind.
func (k EvidenceKind) Strength() float64 {
	switch k {
	case EvidenceExplicitMention:
		return 1.0
	case EvidenceColumnCell, EvidenceNamingConvention:
		return 0.85
	case EvidenceContextReference:
		return 0.7
	case EvidenceInferredSequence:
		return 0.6
	default:
		return 0.3
	}
}

// JobKind names a unit of queued work.
type JobKind string

const (
	JobCrawlDir       JobKind = "crawl_dir"
	JobExtractFile    JobKind = "extract_file"
	JobScoreCandidate JobKind = "score_candidate"
)

// JobStatus is the lifecycle state of a work item.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
	JobDead    JobStatus = "dead"
)

// CreatorKind records what promoted a confirmed relationship.
type CreatorKind string

const (
	CreatorRule    CreatorKind = "rule"
	CreatorAuditor CreatorKind = "auditor"
	CreatorHuman   CreatorKind = "human"
)
