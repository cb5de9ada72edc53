package features

import (
	"testing"
	"time"

	"lodestone/internal/types"
)

func entry(name, parent string, mod time.Time) *types.FileEntry {
	return &types.FileEntry{
		Name:       name,
		ParentPath: parent,
		ModTime:    mod,
	}
}

func TestNameFeatures(t *testing.T) {
	e := NewExtractor(types.DefaultStrategyParams())
	now := time.Now()

	v := e.Compute(entry("run003.md", "exp", now), entry("run003.abf", "exp", now), nil)
	if v["exact_basename_match"] != 1 {
		t.Errorf("exact_basename_match = %v", v["exact_basename_match"])
	}
	if v["normalized_basename_match"] != 0 {
		t.Error("exact match should not also set normalized match")
	}
	if v["same_folder"] != 1 {
		t.Errorf("same_folder = %v", v["same_folder"])
	}

	v = e.Compute(entry("Run003_notes_FINAL.md", "exp", now), entry("run003_notes.abf", "exp", now), nil)
	if v["normalized_basename_match"] != 1 {
		t.Errorf("normalized_basename_match = %v for noisy stem", v["normalized_basename_match"])
	}

	v = e.Compute(entry("plasticity_summary.md", "a", now), entry("run003.abf", "b", now), nil)
	if v["exact_basename_match"] != 0 || v["normalized_basename_match"] != 0 {
		t.Errorf("unrelated names matched: %v", v)
	}
}

func TestEvidenceFeatures(t *testing.T) {
	e := NewExtractor(types.DefaultStrategyParams())
	now := time.Now()
	src := entry("inventory.csv", "", now)
	dst := entry("run003.abf", "raw", now)

	v := e.Compute(src, dst, &types.Evidence{
		Kind:         types.EvidenceColumnCell,
		ColumnHeader: "filename",
		MatchedText:  "run003.abf",
	})
	if v["evidence_strength"] != 0.85 {
		t.Errorf("evidence_strength = %v", v["evidence_strength"])
	}
	if v["has_canonical_column_match"] != 1 {
		t.Errorf("has_canonical_column_match = %v", v["has_canonical_column_match"])
	}

	v = e.Compute(src, dst, &types.Evidence{Kind: types.EvidenceColumnCell, ColumnHeader: "comments"})
	if v["has_canonical_column_match"] != 0 {
		t.Error("non-canonical header flagged canonical")
	}
}

func TestNumericSuffixDelta(t *testing.T) {
	e := NewExtractor(types.DefaultStrategyParams())
	now := time.Now()

	v := e.Compute(entry("run003.md", "exp", now), entry("run005.abf", "exp", now), nil)
	if v["numeric_suffix_delta"] != 2 {
		t.Errorf("numeric_suffix_delta = %v, want 2", v["numeric_suffix_delta"])
	}

	v = e.Compute(entry("protocol.md", "exp", now), entry("run003.abf", "exp", now), nil)
	if _, ok := v["numeric_suffix_delta"]; ok {
		t.Errorf("delta set without a numeric suffix on both sides: %v", v)
	}

	// Distant suffixes saturate instead of swamping the score
	v = e.Compute(entry("run001.md", "exp", now), entry("run999.abf", "exp", now), nil)
	if v["numeric_suffix_delta"] != 10 {
		t.Errorf("numeric_suffix_delta = %v, want clamped to 10", v["numeric_suffix_delta"])
	}
}

func TestTokenAgreement(t *testing.T) {
	e := NewExtractor(types.DefaultStrategyParams())
	now := time.Now()

	src := entry("session_2024-01-03_notes.md", "notes", now)
	dst := entry("rec_20240103_chamberA.abf", "raw", now)
	v := e.Compute(src, dst, nil)
	if v["date_token_agreement"] != 1 {
		t.Errorf("date_token_agreement = %v despite separator variants", v["date_token_agreement"])
	}

	src = entry("mouse_412_protocol.md", "notes", now)
	dst = entry("subject412_baseline.abf", "raw", now)
	v = e.Compute(src, dst, nil)
	if v["identifier_agreement"] != 1 {
		t.Errorf("identifier_agreement = %v", v["identifier_agreement"])
	}

	src = entry("chamber_A_log.md", "notes", now)
	dst = entry("run003_chA.abf", "raw", now)
	v = e.Compute(src, dst, nil)
	if v["channel_agreement"] != 1 {
		t.Errorf("channel_agreement = %v", v["channel_agreement"])
	}
}

func TestTimestampProximityTiers(t *testing.T) {
	e := NewExtractor(types.DefaultStrategyParams())
	base := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

	v := e.Compute(entry("a.md", "", base), entry("b.abf", "", base.Add(3*time.Hour)), nil)
	if v["created_within_24h"] != 1 || v["created_within_7d"] != 0 {
		t.Errorf("3h gap: %v", v)
	}

	v = e.Compute(entry("a.md", "", base), entry("b.abf", "", base.Add(3*24*time.Hour)), nil)
	if v["created_within_24h"] != 0 || v["created_within_7d"] != 1 {
		t.Errorf("3d gap: %v", v)
	}

	v = e.Compute(entry("a.md", "", base), entry("b.abf", "", base.Add(30*24*time.Hour)), nil)
	if v["created_within_24h"] != 0 || v["created_within_7d"] != 0 {
		t.Errorf("30d gap: %v", v)
	}
}

func TestScoreRouting(t *testing.T) {
	params := types.DefaultStrategyParams()
	e := NewExtractor(params)
	base := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

	// Canonical column evidence with agreeing name and date lands above
	// the accept threshold.
	strong := e.Compute(
		entry("run003_20240103.csv", "exp", base),
		entry("run003_20240103.abf", "exp", base.Add(time.Hour)),
		&types.Evidence{Kind: types.EvidenceColumnCell, ColumnHeader: "filename"},
	)
	if got := Score(strong, params.FeatureWeights); got < params.AcceptThreshold {
		t.Errorf("strong candidate scored %.3f, want >= %.2f", got, params.AcceptThreshold)
	}

	// Bare folder proximity lands below the review floor.
	weak := e.Compute(
		entry("todo.md", "misc", base),
		entry("run003.abf", "misc", base.Add(60*24*time.Hour)),
		&types.Evidence{Kind: types.EvidenceProximityOnly},
	)
	if got := Score(weak, params.FeatureWeights); got >= params.ReviewThreshold {
		t.Errorf("weak candidate scored %.3f, want < %.2f", got, params.ReviewThreshold)
	}

	// A lone explicit mention stays in the middle band for review.
	mid := e.Compute(
		entry("summary.md", "notes", base),
		entry("run003.abf", "raw", base.Add(60*24*time.Hour)),
		&types.Evidence{Kind: types.EvidenceExplicitMention, MatchedText: "run003.abf"},
	)
	if got := Score(mid, params.FeatureWeights); got < params.ReviewThreshold || got >= params.AcceptThreshold {
		t.Errorf("mention-only candidate scored %.3f, want middle band", got)
	}
}

func TestConflictPenalty(t *testing.T) {
	params := types.DefaultStrategyParams()
	e := NewExtractor(params)
	now := time.Now()

	v := e.Compute(entry("run003.md", "exp", now), entry("run003.abf", "exp", now),
		&types.Evidence{Kind: types.EvidenceExplicitMention})
	before := Score(v, params.FeatureWeights)
	v.SetConflict("violates_one_to_one")
	v.SetConflict("dst_already_linked")
	after := Score(v, params.FeatureWeights)
	if after >= before {
		t.Errorf("conflict flags did not lower score: %.3f -> %.3f", before, after)
	}
}

func TestBadTokenPatternDisablesFeature(t *testing.T) {
	params := types.DefaultStrategyParams()
	params.TokenPatterns["date"] = "([unclosed"
	e := NewExtractor(params)
	now := time.Now()

	v := e.Compute(entry("2024-01-03.md", "", now), entry("2024-01-03.abf", "", now), nil)
	if v["date_token_agreement"] != 0 {
		t.Error("broken pattern still produced agreement")
	}
}

func TestExplainOrdersByMagnitude(t *testing.T) {
	params := types.DefaultStrategyParams()
	v := Vector{"evidence_strength": 1, "same_folder": 1}
	got := Explain(v, params.FeatureWeights)
	if got != "evidence_strength=+0.30, same_folder=+0.05" {
		t.Errorf("Explain = %q", got)
	}
}
