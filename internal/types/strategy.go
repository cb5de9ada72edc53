package types

import "time"

// RelationConstraint declares the structural invariants enforced before
// a candidate of this relation kind is promoted.
type RelationConstraint struct {
	OneToOneSrc bool `json:"one_to_one_src"` // at most one confirmed edge per source
	OneToOneDst bool `json:"one_to_one_dst"` // at most one confirmed edge per destination
}

// StrategyParams is the tunable payload of a linker strategy version.
// Editing never happens in place; tuning inserts a new version row.
type StrategyParams struct {
	// Confidence routing thresholds. Scores above AcceptThreshold are
	// accepted outright; scores below ReviewThreshold are rejected unless
	// an audit gate applies; everything between stays pending for review.
	AcceptThreshold float64 `json:"accept_threshold"`
	ReviewThreshold float64 `json:"review_threshold"`

	// Near-tie delta that gates the auditor.
	TieDelta float64 `json:"tie_delta"`

	// Feature weights consumed by the weighted scorer.
	FeatureWeights map[string]float64 `json:"feature_weights"`

	// Token extraction patterns (regexp source strings).
	TokenPatterns map[string]string `json:"token_patterns"`

	// Per-relation structural constraints.
	Constraints map[Relation]RelationConstraint `json:"constraints"`
}

// LinkerStrategy is an immutable, versioned bundle of rule parameters,
// thresholds, and scoring weights.
type LinkerStrategy struct {
	Version   int64
	Name      string
	Params    StrategyParams
	Active    bool
	CreatedAt time.Time
}

// DefaultStrategyParams returns the parameters seeded as strategy version 1.
func DefaultStrategyParams() StrategyParams {
	return StrategyParams{
		AcceptThreshold: 0.95,
		ReviewThreshold: 0.4,
		TieDelta:        0.15,
		FeatureWeights: map[string]float64{
			// Path/name similarity
			"exact_basename_match":      0.15,
			"normalized_basename_match": 0.10,
			"name_similarity":           0.10,
			"numeric_suffix_delta":      -0.02,
			"same_folder":               0.05,
			"parent_folder":             0.03,
			// Evidence quality
			"evidence_strength":          0.30,
			"has_canonical_column_match": 0.10,
			// Context agreement
			"date_token_agreement":       0.10,
			"identifier_agreement":       0.10,
			"channel_agreement":          0.05,
			// Timestamp proximity
			"created_within_24h": 0.08,
			"created_within_7d":  0.04,
			"modified_within_24h": 0.03,
			// Conflict penalties
			"violates_one_to_one": -0.10,
			"dst_already_linked":  -0.10,
		},
		TokenPatterns: map[string]string{
			"date":       `(\d{4}[-/]?\d{2}[-/]?\d{2})`,
			"identifier": `(?i)(?:animal|mouse|rat|subject|id)[_\-\s]*(\d{3,5})`,
			"channel":    `(?i)(?:chamber|channel|ch|box)[_\-\s]*([A-D]|\d{1,2})`,
		},
		Constraints: map[Relation]RelationConstraint{
			RelationNotesFor:   {OneToOneDst: true},
			RelationAnalysisOf: {OneToOneSrc: true},
		},
	}
}
