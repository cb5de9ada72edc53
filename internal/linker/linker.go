// Package linker proposes, scores, and routes candidate relationships
// between inventory files. Rules are high recall; the weighted scorer and
// the strategy's thresholds decide what becomes an edge, what waits for
// review, and what the auditor has to look at.
package linker

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"lodestone/internal/config"
	"lodestone/internal/features"
	"lodestone/internal/logging"
	"lodestone/internal/store"
	"lodestone/internal/types"
)

type Linker struct {
	store    *store.Store
	cfg      config.LinkerConfig
	scorer   Scorer
	resolver *Resolver

	strategy          *types.LinkerStrategy
	extractor         *features.Extractor
	identifierPattern *regexp.Regexp
}

// New seeds the default strategy on first run (thresholds taken from
// config) and loads the active one. Thresholds are read from the strategy
// row afterwards, so tuning a new version changes routing without a
// config change.
func New(st *store.Store, cfg config.LinkerConfig) (*Linker, error) {
	params := types.DefaultStrategyParams()
	if cfg.AcceptThreshold > 0 {
		params.AcceptThreshold = cfg.AcceptThreshold
	}
	if cfg.ReviewThreshold > 0 {
		params.ReviewThreshold = cfg.ReviewThreshold
	}
	if cfg.TieDelta > 0 {
		params.TieDelta = cfg.TieDelta
	}

	strat, err := st.EnsureStrategy(params)
	if err != nil {
		return nil, err
	}

	l := &Linker{
		store:    st,
		cfg:      cfg,
		scorer:   WeightedScorer{},
		resolver: NewResolver(st),
	}
	l.adoptStrategy(strat)
	return l, nil
}

// SetScorer swaps the scoring implementation.
func (l *Linker) SetScorer(s Scorer) { l.scorer = s }

// Strategy returns the strategy currently driving scoring and routing.
func (l *Linker) Strategy() *types.LinkerStrategy { return l.strategy }

func (l *Linker) adoptStrategy(strat *types.LinkerStrategy) {
	l.strategy = strat
	l.extractor = features.NewExtractor(strat.Params)
	l.identifierPattern = compilePattern(strat.Params, "identifier")
}

// AdoptNewStrategy appends a new strategy version and switches scoring to
// it. Existing candidates and edges keep the version they were scored
// under.
func (l *Linker) AdoptNewStrategy(name string, params types.StrategyParams) error {
	version, err := l.store.InsertStrategy(name, params)
	if err != nil {
		return err
	}
	strat, err := l.store.GetStrategy(version)
	if err != nil {
		return err
	}
	l.adoptStrategy(strat)
	logging.Link("Adopted strategy v%d (%s)", strat.Version, strat.Name)
	return nil
}

// Result summarizes one linking pass.
type Result struct {
	Proposed   int
	Accepted   int
	Pending    int
	Rejected   int
	NeedsAudit int
	Promoted   int
}

func (r *Result) add(o Result) {
	r.Proposed += o.Proposed
	r.Accepted += o.Accepted
	r.Pending += o.Pending
	r.Rejected += o.Rejected
	r.NeedsAudit += o.NeedsAudit
	r.Promoted += o.Promoted
}

// scored pairs a proposal with its vector and score for the routing pass.
type scored struct {
	p       *proposal
	vector  features.Vector
	score   float64
	conf    float64
	reasons []string
	gates   []string
}

// LinkFile generates, scores, and routes candidates for one source file,
// then marks its linking tier done.
func (l *Linker) LinkFile(ctx context.Context, fileID int64) (*Result, error) {
	f, err := l.store.GetFile(fileID)
	if err != nil {
		return nil, err
	}
	if f.IsDir || f.Missing {
		return &Result{}, nil
	}

	proposals, err := l.generate(f)
	if err != nil {
		return nil, err
	}

	params := l.strategy.Params
	scoredList := make([]*scored, 0, len(proposals))
	for _, p := range proposals {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sc, err := l.prepareProposal(p, params)
		if err != nil {
			return nil, err
		}
		scoredList = append(scoredList, sc)
	}
	if err := l.updateConflicts(scoredList); err != nil {
		return nil, err
	}
	for _, sc := range scoredList {
		sc.score, sc.conf, sc.reasons = l.scorer.Score(sc.vector, l.strategy)
	}
	markNearTies(scoredList, params)

	res := &Result{Proposed: len(scoredList)}
	for _, sc := range scoredList {
		if err := l.routeAndStore(sc, params, res); err != nil {
			return nil, err
		}
	}

	if err := l.store.SetEnrichStatus(f.FileID, types.TierOK); err != nil {
		return nil, err
	}
	logging.LinkDebug("Linked %s: %d proposed, %d accepted, %d audit",
		f.Path, res.Proposed, res.Accepted, res.NeedsAudit)
	return res, nil
}

// LinkPending runs LinkFile over every extracted file whose linking tier
// is still pending.
func (l *Linker) LinkPending(ctx context.Context, limit int) (*Result, error) {
	files, err := l.store.ListFilesPendingLink(limit)
	if err != nil {
		return nil, err
	}
	total := &Result{}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		r, err := l.LinkFile(ctx, f.FileID)
		if err != nil {
			logging.Get(logging.CategoryLink).Warn("Linking %s failed: %v", f.Path, err)
			continue
		}
		total.add(*r)
	}
	return total, nil
}

// prepareProposal computes the per-pair feature vector and the gates that
// do not depend on the rest of the batch. Scoring waits until the conflict
// pass has filled the uniqueness features.
func (l *Linker) prepareProposal(p *proposal, params types.StrategyParams) (*scored, error) {
	v := l.extractor.Compute(p.src, p.dst, &p.evidence)

	var gates []string
	switch p.evidence.Kind {
	case types.EvidenceInferredSequence:
		gates = append(gates, "inferred_sequence")
	case types.EvidenceProximityOnly:
		gates = append(gates, "proximity_only")
	}

	linked, err := l.store.CountCurrentEdges(p.relation, 0, p.dst.FileID)
	if err != nil {
		return nil, err
	}
	samePair, err := l.store.CountCurrentEdges(p.relation, p.src.FileID, p.dst.FileID)
	if err != nil {
		return nil, err
	}
	if linked-samePair > 0 {
		v.SetConflict("dst_already_linked")
		if params.Constraints[p.relation].OneToOneDst {
			v.SetConflict("violates_one_to_one")
			gates = append(gates, "one_to_one_conflict")
		}
	}

	return &scored{p: p, vector: v, gates: gates}, nil
}

// updateConflicts fills the uniqueness features that only the whole batch
// can answer: how many candidates this source proposed and how many other
// sources compete for each destination.
func (l *Linker) updateConflicts(scoredList []*scored) error {
	perDst := make(map[int64]int)
	for _, sc := range scoredList {
		perDst[sc.p.dst.FileID]++
	}
	for _, sc := range scoredList {
		existing, err := l.store.CountCandidatesForDst(sc.p.dst.FileID, sc.p.src.FileID)
		if err != nil {
			return err
		}
		sc.vector.SetCandidateCounts(len(scoredList), existing+perDst[sc.p.dst.FileID])
	}
	return nil
}

// markNearTies gates contenders whose scores sit within the strategy's
// tie delta of the leader for the same relation.
func markNearTies(scoredList []*scored, params types.StrategyParams) {
	byRelation := make(map[types.Relation][]*scored)
	for _, sc := range scoredList {
		byRelation[sc.p.relation] = append(byRelation[sc.p.relation], sc)
	}
	for _, group := range byRelation {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].score > group[j].score })
		top := group[0]
		for _, sc := range group[1:] {
			if sc.score < params.ReviewThreshold {
				continue
			}
			if top.score-sc.score <= params.TieDelta {
				sc.gates = append(sc.gates, "near_tie")
				if !hasGate(top.gates, "near_tie") {
					top.gates = append(top.gates, "near_tie")
				}
			}
		}
	}
}

func hasGate(gates []string, name string) bool {
	for _, g := range gates {
		if g == name {
			return true
		}
	}
	return false
}

// routeAndStore applies the strategy thresholds, writes the candidate,
// and hands accepted ones to the resolver for promotion.
func (l *Linker) routeAndStore(sc *scored, params types.StrategyParams, res *Result) error {
	status := types.CandidatePending
	annotation := sc.p.annotation

	switch {
	case len(sc.gates) > 0:
		status = types.CandidateNeedsAudit
		gate := "needs audit: " + strings.Join(sc.gates, ", ")
		if annotation != "" {
			annotation += "; " + gate
		} else {
			annotation = gate
		}
	case sc.score >= params.AcceptThreshold:
		status = types.CandidateAccepted
	case sc.score < params.ReviewThreshold:
		status = types.CandidateRejected
	}
	if annotation == "" && len(sc.reasons) > 0 {
		annotation = strings.Join(sc.reasons, ", ")
	}

	c := &types.Candidate{
		SrcFileID:       sc.p.src.FileID,
		DstFileID:       sc.p.dst.FileID,
		Relation:        sc.p.relation,
		RuleName:        sc.p.rule,
		Score:           sc.score,
		Confidence:      sc.conf,
		Status:          status,
		StrategyVersion: l.strategy.Version,
		Evidence:        sc.p.evidence,
		Features:        sc.vector.Marshal(),
		FeatureSchema:   features.SchemaVersion,
		AnchorID:        sc.p.anchorID,
		Annotation:      annotation,
	}
	id, err := l.store.UpsertCandidate(c)
	if err != nil {
		return err
	}

	switch status {
	case types.CandidateAccepted:
		res.Accepted++
		stored, err := l.store.GetCandidate(id)
		if err != nil {
			return err
		}
		// An upsert refused to resurrect a settled candidate; promote
		// only rows that really carry accepted status now.
		if stored.Status != types.CandidateAccepted {
			return nil
		}
		edgeID, err := l.resolver.Promote(id, params, types.CreatorRule)
		if err != nil {
			return fmt.Errorf("failed to promote candidate %d: %w", id, err)
		}
		if edgeID != 0 {
			res.Promoted++
		}
	case types.CandidatePending:
		res.Pending++
	case types.CandidateRejected:
		res.Rejected++
	case types.CandidateNeedsAudit:
		res.NeedsAudit++
	}
	return nil
}
