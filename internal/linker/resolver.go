package linker

import (
	"fmt"

	"lodestone/internal/logging"
	"lodestone/internal/store"
	"lodestone/internal/types"
)

// Resolver enforces per-relation structural constraints on the promotion
// path. Candidates reach it with status accepted; only the resolver
// writes edges.
type Resolver struct {
	store *store.Store
}

func NewResolver(st *store.Store) *Resolver {
	return &Resolver{store: st}
}

// Promote turns an accepted candidate into a confirmed edge. Under a
// one-to-one constraint only the top-scoring contender is promoted; the
// rest are demoted back to pending with an annotation. Returns the new
// edge id, or 0 when the candidate lost a constraint contest.
func (r *Resolver) Promote(candidateID int64, params types.StrategyParams, createdBy types.CreatorKind) (int64, error) {
	c, err := r.store.GetCandidate(candidateID)
	if err != nil {
		return 0, err
	}
	if c.Status != types.CandidateAccepted {
		return 0, fmt.Errorf("candidate %d is %s, not accepted", candidateID, c.Status)
	}

	cons := params.Constraints[c.Relation]
	if cons.OneToOneDst {
		ok, err := r.winsContest(c, params, 0, c.DstFileID)
		if err != nil || !ok {
			return 0, err
		}
	}
	if cons.OneToOneSrc {
		ok, err := r.winsContest(c, params, c.SrcFileID, 0)
		if err != nil || !ok {
			return 0, err
		}
	}

	edge := &types.Edge{
		SrcFileID:       c.SrcFileID,
		DstFileID:       c.DstFileID,
		Relation:        c.Relation,
		Confidence:      c.Confidence,
		AnchorID:        c.AnchorID,
		CreatedBy:       createdBy,
		StrategyVersion: c.StrategyVersion,
	}
	return r.store.PromoteEdge(edge, c.CandidateID)
}

// winsContest resolves a one-to-one constraint on one endpoint. The
// candidate loses to an existing edge from a different counterpart and to
// any higher-scoring accepted rival; losing rivals are demoted.
func (r *Resolver) winsContest(c *types.Candidate, params types.StrategyParams, srcFilter, dstFilter int64) (bool, error) {
	total, err := r.store.CountCurrentEdges(c.Relation, srcFilter, dstFilter)
	if err != nil {
		return false, err
	}
	samePair, err := r.store.CountCurrentEdges(c.Relation, c.SrcFileID, c.DstFileID)
	if err != nil {
		return false, err
	}
	if total-samePair > 0 {
		annot := fmt.Sprintf("one-to-one %s: a confirmed edge already occupies this slot", c.Relation)
		if err := r.store.UpdateCandidateStatus(c.CandidateID, types.CandidatePending, annot); err != nil {
			return false, err
		}
		logging.Link("Candidate %d demoted: %s", c.CandidateID, annot)
		return false, nil
	}

	rivals, err := r.store.ListAcceptedCandidates(c.Relation, srcFilter, dstFilter)
	if err != nil {
		return false, err
	}
	for _, rival := range rivals {
		if rival.CandidateID == c.CandidateID {
			continue
		}
		if rival.Score > c.Score {
			annot := fmt.Sprintf("one-to-one %s: lost to candidate %d (%.3f > %.3f)",
				c.Relation, rival.CandidateID, rival.Score, c.Score)
			if err := r.store.UpdateCandidateStatus(c.CandidateID, types.CandidatePending, annot); err != nil {
				return false, err
			}
			logging.Link("Candidate %d demoted: %s", c.CandidateID, annot)
			return false, nil
		}
		annot := fmt.Sprintf("one-to-one %s: outscored by candidate %d (%.3f >= %.3f)",
			c.Relation, c.CandidateID, c.Score, rival.Score)
		if err := r.store.UpdateCandidateStatus(rival.CandidateID, types.CandidatePending, annot); err != nil {
			return false, err
		}
		logging.Link("Candidate %d demoted: %s", rival.CandidateID, annot)
	}
	return true, nil
}
