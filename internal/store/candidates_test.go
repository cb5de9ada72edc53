package store

import (
	"testing"

	"lodestone/internal/types"
)

func addTwoFiles(t *testing.T, s *Store) (int64, int64) {
	t.Helper()
	rootID, _ := s.AddRoot("/data/lab", "")
	src, _, err := s.UpsertFile(testFile(rootID, "notes/run001_notes.txt", 5))
	if err != nil {
		t.Fatalf("UpsertFile src: %v", err)
	}
	dst, _, err := s.UpsertFile(testFile(rootID, "raw/run001.abf", 100))
	if err != nil {
		t.Fatalf("UpsertFile dst: %v", err)
	}
	return src, dst
}

func TestUpsertCandidateRefreshesPending(t *testing.T) {
	s := newTestStore(t)
	src, dst := addTwoFiles(t, s)

	c := &types.Candidate{
		SrcFileID: src, DstFileID: dst,
		Relation: types.RelationNotesFor, RuleName: "explicit_file_reference",
		Score: 0.7, Status: types.CandidatePending, StrategyVersion: 1,
		Evidence: types.Evidence{Kind: types.EvidenceExplicitMention, MatchedText: "run001.abf"},
	}
	id, err := s.UpsertCandidate(c)
	if err != nil {
		t.Fatalf("UpsertCandidate: %v", err)
	}

	// Regeneration with a new score updates in place
	c.Score = 0.8
	id2, err := s.UpsertCandidate(c)
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if id2 != id {
		t.Errorf("regeneration created new candidate %d, want %d", id2, id)
	}
	got, _ := s.GetCandidate(id)
	if got.Score != 0.8 {
		t.Errorf("score = %v, want 0.8", got.Score)
	}
	if got.Evidence.Kind != types.EvidenceExplicitMention {
		t.Errorf("evidence kind = %s", got.Evidence.Kind)
	}
}

func TestUpsertCandidateMergesAcrossRules(t *testing.T) {
	s := newTestStore(t)
	src, dst := addTwoFiles(t, s)

	id, err := s.UpsertCandidate(&types.Candidate{
		SrcFileID: src, DstFileID: dst,
		Relation: types.RelationNotesFor, RuleName: "sibling_name_match",
		Score: 0.6, Status: types.CandidatePending, StrategyVersion: 1,
	})
	if err != nil {
		t.Fatalf("UpsertCandidate: %v", err)
	}

	// A different rule firing on the same pair merges, not duplicates
	id2, err := s.UpsertCandidate(&types.Candidate{
		SrcFileID: src, DstFileID: dst,
		Relation: types.RelationNotesFor, RuleName: "explicit_file_reference",
		Score: 0.9, Status: types.CandidatePending, StrategyVersion: 1,
		Evidence: types.Evidence{Kind: types.EvidenceExplicitMention, MatchedText: "run001.abf"},
	})
	if err != nil {
		t.Fatalf("second rule upsert: %v", err)
	}
	if id2 != id {
		t.Fatalf("second rule created candidate %d, want merge into %d", id2, id)
	}

	cands, err := s.ListCandidatesForSource(src)
	if err != nil {
		t.Fatalf("ListCandidatesForSource: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	if cands[0].RuleName != "explicit_file_reference" || cands[0].Score != 0.9 {
		t.Errorf("winning candidate = %+v", cands[0])
	}
}

func TestUpsertCandidateDoesNotResurrectSettled(t *testing.T) {
	s := newTestStore(t)
	src, dst := addTwoFiles(t, s)

	c := &types.Candidate{
		SrcFileID: src, DstFileID: dst,
		Relation: types.RelationNotesFor, RuleName: "sibling_name_match",
		Score: 0.6, Status: types.CandidatePending, StrategyVersion: 1,
	}
	id, _ := s.UpsertCandidate(c)
	if err := s.UpdateCandidateStatus(id, types.CandidateRejected, "human said no"); err != nil {
		t.Fatalf("UpdateCandidateStatus: %v", err)
	}

	// Regeneration must not touch a rejected candidate
	c.Score = 0.99
	if _, err := s.UpsertCandidate(c); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ := s.GetCandidate(id)
	if got.Status != types.CandidateRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
	if got.Score != 0.6 {
		t.Errorf("score = %v, rejected candidate should keep its score", got.Score)
	}
	if got.Annotation != "human said no" {
		t.Errorf("annotation = %q", got.Annotation)
	}
}

func TestListCompetingCandidates(t *testing.T) {
	s := newTestStore(t)
	rootID, _ := s.AddRoot("/data/lab", "")
	dst, _, _ := s.UpsertFile(testFile(rootID, "raw/run001.abf", 100))
	srcA, _, _ := s.UpsertFile(testFile(rootID, "notes/a.txt", 5))
	srcB, _, _ := s.UpsertFile(testFile(rootID, "notes/b.txt", 5))

	for i, src := range []int64{srcA, srcB} {
		_, err := s.UpsertCandidate(&types.Candidate{
			SrcFileID: src, DstFileID: dst,
			Relation: types.RelationNotesFor, RuleName: "sibling_name_match",
			Score: 0.5 + float64(i)*0.1, Status: types.CandidatePending, StrategyVersion: 1,
		})
		if err != nil {
			t.Fatalf("UpsertCandidate: %v", err)
		}
	}

	comp, err := s.ListCompetingCandidates(dst, types.RelationNotesFor)
	if err != nil {
		t.Fatalf("ListCompetingCandidates: %v", err)
	}
	if len(comp) != 2 {
		t.Fatalf("competitors = %d, want 2", len(comp))
	}
	if comp[0].Score < comp[1].Score {
		t.Errorf("competitors not sorted by score desc")
	}
}

func TestListCandidatesByStatus(t *testing.T) {
	s := newTestStore(t)
	src, dst := addTwoFiles(t, s)

	id, _ := s.UpsertCandidate(&types.Candidate{
		SrcFileID: src, DstFileID: dst,
		Relation: types.RelationSibling, RuleName: "sibling_name_match",
		Score: 0.5, Status: types.CandidatePending, StrategyVersion: 1,
	})
	if err := s.UpdateCandidateStatus(id, types.CandidateNeedsAudit, ""); err != nil {
		t.Fatalf("UpdateCandidateStatus: %v", err)
	}

	review, err := s.ListCandidatesByStatus(types.CandidateNeedsAudit, 10)
	if err != nil {
		t.Fatalf("ListCandidatesByStatus: %v", err)
	}
	if len(review) != 1 || review[0].CandidateID != id {
		t.Errorf("review queue = %+v", review)
	}
}
