package store

import (
	"testing"

	"lodestone/internal/types"
)

func TestEnsureStrategySeedsOnce(t *testing.T) {
	s := newTestStore(t)

	st, err := s.EnsureStrategy(types.DefaultStrategyParams())
	if err != nil {
		t.Fatalf("EnsureStrategy: %v", err)
	}
	if st.Version != 1 || !st.Active {
		t.Errorf("seeded strategy = %+v, want active v1", st)
	}
	if st.Params.AcceptThreshold != 0.95 {
		t.Errorf("accept threshold = %v", st.Params.AcceptThreshold)
	}

	// Second call returns the same version, no reseed
	again, err := s.EnsureStrategy(types.DefaultStrategyParams())
	if err != nil {
		t.Fatalf("second EnsureStrategy: %v", err)
	}
	if again.Version != 1 {
		t.Errorf("reseeded to v%d", again.Version)
	}
}

func TestInsertStrategyIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	s.EnsureStrategy(types.DefaultStrategyParams())

	tuned := types.DefaultStrategyParams()
	tuned.AcceptThreshold = 0.9
	v2, err := s.InsertStrategy("tuned", tuned)
	if err != nil {
		t.Fatalf("InsertStrategy: %v", err)
	}
	if v2 != 2 {
		t.Errorf("new version = %d, want 2", v2)
	}

	active, _ := s.ActiveStrategy()
	if active.Version != 2 || active.Params.AcceptThreshold != 0.9 {
		t.Errorf("active = %+v, want tuned v2", active)
	}

	// v1 still readable with its original params
	v1, err := s.GetStrategy(1)
	if err != nil {
		t.Fatalf("GetStrategy(1): %v", err)
	}
	if v1.Active {
		t.Error("v1 should be inactive")
	}
	if v1.Params.AcceptThreshold != 0.95 {
		t.Errorf("v1 params mutated: %v", v1.Params.AcceptThreshold)
	}
}

func TestStrategyStats(t *testing.T) {
	s := newTestStore(t)
	src, dst := addTwoFiles(t, s)

	id, _ := s.UpsertCandidate(&types.Candidate{
		SrcFileID: src, DstFileID: dst,
		Relation: types.RelationNotesFor, RuleName: "r1",
		Score: 0.97, Status: types.CandidatePending, StrategyVersion: 1,
	})
	s.UpdateCandidateStatus(id, types.CandidateAccepted, "")
	s.UpsertCandidate(&types.Candidate{
		SrcFileID: src, DstFileID: dst,
		Relation: types.RelationSibling, RuleName: "r2",
		Score: 0.5, Status: types.CandidateNeedsAudit, StrategyVersion: 1,
	})

	stats, err := s.StrategyStats()
	if err != nil {
		t.Fatalf("StrategyStats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats rows = %d, want 1", len(stats))
	}
	p := stats[0]
	if p.Version != 1 || p.Candidates != 2 || p.Accepted != 1 || p.NeedsAudit != 1 {
		t.Errorf("stats = %+v", p)
	}
}
