package store

import (
	"testing"

	"lodestone/internal/types"
)

func TestPromoteEdgeAcceptsCandidate(t *testing.T) {
	s := newTestStore(t)
	src, dst := addTwoFiles(t, s)

	candID, _ := s.UpsertCandidate(&types.Candidate{
		SrcFileID: src, DstFileID: dst,
		Relation: types.RelationNotesFor, RuleName: "explicit_file_reference",
		Score: 0.97, Status: types.CandidatePending, StrategyVersion: 1,
	})

	edgeID, err := s.PromoteEdge(&types.Edge{
		SrcFileID: src, DstFileID: dst,
		Relation: types.RelationNotesFor, Confidence: 0.97,
		CreatedBy: types.CreatorRule, StrategyVersion: 1,
	}, candID)
	if err != nil {
		t.Fatalf("PromoteEdge: %v", err)
	}
	if edgeID == 0 {
		t.Fatal("edge id is zero")
	}

	cand, _ := s.GetCandidate(candID)
	if cand.Status != types.CandidateAccepted {
		t.Errorf("candidate status = %s, want accepted (same transaction)", cand.Status)
	}

	edges, err := s.ListEdgesForFile(src)
	if err != nil {
		t.Fatalf("ListEdgesForFile: %v", err)
	}
	if len(edges) != 1 || edges[0].Relation != types.RelationNotesFor {
		t.Errorf("edges = %+v", edges)
	}
}

func TestPromoteEdgeSupersedes(t *testing.T) {
	s := newTestStore(t)
	src, dst := addTwoFiles(t, s)

	first, err := s.PromoteEdge(&types.Edge{
		SrcFileID: src, DstFileID: dst,
		Relation: types.RelationNotesFor, Confidence: 0.8,
		CreatedBy: types.CreatorRule, StrategyVersion: 1,
	}, 0)
	if err != nil {
		t.Fatalf("first promote: %v", err)
	}

	second, err := s.PromoteEdge(&types.Edge{
		SrcFileID: src, DstFileID: dst,
		Relation: types.RelationNotesFor, Confidence: 0.95,
		CreatedBy: types.CreatorAuditor, StrategyVersion: 2,
	}, 0)
	if err != nil {
		t.Fatalf("second promote: %v", err)
	}

	current, err := s.ListEdgesForFile(src)
	if err != nil {
		t.Fatalf("ListEdgesForFile: %v", err)
	}
	if len(current) != 1 || current[0].EdgeID != second {
		t.Fatalf("current edges = %+v, want only edge %d", current, second)
	}

	// History row survives with the supersession pointer
	all, err := s.queryEdges("SELECT " + edgeColumns + " FROM edges ORDER BY id")
	if err != nil {
		t.Fatalf("query all edges: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("total edges = %d, want 2", len(all))
	}
	if all[0].EdgeID != first || all[0].SupersededBy != second {
		t.Errorf("old edge = %+v, want superseded_by = %d", all[0], second)
	}
}

func TestCountCurrentEdges(t *testing.T) {
	s := newTestStore(t)
	rootID, _ := s.AddRoot("/data/lab", "")
	dst, _, _ := s.UpsertFile(testFile(rootID, "raw/run001.abf", 100))
	srcA, _, _ := s.UpsertFile(testFile(rootID, "notes/a.txt", 5))
	srcB, _, _ := s.UpsertFile(testFile(rootID, "notes/b.txt", 5))

	s.PromoteEdge(&types.Edge{
		SrcFileID: srcA, DstFileID: dst, Relation: types.RelationNotesFor,
		Confidence: 0.9, CreatedBy: types.CreatorRule, StrategyVersion: 1,
	}, 0)

	n, err := s.CountCurrentEdges(types.RelationNotesFor, 0, dst)
	if err != nil {
		t.Fatalf("CountCurrentEdges: %v", err)
	}
	if n != 1 {
		t.Errorf("edges to dst = %d, want 1", n)
	}

	n, _ = s.CountCurrentEdges(types.RelationNotesFor, srcB, 0)
	if n != 0 {
		t.Errorf("edges from srcB = %d, want 0", n)
	}
}
