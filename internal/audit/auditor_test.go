package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lodestone/internal/config"
	"lodestone/internal/store"
	"lodestone/internal/types"
)

type fakeClient struct {
	response   string
	err        error
	calls      int
	lastSystem string
	lastUser   string
}

func (f *fakeClient) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	f.lastSystem = system
	f.lastUser = user
	return f.response, f.err
}

type auditFixture struct {
	store  *store.Store
	cfg    config.AuditConfig
	rootID int64
}

func newFixture(t *testing.T) *auditFixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rootID, err := s.AddRoot("/data/lab", "")
	require.NoError(t, err)
	_, err = s.EnsureStrategy(types.DefaultStrategyParams())
	require.NoError(t, err)

	return &auditFixture{store: s, cfg: config.DefaultConfig().Audit, rootID: rootID}
}

func (fx *auditFixture) addFile(t *testing.T, relPath string) int64 {
	t.Helper()
	name := filepath.Base(relPath)
	mod := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	id, _, err := fx.store.UpsertFile(&types.FileEntry{
		RootID:      fx.rootID,
		Path:        relPath,
		Name:        name,
		Ext:         strings.TrimPrefix(filepath.Ext(name), "."),
		SizeBytes:   10,
		ModTime:     mod,
		Category:    types.CategoryForName(name),
		Fingerprint: types.FingerprintOf(10, mod, ""),
	})
	require.NoError(t, err)
	return id
}

func (fx *auditFixture) addGated(t *testing.T, src, dst int64, rule string, ev types.Evidence, score float64) *types.Candidate {
	t.Helper()
	id, err := fx.store.UpsertCandidate(&types.Candidate{
		SrcFileID: src, DstFileID: dst,
		Relation: types.RelationNotesFor, RuleName: rule,
		Score: score, Confidence: score,
		Status: types.CandidateNeedsAudit, StrategyVersion: 1,
		Evidence:   ev,
		Annotation: "needs audit: near_tie",
	})
	require.NoError(t, err)
	c, err := fx.store.GetCandidate(id)
	require.NoError(t, err)
	return c
}

func TestRuleBasedFallbackSettlesByEvidence(t *testing.T) {
	fx := newFixture(t)
	src := fx.addFile(t, "notes/run003.md")
	dstA := fx.addFile(t, "raw/run003.abf")
	dstB := fx.addFile(t, "raw/run004.abf")
	dstC := fx.addFile(t, "raw/run005.abf")

	explicit := fx.addGated(t, src, dstA, "explicit_file_reference",
		types.Evidence{Kind: types.EvidenceExplicitMention, MatchedText: "run003.abf"}, 0.8)
	proximity := fx.addGated(t, src, dstB, "sibling_name_match",
		types.Evidence{Kind: types.EvidenceProximityOnly}, 0.3)
	inferred := fx.addGated(t, src, dstC, "sequence_gap_correction",
		types.Evidence{Kind: types.EvidenceInferredSequence}, 0.6)

	a := New(fx.store, fx.cfg, nil, nil)
	sum, err := a.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Audited)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, 1, sum.Rejected)
	assert.Equal(t, 1, sum.NeedsMoreInfo)

	got, _ := fx.store.GetCandidate(explicit.CandidateID)
	assert.Equal(t, types.CandidateAccepted, got.Status)
	got, _ = fx.store.GetCandidate(proximity.CandidateID)
	assert.Equal(t, types.CandidateRejected, got.Status)
	got, _ = fx.store.GetCandidate(inferred.CandidateID)
	assert.Equal(t, types.CandidateNeedsAudit, got.Status, "needs_more_info must leave the candidate gated")

	audits, err := fx.store.ListAuditsForCandidate(inferred.CandidateID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "rule-based", audits[0].Model)
	assert.NotEmpty(t, audits[0].ReadRequests)
}

func TestAcceptedVerdictPromotesEdge(t *testing.T) {
	fx := newFixture(t)
	src := fx.addFile(t, "notes/run003.md")
	dst := fx.addFile(t, "raw/run003.abf")
	c := fx.addGated(t, src, dst, "explicit_file_reference",
		types.Evidence{Kind: types.EvidenceExplicitMention, MatchedText: "run003.abf"}, 0.8)

	a := New(fx.store, fx.cfg, nil, nil)
	sum, err := a.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, 1, sum.Promoted)

	got, _ := fx.store.GetCandidate(c.CandidateID)
	assert.Equal(t, types.CandidateAccepted, got.Status)

	edges, err := fx.store.ListEdgesForFile(src)
	require.NoError(t, err)
	require.Len(t, edges, 1, "an accepted verdict must end in a confirmed edge")
	assert.Equal(t, dst, edges[0].DstFileID)
	assert.Equal(t, types.CreatorAuditor, edges[0].CreatedBy)
}

func TestCacheIsolatesFilesWithEqualFingerprints(t *testing.T) {
	fx := newFixture(t)
	src := fx.addFile(t, "notes/run003.md")
	// Both destinations share size and mtime, so their fingerprints agree
	dstA := fx.addFile(t, "raw/run003.abf")
	dstB := fx.addFile(t, "raw/run004.abf")
	cA := fx.addGated(t, src, dstA, "explicit_file_reference",
		types.Evidence{Kind: types.EvidenceExplicitMention}, 0.9)
	cB := fx.addGated(t, src, dstB, "explicit_file_reference",
		types.Evidence{Kind: types.EvidenceExplicitMention}, 0.8)

	client := &fakeClient{response: `{"verdict": "accept", "confidence": 0.9, "rationale": "ok"}`}
	a := New(fx.store, fx.cfg, client, nil)

	first, err := a.AuditCandidate(context.Background(), cA)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := a.AuditCandidate(context.Background(), cB)
	require.NoError(t, err)
	assert.False(t, second.FromCache, "a verdict for one file must not be served to another")
	assert.Equal(t, 2, client.calls)
}

func TestClientVerdictApplied(t *testing.T) {
	fx := newFixture(t)
	src := fx.addFile(t, "notes/run003.md")
	dst := fx.addFile(t, "raw/run003.abf")
	c := fx.addGated(t, src, dst, "explicit_file_reference",
		types.Evidence{Kind: types.EvidenceExplicitMention, Excerpt: "see run003.abf"}, 0.8)

	client := &fakeClient{response: `{"verdict": "reject", "confidence": 0.9, "rationale": "the mention is about a different session"}`}
	a := New(fx.store, fx.cfg, client, nil)

	audit, err := a.AuditCandidate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictReject, audit.Verdict)
	assert.Equal(t, 0.9, audit.Confidence)
	assert.Equal(t, fx.cfg.Model, audit.Model)
	assert.Equal(t, "near_tie", audit.GatingReason)

	got, _ := fx.store.GetCandidate(c.CandidateID)
	assert.Equal(t, types.CandidateRejected, got.Status)
}

func TestMalformedResponseLeavesCandidateGated(t *testing.T) {
	fx := newFixture(t)
	src := fx.addFile(t, "notes/run003.md")
	dst := fx.addFile(t, "raw/run003.abf")
	c := fx.addGated(t, src, dst, "explicit_file_reference",
		types.Evidence{Kind: types.EvidenceExplicitMention}, 0.8)

	client := &fakeClient{response: "I think this link looks plausible."}
	a := New(fx.store, fx.cfg, client, nil)

	audit, err := a.AuditCandidate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictNeedsMoreInfo, audit.Verdict)
	assert.Zero(t, audit.Confidence)

	got, _ := fx.store.GetCandidate(c.CandidateID)
	assert.Equal(t, types.CandidateNeedsAudit, got.Status)

	// Malformed responses are not cached; a retry reaches the client again
	_, err = a.AuditCandidate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestCacheHitSkipsClient(t *testing.T) {
	fx := newFixture(t)
	src := fx.addFile(t, "notes/run003.md")
	dst := fx.addFile(t, "raw/run003.abf")
	c := fx.addGated(t, src, dst, "explicit_file_reference",
		types.Evidence{Kind: types.EvidenceExplicitMention}, 0.8)

	client := &fakeClient{response: `{"verdict": "accept", "confidence": 0.95, "rationale": "direct mention"}`}
	a := New(fx.store, fx.cfg, client, nil)

	first, err := a.AuditCandidate(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := a.AuditCandidate(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, types.VerdictAccept, second.Verdict)
	assert.Equal(t, 1, client.calls, "cached verdict must not call the model")

	audits, err := fx.store.ListAuditsForCandidate(c.CandidateID)
	require.NoError(t, err)
	assert.Len(t, audits, 2, "audit log is append-only, cache hits included")
}

func TestCallBudgetStopsRun(t *testing.T) {
	fx := newFixture(t)
	src := fx.addFile(t, "notes/run003.md")
	dstA := fx.addFile(t, "raw/run003.abf")
	dstB := fx.addFile(t, "raw/run004.abf")
	fx.addGated(t, src, dstA, "explicit_file_reference",
		types.Evidence{Kind: types.EvidenceExplicitMention}, 0.9)
	fx.addGated(t, src, dstB, "explicit_file_reference",
		types.Evidence{Kind: types.EvidenceExplicitMention}, 0.8)

	cfg := fx.cfg
	cfg.CallBudget = 1
	client := &fakeClient{response: `{"verdict": "accept", "confidence": 0.9, "rationale": "ok"}`}
	a := New(fx.store, cfg, client, nil)

	sum, err := a.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Audited)
	assert.True(t, sum.BudgetExhausted)
	assert.Equal(t, 1, client.calls)
}

func TestRequestIsBounded(t *testing.T) {
	fx := newFixture(t)
	src := fx.addFile(t, "notes/run003.md")
	dst := fx.addFile(t, "raw/run003.abf")

	// Eight rivals targeting the same destination
	for i := 0; i < 8; i++ {
		rival := fx.addFile(t, "notes/rival"+string(rune('a'+i))+".md")
		fx.addGated(t, rival, dst, "sibling_name_match",
			types.Evidence{Kind: types.EvidenceContextReference}, 0.5)
	}

	cfg := fx.cfg
	cfg.MaxExcerptBytes = 40
	long := strings.Repeat("x", 500)
	c := fx.addGated(t, src, dst, "explicit_file_reference",
		types.Evidence{Kind: types.EvidenceExplicitMention, Excerpt: long}, 0.8)

	client := &fakeClient{response: `{"verdict": "accept", "confidence": 0.9, "rationale": "ok"}`}
	a := New(fx.store, cfg, client, nil)
	_, err := a.AuditCandidate(context.Background(), c)
	require.NoError(t, err)

	assert.NotContains(t, client.lastUser, long, "excerpt must be truncated")
	assert.Contains(t, client.lastUser, strings.Repeat("x", 40))
	assert.Equal(t, 5, strings.Count(client.lastUser, "- candidate "), "alternatives are capped at five")
	assert.Contains(t, client.lastSystem, `"verdict"`)
}
