// Package audit runs the bounded LLM auditor over candidates the linker
// gated. The auditor is advisory: verdicts settle candidate status, but
// edges are still promoted through the resolver. Calls are capped per run,
// rate limited, and cached so unchanged inputs never trigger a second call.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"lodestone/internal/config"
	"lodestone/internal/linker"
	"lodestone/internal/logging"
	"lodestone/internal/store"
	"lodestone/internal/types"
)

// Cache is the verdict cache port. The store-backed implementation is the
// default; tests pass nil to disable caching.
type Cache interface {
	Get(key string) (*store.CachedVerdict, error)
	Put(key string, cv *store.CachedVerdict) error
}

type storeCache struct{ s *store.Store }

func (c storeCache) Get(key string) (*store.CachedVerdict, error) { return c.s.GetCachedVerdict(key) }
func (c storeCache) Put(key string, cv *store.CachedVerdict) error {
	return c.s.PutCachedVerdict(key, cv)
}

// verdictPayload is the forced JSON shape the model must return.
type verdictPayload struct {
	Verdict         string             `json:"verdict"`
	Confidence      float64            `json:"confidence"`
	Rationale       string             `json:"rationale"`
	MissingEvidence []string           `json:"missing_evidence"`
	ReadRequests    []string           `json:"read_requests"`
	Corrections     []types.Correction `json:"corrections"`
}

type Auditor struct {
	store    *store.Store
	cfg      config.AuditConfig
	client   Client
	cache    Cache
	resolver *linker.Resolver

	callsUsed int
	promoted  int
}

// New builds an auditor. A nil client selects the rule-based fallback; a
// nil cache is replaced by the store-backed one.
func New(st *store.Store, cfg config.AuditConfig, client Client, cache Cache) *Auditor {
	if cache == nil {
		cache = storeCache{s: st}
	}
	return &Auditor{store: st, cfg: cfg, client: client, cache: cache, resolver: linker.NewResolver(st)}
}

// Summary reports one audit run.
type Summary struct {
	Audited         int
	Accepted        int
	Rejected        int
	NeedsMoreInfo   int
	FromCache       int
	Promoted        int
	BudgetExhausted bool
}

// Run audits gated candidates until none remain or the call budget is
// spent. Cached verdicts do not consume budget.
func (a *Auditor) Run(ctx context.Context, limit int) (*Summary, error) {
	a.callsUsed = 0
	a.promoted = 0
	cands, err := a.store.ListCandidatesByStatus(types.CandidateNeedsAudit, limit)
	if err != nil {
		return nil, err
	}

	sum := &Summary{}
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		verdict, err := a.AuditCandidate(ctx, c)
		if err == errBudgetExhausted {
			sum.BudgetExhausted = true
			logging.AuditLog("Call budget (%d) exhausted with %d candidates waiting",
				a.cfg.CallBudget, len(cands)-sum.Audited)
			break
		}
		if err != nil {
			logging.Get(logging.CategoryAudit).Warn("Audit of candidate %d failed: %v", c.CandidateID, err)
			continue
		}
		sum.Audited++
		if verdict.FromCache {
			sum.FromCache++
		}
		switch verdict.Verdict {
		case types.VerdictAccept:
			sum.Accepted++
		case types.VerdictReject:
			sum.Rejected++
		default:
			sum.NeedsMoreInfo++
		}
	}
	sum.Promoted = a.promoted
	return sum, nil
}

var errBudgetExhausted = fmt.Errorf("audit call budget exhausted")

// AuditCandidate produces and records a verdict for one gated candidate.
// Accept and reject settle the candidate's status; needs_more_info leaves
// it gated.
func (a *Auditor) AuditCandidate(ctx context.Context, c *types.Candidate) (*types.Audit, error) {
	src, err := a.store.GetFile(c.SrcFileID)
	if err != nil {
		return nil, err
	}
	dst, err := a.store.GetFile(c.DstFileID)
	if err != nil {
		return nil, err
	}

	key := cacheKey(c.SrcFileID, c.DstFileID, src.Fingerprint, c.AnchorID, dst.Fingerprint, c.StrategyVersion, a.cfg.PromptVersion)
	if a.cache != nil {
		cv, err := a.cache.Get(key)
		if err != nil {
			return nil, err
		}
		if cv != nil {
			logging.AuditLog("Candidate %d verdict served from cache: %s", c.CandidateID, cv.Verdict)
			return a.record(c, &verdictPayload{
				Verdict:     string(cv.Verdict),
				Confidence:  cv.Confidence,
				Rationale:   cv.Rationale,
				Corrections: cv.Corrections,
			}, true)
		}
	}

	var payload *verdictPayload
	if a.client == nil {
		payload = a.ruleBasedVerdict(c)
	} else {
		if a.cfg.CallBudget > 0 && a.callsUsed >= a.cfg.CallBudget {
			return nil, errBudgetExhausted
		}
		a.callsUsed++

		system, user, err := a.buildRequest(c, src, dst)
		if err != nil {
			return nil, err
		}
		raw, err := a.client.Complete(ctx, system, user)
		if err != nil {
			return nil, err
		}
		payload = parseVerdict(raw)
	}

	audit, err := a.record(c, payload, false)
	if err != nil {
		return nil, err
	}

	if a.cache != nil && audit.Verdict != types.VerdictNeedsMoreInfo {
		err := a.cache.Put(key, &store.CachedVerdict{
			Verdict:     audit.Verdict,
			Confidence:  audit.Confidence,
			Rationale:   audit.Rationale,
			Corrections: audit.Corrections,
		})
		if err != nil {
			return nil, err
		}
	}
	return audit, nil
}

// record writes the audit row and applies the verdict to the candidate.
func (a *Auditor) record(c *types.Candidate, p *verdictPayload, fromCache bool) (*types.Audit, error) {
	verdict := types.Verdict(p.Verdict)
	switch verdict {
	case types.VerdictAccept, types.VerdictReject, types.VerdictNeedsMoreInfo:
	default:
		verdict = types.VerdictNeedsMoreInfo
		p.Confidence = 0
	}

	model := "rule-based"
	if a.client != nil && !fromCache {
		model = a.cfg.Model
	}
	audit := &types.Audit{
		CandidateID:     c.CandidateID,
		Verdict:         verdict,
		Confidence:      p.Confidence,
		Rationale:       p.Rationale,
		MissingEvidence: p.MissingEvidence,
		ReadRequests:    p.ReadRequests,
		Corrections:     p.Corrections,
		Model:           model,
		PromptVersion:   a.cfg.PromptVersion,
		GatingReason:    gatingReason(c.Annotation),
		FromCache:       fromCache,
	}
	id, err := a.store.InsertAudit(audit)
	if err != nil {
		return nil, err
	}
	audit.AuditID = id

	switch verdict {
	case types.VerdictAccept:
		annot := "auditor accepted: " + p.Rationale
		if err := a.store.UpdateCandidateStatus(c.CandidateID, types.CandidateAccepted, annot); err != nil {
			return nil, err
		}
		// Acceptance is advisory; the edge still goes through the
		// constraint resolver, which may demote on a one-to-one contest.
		strat, err := a.store.ActiveStrategy()
		if err != nil {
			return nil, err
		}
		edgeID, err := a.resolver.Promote(c.CandidateID, strat.Params, types.CreatorAuditor)
		if err != nil {
			return nil, err
		}
		if edgeID != 0 {
			a.promoted++
			logging.AuditLog("Candidate %d promoted to edge %d", c.CandidateID, edgeID)
		}
	case types.VerdictReject:
		annot := "auditor rejected: " + p.Rationale
		if err := a.store.UpdateCandidateStatus(c.CandidateID, types.CandidateRejected, annot); err != nil {
			return nil, err
		}
	}
	logging.AuditLog("Candidate %d: %s (conf=%.2f, cache=%v)", c.CandidateID, verdict, p.Confidence, fromCache)
	return audit, nil
}

// buildRequest assembles the bounded prompt: ids, evidence excerpt, the
// candidate's context, and at most five competing alternatives. File
// contents never go to the model beyond the stored excerpt.
func (a *Auditor) buildRequest(c *types.Candidate, src, dst *types.FileEntry) (string, string, error) {
	excerpt := c.Evidence.Excerpt
	if a.cfg.MaxExcerptBytes > 0 && len(excerpt) > a.cfg.MaxExcerptBytes {
		excerpt = excerpt[:a.cfg.MaxExcerptBytes]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Proposed relationship: %s -[%s]-> %s\n", src.Path, c.Relation, dst.Path)
	fmt.Fprintf(&b, "Rule: %s, score %.3f\n", c.RuleName, c.Score)
	fmt.Fprintf(&b, "Evidence kind: %s\n", c.Evidence.Kind)
	if c.Evidence.MatchedText != "" {
		fmt.Fprintf(&b, "Matched text: %q\n", c.Evidence.MatchedText)
	}
	if c.Evidence.ColumnHeader != "" {
		fmt.Fprintf(&b, "Column header: %q\n", c.Evidence.ColumnHeader)
	}
	if excerpt != "" {
		fmt.Fprintf(&b, "Excerpt:\n%s\n", excerpt)
	}
	if c.Annotation != "" {
		fmt.Fprintf(&b, "Gate: %s\n", c.Annotation)
	}

	competitors, err := a.store.ListCompetingCandidates(c.DstFileID, c.Relation)
	if err != nil {
		return "", "", err
	}
	n := 0
	for _, rival := range competitors {
		if rival.CandidateID == c.CandidateID {
			continue
		}
		if n == 0 {
			b.WriteString("Competing candidates for the same destination:\n")
		}
		rivalSrc, err := a.store.GetFile(rival.SrcFileID)
		if err != nil {
			return "", "", err
		}
		fmt.Fprintf(&b, "- candidate %d: %s (rule %s, score %.3f)\n",
			rival.CandidateID, rivalSrc.Path, rival.RuleName, rival.Score)
		n++
		if n == 5 {
			break
		}
	}

	return systemPrompt, b.String(), nil
}

const systemPrompt = `You audit proposed relationships between files in a research data collection.
Judge only from the evidence given; do not invent file contents.
Respond with a single JSON object and nothing else:
{"verdict": "accept" | "reject" | "needs_more_info",
 "confidence": 0.0-1.0,
 "rationale": "one sentence",
 "missing_evidence": ["what would settle this"],
 "read_requests": ["file ids worth reading"],
 "corrections": [{"dst_file_id": 0, "confidence": 0.0, "reason": ""}]}`

// parseVerdict decodes the model response. Anything malformed becomes
// needs_more_info with zero confidence so the candidate stays gated.
func parseVerdict(raw string) *verdictPayload {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	p := &verdictPayload{}
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return &verdictPayload{
			Verdict:   string(types.VerdictNeedsMoreInfo),
			Rationale: "auditor response was not valid JSON",
		}
	}
	if p.Confidence < 0 {
		p.Confidence = 0
	}
	if p.Confidence > 1 {
		p.Confidence = 1
	}
	return p
}

// ruleBasedVerdict is the no-LLM fallback: settle what the evidence alone
// supports, leave the rest gated.
func (a *Auditor) ruleBasedVerdict(c *types.Candidate) *verdictPayload {
	switch c.Evidence.Kind {
	case types.EvidenceExplicitMention, types.EvidenceColumnCell:
		return &verdictPayload{
			Verdict:    string(types.VerdictAccept),
			Confidence: 0.8,
			Rationale:  fmt.Sprintf("%s evidence names the destination directly", c.Evidence.Kind),
		}
	case types.EvidenceProximityOnly:
		return &verdictPayload{
			Verdict:    string(types.VerdictReject),
			Confidence: 0.7,
			Rationale:  "proximity alone does not establish a relationship",
		}
	case types.EvidenceInferredSequence:
		return &verdictPayload{
			Verdict:         string(types.VerdictNeedsMoreInfo),
			Rationale:       "sequence inference needs confirmation from the destination file",
			MissingEvidence: []string{"a direct mention of the corrected filename"},
			ReadRequests:    []string{fmt.Sprintf("file:%d", c.DstFileID)},
		}
	default:
		if c.Score >= 0.6 {
			return &verdictPayload{
				Verdict:    string(types.VerdictAccept),
				Confidence: 0.6,
				Rationale:  "contextual evidence with a strong score",
			}
		}
		return &verdictPayload{
			Verdict:         string(types.VerdictNeedsMoreInfo),
			Rationale:       "contextual evidence is too weak to settle",
			MissingEvidence: []string{"an explicit mention or shared identifier"},
		}
	}
}

// cacheKey derives the verdict cache key. Any change to the source or
// destination content, the anchor, the strategy, or the prompt produces a
// different key. File ids are part of the key because fingerprints alone
// are size:mtime and can coincide across distinct files.
func cacheKey(srcID, dstID int64, srcFingerprint, anchorID, dstFingerprint string, strategyVersion int64, promptVersion int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%d|%s|%d|%d", srcID, srcFingerprint, anchorID, dstID, dstFingerprint, strategyVersion, promptVersion)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// gatingReason recovers the gate list from the candidate annotation.
func gatingReason(annotation string) string {
	const marker = "needs audit: "
	if i := strings.Index(annotation, marker); i >= 0 {
		return annotation[i+len(marker):]
	}
	return annotation
}
