package linker

import (
	"fmt"
	"regexp"
	"strings"

	"lodestone/internal/types"
)

// proposal is a rule firing before scoring. Duplicate (dst, relation)
// pairs from different rules keep the strongest evidence.
type proposal struct {
	src        *types.FileEntry
	dst        *types.FileEntry
	relation   types.Relation
	rule       string
	evidence   types.Evidence
	anchorID   string
	annotation string
}

func (p *proposal) key() string {
	return fmt.Sprintf("%d:%s", p.dst.FileID, p.relation)
}

// generate runs every rule for one source file. Rules are high recall:
// weak firings are cheap because scoring filters them afterwards.
func (l *Linker) generate(f *types.FileEntry) ([]*proposal, error) {
	var all []*proposal
	collect := func(ps []*proposal, err error) error {
		if err != nil {
			return err
		}
		all = append(all, ps...)
		return nil
	}

	if err := collect(l.explicitReferences(f)); err != nil {
		return nil, err
	}
	if err := collect(l.shortReferences(f)); err != nil {
		return nil, err
	}
	if err := collect(l.siblingNameMatches(f)); err != nil {
		return nil, err
	}
	if err := collect(l.identifierMatches(f)); err != nil {
		return nil, err
	}
	if err := collect(l.derivedData(f)); err != nil {
		return nil, err
	}

	return dedupe(all, l.cfg.MaxCandidatesPerFile), nil
}

// dedupe keeps one proposal per (dst, relation), preferring stronger
// evidence, and caps the total.
func dedupe(ps []*proposal, max int) []*proposal {
	best := make(map[string]*proposal)
	var order []string
	for _, p := range ps {
		k := p.key()
		if prev, ok := best[k]; ok {
			if p.evidence.Kind.Strength() > prev.evidence.Kind.Strength() {
				best[k] = p
			}
			continue
		}
		best[k] = p
		order = append(order, k)
	}
	out := make([]*proposal, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// explicitReferences fires when an evidence anchor's excerpt names a data
// file that exists in the inventory. Unresolvable references fall through
// to sequence-gap correction.
func (l *Linker) explicitReferences(f *types.FileEntry) ([]*proposal, error) {
	anchors, err := l.store.ListAnchorsByFile(f.FileID)
	if err != nil {
		return nil, err
	}

	var out []*proposal
	for _, a := range anchors {
		for _, ref := range types.FileRefs(a.Excerpt) {
			if strings.EqualFold(ref, f.Name) {
				continue
			}
			dsts, err := l.store.FindFilesByName(ref)
			if err != nil {
				return nil, err
			}
			if len(dsts) == 0 {
				corrected, err := l.sequenceCorrections(f, a, ref)
				if err != nil {
					return nil, err
				}
				out = append(out, corrected...)
				continue
			}
			for _, dst := range dsts {
				if dst.FileID == f.FileID {
					continue
				}
				ev := types.Evidence{
					Kind:        types.EvidenceExplicitMention,
					MatchedText: ref,
					Excerpt:     a.Excerpt,
				}
				if a.ArtifactType == types.ArtifactTableCell {
					ev.Kind = types.EvidenceColumnCell
					ev.ColumnHeader = excerptHeader(a.Excerpt)
				}
				out = append(out, &proposal{
					src:      f,
					dst:      dst,
					relation: relationFor(f, dst),
					rule:     "explicit_file_reference",
					evidence: ev,
					anchorID: a.AnchorID,
				})
			}
		}
	}
	return out, nil
}

// shortReferences resolves bare run numbers ("run003", "recording 12")
// against data-file names, counting mentions.
func (l *Linker) shortReferences(f *types.FileEntry) ([]*proposal, error) {
	c, err := l.store.GetContent(f.FileID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}

	text := c.Summary + " " + c.Excerpt
	var out []*proposal
	for token, count := range types.ShortRefs(text) {
		dsts, err := l.store.FindFilesByStemToken(token, l.cfg.MaxCandidatesPerFile)
		if err != nil {
			return nil, err
		}
		for _, dst := range dsts {
			if dst.FileID == f.FileID || dst.Category != types.CategoryData {
				continue
			}
			out = append(out, &proposal{
				src:      f,
				dst:      dst,
				relation: relationFor(f, dst),
				rule:     "short_file_reference",
				evidence: types.Evidence{
					Kind:         types.EvidenceContextReference,
					MatchedText:  token,
					MentionCount: count,
					SharedToken:  token,
				},
			})
		}
	}
	return out, nil
}

// siblingNameMatches pairs a document with a same-folder data file whose
// normalized stem matches, the "notes next to the recording" convention.
// An exact stem match is a deliberate naming choice; one stem merely
// containing the other is weaker and left for scoring to sort out.
func (l *Linker) siblingNameMatches(f *types.FileEntry) ([]*proposal, error) {
	if !isDocSide(f) {
		return nil, nil
	}
	siblings, err := l.store.ListSiblings(f.RootID, f.ParentPath)
	if err != nil {
		return nil, err
	}

	stem := types.NormalizeStem(f.Stem())
	if stem == "" {
		return nil, nil
	}
	var out []*proposal
	for _, sib := range siblings {
		if sib.FileID == f.FileID || sib.Category != types.CategoryData {
			continue
		}
		sibStem := types.NormalizeStem(sib.Stem())
		kind := types.EvidenceNamingConvention
		if sibStem != stem {
			if !stemContains(stem, sibStem) {
				continue
			}
			kind = types.EvidenceContextReference
		}
		out = append(out, &proposal{
			src:      f,
			dst:      sib,
			relation: relationFor(f, sib),
			rule:     "sibling_name_match",
			evidence: types.Evidence{
				Kind:        kind,
				MatchedText: sib.Name,
				SharedToken: stem,
			},
		})
	}
	return out, nil
}

// stemContains reports whether one normalized stem contains the other.
// Very short stems contain each other by accident, so the shorter side
// must carry at least four characters.
func stemContains(a, b string) bool {
	shorter := a
	if len(b) < len(shorter) {
		shorter = b
	}
	if len(shorter) < 4 {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// identifierMatches connects files that share a subject identifier token
// (animal or subject number) in their names.
func (l *Linker) identifierMatches(f *types.FileEntry) ([]*proposal, error) {
	if l.identifierPattern == nil {
		return nil, nil
	}
	m := l.identifierPattern.FindStringSubmatch(f.Name)
	if m == nil {
		return nil, nil
	}
	token := m[len(m)-1]

	dsts, err := l.store.FindFilesByStemToken(token, l.cfg.MaxCandidatesPerFile)
	if err != nil {
		return nil, err
	}
	var out []*proposal
	for _, dst := range dsts {
		if dst.FileID == f.FileID {
			continue
		}
		dm := l.identifierPattern.FindStringSubmatch(dst.Name)
		if dm == nil || dm[len(dm)-1] != token {
			continue
		}
		out = append(out, &proposal{
			src:      f,
			dst:      dst,
			relation: types.RelationSameSubject,
			rule:     "identifier_match",
			evidence: types.Evidence{
				Kind:        types.EvidenceContextReference,
				SharedToken: token,
			},
		})
	}
	return out, nil
}

// derivedData pairs a processed data file (npz, npy, mat, h5) with the raw
// recording it was derived from, recognized by a shared stem prefix in the
// same folder.
func (l *Linker) derivedData(f *types.FileEntry) ([]*proposal, error) {
	if f.Category != types.CategoryData || !derivedExts[f.Ext] {
		return nil, nil
	}
	siblings, err := l.store.ListSiblings(f.RootID, f.ParentPath)
	if err != nil {
		return nil, err
	}

	stem := types.NormalizeStem(f.Stem())
	var out []*proposal
	for _, sib := range siblings {
		if sib.FileID == f.FileID || !rawExts[sib.Ext] {
			continue
		}
		sibStem := types.NormalizeStem(sib.Stem())
		if sibStem == "" || !strings.HasPrefix(stem, sibStem) {
			continue
		}
		out = append(out, &proposal{
			src:      f,
			dst:      sib,
			relation: types.RelationAnalysisOf,
			rule:     "derived_data",
			evidence: types.Evidence{
				Kind:        types.EvidenceContextReference,
				MatchedText: sib.Name,
				SharedToken: sibStem,
			},
		})
	}
	return out, nil
}

var derivedExts = map[string]bool{"npz": true, "npy": true, "mat": true, "h5": true, "hdf5": true}
var rawExts = map[string]bool{"abf": true, "smrx": true, "smr": true, "edf": true, "tdms": true, "nwb": true}

// relationFor picks the relation kind from the source's role toward a
// data file.
func relationFor(src, dst *types.FileEntry) types.Relation {
	if dst.Category != types.CategoryData && dst.Category != types.CategorySpreadsheets {
		return types.RelationMentions
	}
	switch src.Category {
	case types.CategoryCode:
		return types.RelationAnalysisOf
	case types.CategoryDocuments:
		return types.RelationNotesFor
	case types.CategorySpreadsheets:
		return types.RelationNotesFor
	default:
		return types.RelationMentions
	}
}

func isDocSide(f *types.FileEntry) bool {
	switch f.Category {
	case types.CategoryDocuments, types.CategoryCode, types.CategorySpreadsheets:
		return true
	}
	return false
}

// excerptHeader recovers the column header from a table-cell excerpt,
// which the extractor writes as "header: cell".
func excerptHeader(excerpt string) string {
	if i := strings.Index(excerpt, ": "); i > 0 {
		return excerpt[:i]
	}
	return ""
}

func compilePattern(params types.StrategyParams, name string) *regexp.Regexp {
	src, ok := params.TokenPatterns[name]
	if !ok {
		return nil
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil
	}
	return re
}
