package linker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"lodestone/internal/types"
)

var trailingDigits = regexp.MustCompile(`^(.*?)(\d+)(\.[A-Za-z0-9]+)$`)

// sequenceCorrections handles a reference to a file that is not in the
// inventory. When numeric-suffix neighbors exist (run004 referenced,
// run003 and run005 on disk), the reference is likely off by one, so a
// corrected candidate is synthesized with inferred-sequence evidence. It
// routes through normal scoring and auditing and is never auto-promoted.
func (l *Linker) sequenceCorrections(f *types.FileEntry, a *types.EvidenceAnchor, ref string) ([]*proposal, error) {
	m := trailingDigits.FindStringSubmatch(ref)
	if m == nil {
		return nil, nil
	}
	prefix, digits, ext := m[1], m[2], m[3]
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nil, nil
	}

	var out []*proposal
	for _, delta := range []int{-1, 1} {
		neighbor := n + delta
		if neighbor < 0 {
			continue
		}
		name := fmt.Sprintf("%s%0*d%s", prefix, len(digits), neighbor, ext)
		dsts, err := l.store.FindFilesByName(name)
		if err != nil {
			return nil, err
		}
		for _, dst := range dsts {
			if dst.FileID == f.FileID {
				continue
			}
			out = append(out, &proposal{
				src:      f,
				dst:      dst,
				relation: relationFor(f, dst),
				rule:     "sequence_gap_correction",
				evidence: types.Evidence{
					Kind:        types.EvidenceInferredSequence,
					MatchedText: ref,
					Excerpt:     a.Excerpt,
					SharedToken: strings.TrimSuffix(name, ext),
				},
				anchorID: a.AnchorID,
				annotation: fmt.Sprintf(
					"referenced %s is not in the inventory; %s is its nearest sequence neighbor", ref, name),
			})
		}
	}
	return out, nil
}
