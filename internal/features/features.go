// Package features turns a (source, destination, evidence) triple into the
// named feature vector the weighted scorer consumes. Computation is pure:
// no store access, so strategy tuning can replay vectors offline.
package features

import (
	"encoding/json"
	"fmt"
	"math"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"lodestone/internal/types"
)

// SchemaVersion tags every vector so weight maps and stored snapshots
// stay comparable across tuning rounds.
const SchemaVersion = 1

// Vector is a named feature map: 0-or-1 flags, [0, 1] ratios, and small
// bounded counts. Conflict flags carry negative weights.
type Vector map[string]float64

// Marshal renders the vector for the candidate snapshot column.
func (v Vector) Marshal() json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// Extractor computes vectors under one strategy version's token patterns.
type Extractor struct {
	datePattern       *regexp.Regexp
	identifierPattern *regexp.Regexp
	channelPattern    *regexp.Regexp
}

// NewExtractor compiles the strategy's token patterns. A pattern that does
// not compile disables its feature rather than failing the whole strategy.
func NewExtractor(params types.StrategyParams) *Extractor {
	compile := func(name string) *regexp.Regexp {
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
	return &Extractor{
		datePattern:       compile("date"),
		identifierPattern: compile("identifier"),
		channelPattern:    compile("channel"),
	}
}

// Compute builds the feature vector for a proposed src -> dst relationship.
// ev may be nil for purely structural candidates.
func (e *Extractor) Compute(src, dst *types.FileEntry, ev *types.Evidence) Vector {
	v := Vector{}

	srcStem := strings.ToLower(src.Stem())
	dstStem := strings.ToLower(dst.Stem())
	srcNorm := types.NormalizeStem(src.Stem())
	dstNorm := types.NormalizeStem(dst.Stem())

	if srcStem == dstStem {
		v["exact_basename_match"] = 1
	} else if srcNorm != "" && srcNorm == dstNorm {
		v["normalized_basename_match"] = 1
	}
	if sim := stemSimilarity(srcNorm, dstNorm); sim > 0 {
		v["name_similarity"] = sim
	}
	if a, aok := trailingNumber(srcStem); aok {
		if b, bok := trailingNumber(dstStem); bok {
			delta := a - b
			if delta < 0 {
				delta = -delta
			}
			if delta > 10 {
				delta = 10
			}
			v["numeric_suffix_delta"] = float64(delta)
		}
	}

	if src.ParentPath == dst.ParentPath {
		v["same_folder"] = 1
	} else if path.Dir(src.ParentPath) == path.Dir(dst.ParentPath) {
		v["parent_folder"] = 1
	}

	if ev != nil {
		v["evidence_strength"] = ev.Kind.Strength()
		if ev.Kind == types.EvidenceColumnCell && types.IsCanonicalColumn(ev.ColumnHeader) {
			v["has_canonical_column_match"] = 1
		}
	}

	srcText := src.Name
	dstText := dst.Name
	if ev != nil && ev.Excerpt != "" {
		srcText += " " + ev.Excerpt
	}
	if tok := sharedToken(e.datePattern, srcText, dstText); tok != "" {
		v["date_token_agreement"] = 1
	}
	if tok := sharedToken(e.identifierPattern, srcText, dstText); tok != "" {
		v["identifier_agreement"] = 1
	}
	if tok := sharedToken(e.channelPattern, srcText, dstText); tok != "" {
		v["channel_agreement"] = 1
	}

	srcCreated := firstNonZero(src.CreateTime, src.ModTime)
	dstCreated := firstNonZero(dst.CreateTime, dst.ModTime)
	if !srcCreated.IsZero() && !dstCreated.IsZero() {
		gap := srcCreated.Sub(dstCreated)
		if gap < 0 {
			gap = -gap
		}
		switch {
		case gap <= 24*time.Hour:
			v["created_within_24h"] = 1
		case gap <= 7*24*time.Hour:
			v["created_within_7d"] = 1
		}
	}
	if modGap := absDuration(src.ModTime.Sub(dst.ModTime)); !src.ModTime.IsZero() && !dst.ModTime.IsZero() && modGap <= 24*time.Hour {
		v["modified_within_24h"] = 1
	}

	return v
}

// SetConflict flags a structural constraint violation on an already
// computed vector.
func (v Vector) SetConflict(name string) {
	v[name] = 1
}

// SetCandidateCounts records how crowded the contest is on either side of
// the proposed edge. Filled by the linker's conflict pass, which sees the
// whole batch.
func (v Vector) SetCandidateCounts(src, dst int) {
	v["src_candidate_count"] = float64(src)
	v["dst_candidate_count"] = float64(dst)
}

// trailingNumber parses the digit run at the end of a stem, the sequence
// counter in names like run003.
func trailingNumber(stem string) (int, bool) {
	i := len(stem)
	for i > 0 && stem[i-1] >= '0' && stem[i-1] <= '9' {
		i--
	}
	if i == len(stem) {
		return 0, false
	}
	n, err := strconv.Atoi(stem[i:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Score applies the strategy's weights and squashes the sum into [0, 1].
// Unknown feature names in the vector are ignored so schema growth does
// not break older strategies.
func Score(v Vector, weights map[string]float64) float64 {
	var sum float64
	for name, val := range v {
		if w, ok := weights[name]; ok {
			sum += w * val
		}
	}
	return squash(sum)
}

// squash maps the raw weighted sum onto (0, 1). The curve is tuned so the
// default weights put a canonical-column match with corroborating context
// above the accept threshold and bare proximity below the review floor.
func squash(sum float64) float64 {
	return 1 / (1 + math.Exp(-10*(sum-0.3)))
}

// Explain renders the vector's nonzero contributions for annotations and
// audit prompts, strongest first.
func Explain(v Vector, weights map[string]float64) string {
	type contrib struct {
		name string
		val  float64
	}
	var cs []contrib
	for name, val := range v {
		if w, ok := weights[name]; ok && val != 0 {
			cs = append(cs, contrib{name, w * val})
		}
	}
	for i := 0; i < len(cs); i++ {
		for j := i + 1; j < len(cs); j++ {
			if math.Abs(cs[j].val) > math.Abs(cs[i].val) {
				cs[i], cs[j] = cs[j], cs[i]
			}
		}
	}
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		parts = append(parts, fmt.Sprintf("%s=%+.2f", c.name, c.val))
	}
	return strings.Join(parts, ", ")
}

// sharedToken returns the first token the pattern extracts from both texts.
func sharedToken(re *regexp.Regexp, a, b string) string {
	if re == nil {
		return ""
	}
	aTokens := extractTokens(re, a)
	if len(aTokens) == 0 {
		return ""
	}
	for tok := range extractTokens(re, b) {
		if aTokens[tok] {
			return tok
		}
	}
	return ""
}

func extractTokens(re *regexp.Regexp, text string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		tok := m[0]
		if len(m) > 1 && m[1] != "" {
			tok = m[1]
		}
		out[normalizeToken(tok)] = true
	}
	return out
}

// normalizeToken strips separators so 2024-01-03 and 20240103 agree.
func normalizeToken(tok string) string {
	tok = strings.ToLower(tok)
	tok = strings.NewReplacer("-", "", "/", "", "_", "", " ", "").Replace(tok)
	return strings.TrimLeft(tok, "0")
}

// stemSimilarity is a Levenshtein ratio over normalized stems, zeroed
// below 0.5 so unrelated names contribute nothing.
func stemSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	sim := 1 - float64(levenshtein(a, b))/float64(longest)
	if sim < 0.5 {
		return 0
	}
	return sim
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func firstNonZero(a, b time.Time) time.Time {
	if !a.IsZero() {
		return a
	}
	return b
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
