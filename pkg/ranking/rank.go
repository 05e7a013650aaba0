// Package ranking orders, filters and dedups recalled memories, and picks
// the subset worth injecting into a prompt.
package ranking

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/halvard/mimir/pkg/viking"
)

// Composite score boosts. Base relevance comes from the server; these nudge
// concrete leaf memories, time-anchored events and stated preferences ahead
// of directory overviews.
const (
	leafBonus       = 0.12
	temporalBonus   = 0.10
	preferenceBonus = 0.08
	lexicalBonusMax = 0.20

	// Lexical overlap considers up to 8 significant query tokens and grants
	// the full bonus once 4 of them (or all, for shorter queries) match.
	maxQueryTokens   = 8
	fullBonusMatches = 4
)

var (
	temporalCueRe   = regexp.MustCompile(`(?i)\b(?:yesterday|today|tomorrow|tonight|recently|lately|ago|last (?:week|month|year|night|time)|this (?:week|month|morning)|when did|when was)\b|昨天|今天|明天|上周|上个月|最近|刚才|那次|什么时候`)
	preferenceCueRe = regexp.MustCompile(`(?i)\b(?:prefer|preference|favou?rite|like|love|hate|dislike|usually|always|never)\b|偏好|喜欢|讨厌|习惯|最爱`)
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "of": {},
	"to": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "about": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "do": {}, "does": {},
	"did": {}, "what": {}, "when": {}, "where": {}, "who": {}, "why": {},
	"how": {}, "my": {}, "me": {}, "i": {}, "you": {}, "your": {}, "it": {},
	"this": {}, "that": {}, "these": {}, "those": {},
	"的": {}, "了": {}, "是": {}, "我": {}, "你": {}, "吗": {}, "呢": {},
}

// eventLikeCategories dedup by URI: distinct events legitimately share
// near-identical abstracts ("had coffee with Sam").
var eventLikeCategories = map[string]struct{}{
	"event": {}, "events": {}, "case": {}, "cases": {},
}

var preferenceLikeCategories = map[string]struct{}{
	"preference": {}, "preferences": {}, "profile": {},
}

// PostProcessOptions controls PostProcess. Limit <= 0 means no truncation;
// MinScore 0 keeps everything.
type PostProcessOptions struct {
	Limit    int
	MinScore float64
	LeafOnly bool
}

// PostProcess sorts by score descending, optionally keeps only leaves, drops
// items below MinScore, dedups keeping the highest-scored representative and
// truncates to Limit. Running it on its own output is a no-op.
func PostProcess(items []viking.Memory, opts PostProcessOptions) []viking.Memory {
	sorted := make([]viking.Memory, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	seen := make(map[string]struct{}, len(sorted))
	out := make([]viking.Memory, 0, len(sorted))
	for _, m := range sorted {
		if opts.LeafOnly && !m.IsLeaf {
			continue
		}
		if m.Score < opts.MinScore {
			continue
		}
		key := dedupKey(m)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out
}

// InjectionOptions controls PickForInjection. MinScore applies to the base
// relevance score, before boosts.
type InjectionOptions struct {
	Limit    int
	MinScore float64
}

// PickForInjection ranks candidates by composite score and packs the result
// with a preference for leaves: when enough leaves qualify they fill the
// whole budget, otherwise the remaining slots go to the best non-leaves in
// rank order.
func PickForInjection(items []viking.Memory, query string, opts InjectionOptions) []viking.Memory {
	if opts.Limit <= 0 {
		opts.Limit = 5
	}
	tokens := significantTokens(query)
	hasTemporal := temporalCueRe.MatchString(query)
	hasPreference := preferenceCueRe.MatchString(query)

	type scored struct {
		m         viking.Memory
		composite float64
	}
	ranked := make([]scored, 0, len(items))
	for _, m := range items {
		if m.Score < opts.MinScore {
			continue
		}
		ranked = append(ranked, scored{m: m, composite: compositeScore(m, tokens, hasTemporal, hasPreference)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].composite > ranked[j].composite })

	seen := make(map[string]struct{}, len(ranked))
	deduped := make([]viking.Memory, 0, len(ranked))
	leaves := 0
	for _, s := range ranked {
		key := foldText(s.m.Text())
		if key == "" {
			key = s.m.URI
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, s.m)
		if s.m.IsLeaf {
			leaves++
		}
	}

	if len(deduped) <= opts.Limit {
		return deduped
	}
	out := make([]viking.Memory, 0, opts.Limit)
	if leaves >= opts.Limit {
		for _, m := range deduped {
			if !m.IsLeaf {
				continue
			}
			out = append(out, m)
			if len(out) == opts.Limit {
				break
			}
		}
		return out
	}
	nonLeafSlots := opts.Limit - leaves
	for _, m := range deduped {
		if m.IsLeaf {
			out = append(out, m)
		} else if nonLeafSlots > 0 {
			out = append(out, m)
			nonLeafSlots--
		}
		if len(out) == opts.Limit {
			break
		}
	}
	return out
}

func compositeScore(m viking.Memory, tokens []string, hasTemporal, hasPreference bool) float64 {
	score := m.Score
	if m.IsLeaf {
		score += leafBonus
	}
	category := strings.ToLower(m.Category)
	if hasTemporal {
		if _, ok := eventLikeCategories[category]; ok {
			score += temporalBonus
		}
	}
	if hasPreference {
		if _, ok := preferenceLikeCategories[category]; ok {
			score += preferenceBonus
		}
	}
	if len(tokens) > 0 {
		haystack := strings.ToLower(m.URI + " " + m.Text())
		matched := 0
		for _, tok := range tokens {
			if strings.Contains(haystack, tok) {
				matched++
			}
		}
		denom := fullBonusMatches
		if len(tokens) < denom {
			denom = len(tokens)
		}
		frac := float64(matched) / float64(denom)
		if frac > 1 {
			frac = 1
		}
		score += lexicalBonusMax * frac
	}
	return score
}

func dedupKey(m viking.Memory) string {
	if _, ok := eventLikeCategories[strings.ToLower(m.Category)]; ok {
		return m.URI
	}
	if key := foldText(m.Text()); key != "" {
		return key
	}
	return m.URI
}

func significantTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, maxQueryTokens)
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
		if len(tokens) == maxQueryTokens {
			break
		}
	}
	return tokens
}

func foldText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}
