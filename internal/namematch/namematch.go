// Package namematch ranks free-form names against a set of known names using
// Jaro-Winkler similarity, with Double Metaphone encoding as a tie-breaker.
//
// Each known name is scored with the best of three comparisons:
//
//  1. Full-string comparison, case-insensitive.
//  2. Space-stripped comparison ("acme portal" vs "acmeportal").
//  3. Token coverage: the mean, over query tokens, of each token's best
//     pairwise score against the name's tokens.
//
// Names scoring at or above the threshold are returned best first. On equal
// scores a name that shares a phonetic code with the query ranks first.
package namematch

import (
	"cmp"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
)

// DefaultThreshold is the minimum score a candidate needs by default.
const DefaultThreshold = 0.70

// Option configures a [Matcher].
type Option func(*Matcher)

// WithThreshold sets the minimum accepted score. Default: 0.70.
func WithThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

// WithLimit caps the number of candidates returned by [Matcher.Rank]. Zero
// means no limit.
func WithLimit(n int) Option {
	return func(m *Matcher) {
		m.limit = n
	}
}

// Candidate is one ranked match.
type Candidate struct {
	// Index is the position of Name in the slice passed to Rank.
	Index int     `json:"-"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`

	// Phonetic reports whether query and name share a Double Metaphone code.
	Phonetic bool `json:"-"`
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	threshold float64
	limit     int
}

// New returns a Matcher configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{threshold: DefaultThreshold}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Threshold returns the minimum accepted score.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Rank scores every name against query and returns those at or above the
// threshold, best first. It returns nil for a blank query.
func (m *Matcher) Rank(query string, names []string) []Candidate {
	queryLower := strings.ToLower(strings.TrimSpace(query))
	if queryLower == "" {
		return nil
	}
	queryTokens := strings.Fields(queryLower)
	queryCodes := codesForTokens(queryTokens)

	var out []Candidate
	for i, name := range names {
		nameLower := strings.ToLower(strings.TrimSpace(name))
		if nameLower == "" {
			continue
		}
		nameTokens := strings.Fields(nameLower)
		score := bestScore(queryTokens, nameTokens, queryLower, nameLower)
		if score < m.threshold {
			continue
		}
		out = append(out, Candidate{
			Index:    i,
			Name:     name,
			Score:    score,
			Phonetic: codesOverlap(queryCodes, codesForTokens(nameTokens)),
		})
	}

	slices.SortStableFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		switch {
		case a.Phonetic && !b.Phonetic:
			return -1
		case b.Phonetic && !a.Phonetic:
			return 1
		}
		return 0
	})
	if m.limit > 0 && len(out) > m.limit {
		out = out[:m.limit]
	}
	return out
}

// codesForTokens returns the union of all Double Metaphone codes for tokens.
// Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

func bestScore(queryTokens, nameTokens []string, queryFull, nameFull string) float64 {
	score := matchr.JaroWinkler(queryFull, nameFull, false)

	if len(queryTokens) > 1 || len(nameTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(queryTokens, ""), strings.Join(nameTokens, ""), false); s > score {
			score = s
		}
	}

	var sum float64
	for _, qt := range queryTokens {
		var best float64
		for _, nt := range nameTokens {
			best = max(best, matchr.JaroWinkler(qt, nt, false))
		}
		sum += best
	}
	if s := sum / float64(len(queryTokens)); s > score {
		score = s
	}
	return score
}
