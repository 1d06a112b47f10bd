// Package resolver ranks catalog skills against a task phrase. Scoring is
// deliberately cheap and model-free: token overlap between the query and a
// skill's name plus description, with a bonus when the skill name appears
// verbatim in the query. Scores are capped at 1.0 and results below the
// threshold are dropped.
package resolver

import (
	"sort"
	"strings"

	"github.com/basket/skillforge/internal/catalog"
)

// DefaultThreshold is the minimum score for a skill to be considered a match.
const DefaultThreshold = 0.2

// nameBonus rewards the skill name appearing as a substring of the query.
const nameBonus = 0.3

// Match is one ranked candidate.
type Match struct {
	Name  string
	Score float64
}

// Resolver scores tier-1 metadata against task text.
type Resolver struct {
	threshold float64
}

func New(threshold float64) *Resolver {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Resolver{threshold: threshold}
}

// Rank returns candidates scoring at or above the threshold, best first.
// Ordering is deterministic: score, then most recently used, then name.
func (r *Resolver) Rank(query string, skills []catalog.Metadata) []Match {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}
	querySet := make(map[string]bool, len(queryTokens))
	for _, tok := range queryTokens {
		querySet[tok] = true
	}
	foldedQuery := strings.ToLower(query)

	recency := make(map[string]int64, len(skills))
	var matches []Match
	for _, sk := range skills {
		score := score(querySet, len(querySet), foldedQuery, sk)
		if score < r.threshold {
			continue
		}
		matches = append(matches, Match{Name: sk.Name, Score: score})
		recency[sk.Name] = sk.LastUsedAt.UnixNano()
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if recency[matches[i].Name] != recency[matches[j].Name] {
			return recency[matches[i].Name] > recency[matches[j].Name]
		}
		return matches[i].Name < matches[j].Name
	})
	return matches
}

// Best returns the single top match, if any clears the threshold.
func (r *Resolver) Best(query string, skills []catalog.Metadata) (Match, bool) {
	ranked := r.Rank(query, skills)
	if len(ranked) == 0 {
		return Match{}, false
	}
	return ranked[0], true
}

func score(querySet map[string]bool, queryLen int, foldedQuery string, sk catalog.Metadata) float64 {
	matched := 0
	seen := make(map[string]bool)
	for _, tok := range tokenize(sk.Name + " " + sk.Description) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if querySet[tok] {
			matched++
		}
	}
	s := float64(matched) / float64(queryLen)

	// Naming the skill outright is a strong signal.
	name := strings.ToLower(strings.ReplaceAll(sk.Name, "-", " "))
	if name != "" && strings.Contains(foldedQuery, name) {
		s += nameBonus
	}
	if s > 1.0 {
		s = 1.0
	}
	return s
}

// stopwords are tokens too common to carry signal.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "into": true,
	"is": true, "it": true, "my": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "then": true, "this": true, "to": true,
	"use": true, "using": true, "with": true, "you": true, "your": true,
	"please": true, "can": true, "do": true, "me": true, "i": true,
}

// tokenize lowercases, splits on non-alphanumerics, drops stopwords and
// strips common suffixes so "summarize"/"summarizing" collide.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		f = stem(f)
		if len(f) < 2 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// stem is a crude suffix stripper, not a Porter stemmer. Good enough to make
// inflected forms of the same verb collide ("summarize", "summarizing" and
// "summarizes" all reduce to "summar").
func stem(w string) string {
	for {
		if strings.HasSuffix(w, "ies") && len(w) >= 6 {
			w = w[:len(w)-3] + "y"
			continue
		}
		stripped := false
		for _, suf := range []string{"ization", "izing", "ized", "ize", "ing", "ied", "ed", "s"} {
			if strings.HasSuffix(w, suf) && len(w)-len(suf) >= 3 {
				w = w[:len(w)-len(suf)]
				stripped = true
				break
			}
		}
		if !stripped {
			return w
		}
	}
}
