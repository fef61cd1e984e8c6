package consensus

import (
	"strings"
	"unicode"

	"keystone/internal/domain"
)

const (
	MaxActions     = 3
	MaxRisks       = 3
	MaxAssumptions = 5
	MaxMissingInfo = 5
)

// Actions merges next actions across opinions in roster order, dropping near duplicates.
func Actions(m domain.OpinionMap) []string {
	var lists [][]string
	for _, op := range m.Opinions() {
		lists = append(lists, op.Actions())
	}
	return MergeDistinct(lists, MaxActions)
}

func Risks(m domain.OpinionMap) []string {
	var lists [][]string
	for _, op := range m.Opinions() {
		lists = append(lists, op.Risks())
	}
	return MergeDistinct(lists, MaxRisks)
}

func Assumptions(m domain.OpinionMap) []string {
	var lists [][]string
	for _, op := range m.Opinions() {
		lists = append(lists, op.Assumptions())
	}
	return MergeDistinct(lists, MaxAssumptions)
}

func MissingInfo(m domain.OpinionMap) []string {
	var lists [][]string
	for _, op := range m.Opinions() {
		lists = append(lists, op.MissingInfo())
	}
	return MergeDistinct(lists, MaxMissingInfo)
}

// MergeDistinct walks lists in order and keeps up to limit entries that are not
// near duplicates of an entry already kept.
func MergeDistinct(lists [][]string, limit int) []string {
	out := []string{}
	for _, list := range lists {
		for _, item := range list {
			if len(out) >= limit {
				return out
			}
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			dup := false
			for _, kept := range out {
				if NearDuplicate(kept, item) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, item)
			}
		}
	}
	return out
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "to": {}, "for": {}, "of": {}, "on": {}, "in": {}, "with": {},
	"and": {}, "or": {}, "by": {}, "at": {}, "from": {}, "your": {}, "our": {}, "their": {},
	"its": {}, "it": {}, "this": {}, "that": {}, "is": {}, "are": {}, "be": {}, "as": {}, "into": {},
}

// NearDuplicate reports whether two phrases share a salient keyword: an acronym
// such as "MVP", a content bigram, or at least half of their content words.
func NearDuplicate(a, b string) bool {
	ta, tb := contentWords(a), contentWords(b)
	if strings.Join(ta, " ") == strings.Join(tb, " ") {
		return true
	}
	if sharesAcronym(a, tb) || sharesAcronym(b, ta) {
		return true
	}
	ba := bigrams(ta)
	for g := range bigrams(tb) {
		if _, ok := ba[g]; ok {
			return true
		}
	}
	return jaccard(ta, tb) >= 0.5
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func contentWords(s string) []string {
	var out []string
	for _, w := range splitWords(strings.ToLower(s)) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

func acronyms(s string) []string {
	var out []string
	for _, w := range splitWords(s) {
		if len(w) < 2 {
			continue
		}
		letters := 0
		upper := true
		for _, r := range w {
			if unicode.IsLetter(r) {
				letters++
				if !unicode.IsUpper(r) {
					upper = false
					break
				}
			}
		}
		if upper && letters >= 2 {
			out = append(out, strings.ToLower(w))
		}
	}
	return out
}

func sharesAcronym(s string, other []string) bool {
	for _, ac := range acronyms(s) {
		for _, w := range other {
			if w == ac {
				return true
			}
		}
	}
	return false
}

func bigrams(words []string) map[string]struct{} {
	out := map[string]struct{}{}
	for i := 0; i+1 < len(words); i++ {
		out[words[i]+" "+words[i+1]] = struct{}{}
	}
	return out
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := map[string]bool{}
	for _, w := range a {
		set[w] = true
	}
	inter := 0
	union := len(set)
	seenB := map[string]bool{}
	for _, w := range b {
		if seenB[w] {
			continue
		}
		seenB[w] = true
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
