package querycache

import (
	"sort"
	"strings"
	"unicode"
)

// Tokenize splits a query into a deterministic token set for similarity
// matching. Latin-script words are lowercased and split on non-alphanumeric
// runes; single-character words are dropped. Han text is segmented per rune so
// Chinese queries compare by character overlap regardless of word boundaries.
// Stop words from a small combined English and Chinese list are excluded.
// Output is sorted so equal inputs always yield equal slices.
func Tokenize(query string) []string {
	set := make(map[string]struct{})
	var word strings.Builder
	flush := func() {
		if word.Len() == 0 {
			return
		}
		token := strings.ToLower(word.String())
		word.Reset()
		if len([]rune(token)) < 2 {
			return
		}
		if _, stop := stopWords[token]; stop {
			return
		}
		set[token] = struct{}{}
	}
	for _, r := range query {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			token := string(r)
			if _, stop := stopWords[token]; !stop {
				set[token] = struct{}{}
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	out := make([]string, 0, len(set))
	for token := range set {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// jaccard computes |A∩B| / |A∪B| over two token slices. Empty-union pairs
// score zero.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	inter := 0
	union := len(setA)
	seenB := make(map[string]struct{}, len(b))
	for _, t := range b {
		if _, dup := seenB[t]; dup {
			continue
		}
		seenB[t] = struct{}{}
		if _, ok := setA[t]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

var stopWords = map[string]struct{}{
	// English
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {},
	"on": {}, "or": {}, "the": {}, "to": {}, "with": {},
	// Chinese
	"的": {}, "了": {}, "和": {}, "是": {}, "在": {}, "我": {}, "有": {},
	"他": {}, "这": {}, "个": {}, "们": {}, "中": {}, "来": {}, "上": {},
	"大": {}, "为": {}, "与": {}, "对": {}, "也": {}, "就": {},
}
