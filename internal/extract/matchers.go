package extract

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Match is one pattern hit. Start and End are byte offsets into the scanned text.
type Match struct {
	Value string
	Start int
	End   int
}

// NameCandidateMatcher finds character-name candidates.
type NameCandidateMatcher interface {
	MatchNames(text string) []Match
}

// LocationMatcher finds place names.
type LocationMatcher interface {
	MatchLocations(text string) []Match
}

// TermMatcher finds occurrences of a closed term list.
type TermMatcher interface {
	MatchTerms(text string) []Match
}

// namePattern admits 2+ ideographs, 3+ katakana (including the prolonged
// sound mark) or one or two capitalized Latin words.
var namePattern = regexp.MustCompile(`\p{Han}{2,}|[\p{Katakana}ー]{3,}|\b[A-Z][A-Za-z'\-]+(?: [A-Z][A-Za-z'\-]+)?\b`)

// RegexNameMatcher is the default NameCandidateMatcher.
type RegexNameMatcher struct {
	re *regexp.Regexp
}

// NewRegexNameMatcher returns a matcher using pattern, or the built-in
// name pattern when pattern is nil.
func NewRegexNameMatcher(pattern *regexp.Regexp) *RegexNameMatcher {
	if pattern == nil {
		pattern = namePattern
	}
	return &RegexNameMatcher{re: pattern}
}

// MatchNames implements NameCandidateMatcher.
func (m *RegexNameMatcher) MatchNames(text string) []Match {
	return regexMatches(m.re, text)
}

// RegexLocationMatcher is the default LocationMatcher: an ideographic run
// followed by an administrative suffix, or a capitalized Latin word followed
// by a Latin suffix word.
type RegexLocationMatcher struct {
	re *regexp.Regexp
}

// NewRegexLocationMatcher builds a location matcher from the lexicon's suffix lists.
// It returns nil when both lists are empty.
func NewRegexLocationMatcher(lx *Lexicon) *RegexLocationMatcher {
	var alts []string
	if len(lx.LocationSuffixes) > 0 {
		alts = append(alts, `\p{Han}+(?:`+quoteAll(lx.LocationSuffixes)+`)`)
	}
	if len(lx.LatinLocationSuffixes) > 0 {
		alts = append(alts, `\b[A-Z][A-Za-z'\-]+ (?:`+quoteAll(lx.LatinLocationSuffixes)+`)\b`)
	}
	if len(alts) == 0 {
		return nil
	}
	return &RegexLocationMatcher{re: regexp.MustCompile(strings.Join(alts, "|"))}
}

// MatchLocations implements LocationMatcher.
func (m *RegexLocationMatcher) MatchLocations(text string) []Match {
	if m == nil {
		return nil
	}
	return regexMatches(m.re, text)
}

func regexMatches(re *regexp.Regexp, text string) []Match {
	locs := re.FindAllStringIndex(text, -1)
	matches := make([]Match, 0, len(locs))
	for _, loc := range locs {
		matches = append(matches, Match{Value: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
	}
	return matches
}

// quoteAll joins terms into a regexp alternation, longest first.
func quoteAll(terms []string) string {
	sorted := longestFirst(terms)
	quoted := make([]string, len(sorted))
	for i, t := range sorted {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return strings.Join(quoted, "|")
}

// ListMatcher scans for a closed term list, longest match first and without overlap.
// Terms made only of ASCII letters must stand on word boundaries.
type ListMatcher struct {
	terms []string
}

// NewListMatcher creates a ListMatcher over terms.
func NewListMatcher(terms []string) *ListMatcher {
	return &ListMatcher{terms: longestFirst(terms)}
}

// MatchTerms implements TermMatcher.
func (m *ListMatcher) MatchTerms(text string) []Match {
	var matches []Match
	for i := 0; i < len(text); {
		if term := m.termAt(text, i); term != "" {
			matches = append(matches, Match{Value: term, Start: i, End: i + len(term)})
			i += len(term)
			continue
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return matches
}

func (m *ListMatcher) termAt(text string, i int) string {
	for _, term := range m.terms {
		if !strings.HasPrefix(text[i:], term) {
			continue
		}
		if isASCIIWord(term) && (isWordByteAt(text, i-1) || isWordByteAt(text, i+len(term))) {
			continue
		}
		return term
	}
	return ""
}

// longestFirst returns a deduplicated copy of terms ordered by byte length, longest first.
func longestFirst(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func isASCIIWord(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isWordByte(s[i]) {
			return false
		}
	}
	return s != ""
}

func isWordByteAt(s string, i int) bool {
	return i >= 0 && i < len(s) && isWordByte(s[i])
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
