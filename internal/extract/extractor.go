package extract

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hpungsan/kizuna/internal/chunk"
	"github.com/hpungsan/kizuna/internal/config"
)

const (
	defaultMaxPositions  = 64
	defaultContextWindow = 12
)

// CharacterMention aggregates every occurrence of one literal name within a chunk.
type CharacterMention struct {
	Name       string   `json:"name"`
	Positions  []int    `json:"positions"`
	Honorifics []string `json:"honorifics"`
	Titles     []string `json:"titles"`
}

// Hit is a single standalone occurrence of a term.
type Hit struct {
	Value    string `json:"value"`
	Position int    `json:"position"`
}

// Entities is the extraction result for one chunk. Positions are byte offsets
// into the normalized text.
type Entities struct {
	Characters []CharacterMention `json:"characters"`
	Honorifics []Hit              `json:"honorifics"`
	Pronouns   []Hit              `json:"pronouns"`
	Locations  []Hit              `json:"locations"`
}

// Aliases returns the distinct character names in first-occurrence order.
func (e Entities) Aliases() []string {
	seen := make(map[string]bool, len(e.Characters))
	aliases := make([]string, 0, len(e.Characters))
	for _, c := range e.Characters {
		if c.Name == "" || seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		aliases = append(aliases, c.Name)
	}
	return aliases
}

// Extractor finds character names, honorifics, titles, pronouns and locations.
// An Extractor is read-only after construction and safe for concurrent use.
type Extractor struct {
	maxPositions  int
	contextWindow int
	lexicon       *Lexicon

	names     NameCandidateMatcher
	locations LocationMatcher
	pronouns  TermMatcher

	honorifics []string
	titles     []string
	excluded   map[string]bool
	stopwords  map[string]bool
	titleSet   map[string]bool
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxPositions caps the positions recorded per name. Values < 1 are ignored.
func WithMaxPositions(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxPositions = n
		}
	}
}

// WithContextWindow sets the honorific/title window size in characters. Values < 1 are ignored.
func WithContextWindow(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.contextWindow = n
		}
	}
}

// WithLexicon replaces the default term lists.
func WithLexicon(lx *Lexicon) Option {
	return func(e *Extractor) {
		if lx != nil {
			e.lexicon = lx
		}
	}
}

// WithNameMatcher replaces the default name pattern.
func WithNameMatcher(m NameCandidateMatcher) Option {
	return func(e *Extractor) {
		e.names = m
	}
}

// WithLocationMatcher replaces the lexicon-derived location pattern.
func WithLocationMatcher(m LocationMatcher) Option {
	return func(e *Extractor) {
		e.locations = m
	}
}

// New creates an Extractor. Matchers not supplied through options are built
// from the lexicon.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		maxPositions:  defaultMaxPositions,
		contextWindow: defaultContextWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.lexicon == nil {
		e.lexicon = DefaultLexicon()
	}
	if e.names == nil {
		e.names = NewRegexNameMatcher(nil)
	}
	if e.locations == nil {
		if lm := NewRegexLocationMatcher(e.lexicon); lm != nil {
			e.locations = lm
		}
	}
	e.pronouns = NewListMatcher(e.lexicon.Pronouns)
	e.honorifics = longestFirst(e.lexicon.Honorifics)
	e.titles = longestFirst(e.lexicon.Titles)

	e.excluded = make(map[string]bool)
	for _, list := range [][]string{e.lexicon.Honorifics, e.lexicon.Titles, e.lexicon.Pronouns, e.lexicon.Stopwords} {
		for _, term := range list {
			e.excluded[term] = true
		}
	}
	e.stopwords = make(map[string]bool, len(e.lexicon.Stopwords))
	for _, w := range e.lexicon.Stopwords {
		e.stopwords[w] = true
	}
	e.titleSet = make(map[string]bool, len(e.lexicon.Titles))
	for _, t := range e.lexicon.Titles {
		e.titleSet[t] = true
	}
	return e
}

// OptionsFromConfig maps the extractor settings of cfg to options,
// loading the lexicon file when one is configured.
func OptionsFromConfig(cfg *config.Config) ([]Option, error) {
	if cfg == nil {
		return nil, nil
	}
	opts := []Option{
		WithMaxPositions(cfg.ExtractMaxPositions),
		WithContextWindow(cfg.ExtractContextWindow),
	}
	if cfg.LexiconPath != "" {
		lx, err := LoadLexicon(cfg.LexiconPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithLexicon(lx))
	}
	return opts, nil
}

type mentionBuilder struct {
	mention    CharacterMention
	honorifics map[string]bool
	titles     map[string]bool
}

// Extract scans text.Normalized. It never fails.
func (e *Extractor) Extract(text chunk.NormalizedText) Entities {
	s := text.Normalized

	out := Entities{
		Characters: []CharacterMention{},
		Honorifics: []Hit{},
		Pronouns:   []Hit{},
		Locations:  []Hit{},
	}

	locationSpans := make(map[[2]int]bool)
	if e.locations != nil {
		for _, m := range e.locations.MatchLocations(s) {
			out.Locations = append(out.Locations, Hit{Value: m.Value, Position: m.Start})
			locationSpans[[2]int{m.Start, m.End}] = true
		}
	}

	for _, m := range e.pronouns.MatchTerms(s) {
		out.Pronouns = append(out.Pronouns, Hit{Value: m.Value, Position: m.Start})
	}

	var order []string
	byName := make(map[string]*mentionBuilder)

	for _, m := range e.names.MatchNames(s) {
		name, start, end := trimMatch(m)
		if locationSpans[[2]int{start, end}] {
			continue
		}
		// "Dr. Watson": the abbreviation alone is matched as a name.
		if end < len(s) && s[end] == '.' && e.titleSet[name+"."] {
			continue
		}
		name, start = e.stripAffixes(name, start)
		end = start + len(name)
		if utf8.RuneCountInString(name) < 2 || e.excluded[name] || locationSpans[[2]int{start, end}] {
			continue
		}

		b, ok := byName[name]
		if !ok {
			b = &mentionBuilder{
				mention:    CharacterMention{Name: name},
				honorifics: make(map[string]bool),
				titles:     make(map[string]bool),
			}
			byName[name] = b
			order = append(order, name)
		}

		positions := b.mention.Positions
		if len(positions) < e.maxPositions && (len(positions) == 0 || positions[len(positions)-1] != start) {
			b.mention.Positions = append(positions, start)
		}

		if h := e.honorificAfter(s, end); h != "" {
			if !b.honorifics[h] {
				b.honorifics[h] = true
				b.mention.Honorifics = append(b.mention.Honorifics, h)
			}
			out.Honorifics = append(out.Honorifics, Hit{Value: h, Position: end})
		}

		if t := e.titleBefore(s, start); t != "" && !b.titles[t] {
			b.titles[t] = true
			b.mention.Titles = append(b.mention.Titles, t)
		}
	}

	for _, name := range order {
		m := byName[name].mention
		sort.Ints(m.Positions)
		if m.Honorifics == nil {
			m.Honorifics = []string{}
		}
		if m.Titles == nil {
			m.Titles = []string{}
		}
		out.Characters = append(out.Characters, m)
	}
	return out
}

// stripAffixes removes what the name pattern absorbed around a name: a
// leading sentence opener or title word ("Then Alice", "Captain Alice"), a
// leading multi-character ideographic title (隊長田中) and a trailing
// ideographic or hyphenated honorific (田中様, Alice-san). At least two
// characters always remain.
func (e *Extractor) stripAffixes(name string, start int) (string, int) {
	if i := strings.IndexByte(name, ' '); i > 0 && (e.stopwords[name[:i]] || e.titleSet[name[:i]]) {
		name, start = name[i+1:], start+i+1
	}
	for _, t := range e.titles {
		if utf8.RuneCountInString(t) < 2 || !isHan(t) {
			continue
		}
		if rest, ok := strings.CutPrefix(name, t); ok {
			if utf8.RuneCountInString(rest) >= 2 {
				name, start = rest, start+len(t)
			}
			break
		}
	}
	for _, h := range e.honorifics {
		if !isHan(h) && !strings.HasPrefix(h, "-") {
			continue
		}
		if rest, ok := strings.CutSuffix(name, h); ok {
			if utf8.RuneCountInString(rest) >= 2 {
				name = rest
			}
			break
		}
	}
	return name, start
}

// isHan reports whether s is non-empty and entirely ideographic.
func isHan(s string) bool {
	for _, r := range s {
		if !unicode.Is(unicode.Han, r) {
			return false
		}
	}
	return s != ""
}

// trimMatch strips surrounding whitespace and shifts the offsets to match.
func trimMatch(m Match) (string, int, int) {
	left := strings.TrimLeft(m.Value, " \t\n　")
	start := m.Start + len(m.Value) - len(left)
	name := strings.TrimRight(left, " \t\n　")
	return name, start, start + len(name)
}

// honorificAfter reports the honorific that immediately follows offset end,
// looking no further than the context window.
func (e *Extractor) honorificAfter(s string, end int) string {
	window := leadingRunes(s[end:], e.contextWindow)
	for _, h := range e.honorifics {
		if strings.HasPrefix(window, h) {
			return h
		}
	}
	return ""
}

// titleBefore reports the title the context window before start ends with.
func (e *Extractor) titleBefore(s string, start int) string {
	window := strings.TrimRight(trailingRunes(s[:start], e.contextWindow), " ")
	for _, t := range e.titles {
		if strings.HasSuffix(window, t) {
			return t
		}
	}
	return ""
}

func leadingRunes(s string, n int) string {
	i := 0
	for count := 0; i < len(s) && count < n; count++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i]
}

func trailingRunes(s string, n int) string {
	i := len(s)
	for count := 0; i > 0 && count < n; count++ {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return s[i:]
}
