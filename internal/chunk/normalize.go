package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ProtectedSegment is a quoted or bracketed span whose content survives
// normalization untouched apart from whitespace collapsing.
// Start and End are byte offsets into NormalizedText.Normalized.
type ProtectedSegment struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Content string `json:"content"`
}

// NormalizedText is the result of normalizing one chunk.
type NormalizedText struct {
	Original          string             `json:"original"`
	Normalized        string             `json:"normalized"`
	ProtectedSegments []ProtectedSegment `json:"protectedSegments"`
}

// QuotePair is an opening and closing delimiter of a protected span.
type QuotePair struct {
	Open  rune
	Close rune
}

// DefaultQuotePairs are the delimiters recognized by Normalize.
var DefaultQuotePairs = []QuotePair{
	{'「', '」'},
	{'『', '』'},
	{'“', '”'},
	{'‘', '’'},
	{'【', '】'},
	{'《', '》'},
	{'〈', '〉'},
	{'（', '）'},
	{'"', '"'},
}

// Normalizer canonicalizes chunk whitespace while keeping quoted spans verbatim.
// A Normalizer is immutable and safe for concurrent use.
type Normalizer struct {
	closers map[rune]rune
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithQuotePairs replaces the default delimiter set.
func WithQuotePairs(pairs []QuotePair) Option {
	return func(n *Normalizer) {
		n.closers = make(map[rune]rune, len(pairs))
		for _, p := range pairs {
			n.closers[p.Open] = p.Close
		}
	}
}

// NewNormalizer creates a Normalizer using DefaultQuotePairs unless overridden.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{}
	WithQuotePairs(DefaultQuotePairs)(n)
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var defaultNormalizer = NewNormalizer()

// Normalize normalizes raw with the default delimiter set.
func Normalize(raw string) NormalizedText {
	return defaultNormalizer.Normalize(raw)
}

// Normalize applies the chunk whitespace rules:
//  1. CR and CRLF become LF
//  2. Leading and trailing whitespace is removed
//  3. Runs of 3+ newlines become exactly 2
//  4. Runs of horizontal whitespace become one space; whitespace touching a newline is dropped
//  5. Inside a protected span every whitespace run becomes one space
//
// Normalize is idempotent.
func (n *Normalizer) Normalize(raw string) NormalizedText {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var (
		out          strings.Builder
		segments     []ProtectedSegment
		pendingSpace bool
		pendingLines int
	)
	out.Grow(len(text))

	// flush writes the separator owed before the next piece of content.
	flush := func() {
		if out.Len() > 0 {
			switch {
			case pendingLines > 0:
				out.WriteString(strings.Repeat("\n", min(pendingLines, 2)))
			case pendingSpace:
				out.WriteByte(' ')
			}
		}
		pendingSpace = false
		pendingLines = 0
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])

		if r == '\n' {
			pendingLines++
			pendingSpace = false
			i += size
			continue
		}
		if unicode.IsSpace(r) {
			if pendingLines == 0 {
				pendingSpace = true
			}
			i += size
			continue
		}

		if closer, ok := n.closers[r]; ok {
			if end := findClose(text, i, r, closer); end > 0 {
				flush()
				content := collapseSpace(text[i:end])
				start := out.Len()
				out.WriteString(content)
				segments = append(segments, ProtectedSegment{
					Start:   start,
					End:     out.Len(),
					Content: content,
				})
				i = end
				continue
			}
		}

		flush()
		out.WriteString(text[i : i+size])
		i += size
	}

	if segments == nil {
		segments = []ProtectedSegment{}
	}
	return NormalizedText{
		Original:          raw,
		Normalized:        out.String(),
		ProtectedSegments: segments,
	}
}

// findClose returns the byte offset just past the closer matching the opener
// at text[start], or -1 when the opener is never closed.
// Openers of the same type nest; other delimiter types are plain content.
func findClose(text string, start int, open, closer rune) int {
	depth := 0
	for i := start; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case r == closer && (i > start || open != closer):
			depth--
			if depth == 0 {
				return i + size
			}
		case r == open:
			depth++
		}
		i += size
	}
	return -1
}

// collapseSpace replaces every run of whitespace in s with a single space.
func collapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte(' ')
			}
			inSpace = true
			continue
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
