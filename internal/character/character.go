package character

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a registry record.
// Records are never deleted; superseded ones are marked merged.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusMerged   Status = "merged"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusMerged:
		return true
	}
	return false
}

// Alias is a synonym for a character together with the words seen around it.
type Alias struct {
	Alias        string   `json:"alias" yaml:"alias"`
	ContextWords []string `json:"contextWords" yaml:"contextWords"`
}

// key identifies an alias for deduplication: the alias text plus its exact context words.
func (a Alias) key() string {
	return a.Alias + "\x00" + strings.Join(a.ContextWords, "\x1f")
}

// Relationship links a character to another registry record.
type Relationship struct {
	TargetID     string `json:"targetId" yaml:"targetId"`
	Relationship string `json:"relationship" yaml:"relationship"`
}

// Character is a canonical registry row.
type Character struct {
	// ID is assigned once and never changes
	ID string `json:"id"`

	CanonicalName string         `json:"canonicalName"`
	Aliases       []Alias        `json:"aliases"`
	Summary       string         `json:"summary"`
	VoiceStyle    string         `json:"voiceStyle"`
	Relationships []Relationship `json:"relationships"`

	// FirstChunk and LastSeenChunk bound the chunks the character appeared in.
	// LastSeenChunk only moves forward.
	FirstChunk    int `json:"firstChunk"`
	LastSeenChunk int `json:"lastSeenChunk"`

	// ConfidenceScore is in [0, 1]
	ConfidenceScore float64 `json:"confidenceScore"`

	Status   Status         `json:"status"`
	Metadata map[string]any `json:"metadata"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IndexEntry is one row of the alias full-text index.
type IndexEntry struct {
	Alias        string
	ContextWords string
}

// IndexEntries returns the alias index rows for c: the canonical name first,
// then every alias with its context words joined by spaces.
func (c *Character) IndexEntries() []IndexEntry {
	entries := make([]IndexEntry, 0, len(c.Aliases)+1)
	seen := make(map[IndexEntry]bool, len(c.Aliases)+1)

	add := func(e IndexEntry) {
		if e.Alias == "" || seen[e] {
			return
		}
		seen[e] = true
		entries = append(entries, e)
	}

	add(IndexEntry{Alias: c.CanonicalName})
	for _, a := range c.Aliases {
		add(IndexEntry{Alias: a.Alias, ContextWords: strings.Join(a.ContextWords, " ")})
	}
	return entries
}

// HasName reports whether name is c's canonical name or one of its aliases.
func (c *Character) HasName(name string) bool {
	if c.CanonicalName == name {
		return true
	}
	for _, a := range c.Aliases {
		if a.Alias == name {
			return true
		}
	}
	return false
}

// UnionAliases appends the aliases of b missing from a, deduplicating by
// alias text plus context words. Order of first appearance is kept.
func UnionAliases(a, b []Alias) []Alias {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]Alias, 0, len(a)+len(b))
	for _, list := range [][]Alias{a, b} {
		for _, al := range list {
			al.Alias = strings.TrimSpace(al.Alias)
			if al.Alias == "" {
				continue
			}
			if al.ContextWords == nil {
				al.ContextWords = []string{}
			}
			k := al.key()
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, al)
		}
	}
	return out
}

// ChunkState is the processing snapshot of one chunk, keyed by (JobID, ChunkIndex).
type ChunkState struct {
	JobID            string          `json:"jobId"`
	ChunkIndex       int             `json:"chunkIndex"`
	MaskedText       string          `json:"maskedText"`
	Extraction       json.RawMessage `json:"extraction,omitempty"`
	Confidence       float64         `json:"confidence"`
	TierUsed         int             `json:"tierUsed"`
	TokensUsed       int             `json:"tokensUsed"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`
	CreatedAt        time.Time       `json:"createdAt"`
}
