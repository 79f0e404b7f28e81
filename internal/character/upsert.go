package character

import (
	"fmt"
	"strings"
	"time"

	"github.com/hpungsan/kizuna/internal/errors"
)

// UpsertInput describes a confirmed character update.
// Nil pointer, slice and map fields keep the stored value on update.
type UpsertInput struct {
	// ID selects the record to merge into; empty means insert with a new ID
	ID string `json:"id,omitempty" yaml:"id"`

	// CanonicalName is required on insert; on update a non-empty value replaces it
	CanonicalName string `json:"canonicalName,omitempty" yaml:"canonicalName"`

	// Aliases are unioned with the stored aliases
	Aliases []Alias `json:"aliases,omitempty" yaml:"aliases"`

	Summary       *string        `json:"summary,omitempty" yaml:"summary"`
	VoiceStyle    *string        `json:"voiceStyle,omitempty" yaml:"voiceStyle"`
	Relationships []Relationship `json:"relationships,omitempty" yaml:"relationships"`

	// FirstChunk defaults to LastSeenChunk on insert; on update the earlier value wins
	FirstChunk    *int `json:"firstChunk,omitempty" yaml:"firstChunk"`
	LastSeenChunk int  `json:"lastSeenChunk" yaml:"lastSeenChunk"`

	ConfidenceScore *float64       `json:"confidenceScore,omitempty" yaml:"confidenceScore"`
	Status          *Status        `json:"status,omitempty" yaml:"status"`
	Metadata        map[string]any `json:"metadata,omitempty" yaml:"metadata"`
}

// Validate checks field ranges. It does not check insert-only requirements.
func (in *UpsertInput) Validate() error {
	if in.LastSeenChunk < 0 {
		return errors.NewInvalidRequest("lastSeenChunk must be >= 0")
	}
	if in.FirstChunk != nil && *in.FirstChunk < 0 {
		return errors.NewInvalidRequest("firstChunk must be >= 0")
	}
	if in.ConfidenceScore != nil && (*in.ConfidenceScore < 0 || *in.ConfidenceScore > 1) {
		return errors.NewInvalidRequest("confidenceScore must be between 0 and 1")
	}
	if in.Status != nil && !in.Status.Valid() {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid status %q", *in.Status))
	}
	for _, r := range in.Relationships {
		if strings.TrimSpace(r.TargetID) == "" {
			return errors.NewInvalidRequest("relationship targetId is required")
		}
	}
	return nil
}

// New builds a fresh record from in. The caller assigns id.
func New(id string, in UpsertInput, now time.Time) (*Character, error) {
	name := strings.TrimSpace(in.CanonicalName)
	if name == "" {
		return nil, errors.NewInvalidRequest("canonicalName is required for a new character")
	}

	c := &Character{
		ID:              id,
		CanonicalName:   name,
		Aliases:         UnionAliases(nil, in.Aliases),
		Relationships:   []Relationship{},
		FirstChunk:      in.LastSeenChunk,
		LastSeenChunk:   in.LastSeenChunk,
		ConfidenceScore: 1,
		Status:          StatusActive,
		Metadata:        map[string]any{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.FirstChunk != nil {
		c.FirstChunk = *in.FirstChunk
	}
	c.applyOptional(in)
	return c, nil
}

// Apply merges in into c: aliases are unioned, LastSeenChunk advances
// monotonically, FirstChunk only moves back, and supplied scalars replace
// the stored ones.
func (c *Character) Apply(in UpsertInput, now time.Time) {
	if name := strings.TrimSpace(in.CanonicalName); name != "" {
		c.CanonicalName = name
	}
	c.Aliases = UnionAliases(c.Aliases, in.Aliases)
	c.LastSeenChunk = max(c.LastSeenChunk, in.LastSeenChunk)
	if in.FirstChunk != nil {
		c.FirstChunk = min(c.FirstChunk, *in.FirstChunk)
	}
	c.applyOptional(in)
	c.UpdatedAt = now
}

func (c *Character) applyOptional(in UpsertInput) {
	if in.Summary != nil {
		c.Summary = *in.Summary
	}
	if in.VoiceStyle != nil {
		c.VoiceStyle = *in.VoiceStyle
	}
	if in.Relationships != nil {
		c.Relationships = in.Relationships
	}
	if in.ConfidenceScore != nil {
		c.ConfidenceScore = *in.ConfidenceScore
	}
	if in.Status != nil {
		c.Status = *in.Status
	}
	if in.Metadata != nil {
		c.Metadata = in.Metadata
	}
}

// ToUpsertInput converts c into an input that reproduces it when applied.
func (c *Character) ToUpsertInput() UpsertInput {
	first := c.FirstChunk
	conf := c.ConfidenceScore
	summary := c.Summary
	voice := c.VoiceStyle
	in := UpsertInput{
		ID:              c.ID,
		CanonicalName:   c.CanonicalName,
		Aliases:         c.Aliases,
		Summary:         &summary,
		VoiceStyle:      &voice,
		Relationships:   c.Relationships,
		FirstChunk:      &first,
		LastSeenChunk:   c.LastSeenChunk,
		ConfidenceScore: &conf,
		Metadata:        c.Metadata,
	}
	// An empty status keeps the default
	if c.Status != "" {
		status := c.Status
		in.Status = &status
	}
	return in
}

// MergeInto folds from into into: from's canonical name and aliases become
// aliases of into, the chunk range widens, and from is marked merged.
func MergeInto(from, into *Character, now time.Time) {
	absorbed := append([]Alias{{Alias: from.CanonicalName}}, from.Aliases...)
	into.Aliases = UnionAliases(into.Aliases, absorbed)
	into.FirstChunk = min(into.FirstChunk, from.FirstChunk)
	into.LastSeenChunk = max(into.LastSeenChunk, from.LastSeenChunk)
	into.UpdatedAt = now

	from.Status = StatusMerged
	if from.Metadata == nil {
		from.Metadata = map[string]any{}
	}
	from.Metadata["mergedInto"] = into.ID
	from.UpdatedAt = now
}
