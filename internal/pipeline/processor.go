// Package pipeline runs one chunk through normalization, extraction and
// identity resolution and records the outcome as chunk state.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/chunk"
	"github.com/hpungsan/kizuna/internal/errors"
	"github.com/hpungsan/kizuna/internal/extract"
	"github.com/hpungsan/kizuna/internal/resolve"
)

// TierPattern marks chunk state produced by the pattern extractor.
const TierPattern = 1

// Store is the registry surface the processor writes through.
// *registry.Registry satisfies it.
type Store interface {
	SaveChunkState(ctx context.Context, s *character.ChunkState) error
	UpsertCharacter(ctx context.Context, in character.UpsertInput) (*character.Character, error)
}

// Processor is safe for concurrent use.
type Processor struct {
	store         Store
	resolver      *resolve.Resolver
	normalizer    *chunk.Normalizer
	extractor     *extract.Extractor
	touchResolved bool
	logger        *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithNormalizer overrides the default normalizer.
func WithNormalizer(n *chunk.Normalizer) Option {
	return func(p *Processor) { p.normalizer = n }
}

// WithExtractor overrides the default extractor.
func WithExtractor(e *extract.Extractor) Option {
	return func(p *Processor) { p.extractor = e }
}

// WithTouchResolved makes Process advance lastSeenChunk of every
// unambiguously resolved character.
func WithTouchResolved(on bool) Option {
	return func(p *Processor) { p.touchResolved = on }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// New returns a Processor that resolves through resolver and persists through store.
func New(store Store, resolver *resolve.Resolver, opts ...Option) *Processor {
	p := &Processor{store: store, resolver: resolver}
	for _, opt := range opts {
		opt(p)
	}
	if p.normalizer == nil {
		p.normalizer = chunk.NewNormalizer()
	}
	if p.extractor == nil {
		p.extractor = extract.New()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// ProcessInput is one chunk plus the caller's context for it.
type ProcessInput struct {
	JobID              string   `json:"jobId"`
	ChunkIndex         int      `json:"chunkIndex"`
	Text               string   `json:"text"`
	Markdown           bool     `json:"markdown,omitempty"`
	RecentCharacterIDs []string `json:"recentCharacterIds,omitempty"`
	ManualHints        []string `json:"manualHints,omitempty"`
}

// ProcessOutput carries every intermediate result of Process.
type ProcessOutput struct {
	Normalized chunk.NormalizedText  `json:"normalized"`
	Entities   extract.Entities      `json:"entities"`
	Resolution *resolve.IDResolution `json:"resolution"`
	State      *character.ChunkState `json:"state"`
}

// extractionPayload is the JSON stored in chunk_state.extraction.
type extractionPayload struct {
	Entities   extract.Entities      `json:"entities"`
	Resolution *resolve.IDResolution `json:"resolution"`
}

// Process normalizes, extracts and resolves one chunk, masks every
// unambiguous mention as [[characterId]] and saves the chunk state.
// Reprocessing a chunk overwrites its earlier state.
func (p *Processor) Process(ctx context.Context, in ProcessInput) (*ProcessOutput, error) {
	start := time.Now()

	in.JobID = strings.TrimSpace(in.JobID)
	if in.JobID == "" {
		return nil, errors.NewInvalidRequest("jobId is required")
	}
	if in.ChunkIndex < 0 {
		return nil, errors.NewInvalidRequest("chunkIndex must be >= 0")
	}

	text := in.Text
	if in.Markdown {
		text = chunk.PlainTextFromMarkdown([]byte(text))
	}
	normalized := p.normalizer.Normalize(text)
	entities := p.extractor.Extract(normalized)

	resolution, err := p.resolver.Resolve(ctx, entities, resolve.ChunkContext{
		JobID:              in.JobID,
		ChunkIndex:         in.ChunkIndex,
		RecentCharacterIDs: in.RecentCharacterIDs,
		ManualHints:        in.ManualHints,
	})
	if err != nil {
		return nil, err
	}

	if p.touchResolved {
		for _, res := range resolution.Resolved {
			if res.IsAmbiguous {
				continue
			}
			_, err := p.store.UpsertCharacter(ctx, character.UpsertInput{
				ID:            res.CharacterID,
				LastSeenChunk: in.ChunkIndex,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	extraction, err := json.Marshal(extractionPayload{Entities: entities, Resolution: resolution})
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	state := &character.ChunkState{
		JobID:            in.JobID,
		ChunkIndex:       in.ChunkIndex,
		MaskedText:       Mask(normalized, entities, resolution),
		Extraction:       extraction,
		Confidence:       meanConfidence(resolution),
		TierUsed:         TierPattern,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	if err := p.store.SaveChunkState(ctx, state); err != nil {
		return nil, err
	}

	p.logger.Debug("chunk processed", "job_id", in.JobID, "chunk_index", in.ChunkIndex,
		"characters", len(entities.Characters), "resolved", len(resolution.Resolved),
		"unresolved", len(resolution.Unresolved), "ms", state.ProcessingTimeMs)

	return &ProcessOutput{
		Normalized: normalized,
		Entities:   entities,
		Resolution: resolution,
		State:      state,
	}, nil
}

// Mask replaces each extracted mention of an unambiguously resolved alias in
// text.Normalized with [[characterId]]. Only the positions recorded in
// entities are replaced, so an alias inside a longer word is left alone.
// Protected segments are copied verbatim.
func Mask(text chunk.NormalizedText, entities extract.Entities, resolution *resolve.IDResolution) string {
	ids := make(map[string]string)
	if resolution != nil {
		for _, res := range resolution.Resolved {
			if !res.IsAmbiguous {
				ids[res.Alias] = res.CharacterID
			}
		}
	}

	type span struct {
		start, end int
		id         string
	}
	var spans []span
	s := text.Normalized
	for _, c := range entities.Characters {
		id, ok := ids[c.Name]
		if !ok {
			continue
		}
		for _, pos := range c.Positions {
			end := pos + len(c.Name)
			if pos < 0 || end > len(s) || s[pos:end] != c.Name {
				continue
			}
			spans = append(spans, span{start: pos, end: end, id: id})
		}
	}
	if len(spans) == 0 {
		return s
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	segments := text.ProtectedSegments
	for _, sp := range spans {
		if sp.start < last {
			continue
		}
		for len(segments) > 0 && segments[0].End <= sp.start {
			segments = segments[1:]
		}
		if len(segments) > 0 && segments[0].Start < sp.end {
			continue
		}
		b.WriteString(s[last:sp.start])
		b.WriteString("[[" + sp.id + "]]")
		last = sp.end
	}
	b.WriteString(s[last:])
	return b.String()
}

// meanConfidence averages the confidence of every resolved alias, or 0.
func meanConfidence(resolution *resolve.IDResolution) float64 {
	if resolution == nil || len(resolution.Resolved) == 0 {
		return 0
	}
	var sum float64
	for _, res := range resolution.Resolved {
		sum += res.Confidence
	}
	return math.Round(sum/float64(len(resolution.Resolved))*1e4) / 1e4
}
