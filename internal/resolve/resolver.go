// Package resolve maps the names extracted from one chunk to persistent
// character ids, scoring every registry candidate and flagging near ties.
package resolve

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/kizuna/internal/config"
	"github.com/hpungsan/kizuna/internal/errors"
	"github.com/hpungsan/kizuna/internal/extract"
	"github.com/hpungsan/kizuna/internal/observe"
	"github.com/hpungsan/kizuna/internal/registry"
)

// Candidate reasons
const (
	ReasonStrongAlias    = "strong-alias"
	ReasonRecentContext  = "recent-context"
	ReasonHighConfidence = "high-confidence"
	ReasonManualHint     = "manual-hint"
)

// Thresholds for the strong-alias and high-confidence reasons.
const (
	strongAliasScore    = 0.5
	highConfidenceScore = 0.8
)

// Searcher is the registry lookup the resolver depends on.
// *registry.Registry satisfies it.
type Searcher interface {
	SearchByAlias(ctx context.Context, alias string, limit int) ([]registry.AliasSearchResult, error)
}

// ChunkContext is supplied by the caller for each chunk.
type ChunkContext struct {
	JobID              string   `json:"jobId"`
	ChunkIndex         int      `json:"chunkIndex"`
	RecentCharacterIDs []string `json:"recentCharacterIds"`
	ManualHints        []string `json:"manualHints"`
}

// CharacterCandidate is one scored registry match for an alias.
type CharacterCandidate struct {
	ID            string   `json:"id"`
	CanonicalName string   `json:"canonicalName"`
	Confidence    float64  `json:"confidence"`
	Reasons       []string `json:"reasons"`
}

// ResolvedEntity is an alias mapped to its best candidate.
type ResolvedEntity struct {
	Alias         string               `json:"alias"`
	CharacterID   string               `json:"characterId"`
	CanonicalName string               `json:"canonicalName"`
	Confidence    float64              `json:"confidence"`
	IsAmbiguous   bool                 `json:"isAmbiguous"`
	Candidates    []CharacterCandidate `json:"candidates"`
}

// IDResolution covers every distinct alias of a chunk exactly once.
type IDResolution struct {
	Resolved   []ResolvedEntity `json:"resolved"`
	Unresolved []string         `json:"unresolved"`
}

// Weights scale the three confidence components.
type Weights struct {
	Alias      float64
	Recency    float64
	Confidence float64
}

// DefaultWeights returns the weights used when none are configured.
func DefaultWeights() Weights {
	return Weights{Alias: 0.5, Recency: 0.3, Confidence: 0.2}
}

// Resolver scores registry candidates for extracted names. Safe for concurrent use.
type Resolver struct {
	searcher       Searcher
	weights        Weights
	maxCandidates  int
	minMatchScore  float64
	ambiguityDelta float64
	concurrency    int
	logger         *slog.Logger
	metrics        *observe.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithWeights sets the alias, recency and confidence weights.
func WithWeights(w Weights) Option {
	return func(r *Resolver) { r.weights = w }
}

// WithMaxCandidates sets the registry result limit per alias. Values < 1 are ignored.
func WithMaxCandidates(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxCandidates = n
		}
	}
}

// WithMinMatchScore drops registry results scoring below score.
func WithMinMatchScore(score float64) Option {
	return func(r *Resolver) { r.minMatchScore = score }
}

// WithAmbiguityDelta sets how close the runner-up must be to flag a resolution ambiguous.
func WithAmbiguityDelta(d float64) Option {
	return func(r *Resolver) { r.ambiguityDelta = d }
}

// WithConcurrency bounds the concurrent registry lookups. Values < 1 are ignored.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMetrics sets the metric instruments. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// OptionsFromConfig maps the resolve_* settings of cfg to options.
func OptionsFromConfig(cfg *config.Config) []Option {
	if cfg == nil {
		return nil
	}
	return []Option{
		WithWeights(Weights{
			Alias:      cfg.ResolveAliasWeight,
			Recency:    cfg.ResolveRecencyWeight,
			Confidence: cfg.ResolveConfidenceWeight,
		}),
		WithMaxCandidates(cfg.ResolveMaxCandidates),
		WithMinMatchScore(cfg.MinMatchScore()),
		WithAmbiguityDelta(cfg.AmbiguityDelta()),
		WithConcurrency(cfg.ResolveConcurrency),
	}
}

// New returns a Resolver that looks candidates up through searcher.
func New(searcher Searcher, opts ...Option) *Resolver {
	def := config.DefaultConfig()
	r := &Resolver{
		searcher:       searcher,
		weights:        DefaultWeights(),
		maxCandidates:  def.ResolveMaxCandidates,
		minMatchScore:  def.MinMatchScore(),
		ambiguityDelta: def.AmbiguityDelta(),
		concurrency:    def.ResolveConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Resolve maps every distinct name in entities to a character id or reports
// it unresolved. Lookups run with bounded concurrency; the first registry
// failure cancels the rest and the whole call fails with RESOLVE_FAILED.
// Output follows the first-occurrence order of the names.
func (r *Resolver) Resolve(ctx context.Context, entities extract.Entities, cc ChunkContext) (*IDResolution, error) {
	start := time.Now()
	defer func() {
		r.metrics.ResolveDuration.Record(ctx, time.Since(start).Seconds())
	}()

	aliases := entities.Aliases()
	outcomes := make([]*ResolvedEntity, len(aliases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, alias := range aliases {
		g.Go(func() error {
			res, err := r.resolveAlias(gctx, alias, cc)
			if err != nil {
				return errors.NewResolveFailed(alias, err)
			}
			outcomes[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("resolve failed", "job_id", cc.JobID, "chunk_index", cc.ChunkIndex, "error", err)
		return nil, err
	}

	out := &IDResolution{Resolved: []ResolvedEntity{}, Unresolved: []string{}}
	for i, alias := range aliases {
		switch res := outcomes[i]; {
		case res == nil:
			out.Unresolved = append(out.Unresolved, alias)
			r.metrics.RecordOutcome(ctx, observe.OutcomeUnresolved)
		case res.IsAmbiguous:
			out.Resolved = append(out.Resolved, *res)
			r.metrics.RecordOutcome(ctx, observe.OutcomeAmbiguous)
		default:
			out.Resolved = append(out.Resolved, *res)
			r.metrics.RecordOutcome(ctx, observe.OutcomeResolved)
		}
	}

	r.logger.Debug("chunk resolved", "job_id", cc.JobID, "chunk_index", cc.ChunkIndex,
		"resolved", len(out.Resolved), "unresolved", len(out.Unresolved))
	return out, nil
}

// resolveAlias returns nil when no candidate survives.
func (r *Resolver) resolveAlias(ctx context.Context, alias string, cc ChunkContext) (*ResolvedEntity, error) {
	results, err := r.lookup(ctx, alias)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		if compact := strings.Join(strings.Fields(alias), ""); compact != alias {
			if results, err = r.lookup(ctx, compact); err != nil {
				return nil, err
			}
		}
	}

	candidates := make([]CharacterCandidate, 0, len(results))
	for _, res := range results {
		if res.Score < r.minMatchScore {
			continue
		}
		if cand := r.score(res, cc); cand.Confidence > 0 {
			candidates = append(candidates, cand)
		}
	}
	if len(candidates) == 0 {
		r.logger.Debug("alias unresolved", "alias", alias, "results", len(results))
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].ID < candidates[j].ID
	})

	top := candidates[0]
	ambiguous := len(candidates) > 1 && round4(top.Confidence-candidates[1].Confidence) <= r.ambiguityDelta
	r.logger.Debug("alias resolved", "alias", alias, "id", top.ID,
		"confidence", top.Confidence, "ambiguous", ambiguous)

	return &ResolvedEntity{
		Alias:         alias,
		CharacterID:   top.ID,
		CanonicalName: top.CanonicalName,
		Confidence:    top.Confidence,
		IsAmbiguous:   ambiguous,
		Candidates:    candidates,
	}, nil
}

// lookup treats an alias the registry refuses to search (empty or too long)
// as having no candidates. Only registry failures are returned.
func (r *Resolver) lookup(ctx context.Context, alias string) ([]registry.AliasSearchResult, error) {
	r.metrics.ResolveLookups.Add(ctx, 1)
	results, err := r.searcher.SearchByAlias(ctx, alias, r.maxCandidates)
	if errors.Is(err, errors.ErrInvalidRequest) {
		r.logger.Debug("alias not searchable", "alias", alias, "error", err)
		return nil, nil
	}
	return results, err
}

// score combines the alias match, how recently the character was seen and
// its stored confidence into one value in [0, 1].
func (r *Resolver) score(res registry.AliasSearchResult, cc ChunkContext) CharacterCandidate {
	c := res.Character
	reasons := []string{}

	aliasComponent := res.Score * r.weights.Alias
	if res.Score >= strongAliasScore {
		reasons = append(reasons, ReasonStrongAlias)
	}

	recency := 1.0
	if distance := max(0, cc.ChunkIndex-c.LastSeenChunk); distance > 0 {
		recency = 1 / float64(1+distance)
	}
	if slices.Contains(cc.RecentCharacterIDs, c.ID) {
		recency = 1
		reasons = append(reasons, ReasonRecentContext)
	}
	recencyComponent := recency * r.weights.Recency

	if c.ConfidenceScore >= highConfidenceScore {
		reasons = append(reasons, ReasonHighConfidence)
	}
	if hinted(cc.ManualHints, c.ID, c.CanonicalName) {
		recencyComponent += 0.5 * r.weights.Recency
		reasons = append(reasons, ReasonManualHint)
	}

	confidenceComponent := c.ConfidenceScore * r.weights.Confidence

	return CharacterCandidate{
		ID:            c.ID,
		CanonicalName: c.CanonicalName,
		Confidence:    min(1, round4(aliasComponent+recencyComponent+confidenceComponent)),
		Reasons:       reasons,
	}
}

func hinted(hints []string, id, name string) bool {
	for _, h := range hints {
		if h = strings.TrimSpace(h); h != "" && (h == id || h == name) {
			return true
		}
	}
	return false
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
