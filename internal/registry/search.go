package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/db"
	"github.com/hpungsan/kizuna/internal/errors"
)

// Search limits
const (
	DefaultSearchLimit = 5
	MaxSearchLimit     = 50
	MaxAliasLength     = 200
)

// AliasSearchResult is one character matched by an alias search.
// Score is in [0, 1]; higher is a better match.
type AliasSearchResult struct {
	Character character.Character `json:"character"`
	Score     float64             `json:"score"`
}

// SearchByAlias finds characters whose canonical name, aliases or alias
// context words match alias. Results are ordered by score descending, then id,
// and truncated to limit (default 5, max 50). Merged characters never match.
func (r *Registry) SearchByAlias(ctx context.Context, alias string, limit int) ([]AliasSearchResult, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, errors.NewInvalidRequest("alias is required")
	}
	if utf8.RuneCountInString(alias) > MaxAliasLength {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("alias exceeds maximum length of %d characters", MaxAliasLength))
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	key := alias + "\x00" + strconv.Itoa(limit)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			r.metrics.SearchCacheHits.Add(ctx, 1)
			return append([]AliasSearchResult(nil), v.([]AliasSearchResult)...), nil
		}
	}

	gen := r.writeGen.Load()
	results, err := r.search(ctx, alias, limit)
	if err != nil {
		return nil, r.fail(ctx, "search", err)
	}
	r.logger.Debug("alias search", "alias", alias, "results", len(results))

	if r.afterSearch != nil {
		r.afterSearch()
	}
	r.store(key, results, gen)
	return append([]AliasSearchResult(nil), results...), nil
}

// store caches results read at write generation gen. A write that commits
// before the Set is caught by the first check; one that commits after it
// either flushes the entry itself or is caught by the second check.
func (r *Registry) store(key string, results []AliasSearchResult, gen uint64) {
	if r.cache == nil || r.writeGen.Load() != gen {
		return
	}
	r.cache.Set(key, results, r.cacheTTL)
	if r.writeGen.Load() != gen {
		r.cache.Delete(key)
	}
}

func (r *Registry) search(ctx context.Context, alias string, limit int) ([]AliasSearchResult, error) {
	hits, err := db.SearchAliases(ctx, r.db, alias)
	if err != nil {
		return nil, err
	}

	best := make(map[string]float64, len(hits))
	for _, h := range hits {
		s := matchScore(alias, h)
		if prev, ok := best[h.CharacterID]; !ok || s > prev {
			best[h.CharacterID] = s
		}
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if best[ids[i]] != best[ids[j]] {
			return best[ids[i]] > best[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}

	results := make([]AliasSearchResult, 0, len(ids))
	for _, id := range ids {
		c, err := db.GetCharacter(ctx, r.db, id)
		if err != nil {
			// Merged or replaced between the index read and the row read.
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		results = append(results, AliasSearchResult{Character: *c, Score: best[id]})
	}
	return results, nil
}

// matchScore blends index relevance with string similarity between the query
// and the matched alias text. Both halves are in [0, 1].
func matchScore(alias string, h db.AliasHit) float64 {
	relevance := 0.0
	if rel := -h.Rank; rel > 0 {
		relevance = rel / (1 + rel)
	}
	similarity := matchr.JaroWinkler(strings.ToLower(alias), strings.ToLower(h.AliasText), false)
	return round4(0.5*relevance + 0.5*similarity)
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
