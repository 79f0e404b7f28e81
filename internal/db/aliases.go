package db

import (
	"context"
	"strings"
	"unicode"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/errors"
)

// maxAliasHits bounds the index rows read per search before per-character grouping.
const maxAliasHits = 500

// AliasHit is one matching alias_fts row.
// Rank is the bm25 value (lower is better); substring fallback hits carry Rank 0.
type AliasHit struct {
	CharacterID string
	AliasText   string
	Rank        float64
}

// ReindexCharacter replaces the alias_fts rows of c.
func ReindexCharacter(ctx context.Context, q Querier, c *character.Character) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM alias_fts WHERE char_id = ?`, c.ID); err != nil {
		return errors.NewRegistryPersistence("clear alias index", err)
	}
	for _, e := range c.IndexEntries() {
		_, err := q.ExecContext(ctx,
			`INSERT INTO alias_fts (char_id, alias_text, context_words) VALUES (?, ?, ?)`,
			c.ID, e.Alias, e.ContextWords,
		)
		if err != nil {
			return errors.NewRegistryPersistence("index alias", err)
		}
	}
	return nil
}

// SearchAliases queries the alias index for alias, skipping merged characters.
// Each token of alias is matched as a prefix against alias text and context
// words. When the token query finds nothing, alias is matched as a substring of
// the indexed alias text, since unicode61 keeps unspaced CJK runs as one token.
func SearchAliases(ctx context.Context, q Querier, alias string) ([]AliasHit, error) {
	match := BuildMatchQuery(alias)
	if match == "" {
		return []AliasHit{}, nil
	}

	query := `
		SELECT h.char_id, h.alias_text, h.bm
		FROM (
			SELECT char_id, alias_text, bm25(alias_fts, 0.0, 1.0, 0.5) AS bm
			FROM alias_fts
			WHERE alias_fts MATCH ?
		) h
		JOIN character_registry c ON c.id = h.char_id
		WHERE COALESCE(c.status, 'active') != 'merged'
		ORDER BY h.bm ASC, h.char_id ASC
		LIMIT ?
	`
	hits, err := queryHits(ctx, q, query, match, maxAliasHits)
	if err != nil {
		return nil, err
	}
	if len(hits) > 0 {
		return hits, nil
	}

	fallback := `
		SELECT alias_fts.char_id, alias_fts.alias_text, 0.0
		FROM alias_fts
		JOIN character_registry c ON c.id = alias_fts.char_id
		WHERE instr(alias_fts.alias_text, ?) > 0 AND COALESCE(c.status, 'active') != 'merged'
		ORDER BY alias_fts.char_id ASC
		LIMIT ?
	`
	return queryHits(ctx, q, fallback, strings.TrimSpace(alias), maxAliasHits)
}

func queryHits(ctx context.Context, q Querier, query string, args ...any) ([]AliasHit, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewRegistryQuery("search alias index", err)
	}
	defer rows.Close()

	hits := []AliasHit{}
	for rows.Next() {
		var h AliasHit
		if err := rows.Scan(&h.CharacterID, &h.AliasText, &h.Rank); err != nil {
			return nil, errors.NewRegistryQuery("scan alias hit", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewRegistryQuery("search alias index", err)
	}
	return hits, nil
}

// BuildMatchQuery turns free text into an FTS5 query: every letter/digit run
// becomes a quoted prefix term and terms are OR-ed. Returns "" when alias has
// no searchable tokens.
func BuildMatchQuery(alias string) string {
	tokens := strings.FieldsFunc(alias, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && !unicode.Is(unicode.Mn, r)
	})
	terms := make([]string, 0, len(tokens))
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, `"`+strings.ReplaceAll(tok, `"`, `""`)+`"*`)
	}
	return strings.Join(terms, " OR ")
}
