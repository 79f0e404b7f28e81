package db

import (
	"context"
	"testing"

	"github.com/hpungsan/kizuna/internal/character"
)

func insertIndexed(t *testing.T, q Querier, c *character.Character) {
	t.Helper()
	ctx := context.Background()
	if err := InsertCharacter(ctx, q, c); err != nil {
		t.Fatalf("InsertCharacter() error = %v", err)
	}
	if err := ReindexCharacter(ctx, q, c); err != nil {
		t.Fatalf("ReindexCharacter() error = %v", err)
	}
}

func TestBuildMatchQuery(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"アキラ", `"アキラ"*`},
		{"Alice Liddell", `"Alice"* OR "Liddell"*`},
		{`say "hi"`, `"say"* OR "hi"*`},
		{"a a", `"a"*`},
		{"  ---  ", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := BuildMatchQuery(tt.input); got != tt.want {
			t.Errorf("BuildMatchQuery(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSearchAliases(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	insertIndexed(t, db, newTestCharacter("char_001", "火野アキラ", 14, "アキラ"))
	insertIndexed(t, db, newTestCharacter("char_002", "月城ミナ", 11, "ミナ"))

	hits, err := SearchAliases(ctx, db, "アキラ")
	if err != nil {
		t.Fatalf("SearchAliases() error = %v", err)
	}
	if len(hits) != 1 || hits[0].CharacterID != "char_001" || hits[0].AliasText != "アキラ" {
		t.Fatalf("hits = %+v, want the アキラ alias row", hits)
	}
	if hits[0].Rank >= 0 {
		t.Errorf("Rank = %v, want negative bm25", hits[0].Rank)
	}
}

func TestSearchAliases_PrefixAndContextWords(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	c := newTestCharacter("char_003", "Alice Liddell", 2)
	c.Aliases = []character.Alias{{Alias: "Al", ContextWords: []string{"wonderland"}}}
	insertIndexed(t, db, c)

	for _, q := range []string{"Ali", "alice", "wonder"} {
		hits, err := SearchAliases(ctx, db, q)
		if err != nil {
			t.Fatalf("SearchAliases(%q) error = %v", q, err)
		}
		if len(hits) == 0 {
			t.Errorf("SearchAliases(%q) found nothing", q)
		}
	}
}

func TestSearchAliases_SubstringFallback(t *testing.T) {
	db := openTestDB(t)

	insertIndexed(t, db, newTestCharacter("char_001", "火野アキラ", 14))

	hits, err := SearchAliases(context.Background(), db, "アキラ")
	if err != nil {
		t.Fatalf("SearchAliases() error = %v", err)
	}
	if len(hits) != 1 || hits[0].CharacterID != "char_001" || hits[0].Rank != 0 {
		t.Errorf("hits = %+v, want substring hit on the canonical name", hits)
	}
}

func TestSearchAliases_SkipsMerged(t *testing.T) {
	db := openTestDB(t)

	merged := newTestCharacter("old", "アキラ", 1)
	merged.Status = character.StatusMerged
	insertIndexed(t, db, merged)

	hits, err := SearchAliases(context.Background(), db, "アキラ")
	if err != nil {
		t.Fatalf("SearchAliases() error = %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %+v, want none for merged characters", hits)
	}
}

func TestReindexCharacter_ReplacesRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	c := newTestCharacter("char_001", "火野アキラ", 14, "アキラ")
	insertIndexed(t, db, c)

	c.Aliases = append(c.Aliases, character.Alias{Alias: "隊長", ContextWords: []string{}})
	if err := ReindexCharacter(ctx, db, c); err != nil {
		t.Fatalf("ReindexCharacter() error = %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM alias_fts WHERE char_id = ?`, "char_001").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("index rows = %d, want 3", n)
	}
}
