package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/chunk"
	"github.com/hpungsan/kizuna/internal/db"
	"github.com/hpungsan/kizuna/internal/errors"
	"github.com/hpungsan/kizuna/internal/extract"
	"github.com/hpungsan/kizuna/internal/registry"
	"github.com/hpungsan/kizuna/internal/resolve"
)

type fakeStore struct {
	mu      sync.Mutex
	states  []*character.ChunkState
	upserts []character.UpsertInput
}

func (f *fakeStore) SaveChunkState(_ context.Context, s *character.ChunkState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
	return nil
}

func (f *fakeStore) UpsertCharacter(_ context.Context, in character.UpsertInput) (*character.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, in)
	return &character.Character{ID: in.ID, LastSeenChunk: in.LastSeenChunk}, nil
}

type fakeSearcher struct {
	results map[string][]registry.AliasSearchResult
	err     error
}

func (f *fakeSearcher) SearchByAlias(_ context.Context, alias string, _ int) ([]registry.AliasSearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results[alias], nil
}

func akiraSearcher() *fakeSearcher {
	return &fakeSearcher{results: map[string][]registry.AliasSearchResult{
		"アキラ": {{
			Character: character.Character{ID: "char_001", CanonicalName: "火野アキラ", LastSeenChunk: 14, ConfidenceScore: 0.92},
			Score:     0.73,
		}},
	}}
}

func TestMask(t *testing.T) {
	resolution := &resolve.IDResolution{Resolved: []resolve.ResolvedEntity{
		{Alias: "アキラ", CharacterID: "char_001"},
		{Alias: "Al", CharacterID: "char_003"},
		{Alias: "ソウタ", CharacterID: "x", IsAmbiguous: true},
	}}

	tests := []struct {
		name string
		text string
		want string
	}{
		{"plain", "アキラが来た", "[[char_001]]が来た"},
		{"repeated", "アキラとアキラ", "[[char_001]]と[[char_001]]"},
		{"alias inside a longer name", "アキラメとアキラ", "アキラメと[[char_001]]"},
		{"protected segment", "アキラは「アキラ！」と叫んだ", "[[char_001]]は「アキラ！」と叫んだ"},
		{"ambiguous left alone", "ソウタとアキラ", "ソウタと[[char_001]]"},
		{"latin word boundary", "Al and Also", "[[char_003]] and Also"},
		{"nothing", "誰もいない", "誰もいない"},
	}
	ex := extract.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := chunk.Normalize(tt.text)
			if got := Mask(text, ex.Extract(text), resolution); got != tt.want {
				t.Errorf("Mask() = %q, want %q", got, tt.want)
			}
		})
	}

	text := chunk.Normalize("アキラ")
	if got := Mask(text, ex.Extract(text), nil); got != "アキラ" {
		t.Errorf("Mask(nil) = %q", got)
	}
}

func TestProcess(t *testing.T) {
	store := &fakeStore{}
	p := New(store, resolve.New(akiraSearcher()))

	out, err := p.Process(context.Background(), ProcessInput{
		JobID:              "job-1",
		ChunkIndex:         15,
		Text:               "隊長アキラさんと姫ミナが彼を待つ。  「アキラ！」東京市にて。",
		RecentCharacterIDs: []string{"char_001"},
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(out.Resolution.Resolved) != 1 || out.Resolution.Resolved[0].CharacterID != "char_001" {
		t.Fatalf("Resolution = %+v", out.Resolution)
	}
	if len(store.states) != 1 {
		t.Fatalf("saved states = %d, want 1", len(store.states))
	}

	s := store.states[0]
	want := "隊長[[char_001]]さんと姫ミナが彼を待つ。 「アキラ！」東京市にて。"
	if s.MaskedText != want {
		t.Errorf("MaskedText = %q, want %q", s.MaskedText, want)
	}
	if s.JobID != "job-1" || s.ChunkIndex != 15 || s.TierUsed != TierPattern {
		t.Errorf("state = %+v", s)
	}
	if s.Confidence != out.Resolution.Resolved[0].Confidence {
		t.Errorf("Confidence = %v, want the single resolution's %v", s.Confidence, out.Resolution.Resolved[0].Confidence)
	}

	var payload struct {
		Entities struct {
			Characters []struct {
				Name string `json:"name"`
			} `json:"characters"`
		} `json:"entities"`
		Resolution struct {
			Resolved []struct {
				CharacterID string `json:"characterId"`
			} `json:"resolved"`
		} `json:"resolution"`
	}
	if err := json.Unmarshal(s.Extraction, &payload); err != nil {
		t.Fatalf("extraction payload: %v", err)
	}
	if len(payload.Resolution.Resolved) != 1 || payload.Resolution.Resolved[0].CharacterID != "char_001" {
		t.Errorf("payload = %s", s.Extraction)
	}
	if len(store.upserts) != 0 {
		t.Errorf("upserts = %+v, want none without WithTouchResolved", store.upserts)
	}
}

func TestProcess_TouchResolved(t *testing.T) {
	store := &fakeStore{}
	p := New(store, resolve.New(akiraSearcher()), WithTouchResolved(true))

	if _, err := p.Process(context.Background(), ProcessInput{JobID: "job-1", ChunkIndex: 20, Text: "アキラ"}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(store.upserts) != 1 || store.upserts[0].ID != "char_001" || store.upserts[0].LastSeenChunk != 20 {
		t.Errorf("upserts = %+v", store.upserts)
	}
}

func TestProcess_Markdown(t *testing.T) {
	store := &fakeStore{}
	p := New(store, resolve.New(akiraSearcher()))

	out, err := p.Process(context.Background(), ProcessInput{
		JobID:    "job-1",
		Text:     "# 第一章\n\n**アキラ**が来た。",
		Markdown: true,
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Normalized.Normalized != "第一章\n\nアキラが来た。" {
		t.Errorf("Normalized = %q", out.Normalized.Normalized)
	}
	if store.states[0].MaskedText != "第一章\n\n[[char_001]]が来た。" {
		t.Errorf("MaskedText = %q", store.states[0].MaskedText)
	}
}

func TestProcess_NoCharacters(t *testing.T) {
	store := &fakeStore{}
	p := New(store, resolve.New(&fakeSearcher{}))

	out, err := p.Process(context.Background(), ProcessInput{JobID: "job-1", Text: "それは雨の日だった。"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.State.Confidence != 0 || out.State.MaskedText != "それは雨の日だった。" {
		t.Errorf("state = %+v", out.State)
	}
}

func TestProcess_ResolveFailureSavesNothing(t *testing.T) {
	store := &fakeStore{}
	searcher := &fakeSearcher{err: errors.NewRegistryQuery("search alias index", stderrors.New("boom"))}
	p := New(store, resolve.New(searcher))

	_, err := p.Process(context.Background(), ProcessInput{JobID: "job-1", Text: "アキラが来た"})
	if !errors.Is(err, errors.ErrResolveFailed) {
		t.Fatalf("error = %v, want RESOLVE_FAILED", err)
	}
	if len(store.states) != 0 {
		t.Errorf("states = %d, want none saved", len(store.states))
	}
}

func TestProcess_Validation(t *testing.T) {
	p := New(&fakeStore{}, resolve.New(&fakeSearcher{}))

	for _, in := range []ProcessInput{
		{Text: "x"},
		{JobID: "j", ChunkIndex: -1},
	} {
		if _, err := p.Process(context.Background(), in); !errors.Is(err, errors.ErrInvalidRequest) {
			t.Errorf("Process(%+v) error = %v, want INVALID_REQUEST", in, err)
		}
	}
}

func TestProcess_WithRegistry(t *testing.T) {
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	reg := registry.New(database)
	conf := 0.92
	_, err = reg.UpsertCharacter(ctx, character.UpsertInput{
		ID:              "char_001",
		CanonicalName:   "火野アキラ",
		Aliases:         []character.Alias{{Alias: "アキラ", ContextWords: []string{"隊長"}}},
		LastSeenChunk:   14,
		ConfidenceScore: &conf,
	})
	require.NoError(t, err)

	p := New(reg, resolve.New(reg), WithTouchResolved(true))
	out, err := p.Process(ctx, ProcessInput{
		JobID:              "job-1",
		ChunkIndex:         15,
		Text:               "隊長アキラさんと姫ミナが彼を待つ。東京市にて。",
		RecentCharacterIDs: []string{"char_001"},
	})
	require.NoError(t, err)
	require.Len(t, out.Resolution.Resolved, 1)
	require.Equal(t, "char_001", out.Resolution.Resolved[0].CharacterID)
	require.False(t, out.Resolution.Resolved[0].IsAmbiguous)
	require.Greater(t, out.Resolution.Resolved[0].Confidence, 0.5)

	state, err := reg.GetChunkState(ctx, "job-1", 15)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Equal(t, "隊長[[char_001]]さんと姫ミナが彼を待つ。東京市にて。", state.MaskedText)

	c, err := reg.GetCharacter(ctx, "char_001")
	require.NoError(t, err)
	require.Equal(t, 15, c.LastSeenChunk)

	// Reprocessing overwrites the chunk state
	_, err = p.Process(ctx, ProcessInput{JobID: "job-1", ChunkIndex: 15, Text: "誰もいない。"})
	require.NoError(t, err)
	state, err = reg.GetChunkState(ctx, "job-1", 15)
	require.NoError(t, err)
	require.Equal(t, "誰もいない。", state.MaskedText)
}
