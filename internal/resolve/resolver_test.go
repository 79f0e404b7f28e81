package resolve

import (
	"context"
	stderrors "errors"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/hpungsan/kizuna/internal/character"
	"github.com/hpungsan/kizuna/internal/chunk"
	"github.com/hpungsan/kizuna/internal/config"
	"github.com/hpungsan/kizuna/internal/db"
	"github.com/hpungsan/kizuna/internal/errors"
	"github.com/hpungsan/kizuna/internal/extract"
	"github.com/hpungsan/kizuna/internal/observe"
	"github.com/hpungsan/kizuna/internal/registry"
)

// fakeSearcher answers alias lookups from a fixed table.
type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]registry.AliasSearchResult
	fail    map[string]error
	calls   []string
	limits  []int
}

func (f *fakeSearcher) SearchByAlias(_ context.Context, alias string, limit int) ([]registry.AliasSearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, alias)
	f.limits = append(f.limits, limit)
	if err := f.fail[alias]; err != nil {
		return nil, err
	}
	return f.results[alias], nil
}

func result(id, name string, lastSeen int, confidence, score float64) registry.AliasSearchResult {
	return registry.AliasSearchResult{
		Character: character.Character{
			ID:              id,
			CanonicalName:   name,
			LastSeenChunk:   lastSeen,
			ConfidenceScore: confidence,
			Status:          character.StatusActive,
		},
		Score: score,
	}
}

func entities(names ...string) extract.Entities {
	e := extract.Entities{}
	for _, n := range names {
		e.Characters = append(e.Characters, extract.CharacterMention{Name: n, Positions: []int{0}})
	}
	return e
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m, reader
}

// scenarioSearcher mirrors two registered characters: 火野アキラ (アキラ, last
// seen in chunk 14, confidence 0.92) and 月城ミナ (ミナ, chunk 11, 0.88).
func scenarioSearcher() *fakeSearcher {
	return &fakeSearcher{results: map[string][]registry.AliasSearchResult{
		"アキラ": {result("char_001", "火野アキラ", 14, 0.92, 0.73)},
		"ミナ":  {result("char_002", "月城ミナ", 11, 0.88, 0.73)},
	}}
}

func TestResolve_Scenario(t *testing.T) {
	r := New(scenarioSearcher())

	got, err := r.Resolve(context.Background(), entities("アキラ", "ミナ"), ChunkContext{
		JobID:              "job-1",
		ChunkIndex:         15,
		RecentCharacterIDs: []string{"char_001"},
		ManualHints:        []string{"月城ミナ"},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got.Unresolved) != 0 {
		t.Errorf("Unresolved = %v, want none", got.Unresolved)
	}
	if len(got.Resolved) != 2 {
		t.Fatalf("Resolved = %+v, want 2", got.Resolved)
	}

	akira := got.Resolved[0]
	if akira.Alias != "アキラ" || akira.CharacterID != "char_001" || akira.IsAmbiguous {
		t.Errorf("アキラ = %+v", akira)
	}
	// 0.73*0.5 + 1*0.3 + 0.92*0.2
	if akira.Confidence != 0.849 {
		t.Errorf("アキラ confidence = %v, want 0.849", akira.Confidence)
	}
	wantReasons := []string{ReasonStrongAlias, ReasonRecentContext, ReasonHighConfidence}
	if !reflect.DeepEqual(akira.Candidates[0].Reasons, wantReasons) {
		t.Errorf("アキラ reasons = %v, want %v", akira.Candidates[0].Reasons, wantReasons)
	}

	mina := got.Resolved[1]
	if mina.CharacterID != "char_002" || mina.Confidence <= 0.5 {
		t.Errorf("ミナ = %+v, want char_002 above 0.5", mina)
	}
	// 0.73*0.5 + (0.2 + 0.5)*0.3 + 0.88*0.2
	if mina.Confidence != 0.751 {
		t.Errorf("ミナ confidence = %v, want 0.751", mina.Confidence)
	}
	if !slices.Contains(mina.Candidates[0].Reasons, ReasonManualHint) {
		t.Errorf("ミナ reasons = %v, want manual-hint", mina.Candidates[0].Reasons)
	}
}

func TestResolve_Ambiguous(t *testing.T) {
	s := &fakeSearcher{results: map[string][]registry.AliasSearchResult{
		"アキラ": {
			result("char_001", "火野アキラ", 10, 0.9, 0.7),
			result("char_003", "氷室アキラ", 10, 0.9, 0.7),
		},
	}}
	r := New(s)

	got, err := r.Resolve(context.Background(), entities("アキラ"), ChunkContext{ChunkIndex: 10})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got.Resolved) != 1 {
		t.Fatalf("Resolved = %+v", got.Resolved)
	}
	res := got.Resolved[0]
	if !res.IsAmbiguous {
		t.Error("IsAmbiguous = false, want true for near-equal candidates")
	}
	if res.CharacterID != "char_001" {
		t.Errorf("CharacterID = %q, want char_001 (tie broken by id)", res.CharacterID)
	}
	if len(res.Candidates) != 2 {
		t.Errorf("Candidates = %+v, want both", res.Candidates)
	}
}

func TestResolve_AmbiguityLaw(t *testing.T) {
	tests := []struct {
		name          string
		second        float64 // alias score of the runner-up; weighted gap is half the score gap
		wantAmbiguous bool
	}{
		{"exact tie", 0.8, true},
		{"within delta", 0.72, true},
		{"at delta", 0.7, true},
		{"beyond delta", 0.68, false},
		{"far apart", 0.2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSearcher{results: map[string][]registry.AliasSearchResult{
				"X": {
					result("a", "A", 5, 0.5, 0.8),
					result("b", "B", 5, 0.5, tt.second),
				},
			}}
			got, err := New(s).Resolve(context.Background(), entities("X"), ChunkContext{ChunkIndex: 5})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			res := got.Resolved[0]
			if res.IsAmbiguous != tt.wantAmbiguous {
				t.Errorf("IsAmbiguous = %v, want %v (candidates %+v)", res.IsAmbiguous, tt.wantAmbiguous, res.Candidates)
			}
			top, second := res.Candidates[0].Confidence, res.Candidates[1].Confidence
			if law := round4(top-second) <= 0.05; law != res.IsAmbiguous {
				t.Errorf("IsAmbiguous = %v but top-second = %v", res.IsAmbiguous, top-second)
			}
		})
	}
}

func TestResolve_Coverage(t *testing.T) {
	s := scenarioSearcher()
	r := New(s)

	names := []string{"アキラ", "ミナ", "ソウタ", "アキラ", "Alice"}
	got, err := r.Resolve(context.Background(), entities(names...), ChunkContext{ChunkIndex: 15})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	seen := map[string]int{}
	for _, res := range got.Resolved {
		seen[res.Alias]++
	}
	for _, a := range got.Unresolved {
		seen[a]++
	}
	for _, n := range []string{"アキラ", "ミナ", "ソウタ", "Alice"} {
		if seen[n] != 1 {
			t.Errorf("alias %q appears %d times, want exactly once", n, seen[n])
		}
	}
	if !reflect.DeepEqual(got.Unresolved, []string{"ソウタ", "Alice"}) {
		t.Errorf("Unresolved = %v", got.Unresolved)
	}
	if len(s.calls) != 4 {
		t.Errorf("lookups = %v, want one per distinct alias", s.calls)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	s := &fakeSearcher{results: map[string][]registry.AliasSearchResult{
		"アキラ": {result("b", "B", 3, 0.5, 0.6), result("a", "A", 3, 0.5, 0.6), result("c", "C", 1, 0.9, 0.4)},
		"ミナ":  {result("d", "D", 2, 0.7, 0.9)},
	}}
	r := New(s, WithConcurrency(3))
	cc := ChunkContext{ChunkIndex: 4, RecentCharacterIDs: []string{"c"}}

	first, err := r.Resolve(context.Background(), entities("アキラ", "ミナ", "ソウタ"), cc)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := r.Resolve(context.Background(), entities("アキラ", "ミナ", "ソウタ"), cc)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first, again)
		}
	}
}

func TestResolve_RegistryFailureAbortsAll(t *testing.T) {
	queryErr := errors.NewRegistryQuery("search alias index", stderrors.New("disk I/O error"))
	s := scenarioSearcher()
	s.fail = map[string]error{"ミナ": queryErr}

	got, err := New(s).Resolve(context.Background(), entities("アキラ", "ミナ"), ChunkContext{ChunkIndex: 15})
	if got != nil {
		t.Errorf("Resolve() = %+v, want no partial result", got)
	}
	if !errors.Is(err, errors.ErrResolveFailed) {
		t.Fatalf("error = %v, want RESOLVE_FAILED", err)
	}
	if !errors.Is(err, errors.ErrRegistryQuery) {
		t.Errorf("error = %v, want the REGISTRY_QUERY cause preserved", err)
	}
}

func TestResolve_UnsearchableAliasIsUnresolved(t *testing.T) {
	s := scenarioSearcher()
	s.fail = map[string]error{"長い名前": errors.NewInvalidRequest("alias exceeds maximum length of 200 characters")}

	got, err := New(s).Resolve(context.Background(), entities("長い名前", "アキラ"), ChunkContext{ChunkIndex: 15})
	if err != nil {
		t.Fatalf("Resolve() error = %v, want INVALID_REQUEST lookups treated as unresolved", err)
	}
	if !reflect.DeepEqual(got.Unresolved, []string{"長い名前"}) {
		t.Errorf("Unresolved = %v, want [長い名前]", got.Unresolved)
	}
	if len(got.Resolved) != 1 || got.Resolved[0].CharacterID != "char_001" {
		t.Errorf("Resolved = %+v, want アキラ → char_001", got.Resolved)
	}
}

func TestResolve_OverlongHanRunAgainstRegistry(t *testing.T) {
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	reg := registry.New(database)
	ctx := context.Background()
	if _, err := reg.UpsertCharacter(ctx, character.UpsertInput{
		ID:            "char_001",
		CanonicalName: "火野アキラ",
		Aliases:       []character.Alias{{Alias: "アキラ"}},
		LastSeenChunk: 14,
	}); err != nil {
		t.Fatalf("UpsertCharacter() error = %v", err)
	}

	long := strings.Repeat("漢", registry.MaxAliasLength+1)
	ents := extract.New().Extract(chunk.Normalize(long + "。アキラが来た。"))

	got, err := New(reg).Resolve(ctx, ents, ChunkContext{ChunkIndex: 15})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(got.Unresolved, []string{long}) {
		t.Errorf("Unresolved = %v, want only the overlong run", got.Unresolved)
	}
	if len(got.Resolved) != 1 || got.Resolved[0].CharacterID != "char_001" {
		t.Errorf("Resolved = %+v, want アキラ → char_001", got.Resolved)
	}
}

func TestResolve_CompactRetry(t *testing.T) {
	s := &fakeSearcher{results: map[string][]registry.AliasSearchResult{
		"火野アキラ": {result("char_001", "火野アキラ", 1, 0.9, 0.9)},
	}}

	got, err := New(s).Resolve(context.Background(), entities("火野 アキラ"), ChunkContext{ChunkIndex: 1})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got.Resolved) != 1 || got.Resolved[0].CharacterID != "char_001" || got.Resolved[0].Alias != "火野 アキラ" {
		t.Errorf("Resolved = %+v, want the compacted lookup under the original alias", got.Resolved)
	}
	if !reflect.DeepEqual(s.calls, []string{"火野 アキラ", "火野アキラ"}) {
		t.Errorf("calls = %v", s.calls)
	}
}

func TestResolve_MinMatchScoreAndZeroConfidence(t *testing.T) {
	s := &fakeSearcher{results: map[string][]registry.AliasSearchResult{
		"weak": {result("a", "A", 0, 0.9, 0.05)},
		"zero": {result("b", "B", 0, 0, 0.5)},
	}}
	r := New(s, WithWeights(Weights{Alias: 0, Recency: 0, Confidence: 1}))

	got, err := r.Resolve(context.Background(), entities("weak", "zero"), ChunkContext{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(got.Unresolved, []string{"weak", "zero"}) {
		t.Errorf("Unresolved = %v, want both (below threshold, zero confidence)", got.Unresolved)
	}
}

func TestResolve_ConfidenceCapped(t *testing.T) {
	s := &fakeSearcher{results: map[string][]registry.AliasSearchResult{
		"A": {result("a", "A", 0, 1, 1)},
	}}
	r := New(s)

	got, err := r.Resolve(context.Background(), entities("A"), ChunkContext{ManualHints: []string{"a"}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if c := got.Resolved[0].Confidence; c != 1 {
		t.Errorf("Confidence = %v, want capped at 1", c)
	}
}

func TestResolve_Empty(t *testing.T) {
	s := &fakeSearcher{}
	got, err := New(s).Resolve(context.Background(), extract.Entities{}, ChunkContext{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Resolved == nil || got.Unresolved == nil || len(got.Resolved)+len(got.Unresolved) != 0 {
		t.Errorf("got = %+v, want empty non-nil lists", got)
	}
	if len(s.calls) != 0 {
		t.Errorf("calls = %v, want none", s.calls)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ResolveMaxCandidates = 3
	cfg.ResolveAmbiguityDelta = config.Float(0.2)

	s := &fakeSearcher{results: map[string][]registry.AliasSearchResult{
		"X": {result("a", "A", 0, 0.5, 0.8), result("b", "B", 0, 0.5, 0.5)},
	}}
	r := New(s, OptionsFromConfig(cfg)...)

	got, err := r.Resolve(context.Background(), entities("X"), ChunkContext{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if s.limits[0] != 3 {
		t.Errorf("limit = %d, want 3", s.limits[0])
	}
	// 0.15 apart, inside the widened delta
	if !got.Resolved[0].IsAmbiguous {
		t.Errorf("IsAmbiguous = false with delta 0.2: %+v", got.Resolved[0].Candidates)
	}
}

func TestResolve_Metrics(t *testing.T) {
	m, reader := newTestMetrics(t)
	s := &fakeSearcher{results: map[string][]registry.AliasSearchResult{
		"アキラ": {result("char_001", "火野アキラ", 14, 0.92, 0.73)},
	}}
	r := New(s, WithMetrics(m))

	if _, err := r.Resolve(context.Background(), entities("アキラ", "ソウ タ"), ChunkContext{ChunkIndex: 15}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	values := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				key := met.Name
				if v, ok := dp.Attributes.Value("outcome"); ok {
					key += "/" + v.AsString()
				}
				values[key] += dp.Value
			}
		}
	}

	// ソウ タ is looked up twice (original and compacted)
	if values["kizuna.resolve.lookups"] != 3 {
		t.Errorf("lookups = %d, want 3", values["kizuna.resolve.lookups"])
	}
	if values["kizuna.resolve.outcomes/resolved"] != 1 || values["kizuna.resolve.outcomes/unresolved"] != 1 {
		t.Errorf("outcomes = %v", values)
	}
}
