package extract

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hpungsan/kizuna/internal/chunk"
	"github.com/hpungsan/kizuna/internal/config"
)

func findMention(t *testing.T, ents Entities, name string) CharacterMention {
	t.Helper()
	for _, c := range ents.Characters {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no character %q in %+v", name, ents.Characters)
	return CharacterMention{}
}

func hasHit(hits []Hit, value string) bool {
	for _, h := range hits {
		if h.Value == value {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestExtract_Scenario(t *testing.T) {
	text := "隊長アキラさんと姫ミナが彼を待つ。東京市にて。"
	ents := New().Extract(chunk.Normalize(text))

	akira := findMention(t, ents, "アキラ")
	if !contains(akira.Titles, "隊長") {
		t.Errorf("アキラ titles = %v, want 隊長", akira.Titles)
	}
	if !contains(akira.Honorifics, "さん") {
		t.Errorf("アキラ honorifics = %v, want さん", akira.Honorifics)
	}
	if len(akira.Positions) != 1 || akira.Positions[0] != strings.Index(text, "アキラ") {
		t.Errorf("アキラ positions = %v", akira.Positions)
	}

	if !hasHit(ents.Honorifics, "さん") {
		t.Errorf("honorifics = %v, want さん", ents.Honorifics)
	}
	if ents.Honorifics[0].Position != strings.Index(text, "さん") {
		t.Errorf("honorific position = %d, want offset right after the name", ents.Honorifics[0].Position)
	}
	if !hasHit(ents.Pronouns, "彼") {
		t.Errorf("pronouns = %v, want 彼", ents.Pronouns)
	}
	if !hasHit(ents.Locations, "東京市") {
		t.Errorf("locations = %v, want 東京市", ents.Locations)
	}

	for _, c := range ents.Characters {
		if c.Name == "隊長" || c.Name == "東京市" {
			t.Errorf("%q should not be a character candidate", c.Name)
		}
	}
}

func TestExtract_AggregatesRepeatedNames(t *testing.T) {
	text := "アキラが来た。アキラ君は笑った。団長アキラ。"
	ents := New().Extract(chunk.Normalize(text))

	if len(ents.Characters) != 1 {
		t.Fatalf("Characters = %+v, want one aggregated entry", ents.Characters)
	}
	akira := ents.Characters[0]
	if len(akira.Positions) != 3 {
		t.Errorf("positions = %v, want 3", akira.Positions)
	}
	for i := 1; i < len(akira.Positions); i++ {
		if akira.Positions[i] <= akira.Positions[i-1] {
			t.Errorf("positions not strictly ascending: %v", akira.Positions)
		}
	}
	if !contains(akira.Honorifics, "君") || !contains(akira.Titles, "団長") {
		t.Errorf("honorifics = %v titles = %v", akira.Honorifics, akira.Titles)
	}
}

func TestExtract_MaxPositions(t *testing.T) {
	text := strings.Repeat("アキラと", 20)
	ents := New(WithMaxPositions(5)).Extract(chunk.Normalize(text))

	akira := findMention(t, ents, "アキラ")
	if len(akira.Positions) != 5 {
		t.Errorf("positions = %d, want capped at 5", len(akira.Positions))
	}
}

func TestExtract_NamePatterns(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"katakana with long vowel", "ルーシーが走る", []string{"ルーシー"}},
		{"short katakana ignored", "ミナが走る", nil},
		{"kanji run", "火野が走る", []string{"火野"}},
		{"single kanji ignored", "姫が走る", nil},
		{"latin two words", "Alice Liddell arrived", []string{"Alice Liddell"}},
		{"leading stopword stripped", "Then Alice arrived", []string{"Alice"}},
		{"latin stopword", "The end", nil},
		{"pronoun not a name", "彼女が走る", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ents := New().Extract(chunk.Normalize(tt.input))
			var got []string
			for _, c := range ents.Characters {
				got = append(got, c.Name)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("names = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtract_AffixesSplitFromNames(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      string
		title     string
		honorific string
	}{
		{"latin title word", "Captain Alice waited.", "Alice", "Captain", ""},
		{"latin hyphen honorific", "Then Alice-san smiled.", "Alice", "", "-san"},
		{"abbreviated title", "Dr. Watson came.", "Watson", "Dr.", ""},
		{"abbreviated title without dot", "Mr Smith came.", "Smith", "Mr", ""},
		{"kanji honorific", "田中様が来た。", "田中", "", "様"},
		{"kanji title", "隊長田中が来た。", "田中", "隊長", ""},
		{"kanji title and honorific", "部長佐藤先生が来た。", "佐藤", "部長", "先生"},
		{"single-kanji title kept as surname", "王小明が来た。", "王小明", "", ""},
		{"remainder too short", "源氏が来た。", "源氏", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ents := New().Extract(chunk.Normalize(tt.input))
			if len(ents.Characters) != 1 {
				t.Fatalf("Characters = %+v, want only %q", ents.Characters, tt.want)
			}
			c := ents.Characters[0]
			if c.Name != tt.want {
				t.Fatalf("name = %q, want %q", c.Name, tt.want)
			}
			if c.Positions[0] != strings.Index(tt.input, tt.want) {
				t.Errorf("position = %d, want %d", c.Positions[0], strings.Index(tt.input, tt.want))
			}
			if tt.title != "" && !contains(c.Titles, tt.title) {
				t.Errorf("titles = %v, want %q", c.Titles, tt.title)
			}
			if tt.title == "" && len(c.Titles) != 0 {
				t.Errorf("titles = %v, want none", c.Titles)
			}
			if tt.honorific == "" {
				if len(c.Honorifics) != 0 || len(ents.Honorifics) != 0 {
					t.Errorf("honorifics = %v / %v, want none", c.Honorifics, ents.Honorifics)
				}
				return
			}
			if !contains(c.Honorifics, tt.honorific) {
				t.Errorf("honorifics = %v, want %q", c.Honorifics, tt.honorific)
			}
			wantPos := strings.Index(tt.input, tt.want) + len(tt.want)
			if len(ents.Honorifics) != 1 || ents.Honorifics[0].Value != tt.honorific || ents.Honorifics[0].Position != wantPos {
				t.Errorf("honorific hits = %+v, want %q at %d", ents.Honorifics, tt.honorific, wantPos)
			}
		})
	}
}

func TestExtract_PronounsLongestFirst(t *testing.T) {
	ents := New().Extract(chunk.Normalize("彼女と彼"))

	if len(ents.Pronouns) != 2 {
		t.Fatalf("pronouns = %v, want 2 hits", ents.Pronouns)
	}
	if ents.Pronouns[0].Value != "彼女" || ents.Pronouns[1].Value != "彼" {
		t.Errorf("pronouns = %v, want [彼女 彼]", ents.Pronouns)
	}
}

func TestExtract_LatinLocation(t *testing.T) {
	ents := New().Extract(chunk.Normalize("They rode to Ember City at dawn."))

	if !hasHit(ents.Locations, "Ember City") {
		t.Errorf("locations = %v, want Ember City", ents.Locations)
	}
	for _, c := range ents.Characters {
		if c.Name == "Ember City" {
			t.Error("location span should not be a character")
		}
	}
}

type fixedNames []Match

func (f fixedNames) MatchNames(string) []Match { return f }

func TestExtract_CustomNameMatcher(t *testing.T) {
	text := "xx Bob xx Bob"
	matcher := fixedNames{
		{Value: " Bob", Start: 2, End: 6},
		{Value: "Bob", Start: 10, End: 13},
		{Value: "Bob", Start: 10, End: 13},
		{Value: "B", Start: 3, End: 4},
	}
	ents := New(WithNameMatcher(matcher)).Extract(chunk.NormalizedText{Normalized: text})

	bob := findMention(t, ents, "Bob")
	if len(bob.Positions) != 2 || bob.Positions[0] != 3 || bob.Positions[1] != 10 {
		t.Errorf("positions = %v, want [3 10] (trimmed, consecutive duplicate dropped)", bob.Positions)
	}
	if len(ents.Characters) != 1 {
		t.Errorf("characters = %+v, want short match discarded", ents.Characters)
	}
}

func TestExtract_EmptyText(t *testing.T) {
	ents := New().Extract(chunk.Normalize(""))
	if len(ents.Characters) != 0 || len(ents.Pronouns) != 0 || len(ents.Locations) != 0 || len(ents.Honorifics) != 0 {
		t.Errorf("Extract(\"\") = %+v, want empty", ents)
	}
	if ents.Characters == nil {
		t.Error("Characters should be an empty slice, not nil")
	}
}

func TestEntities_Aliases(t *testing.T) {
	ents := Entities{Characters: []CharacterMention{{Name: "b"}, {Name: "a"}, {Name: "b"}}}
	got := ents.Aliases()
	if strings.Join(got, ",") != "b,a" {
		t.Errorf("Aliases() = %v, want [b a]", got)
	}
}

func TestLoadLexicon(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.yaml")
	if err := os.WriteFile(path, []byte("titles: [艦長]\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	lx, err := LoadLexicon(path)
	if err != nil {
		t.Fatalf("LoadLexicon() error = %v", err)
	}
	if len(lx.Titles) != 1 || lx.Titles[0] != "艦長" {
		t.Errorf("Titles = %v, want [艦長]", lx.Titles)
	}
	if len(lx.Honorifics) == 0 {
		t.Error("Honorifics should keep defaults")
	}

	ents := New(WithLexicon(lx)).Extract(chunk.Normalize("艦長アキラ"))
	akira := findMention(t, ents, "アキラ")
	if !contains(akira.Titles, "艦長") {
		t.Errorf("titles = %v, want 艦長", akira.Titles)
	}
}

func TestLoadLexicon_UnknownKey(t *testing.T) {
	_, err := LoadLexiconFromReader(strings.NewReader("titlez: [x]\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ExtractMaxPositions = 2

	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("OptionsFromConfig() error = %v", err)
	}
	ents := New(opts...).Extract(chunk.Normalize("アキラ、アキラ、アキラ"))
	if got := len(findMention(t, ents, "アキラ").Positions); got != 2 {
		t.Errorf("positions = %d, want 2", got)
	}

	cfg.LexiconPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := OptionsFromConfig(cfg); err == nil {
		t.Error("expected error for missing lexicon file")
	}
}
