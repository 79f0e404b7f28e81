package extract

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Lexicon holds the closed term lists used by the extractor.
//
// Example file:
//
//	honorifics: [さん, 様, 君]
//	titles: [隊長, 団長]
//	latin_location_suffixes: [City, Town]
type Lexicon struct {
	Honorifics            []string `yaml:"honorifics" json:"honorifics"`
	Titles                []string `yaml:"titles" json:"titles"`
	Pronouns              []string `yaml:"pronouns" json:"pronouns"`
	LocationSuffixes      []string `yaml:"location_suffixes" json:"location_suffixes"`
	LatinLocationSuffixes []string `yaml:"latin_location_suffixes" json:"latin_location_suffixes"`

	// Stopwords are strings the name pattern picks up that are never names.
	Stopwords []string `yaml:"stopwords" json:"stopwords"`
}

// DefaultLexicon returns the built-in term lists.
func DefaultLexicon() *Lexicon {
	return &Lexicon{
		Honorifics: []string{"さん", "様", "さま", "君", "くん", "ちゃん", "殿", "先生", "氏", "嬢", "先輩", "-san", "-sama", "-kun", "-chan"},
		Titles: []string{
			"隊長", "団長", "部長", "課長", "社長", "司令官", "司令", "王", "女王", "王子", "姫", "博士",
			"隊員", "提督", "将軍", "騎士", "陛下", "殿下",
			"Captain", "Commander", "Lord", "Lady", "King", "Queen", "Prince", "Princess", "Doctor", "Sir",
			"Dr.", "Dr", "Mr.", "Mr", "Mrs.", "Mrs", "Ms.", "Ms",
		},
		Pronouns:              []string{"彼女", "彼ら", "彼", "私", "わたし", "あたし", "俺", "僕", "ぼく", "あなた", "お前", "貴様", "君たち", "我々"},
		LocationSuffixes:      []string{"市", "町", "村", "県", "国", "城", "領"},
		LatinLocationSuffixes: []string{"City", "Town", "Kingdom", "Empire"},
		Stopwords: []string{
			"自分", "今日", "明日", "昨日", "今夜", "本当", "世界", "時間", "一緒",
			"The", "This", "That", "These", "Those", "There", "Then", "When", "What", "Where", "Who", "Why", "How",
			"But", "And", "Chapter", "He", "She", "It", "We", "You", "They", "His", "Her", "Its", "Our", "Their",
			"In", "On", "At", "If", "So", "Yes", "No", "Oh",
		},
	}
}

// LoadLexicon reads a YAML lexicon from path. Lists present in the file
// replace the corresponding defaults; absent lists keep them.
func LoadLexicon(path string) (*Lexicon, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("extract: open lexicon %q: %w", path, err)
	}
	defer f.Close()

	lx, err := LoadLexiconFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("extract: parse lexicon %q: %w", path, err)
	}
	return lx, nil
}

// LoadLexiconFromReader parses a YAML lexicon from r. Unknown keys are rejected.
func LoadLexiconFromReader(r io.Reader) (*Lexicon, error) {
	var file Lexicon
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("extract: decode lexicon yaml: %w", err)
	}

	lx := DefaultLexicon()
	override := func(dst *[]string, src []string) {
		if src != nil {
			*dst = src
		}
	}
	override(&lx.Honorifics, file.Honorifics)
	override(&lx.Titles, file.Titles)
	override(&lx.Pronouns, file.Pronouns)
	override(&lx.LocationSuffixes, file.LocationSuffixes)
	override(&lx.LatinLocationSuffixes, file.LatinLocationSuffixes)
	override(&lx.Stopwords, file.Stopwords)
	return lx, nil
}
