package prompt

import (
	"fmt"

	"golang.org/x/text/language"
)

// Language is one side of the translation pair.
type Language struct {
	Code string
	Name string
	Tag  language.Tag
}

var (
	Bengali = Language{Code: "bn", Name: "Bengali", Tag: language.Bengali}
	English = Language{Code: "en", Name: "English", Tag: language.English}
)

var supported = []Language{Bengali, English}

// ParseLanguage resolves a BCP 47 code ("bn", "en-US", "bn-BD") to a supported Language.
func ParseLanguage(code string) (Language, error) {
	tag, err := language.Parse(code)
	if err != nil {
		return Language{}, fmt.Errorf("invalid language code %q: %w", code, err)
	}
	base, _ := tag.Base()
	for _, l := range supported {
		if b, _ := l.Tag.Base(); b == base {
			return l, nil
		}
	}
	return Language{}, fmt.Errorf("unsupported language %q", code)
}

func (l Language) String() string {
	return l.Code
}

// Pair is the configured translation pair. Source is the language the
// benchmarks are read from; Target is what predictions are scored against.
type Pair struct {
	Source Language
	Target Language
}

// NewPair parses both codes and rejects identical languages.
func NewPair(source, target string) (Pair, error) {
	src, err := ParseLanguage(source)
	if err != nil {
		return Pair{}, err
	}
	tgt, err := ParseLanguage(target)
	if err != nil {
		return Pair{}, err
	}
	if src.Code == tgt.Code {
		return Pair{}, fmt.Errorf("source and target language are both %s", src.Code)
	}
	return Pair{Source: src, Target: tgt}, nil
}

// Oriented returns the (from, to) languages for a direction.
func (p Pair) Oriented(d Direction) (Language, Language) {
	if d == TargetToSource {
		return p.Target, p.Source
	}
	return p.Source, p.Target
}

func (p Pair) String() string {
	return p.Source.Code + "-" + p.Target.Code
}
