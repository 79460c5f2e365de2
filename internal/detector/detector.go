package detector

import (
	"fmt"
	"strings"

	lingua "github.com/pemistahl/lingua-go"
)

type Detector struct {
	detector lingua.LanguageDetector
}

// New builds a detector restricted to langs. With no languages it covers
// the Bengali/English pair. The model load is slow; reuse the instance.
func New(langs ...lingua.Language) *Detector {
	if len(langs) == 0 {
		langs = []lingua.Language{lingua.Bengali, lingua.English}
	}
	unconfigured := lingua.NewLanguageDetectorBuilder()
	var builder lingua.LanguageDetectorBuilder
	if len(langs) == 1 {
		// lingua needs at least two candidates.
		builder = unconfigured.FromAllLanguages()
	} else {
		builder = unconfigured.FromLanguages(langs...)
	}
	return &Detector{detector: builder.Build()}
}

// NewFromCodes builds a detector from ISO 639-1 codes such as "bn" and "en".
func NewFromCodes(codes ...string) (*Detector, error) {
	byCode := make(map[string]lingua.Language)
	for _, lang := range lingua.AllLanguages() {
		byCode[lang.IsoCode639_1().String()] = lang
	}

	langs := make([]lingua.Language, 0, len(codes))
	for _, code := range codes {
		lang, ok := byCode[strings.ToUpper(code)]
		if !ok {
			return nil, fmt.Errorf("unsupported language code %q", code)
		}
		langs = append(langs, lang)
	}
	return New(langs...), nil
}

func (d *Detector) Detect(text string) (lingua.Language, bool) {
	if text == "" {
		return lingua.Unknown, false
	}
	return d.detector.DetectLanguageOf(text)
}

func (d *Detector) DetectISO(text string) (string, bool) {
	lang, ok := d.Detect(text)
	if !ok {
		return "", false
	}
	return lang.IsoCode639_1().String(), true
}
