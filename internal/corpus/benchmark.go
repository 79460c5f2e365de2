package corpus

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/valpere/gemmabn/internal"
)

// Benchmark is a test set stored as one file per language.
type Benchmark struct {
	Name string
	Tag  string
	// pathFor returns the file for a language code, relative to the data dir.
	pathFor func(lang string) string
}

// Path returns the benchmark file for lang under dataDir.
func (b Benchmark) Path(dataDir, lang string) string {
	return filepath.Join(dataDir, b.pathFor(lang))
}

var benchmarks = map[string]Benchmark{
	"rising": {
		Name: "RisingNews",
		Tag:  "rising",
		pathFor: func(lang string) string {
			return filepath.Join("RisingNews-benchmark", "RisingNews.valid."+lang)
		},
	},
	"supara": {
		Name: "SUPara",
		Tag:  "supara",
		pathFor: func(lang string) string {
			return filepath.Join("SUPara-benchmark", "suparadev2018", "suparadev_"+lang+".txt")
		},
	},
}

// Lookup returns the benchmark registered under tag.
func Lookup(tag string) (Benchmark, error) {
	b, ok := benchmarks[tag]
	if !ok {
		return Benchmark{}, fmt.Errorf("unknown benchmark %q (known: %v)", tag, Tags())
	}
	return b, nil
}

// Tags lists the registered benchmark tags in order.
func Tags() []string {
	tags := make([]string, 0, len(benchmarks))
	for t := range benchmarks {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Resolve expands "all" and validates the rest.
func Resolve(tags []string) ([]Benchmark, error) {
	var out []Benchmark
	seen := make(map[string]bool)
	for _, t := range tags {
		expand := []string{t}
		if t == "all" {
			expand = Tags()
		}
		for _, tag := range expand {
			if seen[tag] {
				continue
			}
			b, err := Lookup(tag)
			if err != nil {
				return nil, err
			}
			seen[tag] = true
			out = append(out, b)
		}
	}
	return out, nil
}

// Load reads the benchmark pair for the given source and target languages.
func (b Benchmark) Load(dataDir, sourceLang, targetLang string) ([]internal.ParallelRecord, error) {
	return ReadPairs(b.Path(dataDir, sourceLang), b.Path(dataDir, targetLang))
}
