// Package scoring classifies prompts into routing tiers.
// Classification is a pure function of the prompt and the config: no I/O,
// deterministic, O(keywords x prompt length).
package scoring

import (
	"regexp"
	"sort"
	"sync"
)

// DimensionScore is one dimension's contribution to the total.
type DimensionScore struct {
	Name    string  `json:"name"`
	Matches int     `json:"matches"`
	Score   float64 `json:"score"`
}

// Result is the outcome of classifying one prompt.
type Result struct {
	Tier       Tier             `json:"tier"`
	TotalScore float64          `json:"totalScore"`
	Dimensions []DimensionScore `json:"dimensions"`
	Confidence float64          `json:"confidence"`
}

// Engine scores prompts against a Config. Keyword regexes are compiled once.
type Engine struct {
	cfg      *Config
	patterns [][]*regexp.Regexp // parallel to cfg.Dimensions
}

var (
	defaultEngine     *Engine
	defaultEngineOnce sync.Once
)

// Default returns the engine built from DefaultConfig.
func Default() *Engine {
	defaultEngineOnce.Do(func() {
		defaultEngine = NewEngine(DefaultConfig())
	})
	return defaultEngine
}

// NewEngine compiles the keyword patterns for a config.
// Keywords match case-insensitively on whole-word boundaries.
func NewEngine(cfg *Config) *Engine {
	e := &Engine{cfg: cfg, patterns: make([][]*regexp.Regexp, len(cfg.Dimensions))}
	for i, dim := range cfg.Dimensions {
		pats := make([]*regexp.Regexp, 0, len(dim.Keywords))
		for _, kw := range dim.Keywords {
			pats = append(pats, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
		}
		e.patterns[i] = pats
	}
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() *Config {
	return e.cfg
}

// Classify scores a prompt and assigns a tier.
// Dimensions come back sorted by score descending; ties keep config order.
func (e *Engine) Classify(prompt string) Result {
	dims := make([]DimensionScore, 0, len(e.cfg.Dimensions))
	total := 0.0

	for i, dim := range e.cfg.Dimensions {
		matches := 0
		for _, pat := range e.patterns[i] {
			matches += len(pat.FindAllStringIndex(prompt, -1))
		}
		score := float64(matches) * dim.Weight
		total += score
		dims = append(dims, DimensionScore{Name: dim.Name, Matches: matches, Score: score})
	}

	sort.SliceStable(dims, func(a, b int) bool {
		return dims[a].Score > dims[b].Score
	})

	confidence := 0.5
	if total > 0 {
		top := 0.0
		for i := 0; i < 3 && i < len(dims); i++ {
			top += dims[i].Score
		}
		confidence = top / total
	}

	return Result{
		Tier:       e.cfg.TierFor(total),
		TotalScore: total,
		Dimensions: dims,
		Confidence: confidence,
	}
}

// Classify scores a prompt using the default engine.
func Classify(prompt string) Result {
	return Default().Classify(prompt)
}
