package scoring

// Tier is the routing tier derived from the total prompt score.
type Tier string

const (
	TierSimple    Tier = "SIMPLE"
	TierMedium    Tier = "MEDIUM"
	TierComplex   Tier = "COMPLEX"
	TierReasoning Tier = "REASONING"
)

// TierOrder is the fixed walk order used when the target tier has no
// available candidate.
var TierOrder = []Tier{TierSimple, TierMedium, TierComplex, TierReasoning}

// Candidate is a provider/model pair a tier list can offer.
type Candidate struct {
	Provider string
	Model    string
}

// DimensionConfig is one keyword bucket contributing to the prompt score.
// Slice order is the tie-break order for equal dimension scores.
type DimensionConfig struct {
	Name     string
	Weight   float64
	Keywords []string
}

// Config holds the classifier values: dimension keyword map, weights, tier
// boundaries and the per-tier candidate lists. These are deployment values,
// not contracts; DefaultConfig ships a reasonable set.
type Config struct {
	Dimensions []DimensionConfig

	// Half-open tier boundaries: [0,MediumMin) SIMPLE, [MediumMin,ComplexMin)
	// MEDIUM, [ComplexMin,ReasoningMin) COMPLEX, [ReasoningMin,inf) REASONING.
	MediumMin    float64
	ComplexMin   float64
	ReasoningMin float64

	// TierModels is the ordered candidate list per tier.
	TierModels map[Tier][]Candidate

	// ProviderFallback is the global provider fallback order.
	ProviderFallback []string
}

// DefaultConfig returns the built-in classifier configuration.
func DefaultConfig() *Config {
	return &Config{
		Dimensions: []DimensionConfig{
			{Name: "code_generation", Weight: 2, Keywords: []string{
				"code", "function", "implement", "script", "class", "api",
				"refactor", "snippet", "program", "library", "compile",
			}},
			{Name: "debugging", Weight: 2, Keywords: []string{
				"debug", "error", "bug", "fix", "crash", "stack trace",
				"exception", "traceback", "segfault", "not working",
			}},
			{Name: "explanation", Weight: 1, Keywords: []string{
				"explain", "what is", "how does", "why does", "describe",
				"difference between", "meaning of",
			}},
			{Name: "math_logic", Weight: 2, Keywords: []string{
				"calculate", "solve", "equation", "proof", "integral",
				"derivative", "probability", "theorem", "algebra", "geometry",
			}},
			{Name: "creative_writing", Weight: 1.5, Keywords: []string{
				"story", "poem", "write a", "fiction", "lyrics", "novel",
				"screenplay", "character", "plot",
			}},
			{Name: "translation", Weight: 1, Keywords: []string{
				"translate", "translation", "in french", "in spanish",
				"in german", "in japanese", "in chinese",
			}},
			{Name: "data_analysis", Weight: 1.5, Keywords: []string{
				"analyze", "dataset", "csv", "statistics", "correlation",
				"visualization", "pandas", "sql", "aggregate", "trend",
			}},
			{Name: "system_design", Weight: 2.5, Keywords: []string{
				"architecture", "design a system", "scalable", "microservice",
				"distributed", "load balancer", "database schema", "throughput",
				"high availability",
			}},
			{Name: "security", Weight: 2, Keywords: []string{
				"vulnerability", "exploit", "encryption", "authentication",
				"xss", "csrf", "injection", "penetration", "security audit",
			}},
			{Name: "research", Weight: 2, Keywords: []string{
				"research", "literature", "survey", "compare", "state of the art",
				"citation", "paper", "study",
			}},
			{Name: "reasoning", Weight: 3, Keywords: []string{
				"step by step", "reason", "think through", "logic puzzle",
				"deduce", "prove", "chain of thought", "riddle", "strategy",
			}},
			{Name: "conversation", Weight: 0.5, Keywords: []string{
				"hello", "thanks", "how are you", "good morning", "chat",
				"opinion",
			}},
			{Name: "summarization", Weight: 1, Keywords: []string{
				"summarize", "summary", "tldr", "key points", "condense",
				"abstract",
			}},
			{Name: "multimodal", Weight: 1.5, Keywords: []string{
				"image", "picture", "photo", "diagram", "screenshot", "chart",
				"video", "audio",
			}},
		},
		MediumMin:    3,
		ComplexMin:   8,
		ReasoningMin: 15,
		TierModels: map[Tier][]Candidate{
			TierSimple: {
				{Provider: "google", Model: "gemini-2.0-flash"},
				{Provider: "groq", Model: "llama-3.3-70b-versatile"},
				{Provider: "openai", Model: "gpt-4.1-mini"},
				{Provider: "deepseek", Model: "deepseek-chat"},
			},
			TierMedium: {
				{Provider: "openai", Model: "gpt-4.1"},
				{Provider: "google", Model: "gemini-2.5-flash"},
				{Provider: "anthropic", Model: "claude-sonnet-4-5"},
				{Provider: "dashscope", Model: "qwen-plus"},
			},
			TierComplex: {
				{Provider: "anthropic", Model: "claude-sonnet-4-5"},
				{Provider: "openai", Model: "gpt-4.1"},
				{Provider: "google", Model: "gemini-2.5-pro"},
				{Provider: "antigravity", Model: "gemini-3-pro"},
			},
			TierReasoning: {
				{Provider: "codex", Model: "gpt-5-codex"},
				{Provider: "anthropic", Model: "claude-opus-4-5"},
				{Provider: "deepseek", Model: "deepseek-reasoner"},
				{Provider: "xai", Model: "grok-4"},
				{Provider: "antigravity", Model: "gemini-3-pro"},
			},
		},
		ProviderFallback: []string{
			"openai", "anthropic", "google", "antigravity", "codex",
			"deepseek", "dashscope", "xai", "groq", "openrouter",
		},
	}
}

// TierFor maps a total score to its tier using the half-open boundaries.
func (c *Config) TierFor(total float64) Tier {
	switch {
	case total < c.MediumMin:
		return TierSimple
	case total < c.ComplexMin:
		return TierMedium
	case total < c.ReasoningMin:
		return TierComplex
	default:
		return TierReasoning
	}
}

// ModelsForTier returns the ordered candidate list for a tier.
func (c *Config) ModelsForTier(t Tier) []Candidate {
	return c.TierModels[t]
}

// AnyModelForProvider returns the first candidate owned by the provider,
// scanning tiers in fixed order. Used by the global fallback step.
func (c *Config) AnyModelForProvider(provider string) (Candidate, bool) {
	for _, t := range TierOrder {
		for _, cand := range c.TierModels[t] {
			if cand.Provider == provider {
				return cand, true
			}
		}
	}
	return Candidate{}, false
}
