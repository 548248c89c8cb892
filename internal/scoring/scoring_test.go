package scoring

import (
	"reflect"
	"strings"
	"testing"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Dimensions = []DimensionConfig{
		{Name: "alpha", Weight: 1, Keywords: []string{"foo"}},
		{Name: "beta", Weight: 2, Keywords: []string{"bar"}},
	}
	return cfg
}

func TestClassifyEmptyPrompt(t *testing.T) {
	res := Classify("hi")

	if res.Tier != TierSimple {
		t.Errorf("tier = %s, want SIMPLE", res.Tier)
	}
	if res.TotalScore != 0 {
		t.Errorf("total = %f, want 0", res.TotalScore)
	}
	if res.Confidence != 0.5 {
		t.Errorf("confidence = %f, want 0.5", res.Confidence)
	}
}

func TestTierBoundaries(t *testing.T) {
	e := NewEngine(testConfig())

	cases := []struct {
		foos int // each worth 1
		want Tier
	}{
		{0, TierSimple},
		{2, TierSimple},
		{3, TierMedium}, // exactly 3 is MEDIUM
		{7, TierMedium},
		{8, TierComplex}, // exactly 8 is COMPLEX
		{14, TierComplex},
		{15, TierReasoning}, // exactly 15 is REASONING
		{40, TierReasoning},
	}

	for _, c := range cases {
		prompt := strings.TrimSpace(strings.Repeat("foo ", c.foos))
		res := e.Classify(prompt)
		if res.TotalScore != float64(c.foos) {
			t.Errorf("foos=%d: total = %f, want %d", c.foos, res.TotalScore, c.foos)
		}
		if res.Tier != c.want {
			t.Errorf("foos=%d: tier = %s, want %s", c.foos, res.Tier, c.want)
		}
	}
}

func TestWholeWordMatching(t *testing.T) {
	e := NewEngine(testConfig())

	if res := e.Classify("foobar foolish barfly"); res.TotalScore != 0 {
		t.Errorf("substring matches counted: total = %f, want 0", res.TotalScore)
	}
	if res := e.Classify("FOO and Bar"); res.TotalScore != 3 {
		t.Errorf("case-insensitive match failed: total = %f, want 3", res.TotalScore)
	}
}

func TestDimensionOrdering(t *testing.T) {
	e := NewEngine(testConfig())

	// bar scores 2, foo scores 1: beta must sort first.
	res := e.Classify("foo bar")
	if res.Dimensions[0].Name != "beta" || res.Dimensions[1].Name != "alpha" {
		t.Errorf("dimensions not sorted by score: %+v", res.Dimensions)
	}

	// Equal scores keep config insertion order.
	res = e.Classify("foo foo bar")
	if res.Dimensions[0].Name != "alpha" {
		t.Errorf("tie-break should keep insertion order, got %s first", res.Dimensions[0].Name)
	}
}

func TestConfidenceTopThree(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dimensions = []DimensionConfig{
		{Name: "a", Weight: 1, Keywords: []string{"aa"}},
		{Name: "b", Weight: 1, Keywords: []string{"bb"}},
		{Name: "c", Weight: 1, Keywords: []string{"cc"}},
		{Name: "d", Weight: 1, Keywords: []string{"dd"}},
	}
	e := NewEngine(cfg)

	// Four dimensions score 1 each: confidence = 3/4.
	res := e.Classify("aa bb cc dd")
	if res.Confidence != 0.75 {
		t.Errorf("confidence = %f, want 0.75", res.Confidence)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	prompt := "debug this code and explain the error step by step"
	a := Classify(prompt)
	b := Classify(prompt)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("classification not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestDefaultConfigTierLists(t *testing.T) {
	cfg := DefaultConfig()
	for _, tier := range TierOrder {
		if len(cfg.ModelsForTier(tier)) == 0 {
			t.Errorf("tier %s has no candidates", tier)
		}
	}
	if cand, ok := cfg.AnyModelForProvider("google"); !ok || cand.Provider != "google" {
		t.Errorf("AnyModelForProvider(google) = %+v, %v", cand, ok)
	}
	if _, ok := cfg.AnyModelForProvider("nope"); ok {
		t.Error("AnyModelForProvider should miss unknown provider")
	}
}
