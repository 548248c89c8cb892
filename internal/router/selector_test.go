package router

import (
	"testing"

	"github.com/smartrouter/smartrouter/internal/scoring"
)

func testConfig() *scoring.Config {
	return &scoring.Config{
		MediumMin:    3,
		ComplexMin:   8,
		ReasoningMin: 15,
		TierModels: map[scoring.Tier][]scoring.Candidate{
			scoring.TierSimple: {
				{Provider: "google", Model: "gemini-2.0-flash"},
				{Provider: "openai", Model: "gpt-4.1-mini"},
			},
			scoring.TierMedium: {
				{Provider: "openai", Model: "gpt-4.1"},
				{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			},
			scoring.TierComplex: {
				{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			},
			scoring.TierReasoning: {
				{Provider: "deepseek", Model: "deepseek-reasoner"},
			},
		},
		ProviderFallback: []string{"openai", "anthropic", "google", "deepseek"},
	}
}

func avail(providers ...string) map[string]bool {
	m := make(map[string]bool)
	for _, p := range providers {
		m[p] = true
	}
	return m
}

func TestSimplePromptSingleProvider(t *testing.T) {
	res := scoring.Classify("hi")
	if res.Tier != scoring.TierSimple || res.TotalScore != 0 {
		t.Fatalf("classify(hi) = %+v", res)
	}

	d := Select(scoring.DefaultConfig(), res, avail("google"))
	if d.Primary.Provider != "google" || d.Primary.Model != "gemini-2.0-flash" {
		t.Errorf("primary = %+v", d.Primary)
	}
	if len(d.Fallback) != 0 {
		t.Errorf("fallback = %+v, want empty", d.Fallback)
	}
}

func TestTargetTierOrder(t *testing.T) {
	cfg := testConfig()
	res := scoring.Result{Tier: scoring.TierSimple}

	d := Select(cfg, res, avail("google", "openai"))
	if d.Primary.Provider != "google" {
		t.Errorf("primary = %+v", d.Primary)
	}
	if len(d.Fallback) != 1 || d.Fallback[0].Provider != "openai" {
		t.Errorf("fallback = %+v", d.Fallback)
	}
}

func TestOtherTiersWhenTargetEmpty(t *testing.T) {
	cfg := testConfig()
	// REASONING has only deepseek; with deepseek unavailable the walk
	// falls through the other tiers in fixed order.
	d := Select(cfg, scoring.Result{Tier: scoring.TierReasoning}, avail("anthropic"))
	if d.Primary.Provider != "anthropic" {
		t.Errorf("primary = %+v", d.Primary)
	}
}

func TestGlobalFallbackAddsUnrepresented(t *testing.T) {
	cfg := testConfig()
	d := Select(cfg, scoring.Result{Tier: scoring.TierSimple}, avail("google", "deepseek"))
	if d.Primary.Provider != "google" {
		t.Fatalf("primary = %+v", d.Primary)
	}
	// deepseek has no SIMPLE entry; the global fallback contributes one
	// candidate for it.
	found := false
	for _, c := range d.Fallback {
		if c.Provider == "deepseek" {
			found = true
		}
	}
	if !found {
		t.Errorf("fallback missing deepseek: %+v", d.Fallback)
	}
}

func TestNoneWhenNothingAvailable(t *testing.T) {
	d := Select(testConfig(), scoring.Result{Tier: scoring.TierSimple}, avail())
	if !d.None() {
		t.Errorf("decision = %+v, want none", d)
	}
	if d.Candidates() != nil {
		t.Error("none decision should have no candidates")
	}
}

func TestPrimaryAlwaysAvailable(t *testing.T) {
	cfg := testConfig()
	sets := []map[string]bool{
		avail(), avail("google"), avail("openai"), avail("anthropic", "deepseek"),
		avail("google", "openai", "anthropic", "deepseek"),
	}
	for _, a := range sets {
		for _, tier := range scoring.TierOrder {
			d := Select(cfg, scoring.Result{Tier: tier}, a)
			if d.None() {
				continue
			}
			for _, c := range d.Candidates() {
				if !a[c.Provider] {
					t.Errorf("tier %s avail %v: candidate %+v not available", tier, a, c)
				}
			}
		}
	}
}

func TestNoDuplicateCandidates(t *testing.T) {
	cfg := testConfig()
	d := Select(cfg, scoring.Result{Tier: scoring.TierMedium}, avail("openai", "anthropic"))
	seen := map[scoring.Candidate]bool{}
	for _, c := range d.Candidates() {
		if seen[c] {
			t.Errorf("duplicate candidate %+v", c)
		}
		seen[c] = true
	}
}
