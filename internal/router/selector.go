// Package router turns a classified prompt into an ordered candidate list
// and drives the upstream dispatch with fallback.
package router

import (
	"github.com/smartrouter/smartrouter/internal/scoring"
)

// Decision reasons.
const (
	ReasonAuto     = "AUTO"
	ReasonExplicit = "EXPLICIT"
)

// ProviderNone marks an empty decision; the dispatcher answers 503.
const ProviderNone = "none"

// Decision is the routing outcome for one request.
type Decision struct {
	Tier       scoring.Tier
	Score      float64
	Confidence float64
	Reason     string
	Task       string // dominant scoring dimension, for stats
	Primary    scoring.Candidate
	Fallback   []scoring.Candidate
}

// None reports whether no candidate could be found.
func (d *Decision) None() bool {
	return d.Primary.Provider == ProviderNone
}

// Candidates returns primary followed by the fallback chain.
func (d *Decision) Candidates() []scoring.Candidate {
	if d.None() {
		return nil
	}
	return append([]scoring.Candidate{d.Primary}, d.Fallback...)
}

// Select builds the routing decision for a scoring result against the
// currently available providers.
//
// Order of preference: the target tier's list, then the remaining tiers in
// fixed SIMPLE->MEDIUM->COMPLEX->REASONING order, then one candidate per
// provider from the global fallback order. Every candidate's provider is in
// the availability set; an unavailable provider never appears.
func Select(cfg *scoring.Config, res scoring.Result, avail map[string]bool) Decision {
	d := Decision{
		Tier:       res.Tier,
		Score:      res.TotalScore,
		Confidence: res.Confidence,
		Reason:     ReasonAuto,
		Primary:    scoring.Candidate{Provider: ProviderNone},
	}
	if len(res.Dimensions) > 0 && res.Dimensions[0].Score > 0 {
		d.Task = res.Dimensions[0].Name
	}

	seen := make(map[scoring.Candidate]bool)
	add := func(c scoring.Candidate) {
		if seen[c] {
			return
		}
		seen[c] = true
		if d.None() {
			d.Primary = c
		} else {
			d.Fallback = append(d.Fallback, c)
		}
	}

	for _, c := range cfg.ModelsForTier(res.Tier) {
		if avail[c.Provider] {
			add(c)
		}
	}
	// Other tiers are consulted only when the target tier had nothing.
	if d.None() {
		for _, tier := range scoring.TierOrder {
			if tier == res.Tier {
				continue
			}
			for _, c := range cfg.ModelsForTier(tier) {
				if avail[c.Provider] {
					add(c)
				}
			}
		}
	}

	represented := make(map[string]bool)
	for c := range seen {
		represented[c.Provider] = true
	}
	for _, p := range cfg.ProviderFallback {
		if represented[p] || !avail[p] {
			continue
		}
		if c, ok := cfg.AnyModelForProvider(p); ok {
			add(c)
			represented[p] = true
		}
	}

	return d
}

// Explicit builds the trivial decision for a client-named model.
func Explicit(provider, model string) Decision {
	return Decision{
		Tier:    scoring.TierSimple,
		Reason:  ReasonExplicit,
		Primary: scoring.Candidate{Provider: provider, Model: model},
	}
}
