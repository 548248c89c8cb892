package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PromRecorder exports request counters and latency histograms.
type PromRecorder struct {
	requests *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	cost     prometheus.Counter
}

// NewPromRecorder registers the router metrics on a registerer
// (prometheus.DefaultRegisterer in production).
func NewPromRecorder(reg prometheus.Registerer) *PromRecorder {
	r := &PromRecorder{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartrouter_requests_total",
			Help: "Routed chat completion requests.",
		}, []string{"provider", "tier", "success"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartrouter_tokens_total",
			Help: "Tokens consumed upstream.",
		}, []string{"provider", "direction"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartrouter_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
		cost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartrouter_estimated_cost_usd_total",
			Help: "Estimated upstream spend.",
		}),
	}
	reg.MustRegister(r.requests, r.tokens, r.latency, r.cost)
	return r
}

func (r *PromRecorder) RecordRequest(rec Request) {
	r.requests.WithLabelValues(rec.Provider, rec.Tier, strconv.FormatBool(rec.Success)).Inc()
	r.tokens.WithLabelValues(rec.Provider, "prompt").Add(float64(rec.PromptTokens))
	r.tokens.WithLabelValues(rec.Provider, "completion").Add(float64(rec.CompletionTokens))
	r.latency.WithLabelValues(rec.Provider).Observe(float64(rec.LatencyMs) / 1000)
	if rec.EstimatedCostUSD > 0 {
		r.cost.Add(rec.EstimatedCostUSD)
	}
}
