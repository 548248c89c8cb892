package router

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smartrouter/smartrouter/internal/profiles"
)

// unixSecondsFloor: reset header values above this are absolute Unix
// timestamps rather than seconds-remaining.
const unixSecondsFloor = 1_700_000_000

var rateLimitHeaders = []string{
	"Retry-After",
	"X-RateLimit-Reset",
	"X-RateLimit-Reset-Requests",
	"X-RateLimit-Reset-Tokens",
}

var bodyMarkers = []struct {
	substr string
	reason profiles.FailureReason
}{
	{"rate_limit", profiles.FailRateLimit},
	{"too many requests", profiles.FailRateLimit},
	{"quota_exceeded", profiles.FailRateLimit},
	{"usage_limit", profiles.FailRateLimit},
	{"limit_exceeded", profiles.FailRateLimit},
	{"reached your current", profiles.FailRateLimit},
	{"exhausted", profiles.FailRateLimit},
	{"not_found", profiles.FailModelNotFound},
	{"model not found", profiles.FailModelNotFound},
	{"invalid_api_key", profiles.FailAuth},
	{"unauthorized", profiles.FailAuth},
	{"permission_denied", profiles.FailAuth},
	{"billing", profiles.FailBilling},
	{"insufficient_balance", profiles.FailBilling},
	{"payment_required", profiles.FailBilling},
}

// Failure is a classified upstream error.
type Failure struct {
	Reason profiles.FailureReason
	// Cooldown is the upstream's explicit wait hint; nil means use the
	// store's default backoff.
	Cooldown *time.Duration
}

// ClassifyFailure maps an upstream error response onto the failure taxonomy.
//
// The status code decides first; body substrings refine an unknown verdict
// or confirm rate_limit; the presence of any rate-limit header forces
// rate_limit and its value becomes the explicit cooldown.
func ClassifyFailure(status int, body []byte, header http.Header) Failure {
	var reason profiles.FailureReason
	switch {
	case status == http.StatusTooManyRequests:
		reason = profiles.FailRateLimit
	case status == http.StatusNotFound:
		reason = profiles.FailModelNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		reason = profiles.FailAuth
	case status == http.StatusPaymentRequired:
		reason = profiles.FailBilling
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		reason = profiles.FailTimeout
	default:
		reason = profiles.FailUnknown
	}

	// Body markers refine an unknown verdict; they never demote a verdict
	// the status already fixed.
	if reason == profiles.FailUnknown {
		lower := strings.ToLower(string(body))
		for _, m := range bodyMarkers {
			if strings.Contains(lower, m.substr) {
				reason = m.reason
				break
			}
		}
	}

	for _, h := range rateLimitHeaders {
		if header.Get(h) != "" {
			reason = profiles.FailRateLimit
			break
		}
	}

	return Failure{Reason: reason, Cooldown: explicitCooldown(header)}
}

// explicitCooldown extracts the upstream wait hint, preferring Retry-After.
func explicitCooldown(header http.Header) *time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
			d := time.Duration(secs) * time.Second
			return &d
		}
		if at, err := http.ParseTime(v); err == nil {
			d := time.Until(at)
			if d < 0 {
				d = 0
			}
			return &d
		}
	}

	for _, h := range []string{"X-RateLimit-Reset", "X-RateLimit-Reset-Requests", "X-RateLimit-Reset-Tokens"} {
		v := header.Get(h)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || f < 0 {
			continue
		}
		var d time.Duration
		if f > unixSecondsFloor {
			d = time.Until(time.Unix(int64(f), 0))
			if d < 0 {
				d = 0
			}
		} else {
			d = time.Duration(f * float64(time.Second))
		}
		return &d
	}
	return nil
}
