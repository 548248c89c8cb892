// Package profiles implements the durable profile store: credentials plus
// per-profile and per-profile-model usage state for provider accounts.
package profiles

import "time"

// CredentialKind discriminates the credential sum type.
type CredentialKind string

const (
	CredOAuth  CredentialKind = "oauth"
	CredAPIKey CredentialKind = "api_key"
	CredToken  CredentialKind = "token"
)

// Credential is a tagged union over the three credential shapes.
// Adapters branch on Kind when building headers or refreshing tokens.
type Credential struct {
	Kind     CredentialKind `json:"kind"`
	Provider string         `json:"provider"`

	// OAuth fields
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"` // epoch ms
	Email        string `json:"email,omitempty"`
	AccountID    string `json:"accountId,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
	ResourceURL  string `json:"resourceUrl,omitempty"`

	// API key fields
	APIKey   string            `json:"apiKey,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"` // e.g. "baseUrl"

	// Opaque bearer token fields
	Token string `json:"token,omitempty"`
}

// Expired reports whether an OAuth credential's access token is past expiry.
func (c *Credential) Expired(now time.Time) bool {
	return c.Kind == CredOAuth && c.ExpiresAt > 0 && c.ExpiresAt < now.UnixMilli()
}

// ProfileState gates selection.
type ProfileState string

const (
	StateActive   ProfileState = "ACTIVE"
	StateCooldown ProfileState = "COOLDOWN"
	StateDisabled ProfileState = "DISABLED"
)

// FailureReason categorizes upstream failures for cooldown accounting.
type FailureReason string

const (
	FailAuth          FailureReason = "auth"
	FailRateLimit     FailureReason = "rate_limit"
	FailBilling       FailureReason = "billing"
	FailTimeout       FailureReason = "timeout"
	FailFormat        FailureReason = "format"
	FailModelNotFound FailureReason = "model_not_found"
	FailUnknown       FailureReason = "unknown"
)

// ModelScoped reports whether a failure with a known model id cools down
// only that model instead of the whole profile.
func (r FailureReason) ModelScoped() bool {
	return r == FailRateLimit || r == FailModelNotFound
}

// RateLimitStats is a rolling 60-second request counter.
type RateLimitStats struct {
	WindowStart  int64 `json:"windowStart"` // epoch ms
	RequestCount int   `json:"requestCount"`
}

// UsageStats tracks one profile's selection state.
type UsageStats struct {
	State          ProfileState     `json:"state"`
	LastUsed       int64            `json:"lastUsed"` // epoch ms, LRU tie-break
	CooldownUntil  int64            `json:"cooldownUntil,omitempty"`
	ModelCooldowns map[string]int64 `json:"modelCooldowns,omitempty"`
	ErrorCount     int              `json:"errorCount"`
	LastFailureAt  int64            `json:"lastFailureAt,omitempty"`
	FailureReason  FailureReason    `json:"failureReason,omitempty"`
	RateLimit      RateLimitStats   `json:"rateLimitStats"`
}

// View is the display form of a profile for listings.
type View struct {
	ID             string           `json:"id"`
	Provider       string           `json:"provider"`
	Label          string           `json:"label"`
	Kind           CredentialKind   `json:"kind"`
	Email          string           `json:"email,omitempty"`
	State          ProfileState     `json:"state"`
	InCooldown     bool             `json:"inCooldown"`
	CooldownUntil  int64            `json:"cooldownUntil,omitempty"`
	ErrorCount     int              `json:"errorCount"`
	LastUsed       int64            `json:"lastUsed"`
	FailureReason  FailureReason    `json:"failureReason,omitempty"`
	ModelCooldowns map[string]int64 `json:"modelCooldowns,omitempty"`
}

// ProviderHint carries per-provider constants the store consults:
// the well-known API-key environment variable and RPM cap, if any.
type ProviderHint struct {
	APIKeyEnv string
	RPM       int
}

// rateWindow is the rolling rate-limit window length.
const rateWindow = 60 * time.Second

// backoffTable is the default cooldown sequence, indexed by
// min(errorCount-1, len-1).
var backoffTable = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	5 * time.Minute,
	10 * time.Minute,
}

// Antigravity rate limits reset on a multi-hour quota window, so its
// defaults diverge from the backoff table.
const (
	antigravityProvider      = "antigravity"
	antigravityProfileCool   = 5 * time.Hour
	antigravityModelCooldown = 5 * time.Minute
)

// defaultCooldown returns the backoff duration for a given error count.
func defaultCooldown(errorCount int) time.Duration {
	idx := errorCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffTable) {
		idx = len(backoffTable) - 1
	}
	return backoffTable[idx]
}
