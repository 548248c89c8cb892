// Package providers defines the adapter contract for upstream LLM APIs and
// the static registry of supported providers.
//
// The core Adapter interface covers what every provider must do; optional
// behavior (non-OpenAI response shapes, custom URLs, OAuth refresh,
// interactive login) lives in capability interfaces that callers probe with
// type assertions.
package providers

import (
	"context"
	"fmt"
	"sort"

	"github.com/smartrouter/smartrouter/internal/api"
	"github.com/smartrouter/smartrouter/internal/profiles"
)

// Dialect identifies the SSE event shape an upstream emits.
type Dialect int

const (
	DialectOpenAI Dialect = iota // pass-through
	DialectGemini
	DialectResponses
)

// RateLimits is a provider-wide request cap, when one is known.
type RateLimits struct {
	RPM int
	RPD int
}

// Adapter is the per-provider strategy the dispatcher drives.
type Adapter interface {
	// ID is the registry key ("openai", "google", ...).
	ID() string
	// Name is the human-readable provider name.
	Name() string
	// BaseURL is the default API root; credentials may override it.
	BaseURL() string
	// APIKeyEnv names the environment variable holding a fallback key,
	// or "" when the provider has no env fallback.
	APIKeyEnv() string
	// Dialect says how to interpret the upstream's streaming events.
	Dialect() Dialect
	// RateLimits returns the provider-wide cap, or nil.
	RateLimits() *RateLimits
	// Headers builds the auth and content headers for one request.
	Headers(cred *profiles.Credential) (map[string]string, error)
	// FormatRequest renders the outbound request body.
	FormatRequest(req *api.ChatRequest, model string, stream bool) ([]byte, error)
}

// URLBuilder overrides the default "<base>/chat/completions" endpoint.
type URLBuilder interface {
	BuildURL(baseURL, model string, stream bool) string
}

// ResponseFormatter converts a non-OpenAI upstream payload (JSON or
// aggregated SSE text) into a chat completion.
type ResponseFormatter interface {
	FormatResponse(raw []byte, model string) (*api.ChatCompletion, error)
}

// TokenRefresher renews an expired OAuth credential.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, cred *profiles.Credential) (*profiles.Credential, error)
}

// Authenticator supports interactive login (OAuth or key entry).
type Authenticator interface {
	Login(ctx context.Context, lc LoginContext) (*profiles.Credential, error)
}

var registry = map[string]Adapter{}

func register(a Adapter) {
	registry[a.ID()] = a
}

// Get returns the adapter for a provider id.
func Get(id string) (Adapter, bool) {
	a, ok := registry[id]
	return a, ok
}

// All returns every registered adapter, sorted by id.
func All() []Adapter {
	out := make([]Adapter, 0, len(registry))
	for _, a := range registry {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Hints exports the per-provider constants the profile store consults.
func Hints() map[string]profiles.ProviderHint {
	hints := make(map[string]profiles.ProviderHint, len(registry))
	for id, a := range registry {
		h := profiles.ProviderHint{APIKeyEnv: a.APIKeyEnv()}
		if rl := a.RateLimits(); rl != nil {
			h.RPM = rl.RPM
		}
		hints[id] = h
	}
	return hints
}

// EndpointURL resolves the request URL for an adapter, honoring the
// URLBuilder capability.
func EndpointURL(a Adapter, baseURL, model string, stream bool) string {
	if baseURL == "" {
		baseURL = a.BaseURL()
	}
	if ub, ok := a.(URLBuilder); ok {
		return ub.BuildURL(baseURL, model, stream)
	}
	return baseURL + "/chat/completions"
}

// EffectiveBaseURL applies credential-level base URL overrides.
func EffectiveBaseURL(a Adapter, cred *profiles.Credential) string {
	if cred != nil {
		if cred.Kind == profiles.CredOAuth && cred.ResourceURL != "" {
			return cred.ResourceURL
		}
		if override := cred.Metadata["baseUrl"]; override != "" {
			return override
		}
	}
	return a.BaseURL()
}

// truncate shortens a string for log and error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// bearerToken picks the secret to put in an Authorization header.
func bearerToken(cred *profiles.Credential) (string, error) {
	if cred == nil {
		return "", fmt.Errorf("no credential")
	}
	switch cred.Kind {
	case profiles.CredAPIKey:
		return cred.APIKey, nil
	case profiles.CredOAuth:
		return cred.AccessToken, nil
	case profiles.CredToken:
		return cred.Token, nil
	}
	return "", fmt.Errorf("unsupported credential kind %q", cred.Kind)
}
