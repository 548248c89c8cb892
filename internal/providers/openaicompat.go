package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smartrouter/smartrouter/internal/api"
	"github.com/smartrouter/smartrouter/internal/profiles"
)

// compatDef is the static description of an OpenAI-compatible provider.
type compatDef struct {
	id           string
	name         string
	baseURL      string
	apiKeyEnv    string
	extraHeaders map[string]string
	// keepThinking forwards the enable_thinking extension instead of
	// stripping it (dashscope understands it natively).
	keepThinking bool
	rateLimits   *RateLimits
}

// compatAdapter serves every provider that speaks the OpenAI
// chat-completions wire format. Requests pass through with the router
// extensions stripped; responses and SSE events need no translation.
type compatAdapter struct {
	def compatDef
}

func init() {
	for _, def := range []compatDef{
		{
			id:        "openai",
			name:      "OpenAI",
			baseURL:   "https://api.openai.com/v1",
			apiKeyEnv: "OPENAI_API_KEY",
		},
		{
			id:        "anthropic",
			name:      "Anthropic",
			baseURL:   "https://api.anthropic.com/v1",
			apiKeyEnv: "ANTHROPIC_API_KEY",
			extraHeaders: map[string]string{
				"anthropic-version": "2023-06-01",
			},
		},
		{
			id:           "dashscope",
			name:         "Alibaba DashScope",
			baseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
			apiKeyEnv:    "DASHSCOPE_API_KEY",
			keepThinking: true,
		},
		{
			id:        "deepseek",
			name:      "DeepSeek",
			baseURL:   "https://api.deepseek.com/v1",
			apiKeyEnv: "DEEPSEEK_API_KEY",
		},
		{
			id:        "xai",
			name:      "xAI",
			baseURL:   "https://api.x.ai/v1",
			apiKeyEnv: "XAI_API_KEY",
		},
		{
			id:         "groq",
			name:       "Groq",
			baseURL:    "https://api.groq.com/openai/v1",
			apiKeyEnv:  "GROQ_API_KEY",
			rateLimits: &RateLimits{RPM: 30},
		},
		{
			id:        "openrouter",
			name:      "OpenRouter",
			baseURL:   "https://openrouter.ai/api/v1",
			apiKeyEnv: "OPENROUTER_API_KEY",
			extraHeaders: map[string]string{
				"HTTP-Referer": "https://github.com/smartrouter/smartrouter",
				"X-Title":      "smart-router",
			},
		},
	} {
		register(&compatAdapter{def: def})
	}
}

func (a *compatAdapter) ID() string              { return a.def.id }
func (a *compatAdapter) Name() string            { return a.def.name }
func (a *compatAdapter) BaseURL() string         { return a.def.baseURL }
func (a *compatAdapter) APIKeyEnv() string       { return a.def.apiKeyEnv }
func (a *compatAdapter) Dialect() Dialect        { return DialectOpenAI }
func (a *compatAdapter) RateLimits() *RateLimits { return a.def.rateLimits }

func (a *compatAdapter) Headers(cred *profiles.Credential) (map[string]string, error) {
	token, err := bearerToken(cred)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.def.id, err)
	}
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	for k, v := range a.def.extraHeaders {
		headers[k] = v
	}
	return headers, nil
}

func (a *compatAdapter) FormatRequest(req *api.ChatRequest, model string, stream bool) ([]byte, error) {
	// Shallow copy; the router extensions must not leak upstream.
	out := *req
	out.Model = model
	out.Stream = stream
	out.Profile = ""
	out.ProfileID = ""
	out.Project = ""
	if !a.def.keepThinking {
		out.EnableThinking = false
	}
	return json.Marshal(&out)
}

// Login for key-based providers is a paste-your-key prompt.
func (a *compatAdapter) Login(ctx context.Context, lc LoginContext) (*profiles.Credential, error) {
	lc.Note(fmt.Sprintf("Enter an API key for %s (%s)", a.def.name, a.def.baseURL))
	key, err := lc.Prompt(ctx, "API key")
	if err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("empty API key")
	}
	return &profiles.Credential{
		Kind:     profiles.CredAPIKey,
		Provider: a.def.id,
		APIKey:   key,
	}, nil
}
