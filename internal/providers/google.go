package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smartrouter/smartrouter/internal/api"
	. "github.com/smartrouter/smartrouter/internal/logging"
	"github.com/smartrouter/smartrouter/internal/profiles"
	"github.com/smartrouter/smartrouter/internal/stream"
)

const (
	googleBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	antigravityBaseURL = "https://daily-cloudcode-pa.googleapis.com/v1internal"

	googleTokenURL = "https://oauth2.googleapis.com/token"
	googleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"

	// Public installed-app client for the antigravity quota pool.
	antigravityClientID     = "1071006060591-tmhssin5h21kcqvejbhs8me0fcbvhn8k.apps.googleusercontent.com"
	antigravityClientSecret = "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"
	antigravityScopes       = "https://www.googleapis.com/auth/cloud-platform https://www.googleapis.com/auth/userinfo.email"
	antigravityRedirectOOB  = "urn:ietf:wg:oauth:2.0:oob"
)

func init() {
	register(&googleAdapter{})
	register(&antigravityAdapter{})
}

// geminiRequest is the generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiText `json:"parts"`
}

type geminiText struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

// toGeminiRequest maps OpenAI messages onto Gemini contents. System
// messages become systemInstruction; assistant becomes "model".
func toGeminiRequest(req *api.ChatRequest) *geminiRequest {
	out := &geminiRequest{}
	var system []geminiText
	for _, m := range req.Messages {
		text := m.Text()
		switch m.Role {
		case "system", "developer":
			system = append(system, geminiText{Text: text})
		case "assistant":
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiText{{Text: text}}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiText{{Text: text}}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil {
		out.GenerationConfig = &geminiGenConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	return out
}

// aggregateSSE collapses a dialect SSE body into a chat completion.
// Both Gemini endpoints stream even for "non-streaming" router requests.
func aggregateSSE(raw []byte, model string) (*api.ChatCompletion, error) {
	tr := stream.NewTranslator(model)
	chunks := tr.Feed(raw)
	chunks = append(chunks, tr.Flush()...)

	var content strings.Builder
	finish := "stop"
	for _, c := range chunks {
		for _, ch := range c.Choices {
			content.WriteString(ch.Delta.Content)
			if ch.FinishReason != nil {
				finish = *ch.FinishReason
			}
		}
	}
	usage := tr.Usage()
	return &api.ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []api.Choice{{
			Index:        0,
			Message:      api.ResponseMessage{Role: "assistant", Content: content.String()},
			FinishReason: finish,
		}},
		Usage: &usage,
	}, nil
}

// googleAdapter talks to the Gemini API with an API key.
type googleAdapter struct{}

func (a *googleAdapter) ID() string              { return "google" }
func (a *googleAdapter) Name() string            { return "Google Gemini" }
func (a *googleAdapter) BaseURL() string         { return googleBaseURL }
func (a *googleAdapter) APIKeyEnv() string       { return "GEMINI_API_KEY" }
func (a *googleAdapter) Dialect() Dialect        { return DialectGemini }
func (a *googleAdapter) RateLimits() *RateLimits { return nil }

func (a *googleAdapter) Headers(cred *profiles.Credential) (map[string]string, error) {
	token, err := bearerToken(cred)
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if cred.Kind == profiles.CredAPIKey {
		headers["x-goog-api-key"] = token
	} else {
		headers["Authorization"] = "Bearer " + token
	}
	return headers, nil
}

func (a *googleAdapter) FormatRequest(req *api.ChatRequest, model string, stream bool) ([]byte, error) {
	return json.Marshal(toGeminiRequest(req))
}

func (a *googleAdapter) BuildURL(baseURL, model string, streaming bool) string {
	// Always stream; the non-streaming path aggregates the SSE body.
	return baseURL + "/models/" + model + ":streamGenerateContent?alt=sse"
}

func (a *googleAdapter) FormatResponse(raw []byte, model string) (*api.ChatCompletion, error) {
	return aggregateSSE(raw, model)
}

func (a *googleAdapter) Login(ctx context.Context, lc LoginContext) (*profiles.Credential, error) {
	lc.Note("Enter a Gemini API key (https://aistudio.google.com/apikey)")
	key, err := lc.Prompt(ctx, "API key")
	if err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("empty API key")
	}
	return &profiles.Credential{Kind: profiles.CredAPIKey, Provider: "google", APIKey: key}, nil
}

// antigravityAdapter talks to the Cloud Code wrapper of the Gemini API with
// a Google OAuth credential. Events arrive nested under "response".
type antigravityAdapter struct{}

func (a *antigravityAdapter) ID() string        { return "antigravity" }
func (a *antigravityAdapter) Name() string      { return "Antigravity" }
func (a *antigravityAdapter) BaseURL() string   { return antigravityBaseURL }
func (a *antigravityAdapter) APIKeyEnv() string { return "" }
func (a *antigravityAdapter) Dialect() Dialect  { return DialectGemini }

func (a *antigravityAdapter) RateLimits() *RateLimits {
	return &RateLimits{RPM: 10, RPD: 250}
}

func (a *antigravityAdapter) Headers(cred *profiles.Credential) (map[string]string, error) {
	token, err := bearerToken(cred)
	if err != nil {
		return nil, fmt.Errorf("antigravity: %w", err)
	}
	return map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}, nil
}

func (a *antigravityAdapter) FormatRequest(req *api.ChatRequest, model string, stream bool) ([]byte, error) {
	wrapped := struct {
		Model   string         `json:"model"`
		Project string         `json:"project,omitempty"`
		Request *geminiRequest `json:"request"`
	}{
		Model:   model,
		Project: req.Project,
		Request: toGeminiRequest(req),
	}
	return json.Marshal(&wrapped)
}

func (a *antigravityAdapter) BuildURL(baseURL, model string, streaming bool) string {
	return baseURL + ":streamGenerateContent?alt=sse"
}

func (a *antigravityAdapter) FormatResponse(raw []byte, model string) (*api.ChatCompletion, error) {
	return aggregateSSE(raw, model)
}

// googleTokenResponse is the OAuth token endpoint reply.
type googleTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token"`
}

func (a *antigravityAdapter) RefreshToken(ctx context.Context, cred *profiles.Credential) (*profiles.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("antigravity: no refresh token")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {antigravityClientID},
		"client_secret": {antigravityClientSecret},
	}
	tok, err := postTokenForm(ctx, googleTokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("antigravity: refresh: %w", err)
	}

	updated := *cred
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	updated.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	L_debug("refreshed oauth token", "provider", "antigravity", "email", cred.Email)
	return &updated, nil
}

func (a *antigravityAdapter) Login(ctx context.Context, lc LoginContext) (*profiles.Credential, error) {
	authURL := googleAuthURL + "?" + url.Values{
		"client_id":     {antigravityClientID},
		"redirect_uri":  {antigravityRedirectOOB},
		"response_type": {"code"},
		"scope":         {antigravityScopes},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
	}.Encode()

	if !lc.IsRemote() {
		if err := lc.OpenURL(authURL); err != nil {
			lc.Note("Open this URL in a browser:\n" + authURL)
		}
	} else {
		lc.Note("Open this URL in a browser:\n" + authURL)
	}

	code, err := lc.Prompt(ctx, "authorization code")
	if err != nil {
		return nil, err
	}
	lc.Progress("exchanging authorization code")

	tok, err := postTokenForm(ctx, googleTokenURL, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {strings.TrimSpace(code)},
		"client_id":     {antigravityClientID},
		"client_secret": {antigravityClientSecret},
		"redirect_uri":  {antigravityRedirectOOB},
	})
	if err != nil {
		return nil, fmt.Errorf("antigravity: code exchange: %w", err)
	}

	cred := &profiles.Credential{
		Kind:         profiles.CredOAuth,
		Provider:     "antigravity",
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli(),
		Email:        emailFromIDToken(tok.IDToken),
	}
	return cred, nil
}

// postTokenForm posts an OAuth form and decodes the token response.
func postTokenForm(ctx context.Context, endpoint string, form url.Values) (*googleTokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	var tok googleTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	return &tok, nil
}

// emailFromIDToken pulls the email claim out of a JWT without verifying it;
// it is only used as a profile label.
func emailFromIDToken(idToken string) string {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := decodeJWTSegment(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.Email
}

func decodeJWTSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
}
