package providers

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smartrouter/smartrouter/internal/api"
	. "github.com/smartrouter/smartrouter/internal/logging"
	"github.com/smartrouter/smartrouter/internal/profiles"
)

const (
	codexBaseURL  = "https://chatgpt.com/backend-api/codex"
	codexAuthURL  = "https://auth.openai.com/oauth/authorize"
	codexTokenURL = "https://auth.openai.com/oauth/token"
	codexClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	codexRedirect = "http://localhost:1455/auth/callback"
)

func init() {
	register(&codexAdapter{})
}

// codexAdapter drives the ChatGPT Codex backend, which speaks the
// Responses API rather than chat completions.
type codexAdapter struct{}

func (a *codexAdapter) ID() string              { return "codex" }
func (a *codexAdapter) Name() string            { return "ChatGPT Codex" }
func (a *codexAdapter) BaseURL() string         { return codexBaseURL }
func (a *codexAdapter) APIKeyEnv() string       { return "" }
func (a *codexAdapter) Dialect() Dialect        { return DialectResponses }
func (a *codexAdapter) RateLimits() *RateLimits { return nil }

func (a *codexAdapter) Headers(cred *profiles.Credential) (map[string]string, error) {
	token, err := bearerToken(cred)
	if err != nil {
		return nil, fmt.Errorf("codex: %w", err)
	}
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
		"OpenAI-Beta":   "responses=experimental",
	}
	if cred.AccountID != "" {
		headers["chatgpt-account-id"] = cred.AccountID
	}
	return headers, nil
}

// responsesRequest is the Responses API request body.
type responsesRequest struct {
	Model        string          `json:"model"`
	Instructions string          `json:"instructions,omitempty"`
	Input        []responsesItem `json:"input"`
	Stream       bool            `json:"stream"`
	Store        bool            `json:"store"`
}

type responsesItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content []responsesPart `json:"content"`
}

type responsesPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (a *codexAdapter) FormatRequest(req *api.ChatRequest, model string, stream bool) ([]byte, error) {
	out := responsesRequest{
		Model: model,
		// The backend only streams; non-streaming callers get the
		// aggregated result.
		Stream: true,
		Store:  false,
	}
	var instructions []string
	for _, m := range req.Messages {
		text := m.Text()
		switch m.Role {
		case "system", "developer":
			instructions = append(instructions, text)
		case "assistant":
			out.Input = append(out.Input, responsesItem{
				Type:    "message",
				Role:    "assistant",
				Content: []responsesPart{{Type: "output_text", Text: text}},
			})
		default:
			out.Input = append(out.Input, responsesItem{
				Type:    "message",
				Role:    "user",
				Content: []responsesPart{{Type: "input_text", Text: text}},
			})
		}
	}
	out.Instructions = strings.Join(instructions, "\n\n")
	return json.Marshal(&out)
}

func (a *codexAdapter) BuildURL(baseURL, model string, streaming bool) string {
	return baseURL + "/responses"
}

func (a *codexAdapter) FormatResponse(raw []byte, model string) (*api.ChatCompletion, error) {
	return aggregateSSE(raw, model)
}

// codexTokenResponse is the auth.openai.com token reply.
type codexTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token"`
}

func (a *codexAdapter) RefreshToken(ctx context.Context, cred *profiles.Credential) (*profiles.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("codex: no refresh token")
	}
	payload, _ := json.Marshal(map[string]string{
		"client_id":     codexClientID,
		"grant_type":    "refresh_token",
		"refresh_token": cred.RefreshToken,
		"scope":         "openid profile email",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, codexTokenURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("codex: refresh: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("codex: refresh returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	var tok codexTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("codex: refresh returned no access token")
	}

	updated := *cred
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	updated.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	L_debug("refreshed oauth token", "provider", "codex", "email", cred.Email)
	return &updated, nil
}

// Login runs the PKCE authorization-code flow. Locally it listens on the
// loopback redirect; on remote hosts the user pastes the redirected URL.
func (a *codexAdapter) Login(ctx context.Context, lc LoginContext) (*profiles.Credential, error) {
	verifier, challenge, err := pkcePair()
	if err != nil {
		return nil, err
	}
	state, err := randomToken(16)
	if err != nil {
		return nil, err
	}

	authURL := codexAuthURL + "?" + url.Values{
		"client_id":             {codexClientID},
		"response_type":         {"code"},
		"redirect_uri":          {codexRedirect},
		"scope":                 {"openid profile email offline_access"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}.Encode()

	var code string
	if lc.IsRemote() {
		lc.Note("Open this URL in a browser, sign in, then paste the URL you are redirected to:\n" + authURL)
		pasted, err := lc.Prompt(ctx, "redirect URL or code")
		if err != nil {
			return nil, err
		}
		code = extractAuthCode(pasted)
	} else {
		if err := lc.OpenURL(authURL); err != nil {
			lc.Note("Open this URL in a browser:\n" + authURL)
		}
		lc.Progress("waiting for browser sign-in")
		code, err = waitForCallback(ctx, state)
		if err != nil {
			return nil, err
		}
	}
	if code == "" {
		return nil, fmt.Errorf("codex: no authorization code")
	}

	lc.Progress("exchanging authorization code")
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {codexRedirect},
		"client_id":     {codexClientID},
		"code_verifier": {verifier},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, codexTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("codex: code exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("codex: code exchange returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	var tok codexTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, err
	}

	email, accountID := codexClaims(tok.IDToken)
	return &profiles.Credential{
		Kind:         profiles.CredOAuth,
		Provider:     "codex",
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli(),
		Email:        email,
		AccountID:    accountID,
	}, nil
}

// waitForCallback serves the loopback redirect until the browser delivers
// the authorization code.
func waitForCallback(ctx context.Context, wantState string) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:1455")
	if err != nil {
		return "", fmt.Errorf("codex: cannot listen on loopback port 1455: %w", err)
	}
	defer ln.Close()

	type result struct {
		code string
		err  error
	}
	ch := make(chan result, 1)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/callback" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("state") != wantState {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			ch <- result{err: errors.New("codex: oauth state mismatch")}
			return
		}
		if errMsg := q.Get("error"); errMsg != "" {
			http.Error(w, errMsg, http.StatusBadRequest)
			ch <- result{err: fmt.Errorf("codex: authorization failed: %s", errMsg)}
			return
		}
		fmt.Fprintln(w, "Signed in. You can close this tab.")
		ch <- result{code: q.Get("code")}
	})}
	go srv.Serve(ln)
	defer srv.Close()

	select {
	case res := <-ch:
		return res.code, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// extractAuthCode accepts either a bare code or a full redirect URL.
func extractAuthCode(input string) string {
	input = strings.TrimSpace(input)
	if u, err := url.Parse(input); err == nil && u.Query().Get("code") != "" {
		return u.Query().Get("code")
	}
	return input
}

// codexClaims pulls the profile label fields out of the id_token.
func codexClaims(idToken string) (email, accountID string) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return "", ""
	}
	payload, err := decodeJWTSegment(parts[1])
	if err != nil {
		return "", ""
	}
	var claims struct {
		Email string `json:"email"`
		Auth  struct {
			ChatGPTAccountID string `json:"chatgpt_account_id"`
		} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", ""
	}
	return claims.Email, claims.Auth.ChatGPTAccountID
}

func pkcePair() (verifier, challenge string, err error) {
	verifier, err = randomToken(32)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
