package providers

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/smartrouter/smartrouter/internal/api"
	"github.com/smartrouter/smartrouter/internal/profiles"
)

func textMessage(role, text string) api.ChatMessage {
	raw, _ := json.Marshal(text)
	return api.ChatMessage{Role: role, Content: raw}
}

func TestRegistryComplete(t *testing.T) {
	want := []string{
		"anthropic", "antigravity", "codex", "dashscope", "deepseek",
		"google", "groq", "openai", "openrouter", "xai",
	}
	all := All()
	if len(all) != len(want) {
		t.Fatalf("registry has %d adapters, want %d", len(all), len(want))
	}
	for i, a := range all {
		if a.ID() != want[i] {
			t.Errorf("adapter[%d] = %q, want %q", i, a.ID(), want[i])
		}
	}
}

func TestHints(t *testing.T) {
	hints := Hints()
	if hints["openai"].APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("openai env = %q", hints["openai"].APIKeyEnv)
	}
	if hints["google"].APIKeyEnv != "GEMINI_API_KEY" {
		t.Errorf("google env = %q", hints["google"].APIKeyEnv)
	}
	if hints["antigravity"].APIKeyEnv != "" {
		t.Error("antigravity should have no env fallback")
	}
	if hints["antigravity"].RPM != 10 {
		t.Errorf("antigravity rpm = %d", hints["antigravity"].RPM)
	}
}

func TestCompatStripsExtensions(t *testing.T) {
	a, _ := Get("openai")
	req := &api.ChatRequest{
		Model:          "auto",
		Messages:       []api.ChatMessage{textMessage("user", "hi")},
		Profile:        "openai:work",
		EnableThinking: true,
		Project:        "proj-1",
	}
	body, err := a.FormatRequest(req, "gpt-4.1-mini", true)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"profile", "profile_id", "enable_thinking", "project"} {
		if _, ok := out[key]; ok {
			t.Errorf("extension %q leaked upstream", key)
		}
	}
	if out["model"] != "gpt-4.1-mini" {
		t.Errorf("model = %v", out["model"])
	}
	if out["stream"] != true {
		t.Error("stream flag not set")
	}
}

func TestDashscopeKeepsThinking(t *testing.T) {
	a, _ := Get("dashscope")
	req := &api.ChatRequest{
		Messages:       []api.ChatMessage{textMessage("user", "hi")},
		EnableThinking: true,
	}
	body, err := a.FormatRequest(req, "qwen-plus", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `"enable_thinking":true`) {
		t.Error("enable_thinking should be forwarded to dashscope")
	}
}

func TestCompatHeadersByKind(t *testing.T) {
	a, _ := Get("openai")
	for _, tc := range []struct {
		cred profiles.Credential
		want string
	}{
		{profiles.Credential{Kind: profiles.CredAPIKey, APIKey: "sk-a"}, "Bearer sk-a"},
		{profiles.Credential{Kind: profiles.CredOAuth, AccessToken: "at-b"}, "Bearer at-b"},
		{profiles.Credential{Kind: profiles.CredToken, Token: "tk-c"}, "Bearer tk-c"},
	} {
		h, err := a.Headers(&tc.cred)
		if err != nil {
			t.Fatal(err)
		}
		if h["Authorization"] != tc.want {
			t.Errorf("kind %s: Authorization = %q, want %q", tc.cred.Kind, h["Authorization"], tc.want)
		}
	}
}

func TestGoogleHeadersUseGoogAPIKey(t *testing.T) {
	a, _ := Get("google")
	h, err := a.Headers(&profiles.Credential{Kind: profiles.CredAPIKey, APIKey: "AIza-test"})
	if err != nil {
		t.Fatal(err)
	}
	if h["x-goog-api-key"] != "AIza-test" {
		t.Errorf("x-goog-api-key = %q", h["x-goog-api-key"])
	}
	if _, ok := h["Authorization"]; ok {
		t.Error("API key auth should not set Authorization")
	}
}

func TestGoogleRequestShape(t *testing.T) {
	a, _ := Get("google")
	req := &api.ChatRequest{
		Messages: []api.ChatMessage{
			textMessage("system", "be brief"),
			textMessage("user", "hello"),
			textMessage("assistant", "hi"),
			textMessage("user", "again"),
		},
	}
	body, err := a.FormatRequest(req, "gemini-2.0-flash", true)
	if err != nil {
		t.Fatal(err)
	}
	var out geminiRequest
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.SystemInstruction == nil || out.SystemInstruction.Parts[0].Text != "be brief" {
		t.Error("system message should become systemInstruction")
	}
	if len(out.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(out.Contents))
	}
	if out.Contents[1].Role != "model" {
		t.Errorf("assistant role = %q, want model", out.Contents[1].Role)
	}
}

func TestEndpointURLs(t *testing.T) {
	openai, _ := Get("openai")
	if got := EndpointURL(openai, "", "gpt-4.1", true); got != "https://api.openai.com/v1/chat/completions" {
		t.Errorf("openai url = %q", got)
	}

	google, _ := Get("google")
	want := googleBaseURL + "/models/gemini-2.0-flash:streamGenerateContent?alt=sse"
	if got := EndpointURL(google, "", "gemini-2.0-flash", true); got != want {
		t.Errorf("google url = %q, want %q", got, want)
	}

	codex, _ := Get("codex")
	if got := EndpointURL(codex, "", "gpt-5-codex", false); got != codexBaseURL+"/responses" {
		t.Errorf("codex url = %q", got)
	}
}

func TestEffectiveBaseURLOverrides(t *testing.T) {
	openai, _ := Get("openai")

	cred := &profiles.Credential{Kind: profiles.CredAPIKey, Metadata: map[string]string{"baseUrl": "http://localhost:8080/v1"}}
	if got := EffectiveBaseURL(openai, cred); got != "http://localhost:8080/v1" {
		t.Errorf("metadata override = %q", got)
	}

	oauth := &profiles.Credential{Kind: profiles.CredOAuth, ResourceURL: "https://eu.example.com/v1"}
	if got := EffectiveBaseURL(openai, oauth); got != "https://eu.example.com/v1" {
		t.Errorf("resource override = %q", got)
	}

	if got := EffectiveBaseURL(openai, &profiles.Credential{Kind: profiles.CredAPIKey}); got != openai.BaseURL() {
		t.Errorf("default base = %q", got)
	}
}

func TestCodexRequestShape(t *testing.T) {
	a, _ := Get("codex")
	req := &api.ChatRequest{
		Messages: []api.ChatMessage{
			textMessage("system", "instructions here"),
			textMessage("user", "write code"),
		},
	}
	body, err := a.FormatRequest(req, "gpt-5-codex", false)
	if err != nil {
		t.Fatal(err)
	}
	var out responsesRequest
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Stream {
		t.Error("codex requests always stream upstream")
	}
	if out.Instructions != "instructions here" {
		t.Errorf("instructions = %q", out.Instructions)
	}
	if len(out.Input) != 1 || out.Input[0].Content[0].Type != "input_text" {
		t.Errorf("input = %+v", out.Input)
	}
}

func TestAggregateSSE(t *testing.T) {
	a, _ := Get("google")
	fr, ok := a.(ResponseFormatter)
	if !ok {
		t.Fatal("google adapter should implement ResponseFormatter")
	}
	raw := []byte(`data: {"candidates":[{"content":{"parts":[{"text":"Hello "}]}}]}` + "\n\n" +
		`data: {"candidates":[{"content":{"parts":[{"text":"there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":3,"totalTokenCount":5}}` + "\n\n")

	comp, err := fr.FormatResponse(raw, "gemini-2.0-flash")
	if err != nil {
		t.Fatal(err)
	}
	if comp.Choices[0].Message.Content != "Hello there" {
		t.Errorf("content = %q", comp.Choices[0].Message.Content)
	}
	if comp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", comp.Choices[0].FinishReason)
	}
	if comp.Usage == nil || comp.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", comp.Usage)
	}
}

func TestJWTClaimDecoding(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"email":"dev@example.com","https://api.openai.com/auth":{"chatgpt_account_id":"acct-1"}}`))
	idToken := "eyJhbGciOiJub25lIn0." + payload + ".sig"

	if got := emailFromIDToken(idToken); got != "dev@example.com" {
		t.Errorf("email = %q", got)
	}
	email, acct := codexClaims(idToken)
	if email != "dev@example.com" || acct != "acct-1" {
		t.Errorf("claims = %q %q", email, acct)
	}
}

func TestExtractAuthCode(t *testing.T) {
	if got := extractAuthCode("http://localhost:1455/auth/callback?code=abc123&state=x"); got != "abc123" {
		t.Errorf("from url = %q", got)
	}
	if got := extractAuthCode("  rawcode  "); got != "rawcode" {
		t.Errorf("bare code = %q", got)
	}
}
