package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/smartrouter/smartrouter/internal/api"
	. "github.com/smartrouter/smartrouter/internal/logging"
	"github.com/smartrouter/smartrouter/internal/models"
	"github.com/smartrouter/smartrouter/internal/profiles"
	"github.com/smartrouter/smartrouter/internal/providers"
	"github.com/smartrouter/smartrouter/internal/scoring"
	"github.com/smartrouter/smartrouter/internal/stats"
	"github.com/smartrouter/smartrouter/internal/stream"
	"github.com/smartrouter/smartrouter/internal/tokens"
)

const maxErrorBody = 64 << 10

// KeyValidator checks router-issued client keys. Nil disables validation.
type KeyValidator interface {
	Validate(raw string) (label string, ok bool)
}

// Dispatcher is the single entry point behind POST /v1/chat/completions:
// route, pick a profile, call upstream, translate, fall back.
type Dispatcher struct {
	store  *profiles.Store
	models *models.Registry
	engine *scoring.Engine
	keys   KeyValidator
	stats  stats.Recorder
	client *http.Client
}

// New builds a dispatcher. keys may be nil (no client-key enforcement);
// rec may be nil (stats discarded).
func New(store *profiles.Store, reg *models.Registry, engine *scoring.Engine, keys KeyValidator, rec stats.Recorder) *Dispatcher {
	if rec == nil {
		rec = stats.Noop{}
	}
	return &Dispatcher{
		store:  store,
		models: reg,
		engine: engine,
		keys:   keys,
		stats:  rec,
		client: &http.Client{}, // no client timeout; context cancellation propagates
	}
}

// attempt tracks one tried candidate for the exhaustion response.
type attempt struct {
	profileID string
	provider  string
	model     string
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (d *Dispatcher) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !d.authorize(w, r) {
		return
	}

	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "malformed request body: "+err.Error())
		return
	}

	avail := d.store.AvailableProviders()
	if len(avail) == 0 {
		writeUnavailable(w, "no providers configured")
		return
	}

	decision := d.route(w, &req, avail)
	if decision == nil {
		return // 404 already written
	}
	if decision.None() {
		writeUnavailable(w, "no provider available for this request")
		return
	}

	candidates := decision.Candidates()

	// Profile pinning restricts dispatch to one exact credential.
	var pinned *profiles.Credential
	pinnedID := r.Header.Get("X-Smart-Router-Profile")
	if pinnedID == "" {
		pinnedID = req.PinnedProfile()
	}
	if pinnedID != "" {
		cred, ok := d.store.Get(pinnedID)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "profile_not_found",
				fmt.Sprintf("profile %q not found", pinnedID))
			return
		}
		if cred.Provider != decision.Primary.Provider {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "profile_provider_mismatch",
				fmt.Sprintf("profile %q belongs to provider %q, request routes to %q",
					pinnedID, cred.Provider, decision.Primary.Provider))
			return
		}
		pinned = &cred
		candidates = candidates[:1]
	}

	promptTokens := d.estimatePrompt(&req)

	var attempts []attempt
	for _, cand := range candidates {
		adapter, ok := providers.Get(cand.Provider)
		if !ok {
			continue
		}

		profileID, cred, ok := d.acquire(cand, pinned, pinnedID)
		if !ok {
			continue
		}
		attempts = append(attempts, attempt{profileID, cand.Provider, cand.Model})

		cred = d.refreshIfExpired(r, adapter, profileID, cred)

		upModel := cand.Model
		if entry, found := d.models.Find(cand.Model); found {
			upModel = entry.UpstreamID()
		}

		resp, err := d.callUpstream(r, adapter, &req, cred, upModel)
		if err != nil {
			if r.Context().Err() != nil {
				return // client went away; not a profile failure
			}
			L_warn("dispatch: upstream call failed", "provider", cand.Provider, "profile", profileID, "error", err)
			d.store.MarkFailure(profileID, profiles.FailUnknown, nil, "")
			d.record(decision, cand, profileID, start, promptTokens, 0, false, err.Error())
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()

			failure := ClassifyFailure(resp.StatusCode, raw, resp.Header)
			scopedModel := ""
			if failure.Reason.ModelScoped() {
				scopedModel = cand.Model
			}
			d.store.MarkFailure(profileID, failure.Reason, failure.Cooldown, scopedModel)
			d.record(decision, cand, profileID, start, promptTokens, 0, false,
				fmt.Sprintf("%s (HTTP %d)", failure.Reason, resp.StatusCode))

			L_warn("dispatch: upstream error, trying next candidate",
				"provider", cand.Provider, "model", cand.Model, "status", resp.StatusCode, "reason", failure.Reason)
			continue
		}

		usage := d.serve(w, r, resp, adapter, decision, cand, profileID, upModel, req.Stream)
		d.store.MarkUsed(profileID)
		d.store.IncrementUsage(profileID)
		if usage.PromptTokens == 0 {
			usage.PromptTokens = promptTokens
		}
		d.record(decision, cand, profileID, start, usage.PromptTokens, usage.CompletionTokens, true, "")
		return
	}

	d.writeExhausted(w, attempts)
}

// authorize enforces router-issued keys when the client presents one.
// A missing Authorization header is currently permitted.
func (d *Dispatcher) authorize(w http.ResponseWriter, r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || !strings.HasPrefix(raw, "sk-sr-") {
		return true
	}
	if d.keys == nil {
		return true
	}
	if _, valid := d.keys.Validate(raw); !valid {
		writeError(w, http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", "invalid API key")
		return false
	}
	return true
}

// route resolves the model field into a decision. A nil return means the
// 404 was already written.
func (d *Dispatcher) route(w http.ResponseWriter, req *api.ChatRequest, avail map[string]bool) *Decision {
	model := strings.TrimSpace(req.Model)
	if model != "" && model != "auto" && !strings.HasSuffix(model, "/auto") {
		entry, ok := d.models.Find(model)
		if !ok {
			writeError(w, http.StatusNotFound, "invalid_request_error", "model_not_found",
				"Model not found: "+model)
			return nil
		}
		if avail[entry.Provider] {
			dec := Explicit(entry.Provider, entry.ID)
			return &dec
		}
		// Known model, unavailable provider: fall back to auto routing.
	}

	res := d.engine.Classify(req.LastUserContent())
	dec := Select(d.engine.Config(), res, avail)
	return &dec
}

// acquire resolves the credential for one candidate: pinned, then stored
// LRU, then a transient environment key.
func (d *Dispatcher) acquire(cand scoring.Candidate, pinned *profiles.Credential, pinnedID string) (string, profiles.Credential, bool) {
	if pinned != nil {
		return pinnedID, *pinned, true
	}
	if id, cred, ok := d.store.PickNext(cand.Provider, cand.Model); ok {
		return id, cred, true
	}
	if key := d.store.APIKeyForProvider(cand.Provider); key != "" {
		return cand.Provider + ":env", profiles.Credential{
			Kind:     profiles.CredAPIKey,
			Provider: cand.Provider,
			APIKey:   key,
		}, true
	}
	return "", profiles.Credential{}, false
}

// refreshIfExpired renews an expired OAuth credential. Refresh failure is
// not fatal: the stale token goes upstream and a 401 there drives the
// normal failure path.
func (d *Dispatcher) refreshIfExpired(r *http.Request, adapter providers.Adapter, profileID string, cred profiles.Credential) profiles.Credential {
	if cred.Kind != profiles.CredOAuth || !cred.Expired(time.Now()) {
		return cred
	}
	tr, ok := adapter.(providers.TokenRefresher)
	if !ok {
		return cred
	}
	fresh, err := tr.RefreshToken(r.Context(), &cred)
	if err != nil {
		L_warn("dispatch: token refresh failed, continuing with stale token",
			"profile", profileID, "error", err)
		return cred
	}
	if label, found := strings.CutPrefix(profileID, cred.Provider+":"); found && label != "env" {
		d.store.Upsert(cred.Provider, *fresh, label)
	}
	return *fresh
}

// callUpstream builds and issues one upstream request.
func (d *Dispatcher) callUpstream(r *http.Request, adapter providers.Adapter, req *api.ChatRequest, cred profiles.Credential, upModel string) (*http.Response, error) {
	// OAuth project ids ride along in the upstream body.
	reqCopy := *req
	if cred.Kind == profiles.CredOAuth && cred.ProjectID != "" {
		reqCopy.Project = cred.ProjectID
	}

	// Dialect adapters always stream upstream; the serve path aggregates
	// when the client asked for JSON.
	upstreamStream := req.Stream || adapter.Dialect() != providers.DialectOpenAI
	body, err := adapter.FormatRequest(&reqCopy, upModel, upstreamStream)
	if err != nil {
		return nil, fmt.Errorf("format request: %w", err)
	}
	headers, err := adapter.Headers(&cred)
	if err != nil {
		return nil, err
	}

	base := providers.EffectiveBaseURL(adapter, &cred)
	endpoint := providers.EndpointURL(adapter, base, upModel, upstreamStream)

	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Accept") == "" && upstreamStream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return d.client.Do(httpReq)
}

// serve relays one successful upstream response and returns observed usage.
func (d *Dispatcher) serve(w http.ResponseWriter, r *http.Request, resp *http.Response, adapter providers.Adapter, dec *Decision, cand scoring.Candidate, profileID, upModel string, clientStream bool) api.Usage {
	defer resp.Body.Close()

	w.Header().Set("X-Smart-Router-Provider", cand.Provider)
	w.Header().Set("X-Smart-Router-Profile", profileID)
	w.Header().Set("X-Smart-Router-Tier", string(dec.Tier))
	w.Header().Set("X-Smart-Router-Score", fmt.Sprintf("%g", dec.Score))
	w.Header().Set("X-Smart-Router-Reason", dec.Reason)

	upstreamSSE := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")

	if clientStream && upstreamSSE {
		if adapter.Dialect() == providers.DialectOpenAI {
			return d.streamPassthrough(w, resp)
		}
		return d.streamTranslated(w, resp, upModel)
	}

	// Buffered path: one JSON completion with the routing summary attached.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		L_warn("dispatch: reading upstream body failed", "error", err)
	}

	completion := d.toCompletion(adapter, raw, upModel, upstreamSSE)
	if completion == nil {
		writeUnavailable(w, "unreadable upstream response")
		return api.Usage{}
	}
	completion.Routing = &api.RoutingInfo{
		Tier:      string(dec.Tier),
		Provider:  cand.Provider,
		Model:     cand.Model,
		Score:     dec.Score,
		ProfileID: profileID,
	}

	var usage api.Usage
	if completion.Usage != nil {
		usage = *completion.Usage
	}

	if clientStream {
		// Client asked for SSE but the upstream answered with JSON:
		// wrap the completion into a single chunk.
		d.streamCompletion(w, completion, upModel)
		return usage
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(completion)
	return usage
}

// toCompletion parses raw upstream output into an OpenAI completion.
func (d *Dispatcher) toCompletion(adapter providers.Adapter, raw []byte, upModel string, upstreamSSE bool) *api.ChatCompletion {
	if adapter.Dialect() == providers.DialectOpenAI && !upstreamSSE {
		var completion api.ChatCompletion
		if err := json.Unmarshal(raw, &completion); err != nil {
			L_warn("dispatch: unparseable upstream completion", "error", err)
			return nil
		}
		return &completion
	}
	fr, ok := adapter.(providers.ResponseFormatter)
	if !ok {
		L_error("dispatch: adapter cannot format responses", "provider", adapter.ID())
		return nil
	}
	completion, err := fr.FormatResponse(raw, upModel)
	if err != nil {
		L_warn("dispatch: response aggregation failed", "provider", adapter.ID(), "error", err)
		return nil
	}
	return completion
}

// streamPassthrough forwards OpenAI-shaped SSE bytes verbatim while
// opportunistically tracking usage.
func (d *Dispatcher) streamPassthrough(w http.ResponseWriter, resp *http.Response) api.Usage {
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var tracker stream.PassthroughUsage
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			tracker.Feed(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	return tracker.Usage()
}

// streamTranslated converts a dialect SSE stream into OpenAI chunks.
func (d *Dispatcher) streamTranslated(w http.ResponseWriter, resp *http.Response, upModel string) api.Usage {
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	tr := stream.NewTranslator(upModel)
	writeChunks := func(chunks []api.ChatCompletionChunk) bool {
		for i := range chunks {
			if _, err := w.Write(stream.EncodeChunk(&chunks[i])); err != nil {
				return false
			}
		}
		if len(chunks) > 0 && flusher != nil {
			flusher.Flush()
		}
		return true
	}

	buf := make([]byte, 4096)
	doneSent := false
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if !writeChunks(tr.Feed(buf[:n])) {
				return tr.Usage()
			}
			if tr.Finished() && !doneSent {
				w.Write(stream.DoneEvent())
				if flusher != nil {
					flusher.Flush()
				}
				doneSent = true
				break
			}
		}
		if err != nil {
			break
		}
	}
	if !doneSent {
		writeChunks(tr.Flush())
		w.Write(stream.DoneEvent())
		if flusher != nil {
			flusher.Flush()
		}
	}
	return tr.Usage()
}

// streamCompletion emits a buffered completion as a single SSE chunk.
func (d *Dispatcher) streamCompletion(w http.ResponseWriter, completion *api.ChatCompletion, upModel string) {
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)

	content := ""
	if len(completion.Choices) > 0 {
		content = completion.Choices[0].Message.Content
	}
	finish := "stop"
	chunk := api.ChatCompletionChunk{
		ID:      completion.ID,
		Object:  "chat.completion.chunk",
		Created: completion.Created,
		Model:   upModel,
		Choices: []api.ChunkChoice{{
			Delta:        api.Delta{Role: "assistant", Content: content},
			FinishReason: &finish,
		}},
		Usage: completion.Usage,
	}
	w.Write(stream.EncodeChunk(&chunk))
	w.Write(stream.DoneEvent())
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// estimatePrompt counts prompt tokens locally for stats and cost fallback.
func (d *Dispatcher) estimatePrompt(req *api.ChatRequest) int {
	contents := make([]string, 0, len(req.Messages))
	for i := range req.Messages {
		contents = append(contents, req.Messages[i].Text())
	}
	return tokens.Get().CountMessages(contents)
}

// record emits one stats entry for an attempt.
func (d *Dispatcher) record(dec *Decision, cand scoring.Candidate, profileID string, start time.Time, promptTokens, completionTokens int, success bool, errMsg string) {
	rec := stats.Request{
		Timestamp:        start,
		Provider:         cand.Provider,
		Model:            cand.Model,
		ProfileID:        profileID,
		Tier:             string(dec.Tier),
		TierScore:        dec.Score,
		Task:             dec.Task,
		LatencyMs:        time.Since(start).Milliseconds(),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Success:          success,
		Error:            errMsg,
	}
	if entry, ok := d.models.Find(cand.Model); ok {
		rec.RealModel = entry.UpstreamID()
		if entry.Pricing != nil && !entry.Free {
			rec.EstimatedCostUSD = (float64(promptTokens)*entry.Pricing.Input +
				float64(completionTokens)*entry.Pricing.Output) / 1e6
		}
	}
	d.stats.RecordRequest(rec)
}

// writeExhausted answers after every candidate failed: 429 when cooldowns
// explain the failure (Google-shaped when Antigravity dominates), else 503.
func (d *Dispatcher) writeExhausted(w http.ResponseWriter, attempts []attempt) {
	var minWait, antigravityWait time.Duration
	for _, a := range attempts {
		rem := d.store.CooldownRemaining(a.profileID, a.model)
		if rem <= 0 {
			continue
		}
		if minWait == 0 || rem < minWait {
			minWait = rem
		}
		if a.provider == "antigravity" && rem > antigravityWait {
			antigravityWait = rem
		}
	}

	switch {
	case antigravityWait > 0:
		secs := ceilSeconds(antigravityWait)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    429,
				"message": "Resource has been exhausted (e.g. check quota).",
				"status":  "RESOURCE_EXHAUSTED",
				"details": []map[string]any{{
					"@type":      "type.googleapis.com/google.rpc.RetryInfo",
					"retryDelay": fmt.Sprintf("%ds", secs),
				}},
			},
		})
	case minWait > 0:
		secs := ceilSeconds(minWait)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(api.ErrorBody{Error: api.ErrorDetail{
			Message:    fmt.Sprintf("all providers rate limited, retry in %ds", secs),
			Type:       "rate_limit_exceeded",
			Code:       429,
			RetryAfter: secs,
		}})
	default:
		writeUnavailable(w, "all candidate providers failed")
	}
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func writeError(w http.ResponseWriter, status int, typ, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorBody{Error: api.ErrorDetail{
		Message: msg,
		Type:    typ,
		Code:    code,
	}})
}

func writeUnavailable(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "5")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(api.ErrorBody{Error: api.ErrorDetail{
		Message: msg,
		Type:    "service_unavailable",
	}})
}
