package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xjp-router/xjp-gateway/internal/auth"
	"github.com/xjp-router/xjp-gateway/internal/billing"
	"github.com/xjp-router/xjp-gateway/internal/connector"
	"github.com/xjp-router/xjp-gateway/internal/dispatch"
	"github.com/xjp-router/xjp-gateway/internal/model"
	"github.com/xjp-router/xjp-gateway/internal/ratelimit"
	"github.com/xjp-router/xjp-gateway/internal/registry"
	"github.com/xjp-router/xjp-gateway/internal/store"
)

type fakeConnector struct {
	caps connector.Capabilities
	text string
}

func (f *fakeConnector) Name() string                        { return "fake" }
func (f *fakeConnector) Capabilities() connector.Capabilities { return f.caps }
func (f *fakeConnector) Invoke(ctx context.Context, route registry.EgressRoute, req model.UnifiedRequest) (connector.Response, error) {
	if !req.Stream {
		text := f.text
		return connector.Response{Chunk: &model.UnifiedChunk{
			TextDelta:      &text,
			Done:           true,
			ProviderEvents: json.RawMessage(`{"usage":{"prompt_tokens":4,"completion_tokens":6}}`),
		}}, nil
	}

	out := make(chan connector.StreamItem, 2)
	first := "hi from "
	second := "claude"
	out <- connector.StreamItem{Chunk: model.UnifiedChunk{TextDelta: &first}}
	out <- connector.StreamItem{Chunk: model.UnifiedChunk{TextDelta: &second, Done: true, ProviderEvents: json.RawMessage(`{"usage":{"prompt_tokens":4,"completion_tokens":6}}`)}}
	close(out)
	return connector.Response{Stream: out}, nil
}

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, raw, err := st.CreateKey(context.Background(), "tenant-a", nil, 60, 0)
	require.NoError(t, err)

	authn, err := auth.New(st)
	require.NoError(t, err)

	reg := registry.FromRoutes(map[string][]registry.EgressRoute{
		"claude-main": {{Provider: registry.OpenRouter, ProviderModelID: "anthropic/claude-3.5-sonnet"}},
	})
	fc := &fakeConnector{caps: connector.Capabilities{Text: true, Stream: true}, text: "hi from claude"}

	pricing, err := billing.NewPricingCache("", nil)
	require.NoError(t, err)
	pricing.Seed("anthropic/claude-3.5-sonnet", billing.PricingEntry{Prompt: 0.000003, Completion: 0.000015})
	interceptor := billing.NewInterceptor(pricing, st, nil)

	d := dispatch.New(reg, map[registry.ProviderKind]connector.Connector{registry.OpenRouter: fc}, interceptor, nil, nil)

	h := New(d, authn, ratelimit.NewRegistry(), nil, nil)
	return h, raw
}

func TestServeHTTP_NonStreaming(t *testing.T) {
	h, rawKey := newTestHandler(t)

	body, _ := json.Marshal(messagesRequest{
		Model:     "claude-main",
		MaxTokens: 128,
		Messages:  []anthropicMessage{{Role: "user", Content: json.RawMessage(`"hello"`)}},
	})
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader(body))
	req.Header.Set("x-api-key", rawKey)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp messagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hi from claude", resp.Content[0].Text)
	assert.Equal(t, 4, resp.Usage.InputTokens)
	assert.Equal(t, 6, resp.Usage.OutputTokens)
}

func TestServeHTTP_MissingAuth(t *testing.T) {
	h, _ := newTestHandler(t)

	body, _ := json.Marshal(messagesRequest{Model: "claude-main", MaxTokens: 10})
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	assert.Equal(t, 401, rec.Code)
}

func TestServeHTTP_Streaming(t *testing.T) {
	h, rawKey := newTestHandler(t)

	body, _ := json.Marshal(messagesRequest{
		Model:     "claude-main",
		MaxTokens: 128,
		Stream:    true,
		Messages:  []anthropicMessage{{Role: "user", Content: json.RawMessage(`"hello"`)}},
	})
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader(body))
	req.Header.Set("x-api-key", rawKey)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	out := rec.Body.String()
	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, `"text":"hi from "`)
	assert.Contains(t, out, `"text":"claude"`)
	assert.Contains(t, out, "event: message_stop")
	// The terminal chunk carries Done with a non-empty TextDelta, so it
	// must not also produce a spurious ping event before message_stop.
	assert.NotContains(t, out, "event: ping")
}

// bareDoneConnector returns a terminal chunk with Done==true and no
// TextDelta at all, the shape a literal upstream [DONE] sentinel produces.
type bareDoneConnector struct {
	caps connector.Capabilities
}

func (f *bareDoneConnector) Name() string                        { return "bare-done" }
func (f *bareDoneConnector) Capabilities() connector.Capabilities { return f.caps }
func (f *bareDoneConnector) Invoke(ctx context.Context, route registry.EgressRoute, req model.UnifiedRequest) (connector.Response, error) {
	out := make(chan connector.StreamItem, 2)
	text := "hi"
	out <- connector.StreamItem{Chunk: model.UnifiedChunk{TextDelta: &text}}
	out <- connector.StreamItem{Chunk: model.UnifiedChunk{Done: true, ProviderEvents: json.RawMessage(`{"usage":{"prompt_tokens":1,"completion_tokens":1}}`)}}
	close(out)
	return connector.Response{Stream: out}, nil
}

func TestServeHTTP_Streaming_BareDoneChunkSkipsPing(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, rawKey, err := st.CreateKey(context.Background(), "tenant-a", nil, 60, 0)
	require.NoError(t, err)

	authn, err := auth.New(st)
	require.NoError(t, err)

	reg := registry.FromRoutes(map[string][]registry.EgressRoute{
		"claude-main": {{Provider: registry.OpenRouter, ProviderModelID: "anthropic/claude-3.5-sonnet"}},
	})
	fc := &bareDoneConnector{caps: connector.Capabilities{Text: true, Stream: true}}

	pricing, err := billing.NewPricingCache("", nil)
	require.NoError(t, err)
	pricing.Seed("anthropic/claude-3.5-sonnet", billing.PricingEntry{Prompt: 0.000003, Completion: 0.000015})
	interceptor := billing.NewInterceptor(pricing, st, nil)

	d := dispatch.New(reg, map[registry.ProviderKind]connector.Connector{registry.OpenRouter: fc}, interceptor, nil, nil)
	h := New(d, authn, ratelimit.NewRegistry(), nil, nil)

	body, _ := json.Marshal(messagesRequest{
		Model:     "claude-main",
		MaxTokens: 128,
		Stream:    true,
		Messages:  []anthropicMessage{{Role: "user", Content: json.RawMessage(`"hello"`)}},
	})
	req := httptest.NewRequest("POST", "/v1/messages", bytes.NewReader(body))
	req.Header.Set("x-api-key", rawKey)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	out := rec.Body.String()
	assert.Contains(t, out, "event: message_stop")
	assert.NotContains(t, out, "event: ping")
}
