package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xjp-router/xjp-gateway/internal/billing"
	"github.com/xjp-router/xjp-gateway/internal/connector"
	"github.com/xjp-router/xjp-gateway/internal/auth"
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
			ProviderEvents: json.RawMessage(`{"usage":{"prompt_tokens":3,"completion_tokens":2}}`),
		}}, nil
	}

	out := make(chan connector.StreamItem, 2)
	first := "Hel"
	second := "lo"
	out <- connector.StreamItem{Chunk: model.UnifiedChunk{TextDelta: &first}}
	out <- connector.StreamItem{Chunk: model.UnifiedChunk{TextDelta: &second, Done: true, ProviderEvents: json.RawMessage(`{"usage":{"prompt_tokens":3,"completion_tokens":2}}`)}}
	close(out)
	return connector.Response{Stream: out}, nil
}

func newTestHandler(t *testing.T) (*Handler, *store.KeyInfo, string) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	keyID, raw, err := st.CreateKey(context.Background(), "tenant-a", nil, 60, 0)
	require.NoError(t, err)

	authn, err := auth.New(st)
	require.NoError(t, err)

	reg := registry.FromRoutes(map[string][]registry.EgressRoute{
		"gpt-fast": {{Provider: registry.OpenRouter, ProviderModelID: "openai/gpt-4o-mini"}},
	})
	fc := &fakeConnector{caps: connector.Capabilities{Text: true, Stream: true}, text: "hello there"}

	pricing, err := billing.NewPricingCache("", nil)
	require.NoError(t, err)
	pricing.Seed("openai/gpt-4o-mini", billing.PricingEntry{Prompt: 0.000003, Completion: 0.000015})
	interceptor := billing.NewInterceptor(pricing, st, nil)

	d := dispatch.New(reg, map[registry.ProviderKind]connector.Connector{registry.OpenRouter: fc}, interceptor, nil, nil)

	h := New(d, authn, ratelimit.NewRegistry(), nil, nil)
	return h, &store.KeyInfo{ID: keyID, TenantID: "tenant-a"}, raw
}

func TestServeHTTP_NonStreaming(t *testing.T) {
	h, _, rawKey := newTestHandler(t)

	body, _ := json.Marshal(chatRequest{Model: "gpt-fast", Messages: []chatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}}})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+rawKey)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello there", resp.Choices[0].Message.Content)
}

func TestServeHTTP_MissingAuth(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body, _ := json.Marshal(chatRequest{Model: "gpt-fast", Messages: []chatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}}})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	assert.Equal(t, 401, rec.Code)
}

func TestServeHTTP_Streaming(t *testing.T) {
	h, _, rawKey := newTestHandler(t)

	body, _ := json.Marshal(chatRequest{Model: "gpt-fast", Stream: true, Messages: []chatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}}})
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+rawKey)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	out := rec.Body.String()
	assert.Contains(t, out, `"content":"Hel"`)
	assert.Contains(t, out, "data: [DONE]")
}
