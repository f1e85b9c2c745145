package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xjp-router/xjp-gateway/internal/apperr"
	"github.com/xjp-router/xjp-gateway/internal/billing"
	"github.com/xjp-router/xjp-gateway/internal/connector"
	"github.com/xjp-router/xjp-gateway/internal/model"
	"github.com/xjp-router/xjp-gateway/internal/registry"
	"github.com/xjp-router/xjp-gateway/internal/store"
)

type fakeConnector struct {
	caps  connector.Capabilities
	resp  connector.Response
	err   error
}

func (f *fakeConnector) Name() string                       { return "fake" }
func (f *fakeConnector) Capabilities() connector.Capabilities { return f.caps }
func (f *fakeConnector) Invoke(ctx context.Context, route registry.EgressRoute, req model.UnifiedRequest) (connector.Response, error) {
	return f.resp, f.err
}

func textChunk(s string) *model.UnifiedChunk {
	return &model.UnifiedChunk{
		TextDelta:      &s,
		Done:           true,
		ProviderEvents: json.RawMessage(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`),
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestDispatcher_Invoke_ResolvesAndCalls(t *testing.T) {
	reg := registry.FromRoutes(map[string][]registry.EgressRoute{
		"gpt-fast": {{Provider: registry.OpenRouter, ProviderModelID: "openai/gpt-4o-mini"}},
	})
	fc := &fakeConnector{
		caps: connector.Capabilities{Text: true, Stream: true},
		resp: connector.Response{Chunk: textChunk("hi")},
	}
	st := newTestStore(t)
	pricing, err := billing.NewPricingCache("", nil)
	require.NoError(t, err)
	interceptor := billing.NewInterceptor(pricing, st, nil)

	d := New(reg, map[registry.ProviderKind]connector.Connector{registry.OpenRouter: fc}, interceptor, nil, nil)

	resp, route, err := d.Invoke(context.Background(), model.UnifiedRequest{LogicalModel: "gpt-fast"})
	require.NoError(t, err)
	assert.Equal(t, registry.OpenRouter, route.Provider)
	require.NotNil(t, resp.Chunk)
	assert.Equal(t, "hi", *resp.Chunk.TextDelta)
}

func TestDispatcher_Invoke_UnknownModel(t *testing.T) {
	reg := registry.FromRoutes(map[string][]registry.EgressRoute{})
	st := newTestStore(t)
	pricing, err := billing.NewPricingCache("", nil)
	require.NoError(t, err)
	interceptor := billing.NewInterceptor(pricing, st, nil)

	d := New(reg, map[registry.ProviderKind]connector.Connector{}, interceptor, nil, nil)

	_, _, err = d.Invoke(context.Background(), model.UnifiedRequest{LogicalModel: "nope"})
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.KindInvalid, ae.Kind)
}

func TestDispatcher_Invoke_RejectsStreamingWhenUnsupported(t *testing.T) {
	reg := registry.FromRoutes(map[string][]registry.EgressRoute{
		"vision-model": {{Provider: registry.Vertex, ProviderModelID: "gemini-1.5-pro"}},
	})
	fc := &fakeConnector{caps: connector.Capabilities{Text: true, Stream: false}}
	st := newTestStore(t)
	pricing, err := billing.NewPricingCache("", nil)
	require.NoError(t, err)
	interceptor := billing.NewInterceptor(pricing, st, nil)

	d := New(reg, map[registry.ProviderKind]connector.Connector{registry.Vertex: fc}, interceptor, nil, nil)

	_, _, err = d.Invoke(context.Background(), model.UnifiedRequest{LogicalModel: "vision-model", Stream: true})
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.KindInvalid, ae.Kind)
}

func TestDispatcher_InvokeWithBilling_PersistsTransaction(t *testing.T) {
	reg := registry.FromRoutes(map[string][]registry.EgressRoute{
		"gpt-fast": {{Provider: registry.OpenRouter, ProviderModelID: "openai/gpt-4o-mini"}},
	})
	fc := &fakeConnector{
		caps: connector.Capabilities{Text: true, Stream: true},
		resp: connector.Response{Chunk: textChunk("hi")},
	}
	st := newTestStore(t)
	pricing, err := billing.NewPricingCache("", nil)
	require.NoError(t, err)
	pricing.Seed("openai/gpt-4o-mini", billing.PricingEntry{Prompt: 0.000003, Completion: 0.000015})
	interceptor := billing.NewInterceptor(pricing, st, nil)

	d := New(reg, map[registry.ProviderKind]connector.Connector{registry.OpenRouter: fc}, interceptor, nil, nil)

	keyID, _, err := st.CreateKey(context.Background(), "tenant-a", nil, 60, 0)
	require.NoError(t, err)
	keyInfo := &store.KeyInfo{ID: keyID, TenantID: "tenant-a", IsActive: true, RPM: 60}

	resp, err := d.InvokeWithBilling(context.Background(), keyInfo, model.UnifiedRequest{LogicalModel: "gpt-fast"})
	require.NoError(t, err)
	require.NotNil(t, resp.Chunk)

	require.Eventually(t, func() bool {
		txs, err := st.TransactionsByTenant(context.Background(), "tenant-a", 10, 0)
		return err == nil && len(txs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
