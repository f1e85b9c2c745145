package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xjp-router/xjp-gateway/internal/registry"
	"github.com/xjp-router/xjp-gateway/internal/store"
)

func TestExtractUsage_OpenRouterEnvelope(t *testing.T) {
	raw := json.RawMessage(`{
		"usage": {
			"prompt_tokens": 100,
			"completion_tokens": 50,
			"completion_tokens_details": {"reasoning_tokens": 10},
			"prompt_tokens_details": {"cached_tokens": 20}
		}
	}`)
	usage := ExtractUsage(raw)
	assert.Equal(t, uint64(100), usage.PromptTokens)
	assert.Equal(t, uint64(50), usage.CompletionTokens)
	assert.Equal(t, uint64(10), usage.ReasoningTokens)
	assert.Equal(t, uint64(20), usage.CachedPromptTokens)
}

func TestExtractUsage_VertexEnvelope(t *testing.T) {
	raw := json.RawMessage(`{
		"usageMetadata": {
			"promptTokenCount": 30,
			"candidatesTokenCount": 12,
			"thoughts_token_count": 4
		}
	}`)
	usage := ExtractUsage(raw)
	assert.Equal(t, uint64(30), usage.PromptTokens)
	assert.Equal(t, uint64(12), usage.CompletionTokens)
	assert.Equal(t, uint64(4), usage.ReasoningTokens)
	assert.Equal(t, uint64(0), usage.CachedPromptTokens)
}

func TestExtractUsage_Unknown(t *testing.T) {
	usage := ExtractUsage(json.RawMessage(`{"foo":"bar"}`))
	assert.Equal(t, TokenUsage{}, usage)
}

func TestInterceptor_After_PersistsIdempotentTransaction(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	keyID, _, err := st.CreateKey(context.Background(), "tenant-a", nil, 60, 0)
	require.NoError(t, err)

	pricing, err := NewPricingCache("", nil)
	require.NoError(t, err)
	pricing.Seed("openai/gpt-4o-mini", PricingEntry{Prompt: 0.000003, Completion: 0.000015})

	interceptor := NewInterceptor(pricing, st, nil)

	bc := Context{
		RequestID:       uuid.NewString(),
		TenantID:        "tenant-a",
		APIKeyID:        keyID,
		LogicalModel:    "gpt-fast",
		ProviderModelID: "openai/gpt-4o-mini",
		Provider:        string(registry.OpenRouter),
		StartedAt:       time.Now(),
	}

	events := json.RawMessage(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`)
	interceptor.After(context.Background(), bc, 200, "", events)
	interceptor.After(context.Background(), bc, 200, "", events) // same request_id again

	txs, err := st.TransactionsByTenant(context.Background(), "tenant-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, bc.RequestID, txs[0].RequestID)
	assert.Greater(t, txs[0].TotalCost, 0.0)
	assert.Equal(t, store.TransactionSuccess, txs[0].Status)
	assert.Equal(t, uint64(15), txs[0].TotalTokens)
}
