package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndVerifyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	desc := "ci key"
	id, raw, err := s.CreateKey(ctx, "tenant-a", &desc, 60, 1000)
	require.NoError(t, err)
	assert.Contains(t, raw, KeyPrefix)

	info, err := s.VerifyKey(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, "tenant-a", info.TenantID)
	assert.Equal(t, 60, info.RPM)
	assert.True(t, info.IsActive)
}

func TestVerifyKey_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.VerifyKey(context.Background(), "XJP_doesnotexist")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestVerifyKey_Inactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, raw, err := s.CreateKey(ctx, "tenant-a", nil, 60, 0)
	require.NoError(t, err)

	require.NoError(t, s.DeactivateKey(ctx, id))

	_, err = s.VerifyKey(ctx, raw)
	assert.ErrorIs(t, err, ErrKeyInactive)
}

func TestInsertTransaction_IdempotentOnRequestID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	keyID, _, err := s.CreateKey(ctx, "tenant-a", nil, 60, 0)
	require.NoError(t, err)

	tx := BillingTransaction{
		RequestID:       "req-1",
		TenantID:        "tenant-a",
		APIKeyID:        keyID,
		LogicalModel:    "gpt-fast",
		Provider:        "openrouter",
		ProviderModelID: "openai/gpt-4o-mini",
		PromptTokens:    100,
		CompletionTokens: 50,
		TotalTokens:     150,
		TotalCost:       0.01,
		PricingSnapshot: []byte(`{}`),
		Status:          TransactionSuccess,
		CreatedAt:       time.Now(),
	}

	require.NoError(t, s.InsertTransaction(ctx, tx))
	require.NoError(t, s.InsertTransaction(ctx, tx)) // duplicate, should be ignored

	txs, err := s.TransactionsByTenant(ctx, "tenant-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "req-1", txs[0].RequestID)
}

func TestGetCostSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	keyID, _, err := s.CreateKey(ctx, "tenant-a", nil, 60, 0)
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 3; i++ {
		tx := BillingTransaction{
			RequestID:        uuid.NewString(),
			TenantID:         "tenant-a",
			APIKeyID:         keyID,
			LogicalModel:     "gpt-fast",
			Provider:         "openrouter",
			ProviderModelID:  "openai/gpt-4o-mini",
			PromptTokens:     10,
			CompletionTokens: 5,
			TotalTokens:      15,
			TotalCost:        0.02,
			PricingSnapshot:  []byte(`{}`),
			Status:           TransactionSuccess,
			CreatedAt:        now,
		}
		require.NoError(t, s.InsertTransaction(ctx, tx))
	}

	summary, err := s.GetCostSummary(ctx, "tenant-a", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalRequests)
	assert.Equal(t, int64(3), summary.SuccessfulRequests)
	assert.InDelta(t, 0.06, summary.TotalCost, 1e-9)
}
