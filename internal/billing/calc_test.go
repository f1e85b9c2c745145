package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculate_BasicBreakdown(t *testing.T) {
	usage := TokenUsage{
		PromptTokens:       1000,
		CompletionTokens:   500,
		ReasoningTokens:    100,
		CachedPromptTokens: 200,
	}
	price := PricingEntry{
		Prompt:            0.000003,
		Completion:        0.000015,
		Request:           0.0005,
		InternalReasoning: 0.00002,
		InputCacheRead:    0.0000015,
	}

	b := Calculate(usage, price)

	assert.InDelta(t, 800*0.000003, b.PromptCost, 1e-12)
	assert.InDelta(t, 200*0.0000015, b.CacheReadCost, 1e-12)
	assert.InDelta(t, 500*0.000015, b.CompletionCost, 1e-12)
	assert.InDelta(t, 100*0.00002, b.InternalReasoningCost, 1e-12)
	assert.InDelta(t, 0.0005, b.RequestCost, 1e-12)

	expectedTotal := b.PromptCost + b.CacheReadCost + b.CompletionCost + b.InternalReasoningCost + b.RequestCost
	assert.InDelta(t, expectedTotal, b.TotalCost, 1e-12)
}

func TestCalculate_ReasoningFallsBackToCompletionPrice(t *testing.T) {
	usage := TokenUsage{ReasoningTokens: 50}
	price := PricingEntry{Completion: 0.00001} // InternalReasoning unset -> 0

	b := Calculate(usage, price)
	assert.InDelta(t, 50*0.00001, b.InternalReasoningCost, 1e-12)
}

func TestCalculate_CachedExceedsPromptClampsToZero(t *testing.T) {
	usage := TokenUsage{PromptTokens: 10, CachedPromptTokens: 50}
	price := PricingEntry{Prompt: 0.001, InputCacheRead: 0.0005}

	b := Calculate(usage, price)
	assert.Equal(t, 0.0, b.PromptCost)
	assert.InDelta(t, 50*0.0005, b.CacheReadCost, 1e-12)
}

func TestCalculate_ZeroUsageZeroCost(t *testing.T) {
	b := Calculate(TokenUsage{}, PricingEntry{Prompt: 1, Completion: 1, Request: 0})
	assert.Equal(t, 0.0, b.TotalCost)
}
