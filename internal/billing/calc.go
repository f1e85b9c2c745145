package billing

// TokenUsage is the raw token counts extracted from a provider's response.
type TokenUsage struct {
	PromptTokens       uint64
	CompletionTokens   uint64
	ReasoningTokens    uint64
	CachedPromptTokens uint64
}

// CostBreakdown is the per-bucket cost detail behind one billed request.
// TotalCost always equals the sum of the five cost fields, computed in
// the fixed order below so float addition is reproducible.
type CostBreakdown struct {
	PromptCost            float64
	CacheReadCost         float64
	CompletionCost        float64
	InternalReasoningCost float64
	RequestCost           float64
	TotalCost             float64
}

// Calculate applies the pricing formula to a usage/pricing pair.
func Calculate(usage TokenUsage, price PricingEntry) CostBreakdown {
	promptNonCached := usage.PromptTokens
	if usage.CachedPromptTokens < promptNonCached {
		promptNonCached -= usage.CachedPromptTokens
	} else {
		promptNonCached = 0
	}

	promptCost := float64(promptNonCached) * price.Prompt
	cacheReadCost := float64(usage.CachedPromptTokens) * price.InputCacheRead
	completionCost := float64(usage.CompletionTokens) * price.Completion

	reasoningPrice := price.InternalReasoning
	if reasoningPrice <= 0 {
		reasoningPrice = price.Completion
	}
	internalReasoningCost := float64(usage.ReasoningTokens) * reasoningPrice

	requestCost := price.Request

	total := promptCost + cacheReadCost + completionCost + internalReasoningCost + requestCost

	return CostBreakdown{
		PromptCost:            promptCost,
		CacheReadCost:         cacheReadCost,
		CompletionCost:        completionCost,
		InternalReasoningCost: internalReasoningCost,
		RequestCost:           requestCost,
		TotalCost:             total,
	}
}
