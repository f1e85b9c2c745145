package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/xjp-router/xjp-gateway/internal/registry"
	"github.com/xjp-router/xjp-gateway/internal/store"
)

// Context captures everything known synchronously at dispatch time, before
// the connector call returns. It is built eagerly so the billing goroutine
// never has to recompute anything about the request itself.
type Context struct {
	RequestID       string
	TenantID        string
	APIKeyID        uuid.UUID
	LogicalModel    string
	Provider        string
	ProviderModelID string
	StartedAt       time.Time
}

// NewContext captures a BillingContext at the moment a request is about
// to be dispatched.
func NewContext(tenantID string, apiKeyID uuid.UUID, logicalModel string, route registry.EgressRoute) Context {
	return Context{
		RequestID:       uuid.NewString(),
		TenantID:        tenantID,
		APIKeyID:        apiKeyID,
		LogicalModel:    logicalModel,
		Provider:        string(route.Provider),
		ProviderModelID: route.ProviderModelID,
		StartedAt:       time.Now(),
	}
}

// Interceptor ties usage extraction, pricing, and persistence together.
// After(...) is meant to run on its own goroutine: it must never block
// the client's response.
type Interceptor struct {
	pricing *PricingCache
	store   *store.Store
	logger  *slog.Logger
}

// NewInterceptor builds an Interceptor.
func NewInterceptor(pricing *PricingCache, st *store.Store, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{pricing: pricing, store: st, logger: logger}
}

// After records one billed request. statusCode reflects the HTTP status
// ultimately returned to the client; errMsg is the upstream/internal error
// text when the request failed, empty otherwise; providerEvents is the
// terminal chunk's raw upstream JSON (or nil if the request failed before
// any upstream bytes came back).
func (i *Interceptor) After(ctx context.Context, bc Context, statusCode int, errMsg string, providerEvents json.RawMessage) {
	usage := ExtractUsage(providerEvents)
	status := store.TransactionSuccess
	var errorMessage *string
	if statusCode >= 400 {
		status = store.TransactionError
		if errMsg != "" {
			errorMessage = &errMsg
		}
	}

	price, err := i.pricing.Get(ctx, bc.ProviderModelID)
	if err != nil {
		i.logger.Error("billing: pricing lookup failed, dropping transaction",
			"request_id", bc.RequestID, "provider_model_id", bc.ProviderModelID, "error", err)
		i.logUsageOnly(ctx, bc, usage, statusCode, nil)
		return
	}

	breakdown := Calculate(usage, price)
	snapshot, err := json.Marshal(price)
	if err != nil {
		i.logger.Error("billing: marshaling pricing snapshot failed", "request_id", bc.RequestID, "error", err)
		snapshot = []byte(`{}`)
	}

	responseTimeMS := int32(time.Since(bc.StartedAt).Milliseconds())

	tx := store.BillingTransaction{
		RequestID:             bc.RequestID,
		TenantID:               bc.TenantID,
		APIKeyID:                bc.APIKeyID,
		LogicalModel:            bc.LogicalModel,
		Provider:                bc.Provider,
		ProviderModelID:         bc.ProviderModelID,
		PromptTokens:            usage.PromptTokens,
		CompletionTokens:        usage.CompletionTokens,
		ReasoningTokens:         usage.ReasoningTokens,
		CachedPromptTokens:      usage.CachedPromptTokens,
		TotalTokens:             usage.PromptTokens + usage.CompletionTokens,
		PromptCost:              breakdown.PromptCost,
		CacheReadCost:           breakdown.CacheReadCost,
		CompletionCost:          breakdown.CompletionCost,
		InternalReasoningCost:   breakdown.InternalReasoningCost,
		RequestCost:             breakdown.RequestCost,
		TotalCost:               breakdown.TotalCost,
		PricingSnapshot:         snapshot,
		ResponseTimeMS:          responseTimeMS,
		Status:                  status,
		ErrorMessage:            errorMessage,
		CreatedAt:               time.Now(),
	}

	if err := i.store.InsertTransaction(ctx, tx); err != nil {
		i.logger.Error("billing: persisting transaction failed", "request_id", bc.RequestID, "error", err)
	}

	i.logUsageOnly(ctx, bc, usage, statusCode, &responseTimeMS)
}

func (i *Interceptor) logUsageOnly(ctx context.Context, bc Context, usage TokenUsage, statusCode int, latencyMS *int32) {
	var latency *int
	if latencyMS != nil {
		l := int(*latencyMS)
		latency = &l
	}
	log := store.UsageLog{
		RequestID:       bc.RequestID,
		APIKeyID:        bc.APIKeyID,
		TenantID:        bc.TenantID,
		LogicalModel:    bc.LogicalModel,
		Provider:        bc.Provider,
		ProviderModelID: bc.ProviderModelID,
		InputTokens:     int(usage.PromptTokens),
		OutputTokens:    int(usage.CompletionTokens),
		TotalTokens:     int(usage.PromptTokens + usage.CompletionTokens + usage.ReasoningTokens),
		LatencyMS:       latency,
		StatusCode:      statusCode,
		CreatedAt:       time.Now(),
	}
	if err := i.store.LogUsage(ctx, log); err != nil {
		i.logger.Error("billing: logging usage failed", "request_id", bc.RequestID, "error", err)
	}
}

// ExtractUsage mines token counts out of a connector's raw provider_events
// payload. It recognizes the OpenRouter usage envelope first, then the
// Vertex usageMetadata envelope, and otherwise returns a zero TokenUsage.
func ExtractUsage(providerEvents json.RawMessage) TokenUsage {
	if len(providerEvents) == 0 {
		return TokenUsage{}
	}
	root := gjson.ParseBytes(providerEvents)

	if usage := root.Get("usage"); usage.Exists() {
		return TokenUsage{
			PromptTokens:       uint64(usage.Get("prompt_tokens").Int()),
			CompletionTokens:   uint64(usage.Get("completion_tokens").Int()),
			ReasoningTokens:    uint64(usage.Get("completion_tokens_details.reasoning_tokens").Int()),
			CachedPromptTokens: uint64(usage.Get("prompt_tokens_details.cached_tokens").Int()),
		}
	}

	if usage := root.Get("usageMetadata"); usage.Exists() {
		return TokenUsage{
			PromptTokens:     uint64(usage.Get("promptTokenCount").Int()),
			CompletionTokens: uint64(usage.Get("candidatesTokenCount").Int()),
			ReasoningTokens:  uint64(usage.Get("thoughts_token_count").Int()),
			// Vertex's usageMetadata has no cached-token field today.
			CachedPromptTokens: 0,
		}
	}

	return TokenUsage{}
}
