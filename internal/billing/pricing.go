// Package billing computes and records the cost of a completed request:
// pricing lookup, the cost formula, and the fire-and-forget interceptor
// that ties usage extraction to persistence.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// PricingEntry is one model's per-token/per-request pricing, always in
// dollars.
type PricingEntry struct {
	Prompt            float64
	Completion        float64
	Request           float64
	Image             float64
	WebSearch         float64
	InternalReasoning float64
	InputCacheRead    float64
	InputCacheWrite   float64
}

// ErrPricingNotFound is returned when a provider_model_id is absent from
// the catalog even after a refetch.
type ErrPricingNotFound struct {
	ProviderModelID string
}

func (e *ErrPricingNotFound) Error() string {
	return fmt.Sprintf("billing: no pricing for model %q", e.ProviderModelID)
}

const pricingTTL = 15 * time.Minute

// PricingCache serves PricingEntry lookups keyed by provider_model_id,
// backed by an otter cache. A miss or a stale entry triggers one fetch of
// the entire upstream catalog, which repopulates every entry at once —
// a single round trip amortizes across every model a deployment uses,
// rather than one fetch per model.
type PricingCache struct {
	cache      *otter.Cache[string, pricedEntry]
	httpClient *http.Client
	apiKey     string
	baseURL    string

	mu          sync.Mutex
	lastFetched time.Time
}

type pricedEntry struct {
	entry   PricingEntry
	fetched time.Time
}

// NewPricingCache builds a cache that fetches OpenRouter's public model
// catalog on miss. apiKey falls back to OPENROUTER_API_KEY.
func NewPricingCache(apiKey string, client *http.Client) (*PricingCache, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	c, err := otter.New[string, pricedEntry](&otter.Options[string, pricedEntry]{
		MaximumSize: 10_000,
	})
	if err != nil {
		return nil, fmt.Errorf("billing: create pricing cache: %w", err)
	}
	return &PricingCache{
		cache:      c,
		httpClient: client,
		apiKey:     apiKey,
		baseURL:    "https://openrouter.ai/api/v1",
	}, nil
}

// Get returns the pricing for providerModelID, refetching the whole
// catalog first if the entry is missing or stale.
func (p *PricingCache) Get(ctx context.Context, providerModelID string) (PricingEntry, error) {
	if cached, ok := p.cache.GetIfPresent(providerModelID); ok && time.Since(cached.fetched) < pricingTTL {
		return cached.entry, nil
	}

	if err := p.refresh(ctx); err != nil {
		return PricingEntry{}, err
	}

	if cached, ok := p.cache.GetIfPresent(providerModelID); ok {
		return cached.entry, nil
	}
	return PricingEntry{}, &ErrPricingNotFound{ProviderModelID: providerModelID}
}

type catalogResponse struct {
	Data []catalogModel `json:"data"`
}

type catalogModel struct {
	ID      string        `json:"id"`
	Pricing catalogPricing `json:"pricing"`
}

// catalogPricing mirrors OpenRouter's stringly-typed pricing object;
// unparseable or absent values become 0.0.
type catalogPricing struct {
	Prompt            string `json:"prompt"`
	Completion        string `json:"completion"`
	Request           string `json:"request"`
	Image             string `json:"image"`
	WebSearch         string `json:"web_search"`
	InternalReasoning string `json:"internal_reasoning"`
	InputCacheRead    string `json:"input_cache_read"`
	InputCacheWrite   string `json:"input_cache_write"`
}

func parsePrice(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func (p *PricingCache) refresh(ctx context.Context) error {
	url := p.baseURL + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("billing: building catalog request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing: fetching catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("billing: catalog fetch returned status %d", resp.StatusCode)
	}

	var catalog catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return fmt.Errorf("billing: decoding catalog: %w", err)
	}

	now := time.Now()
	for _, m := range catalog.Data {
		entry := PricingEntry{
			Prompt:            parsePrice(m.Pricing.Prompt),
			Completion:        parsePrice(m.Pricing.Completion),
			Request:           parsePrice(m.Pricing.Request),
			Image:             parsePrice(m.Pricing.Image),
			WebSearch:         parsePrice(m.Pricing.WebSearch),
			InternalReasoning: parsePrice(m.Pricing.InternalReasoning),
			InputCacheRead:    parsePrice(m.Pricing.InputCacheRead),
			InputCacheWrite:   parsePrice(m.Pricing.InputCacheWrite),
		}
		p.cache.Set(m.ID, pricedEntry{entry: entry, fetched: now})
	}

	p.mu.Lock()
	p.lastFetched = now
	p.mu.Unlock()
	return nil
}

// Seed directly populates the cache, bypassing the network fetch. Used
// by tests.
func (p *PricingCache) Seed(providerModelID string, entry PricingEntry) {
	p.cache.Set(providerModelID, pricedEntry{entry: entry, fetched: time.Now()})
}
