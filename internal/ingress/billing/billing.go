// Package billing exposes read-only HTTP endpoints over pricing and
// billing history: quoting a price, listing transactions, and summarizing
// cost over a window. All three are scoped to the authenticated caller's
// own tenant.
package billing

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	billingsvc "github.com/xjp-router/xjp-gateway/internal/billing"
	"github.com/xjp-router/xjp-gateway/internal/apperr"
	"github.com/xjp-router/xjp-gateway/internal/auth"
	"github.com/xjp-router/xjp-gateway/internal/store"
)

// Handler serves /billing/*.
type Handler struct {
	pricing *billingsvc.PricingCache
	store   *store.Store
	authn   *auth.Authenticator
	logger  *slog.Logger
}

// New builds a Handler.
func New(pricing *billingsvc.PricingCache, st *store.Store, authn *auth.Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pricing: pricing, store: st, authn: authn, logger: logger}
}

type quoteRequest struct {
	ProviderModelID string                  `json:"provider_model_id"`
	Usage           *billingsvc.TokenUsage  `json:"usage,omitempty"`
}

type quoteResponse struct {
	Pricing   billingsvc.PricingEntry   `json:"pricing"`
	Breakdown *billingsvc.CostBreakdown `json:"breakdown,omitempty"`
}

// Quote handles POST /billing/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authn.Authenticate(r.Context(), r); err != nil {
		writeAuthError(w, err)
		return
	}

	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInvalid, "decoding request body", err))
		return
	}
	if req.ProviderModelID == "" {
		apperr.WriteJSON(w, apperr.New(apperr.KindInvalid, "provider_model_id is required"))
		return
	}

	price, err := h.pricing.Get(r.Context(), req.ProviderModelID)
	if err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInvalid, "pricing not found", err))
		return
	}

	out := quoteResponse{Pricing: price}
	if req.Usage != nil {
		breakdown := billingsvc.Calculate(*req.Usage, price)
		out.Breakdown = &breakdown
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// Transactions handles GET /billing/transactions.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	keyInfo, err := h.authn.Authenticate(r.Context(), r)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	txs, err := h.store.TransactionsByTenant(r.Context(), keyInfo.TenantID, limit, offset)
	if err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInternal, "listing transactions", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"transactions": txs})
}

// Summary handles GET /billing/summary.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	keyInfo, err := h.authn.Authenticate(r.Context(), r)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	start, err := parseTimeParam(r, "start", time.Now().AddDate(0, 0, -30))
	if err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInvalid, "parsing start", err))
		return
	}
	end, err := parseTimeParam(r, "end", time.Now())
	if err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInvalid, "parsing end", err))
		return
	}

	summary, err := h.store.GetCostSummary(r.Context(), keyInfo.TenantID, start, end)
	if err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInternal, "computing summary", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseTimeParam(r *http.Request, key string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, v)
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingKey), errors.Is(err, store.ErrKeyNotFound),
		errors.Is(err, store.ErrKeyInactive), errors.Is(err, store.ErrKeyExpired),
		errors.Is(err, store.ErrKeyInvalidFormat):
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindAuth, "invalid api key", err))
	default:
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindInternal, "authenticating request", err))
	}
}
