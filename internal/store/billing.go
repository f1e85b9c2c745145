package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionStatus is the outcome of a billed request.
type TransactionStatus string

const (
	TransactionSuccess TransactionStatus = "success"
	TransactionError   TransactionStatus = "error"
)

// BillingTransaction is one billed request, persisted exactly once per
// request_id.
type BillingTransaction struct {
	RequestID           string            `json:"request_id"`
	TenantID            string            `json:"tenant_id"`
	APIKeyID            uuid.UUID         `json:"api_key_id"`
	LogicalModel        string            `json:"logical_model"`
	Provider            string            `json:"provider"`
	ProviderModelID     string            `json:"provider_model_id"`
	PromptTokens        uint64            `json:"prompt_tokens"`
	CompletionTokens    uint64            `json:"completion_tokens"`
	ReasoningTokens     uint64            `json:"reasoning_tokens"`
	CachedPromptTokens  uint64            `json:"cached_prompt_tokens"`
	TotalTokens         uint64            `json:"total_tokens"`
	PromptCost          float64           `json:"prompt_cost"`
	CacheReadCost       float64           `json:"cache_read_cost"`
	CompletionCost      float64           `json:"completion_cost"`
	InternalReasoningCost float64         `json:"internal_reasoning_cost"`
	RequestCost         float64           `json:"request_cost"`
	TotalCost           float64           `json:"total_cost"`
	PricingSnapshot     []byte            `json:"pricing_snapshot"` // serialized PricingEntry
	ResponseTimeMS      int32             `json:"response_time_ms"`
	Status              TransactionStatus `json:"status"`
	ErrorMessage        *string           `json:"error_message,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// InsertTransaction persists a transaction, doing nothing if request_id
// already exists so retried billing work never double-counts.
func (s *Store) InsertTransaction(ctx context.Context, tx BillingTransaction) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO billing_transactions (
			request_id, tenant_id, api_key_id, logical_model, provider, provider_model_id,
			prompt_tokens, completion_tokens, reasoning_tokens, cached_prompt_tokens, total_tokens,
			prompt_cost, cache_read_cost, completion_cost, internal_reasoning_cost, request_cost, total_cost,
			pricing_snapshot, response_time_ms, status, error_message, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO NOTHING`,
		tx.RequestID, tx.TenantID, tx.APIKeyID.String(), tx.LogicalModel, tx.Provider, tx.ProviderModelID,
		tx.PromptTokens, tx.CompletionTokens, tx.ReasoningTokens, tx.CachedPromptTokens, tx.TotalTokens,
		tx.PromptCost, tx.CacheReadCost, tx.CompletionCost, tx.InternalReasoningCost, tx.RequestCost, tx.TotalCost,
		string(tx.PricingSnapshot), tx.ResponseTimeMS, string(tx.Status), nullStr(tx.ErrorMessage), tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `request_id, tenant_id, api_key_id, logical_model, provider, provider_model_id,
	prompt_tokens, completion_tokens, reasoning_tokens, cached_prompt_tokens, total_tokens,
	prompt_cost, cache_read_cost, completion_cost, internal_reasoning_cost, request_cost, total_cost,
	pricing_snapshot, response_time_ms, status, error_message, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (BillingTransaction, error) {
	var (
		tx           BillingTransaction
		apiKeyID     string
		snapshot     string
		status       string
		errorMessage sql.NullString
		createdAtStr string
	)
	err := row.Scan(
		&tx.RequestID, &tx.TenantID, &apiKeyID, &tx.LogicalModel, &tx.Provider, &tx.ProviderModelID,
		&tx.PromptTokens, &tx.CompletionTokens, &tx.ReasoningTokens, &tx.CachedPromptTokens, &tx.TotalTokens,
		&tx.PromptCost, &tx.CacheReadCost, &tx.CompletionCost, &tx.InternalReasoningCost, &tx.RequestCost, &tx.TotalCost,
		&snapshot, &tx.ResponseTimeMS, &status, &errorMessage, &createdAtStr,
	)
	if err != nil {
		return BillingTransaction{}, err
	}
	id, err := uuid.Parse(apiKeyID)
	if err != nil {
		return BillingTransaction{}, fmt.Errorf("store: parse api_key_id: %w", err)
	}
	tx.APIKeyID = id
	tx.PricingSnapshot = []byte(snapshot)
	tx.Status = TransactionStatus(status)
	if errorMessage.Valid {
		tx.ErrorMessage = &errorMessage.String
	}
	if createdAt, err := time.Parse(time.RFC3339, createdAtStr); err == nil {
		tx.CreatedAt = createdAt
	}
	return tx, nil
}

// TransactionsByTenant returns a tenant's transactions, most recent first.
func (s *Store) TransactionsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]BillingTransaction, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM billing_transactions
		 WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query transactions by tenant: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// TransactionsByAPIKey returns one key's transactions, most recent first.
func (s *Store) TransactionsByAPIKey(ctx context.Context, apiKeyID uuid.UUID, limit, offset int) ([]BillingTransaction, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM billing_transactions
		 WHERE api_key_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		apiKeyID.String(), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query transactions by api key: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]BillingTransaction, error) {
	var out []BillingTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// CostSummary aggregates requests, success/failure counts, tokens, and
// cost over a half-open time range.
type CostSummary struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TotalTokens        int64
	TotalCost          float64
}

// GetCostSummary aggregates a tenant's transactions in [start, end).
func (s *Store) GetCostSummary(ctx context.Context, tenantID string, start, end time.Time) (CostSummary, error) {
	var summary CostSummary
	err := s.read.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(total_cost), 0)
		 FROM billing_transactions
		 WHERE tenant_id = ? AND created_at >= ? AND created_at < ?`,
		tenantID, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	).Scan(&summary.TotalRequests, &summary.SuccessfulRequests, &summary.FailedRequests,
		&summary.TotalTokens, &summary.TotalCost)
	if err != nil {
		return CostSummary{}, fmt.Errorf("store: cost summary: %w", err)
	}
	return summary, nil
}
