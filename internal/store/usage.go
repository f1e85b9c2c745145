package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageLog is lightweight per-request telemetry, independent of the cost
// math carried by BillingTransaction — useful for latency/error-rate
// dashboards that don't need pricing detail.
type UsageLog struct {
	ID              uuid.UUID
	RequestID       string
	APIKeyID        uuid.UUID
	TenantID        string
	LogicalModel    string
	Provider        string
	ProviderModelID string
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	LatencyMS       *int
	StatusCode      int
	ErrorMessage    *string
	CreatedAt       time.Time
}

// LogUsage appends one usage_logs row.
func (s *Store) LogUsage(ctx context.Context, u UsageLog) error {
	id := u.ID
	if id == (uuid.UUID{}) {
		id = uuid.New()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO usage_logs (
			id, request_id, api_key_id, tenant_id, logical_model, provider, provider_model_id,
			input_tokens, output_tokens, total_tokens, latency_ms, status_code, error_message, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), u.RequestID, u.APIKeyID.String(), u.TenantID, u.LogicalModel, u.Provider, u.ProviderModelID,
		u.InputTokens, u.OutputTokens, u.TotalTokens, nullInt(u.LatencyMS), u.StatusCode, nullStr(u.ErrorMessage),
		u.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: log usage: %w", err)
	}
	return nil
}

// TenantUsageSummary aggregates request counts and tokens for a tenant
// over [start, end). It is not exposed over HTTP, and nothing else in the
// gateway calls GetTenantUsageSummary.
type TenantUsageSummary struct {
	RequestCount int64
	TotalTokens  int64
	ErrorCount   int64
}

// GetTenantUsageSummary aggregates usage_logs for a tenant in a time range.
func (s *Store) GetTenantUsageSummary(ctx context.Context, tenantID string, start, end time.Time) (TenantUsageSummary, error) {
	var summary TenantUsageSummary
	err := s.read.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0)
		 FROM usage_logs
		 WHERE tenant_id = ? AND created_at >= ? AND created_at < ?`,
		tenantID, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	).Scan(&summary.RequestCount, &summary.TotalTokens, &summary.ErrorCount)
	if err != nil {
		return TenantUsageSummary{}, fmt.Errorf("store: tenant usage summary: %w", err)
	}
	return summary, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
