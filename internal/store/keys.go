package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by key store operations. Callers distinguish
// them with errors.Is to pick the right HTTP status.
var (
	ErrKeyInvalidFormat = errors.New("store: malformed api key")
	ErrKeyNotFound      = errors.New("store: api key not found")
	ErrKeyInactive      = errors.New("store: api key is inactive")
	ErrKeyExpired       = errors.New("store: api key has expired")
)

// KeyPrefix identifies keys issued by this gateway.
const KeyPrefix = "XJP_"

// KeyInfo is everything the gateway needs about a verified API key.
type KeyInfo struct {
	ID          uuid.UUID
	TenantID    string
	Description *string
	RPM         int
	RPD         int
	IsActive    bool
	ExpiresAt   *time.Time
}

// GenerateKey returns a fresh raw key and its SHA-256 hash. The raw value
// is returned exactly once by callers (e.g. the admin key-minting tool);
// only the hash is ever persisted.
func GenerateKey() (raw string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("store: generating key: %w", err)
	}
	raw = KeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashKey(raw), nil
}

// HashKey returns the hex-encoded SHA-256 digest of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateKey inserts a new API key record and returns its generated ID.
func (s *Store) CreateKey(ctx context.Context, tenantID string, description *string, rpm, rpd int) (id uuid.UUID, rawKey string, err error) {
	raw, hash, err := GenerateKey()
	if err != nil {
		return uuid.UUID{}, "", err
	}
	id = uuid.New()
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, tenant_id, description, rate_limit_rpm, rate_limit_rpd, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		id.String(), hash, tenantID, nullStr(description), rpm, rpd, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return uuid.UUID{}, "", fmt.Errorf("store: create key: %w", err)
	}
	return id, raw, nil
}

// VerifyKey looks up a raw key's hash and returns the associated KeyInfo.
// It distinguishes not-found, inactive, and expired so auth can report
// each case precisely.
func (s *Store) VerifyKey(ctx context.Context, raw string) (*KeyInfo, error) {
	hash := HashKey(raw)
	row := s.read.QueryRowContext(ctx,
		`SELECT id, tenant_id, description, rate_limit_rpm, rate_limit_rpd, is_active, expires_at
		 FROM api_keys WHERE key_hash = ?`, hash,
	)

	var (
		idStr       string
		tenantID    string
		description sql.NullString
		rpm, rpd    int
		isActive    int
		expiresAt   sql.NullString
	)
	err := row.Scan(&idStr, &tenantID, &description, &rpm, &rpd, &isActive, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: verify key: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("store: verify key: stored id %q is not a uuid: %w", idStr, err)
	}

	info := &KeyInfo{
		ID:        id,
		TenantID:  tenantID,
		RPM:       rpm,
		RPD:       rpd,
		IsActive:  isActive != 0,
		ExpiresAt: parseTime(expiresAt),
	}
	if description.Valid {
		d := description.String
		info.Description = &d
	}

	if !info.IsActive {
		return nil, ErrKeyInactive
	}
	if info.ExpiresAt != nil && info.ExpiresAt.Before(time.Now()) {
		return nil, ErrKeyExpired
	}
	return info, nil
}

// TouchKey updates a key's last_used_at timestamp. Failures here are
// expected to be logged and discarded by the caller, never surfaced to
// the client.
func (s *Store) TouchKey(ctx context.Context, id uuid.UUID) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id.String(),
	)
	return err
}

// DeactivateKey marks a key inactive without deleting its history.
func (s *Store) DeactivateKey(ctx context.Context, id uuid.UUID) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET is_active = 0 WHERE id = ?`, id.String(),
	)
	if err != nil {
		return fmt.Errorf("store: deactivate key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func nullStr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
