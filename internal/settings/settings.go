// Package settings is the process-wide config cache: a TTL-cached view of
// the persisted settings table. Reads hit the cache first; writes go through
// to the store and invalidate the specific key. Readers may observe a value
// up to one TTL stale; there is no cross-key atomicity.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jmoiron/sqlx/types"

	"github.com/tacmap/backend/internal/store"
)

// Enumerated settings keys. Anything outside this set is rejected.
const (
	KeySetupCompleted = "setup_completed"
	KeyJWTSecret      = "jwt_secret"
	KeyEncryptionKey  = "encryption_key"
	KeyCORSOrigin     = "cors_origin"
	KeyOrgName        = "org_name"
	KeyRetentionDays  = "retention_days"
	KeyAIAPIKey       = "ai_api_key"
	KeySearchModel    = "search_model"
	KeyDedupModel     = "dedup_model"
	KeyFeatureFlags   = "feature_flags"
)

var knownKeys = map[string]bool{
	KeySetupCompleted: true,
	KeyJWTSecret:      true,
	KeyEncryptionKey:  true,
	KeyCORSOrigin:     true,
	KeyOrgName:        true,
	KeyRetentionDays:  true,
	KeyAIAPIKey:       true,
	KeySearchModel:    true,
	KeyDedupModel:     true,
	KeyFeatureFlags:   true,
}

const cacheTTL = 60 * time.Second

// Cache fronts the settings table with a per-entry TTL.
type Cache struct {
	store *store.Store
	lru   *lru.LRU[string, types.JSONText]
	log   *slog.Logger
}

// New builds the cache. Size is bounded well above the enumerated key set;
// eviction in practice is TTL-driven only.
func New(st *store.Store, log *slog.Logger) *Cache {
	return &Cache{
		store: st,
		lru:   lru.NewLRU[string, types.JSONText](64, nil, cacheTTL),
		log:   log.With("component", "settings"),
	}
}

// Get returns the raw JSON value for a key, or nil when unset.
func (c *Cache) Get(ctx context.Context, key string) (types.JSONText, error) {
	if !knownKeys[key] {
		return nil, fmt.Errorf("unknown settings key %q", key)
	}
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err := c.store.GetSetting(ctx, key)
	if err != nil {
		return nil, err
	}
	if v != nil {
		c.lru.Add(key, v)
	}
	return v, nil
}

// GetString decodes a string-valued key. Unset keys return "".
func (c *Cache) GetString(ctx context.Context, key string) (string, error) {
	raw, err := c.Get(ctx, key)
	if err != nil || raw == nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("setting %s is not a string: %w", key, err)
	}
	return s, nil
}

// GetBool decodes a bool-valued key. Unset keys return false.
func (c *Cache) GetBool(ctx context.Context, key string) (bool, error) {
	raw, err := c.Get(ctx, key)
	if err != nil || raw == nil {
		return false, err
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("setting %s is not a bool: %w", key, err)
	}
	return b, nil
}

// GetInt decodes an int-valued key. Unset keys return 0.
func (c *Cache) GetInt(ctx context.Context, key string) (int, error) {
	raw, err := c.Get(ctx, key)
	if err != nil || raw == nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("setting %s is not an int: %w", key, err)
	}
	return n, nil
}

// Put writes through to the store and invalidates the cached entry.
func (c *Cache) Put(ctx context.Context, key string, value any) error {
	if !knownKeys[key] {
		return fmt.Errorf("unknown settings key %q", key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	if err := c.store.PutSetting(ctx, key, raw); err != nil {
		return err
	}
	c.lru.Remove(key)
	return nil
}

// PutCritical writes a setting that must not be lost (signing secrets,
// encryption keys), retrying up to three times with exponential back-off.
func (c *Cache) PutCritical(ctx context.Context, key string, value any) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := c.Put(ctx, key, value)
		if err != nil {
			c.log.Warn("critical settings write failed, retrying", "key", key, "error", err)
		}
		return err
	}, bo)
}

// SetupCompleted reports whether the one-shot setup has run.
func (c *Cache) SetupCompleted(ctx context.Context) bool {
	done, err := c.GetBool(ctx, KeySetupCompleted)
	if err != nil {
		c.log.Warn("setup flag read failed", "error", err)
		return false
	}
	return done
}
