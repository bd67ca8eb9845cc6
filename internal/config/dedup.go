package config

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/jsonx"
)

// DedupSettings is the runtime-togglable part of the write pipeline,
// persisted as a document in the graph so every process sees one truth.
type DedupSettings struct {
	Enabled       bool    `json:"enabled"`
	Threshold     float64 `json:"threshold"`
	SkipThreshold float64 `json:"skip_threshold"`
}

// DefaultDedupSettings are also the fail-safe values used when the stored
// document cannot be read or parsed.
func DefaultDedupSettings() DedupSettings {
	return DedupSettings{
		Enabled:       true,
		Threshold:     0.75,
		SkipThreshold: 0.90,
	}
}

// DocumentStore is the slice of graph.Store the dedup config needs.
type DocumentStore interface {
	ConfigDocument(ctx context.Context) ([]byte, error)
	SetConfigDocument(ctx context.Context, data []byte) error
}

const dedupCacheKey = "dedup_settings"

// DedupConfig reads and writes DedupSettings through a short TTL cache, so
// the write pipeline does not hit the graph on every batch.
type DedupConfig struct {
	store  DocumentStore
	cache  *ristretto.Cache[string, []byte]
	ttl    time.Duration
	logger *zap.Logger
}

// NewDedupConfig builds the cached accessor. A zero ttl defaults to 30s.
func NewDedupConfig(store DocumentStore, ttl time.Duration, logger *zap.Logger) (*DedupConfig, error) {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &DedupConfig{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger.Named("dedup_config"),
	}, nil
}

// Get returns the current settings. Failures fall back to defaults so the
// write pipeline keeps deduplicating rather than silently turning off.
func (d *DedupConfig) Get(ctx context.Context) DedupSettings {
	if data, ok := d.cache.Get(dedupCacheKey); ok {
		var s DedupSettings
		if err := jsonx.Unmarshal(data, &s); err == nil {
			return s
		}
	}

	data, err := d.store.ConfigDocument(ctx)
	if err != nil {
		d.logger.Warn("config document read failed, using defaults", zap.Error(err))
		return DefaultDedupSettings()
	}
	if len(data) == 0 {
		return DefaultDedupSettings()
	}

	var s DedupSettings
	if err := jsonx.Unmarshal(data, &s); err != nil {
		d.logger.Warn("config document malformed, using defaults", zap.Error(err))
		return DefaultDedupSettings()
	}

	d.cache.SetWithTTL(dedupCacheKey, data, int64(len(data)), d.ttl)
	d.cache.Wait()
	return s
}

// Set persists new settings and invalidates the cache immediately.
func (d *DedupConfig) Set(ctx context.Context, s DedupSettings) error {
	data, err := jsonx.Marshal(s)
	if err != nil {
		return err
	}
	if err := d.store.SetConfigDocument(ctx, data); err != nil {
		return err
	}
	d.cache.Del(dedupCacheKey)
	return nil
}

// Close releases the cache.
func (d *DedupConfig) Close() {
	d.cache.Close()
}
