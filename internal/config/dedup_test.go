package config

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// memDocStore is an in-memory DocumentStore that counts reads.
type memDocStore struct {
	mu    sync.Mutex
	doc   []byte
	err   error
	reads int
}

func (m *memDocStore) ConfigDocument(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	return m.doc, m.err
}

func (m *memDocStore) SetConfigDocument(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = data
	return nil
}

func (m *memDocStore) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func newDedupConfig(t *testing.T, store DocumentStore, ttl time.Duration) *DedupConfig {
	t.Helper()
	d, err := NewDedupConfig(store, ttl, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestDedupConfigDefaultsWhenAbsent(t *testing.T) {
	d := newDedupConfig(t, &memDocStore{}, time.Minute)

	s := d.Get(context.Background())
	assert.Equal(t, DefaultDedupSettings(), s)
	assert.True(t, s.Enabled)
	assert.Equal(t, 0.75, s.Threshold)
	assert.Equal(t, 0.90, s.SkipThreshold)
}

func TestDedupConfigDefaultsOnReadFailure(t *testing.T) {
	d := newDedupConfig(t, &memDocStore{err: fmt.Errorf("store offline")}, time.Minute)
	assert.Equal(t, DefaultDedupSettings(), d.Get(context.Background()))
}

func TestDedupConfigDefaultsOnMalformedDocument(t *testing.T) {
	d := newDedupConfig(t, &memDocStore{doc: []byte("{not json")}, time.Minute)
	assert.Equal(t, DefaultDedupSettings(), d.Get(context.Background()))
}

func TestDedupConfigRoundTripAndCache(t *testing.T) {
	store := &memDocStore{}
	d := newDedupConfig(t, store, time.Minute)
	ctx := context.Background()

	want := DedupSettings{Enabled: false, Threshold: 0.6, SkipThreshold: 0.95}
	require.NoError(t, d.Set(ctx, want))

	got := d.Get(ctx)
	assert.Equal(t, want, got)

	reads := store.readCount()
	for i := 0; i < 5; i++ {
		assert.Equal(t, want, d.Get(ctx))
	}
	assert.Equal(t, reads, store.readCount(), "cached reads skip the store")
}

func TestDedupConfigSetInvalidatesCache(t *testing.T) {
	store := &memDocStore{}
	d := newDedupConfig(t, store, time.Minute)
	ctx := context.Background()

	require.NoError(t, d.Set(ctx, DedupSettings{Enabled: true, Threshold: 0.7, SkipThreshold: 0.9}))
	_ = d.Get(ctx)

	updated := DedupSettings{Enabled: false, Threshold: 0.8, SkipThreshold: 0.99}
	require.NoError(t, d.Set(ctx, updated))
	assert.Equal(t, updated, d.Get(ctx), "Set must be visible immediately")
}

func TestDedupConfigTTLExpiry(t *testing.T) {
	store := &memDocStore{doc: []byte(`{"enabled":true,"threshold":0.7,"skip_threshold":0.9}`)}
	d := newDedupConfig(t, store, 20*time.Millisecond)
	ctx := context.Background()

	_ = d.Get(ctx)
	reads := store.readCount()

	time.Sleep(50 * time.Millisecond)
	_ = d.Get(ctx)
	assert.Greater(t, store.readCount(), reads, "expired entries re-read the store")
}
