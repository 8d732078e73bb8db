package cache

import (
	"fmt"
	"sync"

	"github.com/Yiling-J/theine-go"

	"github.com/tessera-io/tessera/internal/keys"
	"github.com/tessera-io/tessera/pkg/clock"
	"github.com/tessera-io/tessera/pkg/extent"
)

const defaultHistoryBytes = 64 << 20

// History keeps snapshots of previously computed buffers so a source can go
// back to an earlier request without recomputing it. Entries cost their size in
// bytes and are evicted once the total passes the configured limit.
type History struct {
	store     *theine.Cache[uint64, *Buffer]
	closeOnce *sync.Once

	mu      sync.Mutex
	extents map[uint64]extent.Extent
}

type HistoryOpt func(*historyConfig)

type historyConfig struct {
	maxBytes int64
}

// WithMaxBytes bounds the total size of the stored snapshots.
func WithMaxBytes(n int64) HistoryOpt {
	return func(c *historyConfig) {
		c.maxBytes = n
	}
}

func NewHistory(opts ...HistoryOpt) (*History, error) {
	cfg := historyConfig{maxBytes: defaultHistoryBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxBytes < 1 {
		return nil, fmt.Errorf("history size must be positive, got %d", cfg.maxBytes)
	}

	store, err := theine.NewBuilder[uint64, *Buffer](cfg.maxBytes).Build()
	if err != nil {
		return nil, fmt.Errorf("build history store: %w", err)
	}
	return &History{
		store:     store,
		closeOnce: &sync.Once{},
		extents:   make(map[uint64]extent.Extent),
	}, nil
}

// Store records b under its extent, replacing an older snapshot of the same
// extent. Empty buffers are ignored.
func (h *History) Store(b *Buffer) bool {
	if b.IsEmpty() {
		return false
	}
	key := keys.ExtentKey(b.extent)
	if !h.store.Set(key, b, int64(max(b.SizeInBytes(), 1))) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.extents[key] = b.extent
	return true
}

// Lookup returns a snapshot containing ext that is at least as new as ts.
func (h *History) Lookup(ext extent.Extent, ts clock.Timestamp) (*Buffer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, stored := range h.extents {
		if !stored.Contains(ext) {
			continue
		}
		b, ok := h.store.Get(key)
		if !ok {
			// Evicted.
			delete(h.extents, key)
			continue
		}
		if b.timestamp >= ts {
			return b.clone(), true
		}
	}
	return nil, false
}

// Len is the number of extents the history believes it still holds.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.extents)
}

func (h *History) Close() {
	h.closeOnce.Do(func() {
		h.store.Close()
	})
}
