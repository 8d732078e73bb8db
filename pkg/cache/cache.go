// Package cache holds the materialized output of a source together with the
// pipeline time it was computed for, and answers whether it can serve a request.
package cache

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tessera-io/tessera/pkg/array"
	"github.com/tessera-io/tessera/pkg/clock"
	"github.com/tessera-io/tessera/pkg/extent"
)

var ErrNothingStaged = errors.New("no staged buffer to commit")

var (
	cacheQueryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "cache_queries_total",
		Help:      "The total number of cache queries by result.",
	}, []string{"status"})

	cacheReleaseCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "cache_releases_total",
		Help:      "The total number of buffers released.",
	})

	historyHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "cache_history_hits_total",
		Help:      "The total number of requests served from the buffer history.",
	})
)

// Status is the answer to a cache query.
type Status int

const (
	// Missing means there is no usable buffer: nothing was computed yet, the
	// buffer was released, or the request is empty.
	Missing Status = iota
	// Stale means a buffer exists but is too old or does not cover the request.
	Stale
	// Fresh means the buffer covers the request and is current.
	Fresh
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Stale:
		return "stale"
	case Fresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// Cache owns one buffer. New data is prepared in a staging buffer and only
// replaces the owned buffer on Commit, so a failed computation leaves the
// previous contents in place.
type Cache struct {
	mu            sync.Mutex
	buffer        *Buffer
	staging       *Buffer
	releasePolicy bool
	history       *History
}

type CacheOpt func(*Cache)

// WithReleasePolicy sets whether Retrieve releases the buffer after handing it
// out. The default is true.
func WithReleasePolicy(release bool) CacheOpt {
	return func(c *Cache) {
		c.releasePolicy = release
	}
}

// WithHistory keeps a snapshot of every committed buffer in h.
func WithHistory(h *History) CacheOpt {
	return func(c *Cache) {
		c.history = h
	}
}

func New(opts ...CacheOpt) *Cache {
	c := &Cache{
		releasePolicy: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query reports whether the owned buffer can serve ext for a pipeline at time
// pipelineTS.
func (c *Cache) Query(ext extent.Extent, pipelineTS clock.Timestamp) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.query(ext, pipelineTS)
	cacheQueryCounter.WithLabelValues(status.String()).Inc()
	return status
}

func (c *Cache) query(ext extent.Extent, pipelineTS clock.Timestamp) Status {
	b := c.buffer
	if ext.IsEmpty() || b == nil || b.released || b.IsEmpty() {
		return Missing
	}
	if !b.extent.Contains(ext) || b.timestamp < pipelineTS {
		return Stale
	}
	return Fresh
}

// Allocate stages a zeroed buffer covering exactly ext. The owned buffer is not
// touched until Commit.
func (c *Cache) Allocate(ext extent.Extent, typ array.Type, components int) (*Buffer, error) {
	b, err := NewBuffer(ext, typ, components)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.staging = b
	return b, nil
}

// Commit installs the staged buffer, stamped with ts, into the owned buffer.
func (c *Cache) Commit(ts clock.Timestamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.staging == nil {
		return ErrNothingStaged
	}
	staged := c.staging
	c.staging = nil

	if c.buffer == nil {
		c.buffer = &Buffer{}
	}
	*c.buffer = *staged
	c.buffer.timestamp = ts
	c.buffer.released = false

	if c.history != nil {
		c.history.Store(c.buffer.clone())
	}
	return nil
}

// Abort drops the staged buffer.
func (c *Cache) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staging = nil
}

// Recall installs a fresh snapshot containing ext from the history, if one
// exists. It reports whether it did.
func (c *Cache) Recall(ext extent.Extent, pipelineTS clock.Timestamp) bool {
	if c.history == nil || ext.IsEmpty() {
		return false
	}
	snapshot, ok := c.history.Lookup(ext, pipelineTS)
	if !ok {
		return false
	}
	historyHitCounter.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffer == nil {
		c.buffer = &Buffer{}
	}
	*c.buffer = *snapshot
	c.buffer.released = false
	return true
}

// Release drops the owned buffer's data. The buffer keeps its timestamp.
func (c *Cache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release()
}

func (c *Cache) release() {
	if c.buffer == nil || c.buffer.released {
		return
	}
	c.buffer.data = nil
	c.buffer.extent = extent.Empty(max(c.buffer.extent.Axes, 1))
	c.buffer.released = true
	cacheReleaseCounter.Inc()
}

// Get returns the owned buffer, creating an empty one on first use. It never
// returns nil.
func (c *Cache) Get() *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffer == nil {
		c.buffer = emptyBuffer(1)
	}
	return c.buffer
}

// Retrieve returns the data for a consumer. Under the release policy the
// consumer receives a detached buffer that takes over the data, and the cache
// releases its own; otherwise the owned buffer is returned.
func (c *Cache) Retrieve() *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buffer == nil {
		c.buffer = emptyBuffer(1)
	}
	if !c.releasePolicy || c.buffer.released {
		return c.buffer
	}
	handed := *c.buffer
	c.release()
	return &handed
}

// Timestamp is the owned buffer's timestamp, or clock.Never.
func (c *Cache) Timestamp() clock.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffer == nil {
		return clock.Never
	}
	return c.buffer.timestamp
}

func (c *Cache) SetReleasePolicy(release bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releasePolicy = release
}

func (c *Cache) ReleasePolicy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releasePolicy
}
