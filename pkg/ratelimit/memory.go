package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxKeys bounds the number of tracked keys in a MemoryLimiter
const DefaultMaxKeys = 10000

type window struct {
	start time.Time
	count int64
}

// MemoryLimiter keeps fixed-window counters in a bounded LRU whose entries expire with
// their window. Limits are per process; use RedisLimiter when running more than one.
type MemoryLimiter struct {
	config  Config
	windows *lru.LRU[string, *window]
	now     func() time.Time
	mu      sync.Mutex
}

// NewMemoryLimiter creates an in-process limiter tracking at most maxKeys keys. now may be
// nil to use the wall clock.
func NewMemoryLimiter(cfg Config, maxKeys int, now func() time.Time) *MemoryLimiter {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		config:  cfg,
		windows: lru.NewLRU[string, *window](maxKeys, nil, cfg.WindowDuration),
		now:     now,
	}
}

// Allow counts an attempt for key in the current window
func (ml *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	w, ok := ml.windows.Get(key)
	if !ok || now.Sub(w.start) >= ml.config.WindowDuration {
		w = &window{start: now}
		ml.windows.Add(key, w)
	}
	w.count++

	return newResult(ml.config, w.count, w.start.Add(ml.config.WindowDuration).Sub(now)), nil
}

// Reset forgets key
func (ml *MemoryLimiter) Reset(_ context.Context, key string) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.windows.Remove(key)
	return nil
}

// Len returns the number of tracked keys
func (ml *MemoryLimiter) Len() int {
	return ml.windows.Len()
}
