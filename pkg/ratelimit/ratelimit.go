package ratelimit

import (
	"context"
	"time"
)

// Config defines a fixed-window limit
type Config struct {
	// RequestsPerWindow is the max requests allowed in the window
	RequestsPerWindow int `yaml:"requests_per_window"`
	// WindowDuration is the length of one window
	WindowDuration time.Duration `yaml:"window"`
}

// JoinPerIPConfig bounds redemption attempts from one client address
func JoinPerIPConfig() Config {
	return Config{RequestsPerWindow: 20, WindowDuration: 15 * time.Minute}
}

// JoinPerActorConfig bounds redemption attempts by one actor, whatever address they use
func JoinPerActorConfig() Config {
	return Config{RequestsPerWindow: 10, WindowDuration: 15 * time.Minute}
}

// Result describes one Allow decision
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter counts attempts per key. An error means the backing store is unreachable; the
// returned Result then allows the request.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
	Reset(ctx context.Context, key string) error
}

func newResult(cfg Config, count int64, resetAfter time.Duration) Result {
	remaining := cfg.RequestsPerWindow - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:    count <= int64(cfg.RequestsPerWindow),
		Limit:      cfg.RequestsPerWindow,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}
}

func failOpen(cfg Config) Result {
	return Result{Allowed: true, Limit: cfg.RequestsPerWindow, Remaining: cfg.RequestsPerWindow}
}
