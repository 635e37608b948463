package render

import (
	"context"
	"log/slog"
	"sync"

	"github.com/abenezer101/Loanie/internal/telemetry"
)

// Bundler produces a render bundle location.
type Bundler interface {
	Bundle(ctx context.Context) (string, error)
}

// BundleCache builds the bundle once per process and hands the same location
// to every job. Concurrent first callers wait for the single build; a failed
// build is not cached.
type BundleCache struct {
	bundler Bundler
	logger  *slog.Logger

	mu       sync.Mutex
	location string
}

func NewBundleCache(bundler Bundler, logger *slog.Logger) *BundleCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &BundleCache{bundler: bundler, logger: logger}
}

// Get returns the cached bundle, building it on first use.
func (c *BundleCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.location != "" {
		return c.location, nil
	}
	location, err := c.bundler.Bundle(ctx)
	if err != nil {
		c.logger.Warn("bundle build failed", "error", err)
		return "", err
	}
	telemetry.BundleBuilds.Inc()
	c.logger.Info("bundle ready", "location", location)
	c.location = location
	return location, nil
}

// Peek returns the cached location without building.
func (c *BundleCache) Peek() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.location
}
