// Package cachetest starts an in-process Redis for tests.
package cachetest

import (
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/pkg/cache"
)

// New returns a cache backed by miniredis. Both are closed when t ends.
func New(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	cfg := config.RedisConfig{
		Host: mr.Host(),
		Port: func() int {
			port, _ := strconv.Atoi(mr.Port())
			return port
		}(),
		DB:       0,
		PoolSize: 200,
	}
	c, err := cache.NewCache(cfg)
	if err != nil {
		mr.Close()
		t.Fatalf("failed to init cache: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		mr.Close()
	})
	return c, mr
}
