// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/repowatch/internal/config"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPinger is the minimal interface for a Redis client capable of Ping.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns readiness checks for the database, the
// GitHub API, and (when configured) the Redis quota mirror.
func BuildReadinessChecks(cfg config.Config, pool Pinger, redisClient RedisPinger) (
	dbCheck func(ctx context.Context) error,
	githubCheck func(ctx context.Context) error,
	redisCheck func(ctx context.Context) error,
) {
	dbCheck = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	githubCheck = func(ctx context.Context) error {
		client := &http.Client{Timeout: 2 * time.Second}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UpstreamBaseURL+"/rate_limit", nil)
		if err != nil {
			return err
		}
		if cfg.UpstreamToken != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.UpstreamToken)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("github status %d", resp.StatusCode)
	}
	redisCheck = func(ctx context.Context) error {
		if cfg.RedisURL == "" || redisClient == nil {
			return nil
		}
		return redisClient.Ping(ctx)
	}
	return dbCheck, githubCheck, redisCheck
}
