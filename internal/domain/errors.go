// Package domain defines core entities, ports, and domain-specific errors.
package domain

import "errors"

// Error taxonomy (sentinels). Wrap with fmt.Errorf("op=...: %w", ...) at the
// call site so errors.Is keeps working across adapter boundaries.
var (
	// ErrRateLimitExceeded means the primary quota is drained, the safety
	// floor would be breached, or secondary throttling was not relieved
	// after max retries. Fatal to the current pipeline run.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrUpstreamUnavailable means a non-404 HTTP error, timeout, or
	// malformed payload on a single upstream endpoint.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrNotFound means a 404 normalized to "no such entity", or no row
	// matched a Store lookup.
	ErrNotFound = errors.New("not found")
	// ErrValidation means a caller-supplied parameter failed validation at
	// a trigger boundary, before any work begins.
	ErrValidation = errors.New("validation error")
	// ErrStore means a persistence failure; aborts the current transaction
	// and the enclosing pipeline.
	ErrStore = errors.New("store error")
	// ErrCancelled means the caller's context was cancelled mid-pipeline.
	ErrCancelled = errors.New("cancelled")
)
