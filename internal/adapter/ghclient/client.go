// Package ghclient implements RateClient (§4.1): the single client through
// which every pipeline talks to the upstream code-hosting API. It tracks two
// independent quota buckets (core, search), enforces a safety floor before
// core-class calls, and retries transparently on secondary-limit responses.
package ghclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/repowatch/internal/adapter/observability"
	"github.com/fairyhunter13/repowatch/internal/config"
	"github.com/fairyhunter13/repowatch/internal/domain"
	intobs "github.com/fairyhunter13/repowatch/internal/observability"
)

// quotaTracker holds the remaining-calls/reset-timestamp pair for one
// endpoint class, as last reported by the upstream API's rate-limit headers.
type quotaTracker struct {
	remaining int
	reset     time.Time
}

// class distinguishes the two upstream rate-limit buckets by URL prefix
// (§4.1, §9 "Dual safety limits").
type class string

const (
	classCore   class = "core"
	classSearch class = "search"
)

// classify returns which quota bucket an endpoint belongs to, by prefix.
func classify(endpoint string) class {
	if strings.HasPrefix(strings.TrimPrefix(endpoint, "/"), "search/") {
		return classSearch
	}
	return classCore
}

// Client implements domain.UpstreamClient. A single instance is safe to
// share across sequential calls; if pipelines call it concurrently, the
// pre-call guard and the post-call quota update happen in the same
// mutex-guarded critical section so two callers can never both observe
// "remaining >= floor" and both spend the last permit (§9).
type Client struct {
	baseURL string
	token   string
	hc      *http.Client

	coreSafetyFloor   int
	searchSafetyFloor int
	maxRetries        int
	maxWait           time.Duration

	mu     sync.Mutex
	core   quotaTracker
	search quotaTracker

	totalRequests int64 // atomic

	mirror *redisMirror // nil disables cross-process quota mirroring

	coreObs   *intobs.ObservableClient
	searchObs *intobs.ObservableClient
}

// NewClient builds a RateClient from configuration. Quota trackers start
// optimistic (no known limit yet) until the first response headers arrive.
func NewClient(cfg config.Config) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "ghclient " + r.Method + " " + r.URL.Path
		}))

	c := &Client{
		baseURL:           strings.TrimRight(cfg.UpstreamBaseURL, "/"),
		token:             cfg.UpstreamToken,
		hc:                &http.Client{Timeout: cfg.RateClientHTTPTimeout, Transport: transport},
		coreSafetyFloor:   cfg.CoreSafetyFloor,
		searchSafetyFloor: cfg.SearchSafetyFloor,
		maxRetries:        cfg.RateClientMaxRetries,
		maxWait:           cfg.RateClientMaxWait,
		coreObs: intobs.NewObservableClient(intobs.ConnectionTypeGitHubCore, intobs.OperationTypeRequest,
			cfg.UpstreamBaseURL, cfg.RateClientHTTPTimeout, cfg.RateClientHTTPTimeout/2, cfg.RateClientHTTPTimeout*2),
		searchObs: intobs.NewObservableClient(intobs.ConnectionTypeGitHubSearch, intobs.OperationTypeSearch,
			cfg.UpstreamBaseURL, cfg.RateClientHTTPTimeout, cfg.RateClientHTTPTimeout/2, cfg.RateClientHTTPTimeout*2),
	}
	if cfg.RedisURL != "" {
		c.mirror = newRedisMirror(cfg.RedisURL)
	}
	return c
}

// reserve performs the pre-call guard and an optimistic reservation for a
// single request of the given class, as one critical section (§9). It
// returns domain.ErrRateLimitExceeded for a core-class call that would
// breach the safety floor; search-class calls never block here, only warn
// (§4.1: "the quota is too small for a hard floor to be useful").
func (c *Client) reserve(ctx domain.Context, cl class) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cl {
	case classCore:
		if c.core.remaining > 0 && c.core.remaining < c.coreSafetyFloor {
			return fmt.Errorf("op=ghclient.reserve: core_remaining=%d floor=%d: %w",
				c.core.remaining, c.coreSafetyFloor, domain.ErrRateLimitExceeded)
		}
		if c.core.remaining > 0 {
			c.core.remaining--
		}
	case classSearch:
		if c.search.remaining > 0 && c.search.remaining < c.searchSafetyFloor {
			intobs.LoggerFromContext(ctx).Warn("search quota below safety floor, proceeding anyway",
				slog.Int("search_remaining", c.search.remaining))
		}
		if c.search.remaining > 0 {
			c.search.remaining--
		}
	}
	return nil
}

// updateQuota records the authoritative remaining/reset values reported by
// the response headers of the most recent call of the given class.
func (c *Client) updateQuota(cl class, remaining int, reset time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cl {
	case classCore:
		c.core = quotaTracker{remaining: remaining, reset: reset}
	case classSearch:
		c.search = quotaTracker{remaining: remaining, reset: reset}
	}
	if c.mirror != nil {
		c.mirror.store(string(cl), remaining, reset)
	}
	observability.RecordRateClientCall(string(cl), "ok", remaining)
}

func parseQuotaHeaders(h http.Header) (remaining int, reset time.Time, ok bool) {
	rem := h.Get("X-RateLimit-Remaining")
	rst := h.Get("X-RateLimit-Reset")
	if rem == "" || rst == "" {
		return 0, time.Time{}, false
	}
	r, err := strconv.Atoi(rem)
	if err != nil {
		return 0, time.Time{}, false
	}
	epoch, err := strconv.ParseInt(rst, 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return r, time.Unix(epoch, 0), true
}

// do issues a single HTTP request, retrying on secondary-limit (403,
// remaining > 0) responses per the literal §4.1 formula
// min(Retry-After * 2^attempt, 300s), up to maxRetries. A 403 with
// remaining == 0 fails immediately: the primary quota is drained, not
// merely secondary-throttled.
func (c *Client) do(ctx domain.Context, req *http.Request, cl class) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		atomic.AddInt64(&c.totalRequests, 1)
		var resp *http.Response
		var err error
		reqErr := c.observableFor(cl).ExecuteWithMetrics(ctx, "ghclient_request", func(opCtx context.Context) error {
			attemptReq := req.Clone(opCtx)
			resp, err = c.hc.Do(attemptReq)
			return err
		})
		if reqErr != nil {
			lastErr = fmt.Errorf("op=ghclient.do: %w: %w", domain.ErrUpstreamUnavailable, reqErr)
			return nil, lastErr
		}

		if remaining, reset, ok := parseQuotaHeaders(resp.Header); ok {
			c.updateQuota(cl, remaining, reset)
		}

		if resp.StatusCode != http.StatusForbidden {
			return resp, nil
		}

		remaining, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
		_ = resp.Body.Close()
		if remaining == 0 {
			return nil, fmt.Errorf("op=ghclient.do: primary quota drained: %w", domain.ErrRateLimitExceeded)
		}

		retryAfter := parseRetryAfter(resp.Header)
		wait := retryAfter * time.Duration(1<<uint(attempt))
		if wait > c.maxWait {
			wait = c.maxWait
		}
		if attempt == c.maxRetries {
			return nil, fmt.Errorf("op=ghclient.do: secondary limit unrelieved after %d retries: %w",
				c.maxRetries, domain.ErrRateLimitExceeded)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("op=ghclient.do: %w", domain.ErrCancelled)
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func (c *Client) observableFor(cl class) *intobs.ObservableClient {
	if cl == classSearch {
		return c.searchObs
	}
	return c.coreObs
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return time.Second
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return time.Second
	}
	return time.Duration(secs) * time.Second
}

// Get performs a non-POST call against the upstream REST API. Returns a
// nil payload, nil error on a 404 (§4.1: "Returns parsed payload, or nil
// on 404").
func (c *Client) Get(ctx domain.Context, endpoint string, params url.Values) ([]byte, error) {
	cl := classify(endpoint)
	if err := c.reserve(ctx, cl); err != nil {
		return nil, err
	}

	u := c.baseURL + "/" + strings.TrimPrefix(endpoint, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("op=ghclient.Get: %w", err)
	}

	resp, err := c.do(ctx, req, cl)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=ghclient.Get: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=ghclient.Get: status=%d: %w", resp.StatusCode, domain.ErrUpstreamUnavailable)
	}
	return body, nil
}

// graphqlRequest/graphqlResponse mirror the upstream GraphQL envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

// GraphQL posts to the single GraphQL endpoint, reserved for future signals
// (§6). Counted against the core quota, matching upstream's own accounting.
func (c *Client) GraphQL(ctx domain.Context, query string, variables map[string]any) ([]byte, error) {
	if err := c.reserve(ctx, classCore); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("op=ghclient.GraphQL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("op=ghclient.GraphQL: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, req, classCore)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=ghclient.GraphQL: status=%d: %w", resp.StatusCode, domain.ErrUpstreamUnavailable)
	}
	var gr graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("op=ghclient.GraphQL: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	if len(gr.Errors) > 0 {
		return nil, fmt.Errorf("op=ghclient.GraphQL: %s: %w", gr.Errors[0].Message, domain.ErrUpstreamUnavailable)
	}
	return gr.Data, nil
}

// Stats reports the client's current quota view (§4.1 stats()).
func (c *Client) Stats() domain.ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ClientStats{
		TotalRequests:   atomic.LoadInt64(&c.totalRequests),
		CoreRemaining:   c.core.remaining,
		CoreReset:       c.core.reset,
		SearchRemaining: c.search.remaining,
		SearchReset:     c.search.reset,
	}
}

// Close releases the optional Redis mirror connection, if any.
func (c *Client) Close() error {
	if c.mirror != nil {
		return c.mirror.close()
	}
	return nil
}
