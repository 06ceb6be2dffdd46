// Package portals is a client for the Portals v2 REST API, the market and balance data provider of the sentinel.
package portals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sentinel-pma/sentinel/internal/config"
	"github.com/sentinel-pma/sentinel/internal/logger"
	"github.com/sentinel-pma/sentinel/internal/metrics"
	"github.com/sentinel-pma/sentinel/internal/types"
	"golang.org/x/sync/errgroup"
)

var portalsLogger = logger.GetForComponent("portals_client")

var (
	ErrUnexpectedStatus  = errors.New("unexpected status from Portals API")
	ErrMalformedResponse = errors.New("malformed Portals API response")
)

const (
	defaultTimeout    = 15 * time.Second
	defaultMaxRetries = 3
	maxTokenPages     = 5
	maxParallel       = 4
)

// Config configures a Client. Zero values fall back to the package defaults.
type Config struct {
	BaseURL    string
	APIKey     string
	Network    string        // Default network for queries that do not name one
	CacheTTL   time.Duration // Zero disables the market data cache
	MaxRetries int
	HTTPClient *http.Client
}

// Client fetches balances and yield-bearing tokens from Portals.
type Client struct {
	baseURL    string
	apiKey     string
	network    string
	maxRetries int
	httpClient *http.Client
	cache      *ristretto.Cache
	cacheTTL   time.Duration
}

// NewClient creates a Portals client.
func NewClient(cfg Config) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		network:    cfg.Network,
		maxRetries: cfg.MaxRetries,
		httpClient: cfg.HTTPClient,
		cacheTTL:   cfg.CacheTTL,
	}
	if c.baseURL == "" {
		c.baseURL = config.DefaultPortalsBaseURL
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if c.cacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 10_000,
			MaxCost:     1_000,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create market cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Close releases the cache.
func (c *Client) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

// GetAccountBalances returns every balance Portals reports for owner on the client's network.
func (c *Client) GetAccountBalances(ctx context.Context, owner string) ([]types.Balance, error) {
	q := url.Values{}
	q.Set("owner", owner)
	q.Set("networks", c.network)

	var resp accountResponse
	if err := c.getJSON(ctx, "account", "/v2/account", q, &resp); err != nil {
		return nil, err
	}
	if resp.Balances == nil {
		return nil, fmt.Errorf("%w: missing balances", ErrMalformedResponse)
	}

	out := make([]types.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		out = append(out, b.toBalance())
	}
	portalsLogger.Debug().Str("owner", owner).Int("balances", len(out)).Msg("Fetched account balances")
	return out, nil
}

// GetMarketData returns the yield-bearing tokens matching query, annotated with protocol risk.
// Tokens on query.ExcludedProtocols are dropped after fetching, so the cache is shared across exclusions.
func (c *Client) GetMarketData(ctx context.Context, query types.MarketQuery) ([]types.MarketToken, error) {
	q := c.tokenQuery(query)
	cacheKey := q.Encode()

	tokens, ok := c.cached(cacheKey)
	if !ok {
		var err error
		tokens, err = c.fetchTokens(ctx, q)
		if err != nil {
			return nil, err
		}
		c.store(cacheKey, tokens)
	}

	out := make([]types.MarketToken, 0, len(tokens))
	for _, t := range tokens {
		if isExcluded(t.Platform, query.ExcludedProtocols) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// GetPositionData runs one market query per (protocol, token) pair, concurrently.
// base supplies the APY and liquidity bounds. Results keep the order of queries.
func (c *Client) GetPositionData(ctx context.Context, queries []types.PositionQuery, base types.MarketQuery) ([]types.PositionMarketData, error) {
	results := make([]types.PositionMarketData, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, pq := range queries {
		g.Go(func() error {
			q := base
			q.Platforms = []string{pq.Protocol}
			q.Search = pq.Token
			q.ExcludedProtocols = nil
			tokens, err := c.GetMarketData(gctx, q)
			if err != nil {
				return fmt.Errorf("position data for %s/%s: %w", pq.Protocol, pq.Token, err)
			}
			results[i] = types.PositionMarketData{Protocol: pq.Protocol, Token: pq.Token, Tokens: tokens}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) tokenQuery(query types.MarketQuery) url.Values {
	network := query.Network
	if network == "" {
		network = c.network
	}
	q := url.Values{}
	q.Set("networks", network)
	q.Set("minLiquidity", strconv.FormatFloat(query.MinLiquidity, 'f', -1, 64))
	q.Set("minApy", strconv.FormatFloat(query.MinAPY, 'f', -1, 64))
	q.Set("maxApy", strconv.FormatFloat(query.MaxAPY, 'f', -1, 64))
	if query.Search != "" {
		q.Set("search", query.Search)
	}
	for _, p := range query.Platforms {
		q.Add("platforms", p)
	}
	return q
}

func (c *Client) fetchTokens(ctx context.Context, q url.Values) ([]types.MarketToken, error) {
	var tokens []types.MarketToken
	for page := 0; page < maxTokenPages; page++ {
		if page > 0 {
			q.Set("page", strconv.Itoa(page))
		}
		var resp tokensResponse
		if err := c.getJSON(ctx, "tokens", "/v2/tokens", q, &resp); err != nil {
			return nil, err
		}
		for _, t := range resp.Tokens {
			tokens = append(tokens, t.toMarketToken())
		}
		if !resp.More {
			break
		}
	}
	q.Del("page")
	portalsLogger.Debug().Int("tokens", len(tokens)).Msg("Fetched market tokens")
	return tokens, nil
}

func (c *Client) cached(key string) ([]types.MarketToken, bool) {
	if c.cache == nil {
		return nil, false
	}
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	tokens, ok := v.([]types.MarketToken)
	if !ok {
		return nil, false
	}
	metrics.MarketCacheHits.Inc()
	return slices.Clone(tokens), true
}

func (c *Client) store(key string, tokens []types.MarketToken) {
	if c.cache == nil {
		return
	}
	c.cache.SetWithTTL(key, slices.Clone(tokens), 1, c.cacheTTL)
	c.cache.Wait()
}

// getJSON performs a GET with retries and decodes the body into out.
// 4xx responses other than 429 are not retried.
func (c *Client) getJSON(ctx context.Context, endpoint, path string, q url.Values, out any) error {
	reqURL := c.baseURL + path + "?" + q.Encode()

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		start := time.Now()
		retry, err := c.doGet(ctx, reqURL, out)
		metrics.PortalsLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.PortalsRequests.WithLabelValues(endpoint, "ok").Inc()
			return nil
		}
		metrics.PortalsRequests.WithLabelValues(endpoint, "error").Inc()
		lastErr = err

		if !retry || attempt == c.maxRetries {
			break
		}
		portalsLogger.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Int("maxRetries", c.maxRetries).
			Msg("Portals request failed, will retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}

	portalsLogger.Error().Err(lastErr).Str("endpoint", endpoint).Msg("Portals request failed")
	return fmt.Errorf("portals %s request failed: %w", endpoint, lastErr)
}

func (c *Client) doGet(ctx context.Context, reqURL string, out any) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return retry, fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return false, nil
}

func isExcluded(platform string, excluded []string) bool {
	for _, e := range excluded {
		if strings.EqualFold(platform, e) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
