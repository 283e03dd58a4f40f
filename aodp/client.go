// Package aodp is a small REST client for the Albion Online Data Project
// price API. The predictor uses it to warm the cache; collaborators may
// use it directly for on-demand price reads.
package aodp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PyRo1121/hetzner-sub000/errors"
	"github.com/PyRo1121/hetzner-sub000/event"
	"github.com/PyRo1121/hetzner-sub000/pkg/retry"
)

const (
	// DefaultBaseURL is the public AODP API root.
	DefaultBaseURL = "https://www.albion-online-data.com/api/v2"

	defaultRequestTimeout = 10 * time.Second
)

// Price is one price point from the stats API.
type Price struct {
	ItemID       string `json:"item_id"`
	City         string `json:"city"`
	Quality      int    `json:"quality"`
	SellPriceMin int64  `json:"sell_price_min"`
	SellPriceMax int64  `json:"sell_price_max"`
	BuyPriceMin  int64  `json:"buy_price_min"`
	BuyPriceMax  int64  `json:"buy_price_max"`
}

// Client talks to the AODP REST API. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	retry   retry.Config
	logger  *slog.Logger

	// prefetchPaths maps a record kind to the API path warmed when the
	// predictor expects that kind to be requested soon.
	prefetchPaths map[event.Kind]string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPrefetchPath overrides the warm path for one kind.
func WithPrefetchPath(kind event.Kind, path string) Option {
	return func(c *Client) { c.prefetchPaths[kind] = path }
}

// WithRetry replaces the retry policy used by Prices.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a Client for baseURL. An empty baseURL uses the public
// API.
func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultRequestTimeout},
		retry:   retry.DefaultConfig(),
		logger:  logger.With("component", "aodp"),
		prefetchPaths: map[event.Kind]string{
			event.KindMarket:  "/stats/prices/T4_BAG,T5_BAG,T6_BAG.json",
			event.KindKills:   "/stats/gold.json?count=1",
			event.KindBattles: "/stats/gold.json?count=1",
			event.KindGuilds:  "/stats/gold.json?count=1",
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prices fetches current prices for itemIDs, optionally filtered to
// locations. Transient upstream failures are retried a few times before
// giving up.
func (c *Client) Prices(ctx context.Context, itemIDs []string, locations []string) ([]Price, error) {
	if len(itemIDs) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Client", "Prices", "no item ids")
	}

	path := "/stats/prices/" + url.PathEscape(strings.Join(itemIDs, ",")) + ".json"
	if len(locations) > 0 {
		path += "?locations=" + url.QueryEscape(strings.Join(locations, ","))
	}

	body, err := retry.DoWithResult(ctx, c.retry, func() ([]byte, error) {
		return c.get(ctx, path)
	})
	if err != nil {
		return nil, err
	}

	var prices []Price
	if err := json.Unmarshal(body, &prices); err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Prices", "decode response")
	}
	return prices, nil
}

// Prefetch warms the API path associated with kind, discarding the body.
// Best effort with a single attempt; the caller swallows the error.
func (c *Client) Prefetch(ctx context.Context, kind event.Kind) error {
	path, ok := c.prefetchPaths[kind]
	if !ok {
		return nil
	}
	_, err := c.get(ctx, path)
	return err
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, retry.NonRetryable(errors.WrapInvalid(err, "Client", "get", "build request"))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "get", "request "+path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.WrapTransient(errors.ErrUpstreamStatus, "Client", "get",
			fmt.Sprintf("status %d for %s", resp.StatusCode, path))
	default:
		return nil, retry.NonRetryable(errors.WrapInvalid(errors.ErrUpstreamStatus, "Client", "get",
			fmt.Sprintf("status %d for %s", resp.StatusCode, path)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "get", "read response body")
	}
	return body, nil
}
