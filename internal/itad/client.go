// Package itad is the price-history client: app-id lookup, batched deal
// prices, and game tags. Requests go through the itad rate controller.
package itad

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vibecoder-lab/game-seeker-vault/internal/catalog"
	"github.com/vibecoder-lab/game-seeker-vault/internal/config"
	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
	"github.com/vibecoder-lab/game-seeker-vault/internal/ratelimit"
)

const (
	defaultBaseURL = "https://api.isthereanydeal.com"
	steamShopID    = 61
	maxRetries     = 3
	batchTimeout   = 60 * time.Second
)

// ErrNotFound means the service has no entry for the app-id.
var ErrNotFound = errors.New("itad: game not found")

var errRateLimited = errors.New("itad: rate limited")

// Client talks to the price-history API. Safe for concurrent use.
type Client struct {
	http      *http.Client
	rc        *ratelimit.Controller
	// BaseURL is overridable for tests.
	BaseURL   string
	apiKey    string
	agent     string
	chunkSize int
}

// NewClient creates a price-history client gated by the given controller.
func NewClient(rc *ratelimit.Controller, apiKey, userAgent string, chunkSize int) *Client {
	if chunkSize <= 0 {
		chunkSize = 200
	}
	return &Client{
		http:      &http.Client{Timeout: batchTimeout},
		rc:        rc,
		BaseURL:   defaultBaseURL,
		apiKey:    apiKey,
		agent:     userAgent,
		chunkSize: chunkSize,
	}
}

func (c *Client) roundTrip(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		out, err := c.roundTripOnce(ctx, method, url, body)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if attempt == maxRetries-1 {
			break
		}
		if !errors.Is(err, errRateLimited) {
			wait := time.Duration(2<<attempt) * time.Second
			logger.Warn("ITAD", fmt.Sprintf("request failed: %v, retrying in %s (%d/%d)",
				err, wait, attempt+1, maxRetries))
			if serr := sleepCtx(ctx, wait); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, lastErr
}

func (c *Client) roundTripOnce(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	release, err := c.rc.Permit(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		release(err)
		return nil, err
	}
	req.Header.Set("User-Agent", c.agent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		release(err)
		return nil, fmt.Errorf("itad: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		release(errRateLimited)
		var retryAfter time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		if err := c.rc.ReportHTTPError(ctx, http.StatusTooManyRequests, retryAfter); err != nil {
			return nil, err
		}
		return nil, errRateLimited
	case resp.StatusCode != http.StatusOK:
		err := fmt.Errorf("itad: status %d", resp.StatusCode)
		release(err)
		return nil, err
	}

	out, err := io.ReadAll(resp.Body)
	release(err)
	if err != nil {
		return nil, fmt.Errorf("itad: read body: %w", err)
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Lookup resolves a storefront app-id to its history id.
func (c *Client) Lookup(ctx context.Context, appID int) (string, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("appid", strconv.Itoa(appID))
	body, err := c.roundTrip(ctx, http.MethodGet, c.BaseURL+"/games/lookup/v1?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	var payload struct {
		Found bool `json:"found"`
		Game  struct {
			ID string `json:"id"`
		} `json:"game"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("itad: decode lookup: %w", err)
	}
	if !payload.Found || payload.Game.ID == "" {
		return "", ErrNotFound
	}
	return payload.Game.ID, nil
}

type money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type batchGame struct {
	ID    string `json:"id"`
	Deals []struct {
		Shop struct {
			ID int `json:"id"`
		} `json:"shop"`
		Price    *money `json:"price"`
		Regular  *money `json:"regular"`
		Cut      int    `json:"cut"`
		StoreLow *money `json:"storeLow"`
	} `json:"deals"`
}

// BatchDeals fetches the current storefront deal and historical low for
// each history id, chunked sequentially. Entries without a store low are
// skipped; a failed chunk leaves its ids unresolved without aborting the
// whole batch. Currency mismatches are logged, not fatal.
func (c *Client) BatchDeals(ctx context.Context, ids []string, region config.Region) (map[string]catalog.DealQuote, error) {
	if len(ids) == 0 {
		return map[string]catalog.DealQuote{}, nil
	}
	endpoint := fmt.Sprintf("%s/games/prices/v3?key=%s&country=%s",
		c.BaseURL, url.QueryEscape(c.apiKey), region.ItadCountry)

	deals := make(map[string]catalog.DealQuote)
	for i := 0; i < len(ids); i += c.chunkSize {
		end := i + c.chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]
		logger.Info("ITAD", fmt.Sprintf("fetching batch %d (%d items, region %s)",
			i/c.chunkSize+1, len(chunk), region.Code))

		payload, err := json.Marshal(chunk)
		if err != nil {
			return nil, err
		}
		body, err := c.roundTrip(ctx, http.MethodPost, endpoint, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			logger.Warn("ITAD", fmt.Sprintf("batch %d failed for region %s: %v",
				i/c.chunkSize+1, region.Code, err))
			continue
		}

		var games []batchGame
		if err := json.Unmarshal(body, &games); err != nil {
			logger.Warn("ITAD", fmt.Sprintf("batch %d: bad payload: %v", i/c.chunkSize+1, err))
			continue
		}
		for _, g := range games {
			if g.ID == "" {
				continue
			}
			if quote, ok := storefrontQuote(g, region); ok {
				deals[g.ID] = quote
			}
		}
	}
	logger.Info("ITAD", fmt.Sprintf("batch fetch complete: %d/%d games with store low (%s)",
		len(deals), len(ids), region.Code))
	return deals, nil
}

func storefrontQuote(g batchGame, region config.Region) (catalog.DealQuote, bool) {
	for _, d := range g.Deals {
		if d.Shop.ID != steamShopID {
			continue
		}
		if d.StoreLow == nil || int(d.StoreLow.Amount) == 0 {
			continue
		}
		if d.StoreLow.Currency != "" && d.StoreLow.Currency != region.Currency {
			logger.Warn("ITAD", fmt.Sprintf("currency mismatch: expected %s, got %s (id %s, region %s)",
				region.Currency, d.StoreLow.Currency, g.ID, region.Code))
		}
		q := catalog.DealQuote{
			Cut:      d.Cut,
			StoreLow: catalog.Int(int(d.StoreLow.Amount)),
		}
		if d.Price != nil {
			q.Price = catalog.Int(int(d.Price.Amount))
		}
		if d.Regular != nil {
			q.Regular = catalog.Int(int(d.Regular.Amount))
		}
		return q, true
	}
	return catalog.DealQuote{}, false
}

// GameTags returns the tag list for a history id. Truncation to the
// record's top 3 happens at record build.
func (c *Client) GameTags(ctx context.Context, id string) ([]string, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("id", id)
	body, err := c.roundTrip(ctx, http.MethodGet, c.BaseURL+"/games/info/v2?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("itad: decode info: %w", err)
	}
	return payload.Tags, nil
}
