// Package steam is the storefront client: product details, store-page
// capsule scraping, review summaries, and the public app indexes. Every
// store request goes through the adaptive rate controller.
package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vibecoder-lab/game-seeker-vault/internal/catalog"
	"github.com/vibecoder-lab/game-seeker-vault/internal/config"
	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
	"github.com/vibecoder-lab/game-seeker-vault/internal/ratelimit"
)

const (
	storeBaseURL   = "https://store.steampowered.com"
	apiBaseURL     = "https://api.steampowered.com"
	maxRetries     = 3
	requestTimeout = 30 * time.Second
)

var (
	// ErrNotFound means the storefront reported success:false for the id.
	ErrNotFound = errors.New("steam: app not found")
	// ErrForbidden aborts the run: the storefront has blocked us.
	ErrForbidden = errors.New("steam: access forbidden")

	errRateLimited = errors.New("steam: rate limited")
)

// Client talks to the storefront. Safe for concurrent use.
type Client struct {
	http     *http.Client
	rc       *ratelimit.Controller
	// StoreURL and APIURL are overridable for tests.
	StoreURL string
	APIURL   string
	agent    string
}

// NewClient creates a storefront client gated by the given controller.
func NewClient(rc *ratelimit.Controller, userAgent string) *Client {
	return &Client{
		http:     &http.Client{Timeout: requestTimeout},
		rc:       rc,
		StoreURL: storeBaseURL,
		APIURL:   apiBaseURL,
		agent:    userAgent,
	}
}

// get fetches a store URL through the rate controller, retrying transient
// failures with 2s/4s/8s backoff. 429 responses are reported to the
// controller (which sleeps) and then retried without the extra backoff;
// 403 aborts immediately.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		body, err := c.getOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if errors.Is(err, ErrForbidden) || ctx.Err() != nil {
			return nil, err
		}
		if attempt == maxRetries-1 {
			break
		}
		if !errors.Is(err, errRateLimited) {
			wait := time.Duration(2<<attempt) * time.Second
			logger.Warn("STEAM", fmt.Sprintf("request failed: %v, retrying in %s (%d/%d)",
				err, wait, attempt+1, maxRetries))
			if serr := sleepCtx(ctx, wait); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, url string) ([]byte, error) {
	release, err := c.rc.Permit(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		release(err)
		return nil, err
	}
	req.Header.Set("User-Agent", c.agent)

	resp, err := c.http.Do(req)
	if err != nil {
		release(err)
		return nil, fmt.Errorf("steam: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		release(errRateLimited)
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if err := c.rc.ReportHTTPError(ctx, http.StatusTooManyRequests, retryAfter); err != nil {
			return nil, err
		}
		return nil, errRateLimited
	case resp.StatusCode == http.StatusForbidden:
		release(ErrForbidden)
		c.rc.ReportHTTPError(ctx, http.StatusForbidden, 0)
		return nil, ErrForbidden
	case resp.StatusCode != http.StatusOK:
		err := fmt.Errorf("steam: status %d", resp.StatusCode)
		release(err)
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	release(err)
	if err != nil {
		return nil, fmt.Errorf("steam: read body: %w", err)
	}
	return body, nil
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
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

// Details is the appdetails payload for one app in one region.
type Details struct {
	Name               string   `json:"name"`
	SupportedLanguages string   `json:"supported_languages"`
	HeaderImage        string   `json:"header_image"`
	IsFree             bool     `json:"is_free"`
	Developers         []string `json:"developers"`
	Publishers         []string `json:"publishers"`
	Genres             []struct {
		Description string `json:"description"`
	} `json:"genres"`
	ReleaseDate struct {
		Date string `json:"date"`
	} `json:"release_date"`
	Platforms     catalog.Platforms `json:"platforms"`
	PriceOverview *PriceOverview    `json:"price_overview"`
}

// PriceOverview carries storefront prices in minor units (1/100).
type PriceOverview struct {
	Currency        string `json:"currency"`
	Initial         int    `json:"initial"`
	Final           int    `json:"final"`
	DiscountPercent int    `json:"discount_percent"`
}

// AppDetails fetches appdetails for one app and country code.
func (c *Client) AppDetails(ctx context.Context, appID int, cc string) (*Details, error) {
	url := fmt.Sprintf("%s/api/appdetails?appids=%d&l=english&cc=%s", c.StoreURL, appID, cc)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var payload map[string]struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("steam: decode appdetails: %w", err)
	}
	entry, ok := payload[strconv.Itoa(appID)]
	if !ok || !entry.Success {
		return nil, ErrNotFound
	}
	var d Details
	if err := json.Unmarshal(entry.Data, &d); err != nil {
		return nil, fmt.Errorf("steam: decode appdetails data: %w", err)
	}
	return &d, nil
}

// Price is a per-region quote extracted from appdetails.
type Price struct {
	Currency        string
	Regular         catalog.Amount
	Sale            catalog.Amount
	DiscountPercent int
}

// ExtractPrice applies the storefront pricing rules: free apps cost 0,
// minor units divide by 100, the regular price prefers initial over
// final, and a sale exists only when initial > final > 0.
func ExtractPrice(d *Details, currency string) Price {
	p := Price{Currency: currency}
	if d.IsFree {
		p.Regular = catalog.Int(0)
		return p
	}
	po := d.PriceOverview
	if po == nil {
		// No price overview at all, likely a DLC or demo.
		return p
	}
	final := po.Final / 100
	initial := po.Initial / 100
	if final == 0 {
		p.Regular = catalog.Int(0)
		return p
	}
	if initial > 0 {
		p.Regular = catalog.Int(initial)
	} else {
		p.Regular = catalog.Int(final)
	}
	if initial > final {
		p.Sale = catalog.Int(final)
		p.DiscountPercent = po.DiscountPercent
	}
	return p
}

func capsulePattern(appID int) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(
		`https://[^"']*/apps/%d/[^"']*capsule_616x353\.jpg[^"']*`, appID))
}

// CapsuleImage scrapes the store page for the 616x353 capsule thumbnail.
// When the page has none (or the scrape fails non-fatally) the header
// image is used and fallback is reported; "-" means no image at all.
func (c *Client) CapsuleImage(ctx context.Context, appID int, headerImage string) (string, bool, error) {
	page, err := c.get(ctx, fmt.Sprintf("%s/app/%d/", c.StoreURL, appID))
	if err != nil {
		if errors.Is(err, ErrForbidden) || ctx.Err() != nil {
			return "", false, err
		}
		logger.Warn("STEAM", fmt.Sprintf("store page scrape failed for app %d: %v", appID, err))
	} else if m := capsulePattern(appID).Find(page); m != nil {
		return string(m), false, nil
	}
	if headerImage != "" {
		return headerImage, true, nil
	}
	return "-", true, nil
}

// ReviewSummary returns the review_score_desc text bucket, or "-" when
// the app has no summary. Only a forbidden or cancelled request fails.
func (c *Client) ReviewSummary(ctx context.Context, appID int) (string, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/appreviews/%d?json=1", c.StoreURL, appID))
	if err != nil {
		if errors.Is(err, ErrForbidden) || ctx.Err() != nil {
			return "", err
		}
		logger.Warn("STEAM", fmt.Sprintf("review summary failed for app %d: %v", appID, err))
		return "-", nil
	}
	var payload struct {
		QuerySummary struct {
			ReviewScoreDesc string `json:"review_score_desc"`
		} `json:"query_summary"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.QuerySummary.ReviewScoreDesc == "" {
		return "-", nil
	}
	return payload.QuerySummary.ReviewScoreDesc, nil
}

// GameInfo is the aggregated storefront view of one app.
type GameInfo struct {
	AppID              int
	Title              string
	StoreURL           string
	SupportedLanguages string
	Genres             []string
	ImageURL           string
	ImageFallback      bool
	ReleaseDate        string
	Platforms          catalog.Platforms
	Developers         []string
	Publishers         []string
	Prices             map[string]Price // keyed by region code
	ReviewScore        string
}

// FetchGameInfo fetches details for the first region, then the capsule
// image, the review summary, and the remaining regions' details in
// parallel. Details must come first: its header image is the capsule
// fallback.
func (c *Client) FetchGameInfo(ctx context.Context, appID int, regions []config.Region) (*GameInfo, error) {
	if len(regions) == 0 {
		regions = []config.Region{config.Regions["JP"]}
	}
	first := regions[0]
	d, err := c.AppDetails(ctx, appID, first.SteamCC)
	if err != nil {
		return nil, err
	}

	title := d.Name
	if title == "" {
		title = "Unknown"
	}
	info := &GameInfo{
		AppID:              appID,
		Title:              title,
		StoreURL:           fmt.Sprintf("%s/app/%d/", storeBaseURL, appID),
		SupportedLanguages: d.SupportedLanguages,
		Genres:             genreNames(d),
		ReleaseDate:        NormalizeReleaseDate(d.ReleaseDate.Date),
		Platforms:          d.Platforms,
		Developers:         d.Developers,
		Publishers:         d.Publishers,
		Prices:             map[string]Price{first.Code: ExtractPrice(d, first.Currency)},
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		url, fallback, err := c.CapsuleImage(gctx, appID, d.HeaderImage)
		if err != nil {
			return err
		}
		mu.Lock()
		info.ImageURL, info.ImageFallback = url, fallback
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		score, err := c.ReviewSummary(gctx, appID)
		if err != nil {
			return err
		}
		mu.Lock()
		info.ReviewScore = score
		mu.Unlock()
		return nil
	})
	for _, r := range regions[1:] {
		r := r
		g.Go(func() error {
			rd, err := c.AppDetails(gctx, appID, r.SteamCC)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					logger.Warn("STEAM", fmt.Sprintf("no %s data for app %d", r.Code, appID))
					return nil
				}
				return err
			}
			mu.Lock()
			info.Prices[r.Code] = ExtractPrice(rd, r.Currency)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return info, nil
}

func genreNames(d *Details) []string {
	var out []string
	for _, g := range d.Genres {
		if g.Description == "" {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == g.Description {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, g.Description)
		}
	}
	if len(out) == 0 {
		return []string{"Other"}
	}
	return out
}
