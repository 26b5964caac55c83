package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
)

// App is one entry of the public GetAppList index.
type App struct {
	AppID int    `json:"appid"`
	Name  string `json:"name"`
}

// StoreApp is one entry of the games-only IStoreService index.
type StoreApp struct {
	AppID             int    `json:"appid"`
	Name              string `json:"name"`
	LastModified      int64  `json:"last_modified"`
	PriceChangeNumber int64  `json:"price_change_number"`
}

// AppList downloads the full public app index. The payload is on the
// order of 100 MB, so callers cache the result.
func (c *Client) AppList(ctx context.Context) ([]App, error) {
	var payload struct {
		AppList struct {
			Apps []App `json:"apps"`
		} `json:"applist"`
	}
	if err := c.getAPI(ctx, c.APIURL+"/ISteamApps/GetAppList/v2/", &payload); err != nil {
		return nil, err
	}
	return payload.AppList.Apps, nil
}

// StoreAppList pages through IStoreService GetAppList (games only, 50000
// per page) at one page per second until the API returns no more rows.
func (c *Client) StoreAppList(ctx context.Context, apiKey string) ([]StoreApp, error) {
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	var games []StoreApp
	lastAppID := 0
	start := time.Now()
	for page := 1; ; page++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		q := url.Values{}
		q.Set("key", apiKey)
		q.Set("max_results", "50000")
		if lastAppID > 0 {
			q.Set("last_appid", strconv.Itoa(lastAppID))
		}
		var payload struct {
			Response struct {
				Apps []StoreApp `json:"apps"`
			} `json:"response"`
		}
		if err := c.getAPI(ctx, c.APIURL+"/IStoreService/GetAppList/v1/?"+q.Encode(), &payload); err != nil {
			return nil, err
		}
		apps := payload.Response.Apps
		if len(apps) == 0 {
			break
		}
		games = append(games, apps...)
		lastAppID = apps[len(apps)-1].AppID
		logger.Info("STEAM", fmt.Sprintf("page %d: %d games, total %d, last_appid %d, elapsed %s",
			page, len(apps), len(games), lastAppID, time.Since(start).Round(time.Second)))
	}
	return games, nil
}

// getAPI is a plain JSON GET against the web API host. These endpoints
// are outside the store host's rate budget and are paced by the caller.
func (c *Client) getAPI(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("steam: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("steam: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
