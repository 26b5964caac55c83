package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vibecoder-lab/game-seeker-vault/internal/catalog"
	"github.com/vibecoder-lab/game-seeker-vault/internal/config"
	"github.com/vibecoder-lab/game-seeker-vault/internal/itad"
	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
	"github.com/vibecoder-lab/game-seeker-vault/internal/ratelimit"
	"github.com/vibecoder-lab/game-seeker-vault/internal/resolver"
	"github.com/vibecoder-lab/game-seeker-vault/internal/steam"
	"github.com/vibecoder-lab/game-seeker-vault/internal/store"
)

// fakeSteam serves appdetails, capsule pages, reviews, and the public
// app index from canned bodies.
type fakeSteam struct {
	mu           sync.Mutex
	detailsCalls int
	details      map[string]string // "appid/cc" -> response body
	appList      string
}

func (f *fakeSteam) countDetails() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailsCalls
}

func (f *fakeSteam) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/appdetails":
			f.mu.Lock()
			f.detailsCalls++
			body, ok := f.details[r.URL.Query().Get("appids")+"/"+r.URL.Query().Get("cc")]
			f.mu.Unlock()
			if !ok {
				fmt.Fprintf(w, `{"%s":{"success":false}}`, r.URL.Query().Get("appids"))
				return
			}
			fmt.Fprint(w, body)
		case strings.HasPrefix(r.URL.Path, "/app/"):
			id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/app/"), "/")
			fmt.Fprintf(w, `<img src="https://cdn.test/x/apps/%s/capsule_616x353.jpg">`, id)
		case strings.HasPrefix(r.URL.Path, "/appreviews/"):
			fmt.Fprint(w, `{"query_summary":{"review_score_desc":"Very Positive"}}`)
		case r.URL.Path == "/ISteamApps/GetAppList/v2/":
			fmt.Fprint(w, f.appList)
		default:
			http.NotFound(w, r)
		}
	}
}

func steamDetails(appID int, name, currency string, initial, final, cut int) string {
	po := ""
	if final > 0 {
		po = fmt.Sprintf(`,"price_overview":{"currency":%q,"initial":%d,"final":%d,"discount_percent":%d}`,
			currency, initial, final, cut)
	}
	return fmt.Sprintf(`{"%d":{"success":true,"data":{
		"name":%q,
		"supported_languages":"English",
		"header_image":"https://cdn.test/apps/%d/header.jpg",
		"genres":[{"id":"1","description":"Action"}],
		"release_date":{"date":"2020-01-02"},
		"platforms":{"windows":true,"mac":false,"linux":false}%s}}}`,
		appID, name, appID, po)
}

type priceRow struct {
	price, regular, cut, storeLow int
}

// fakeItad serves the lookup, batch prices, and tags endpoints.
type fakeItad struct {
	mu         sync.Mutex
	prices     map[string]priceRow // history id -> row, any country
	lookups    map[string]string   // appid -> history id
	tags       []string
	emptyBatch bool
}

func (f *fakeItad) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/games/prices/v3":
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.emptyBatch {
				fmt.Fprint(w, `[]`)
				return
			}
			var ids []string
			json.NewDecoder(r.Body).Decode(&ids)
			currency := "USD"
			if r.URL.Query().Get("country") == "JP" {
				currency = "JPY"
			}
			out := []map[string]any{}
			for _, id := range ids {
				row, ok := f.prices[id]
				if !ok {
					continue
				}
				out = append(out, map[string]any{
					"id": id,
					"deals": []any{map[string]any{
						"shop":     map[string]any{"id": 61},
						"price":    map[string]any{"amount": row.price, "currency": currency},
						"regular":  map[string]any{"amount": row.regular, "currency": currency},
						"cut":      row.cut,
						"storeLow": map[string]any{"amount": row.storeLow, "currency": currency},
					}},
				})
			}
			json.NewEncoder(w).Encode(out)
		case "/games/lookup/v1":
			f.mu.Lock()
			id, ok := f.lookups[r.URL.Query().Get("appid")]
			f.mu.Unlock()
			if !ok {
				fmt.Fprint(w, `{"found":false}`)
				return
			}
			fmt.Fprintf(w, `{"found":true,"game":{"id":%q}}`, id)
		case "/games/info/v2":
			f.mu.Lock()
			tags := f.tags
			f.mu.Unlock()
			raw, _ := json.Marshal(map[string]any{"tags": tags})
			w.Write(raw)
		default:
			http.NotFound(w, r)
		}
	}
}

type env struct {
	cfg *config.Config
	st  *store.LocalStore
	up  *Updater
}

func newEnv(t *testing.T, fs *fakeSteam, fi *fakeItad) *env {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	steamSrv := httptest.NewServer(fs.handler())
	t.Cleanup(steamSrv.Close)
	steamRC := ratelimit.New(ratelimit.Config{
		Host: "steam-test", TargetRPS: 200, Window: time.Minute, WindowLimit: 100000,
	})
	sc := steam.NewClient(steamRC, "test-agent")
	sc.StoreURL = steamSrv.URL
	sc.APIURL = steamSrv.URL

	var ic *itad.Client
	if fi != nil {
		itadSrv := httptest.NewServer(fi.handler())
		t.Cleanup(itadSrv.Close)
		itadRC := ratelimit.New(ratelimit.Config{
			Host: "itad-test", TargetRPS: 200, Window: time.Minute, WindowLimit: 100000,
		})
		ic = itad.NewClient(itadRC, "KEY", "test-agent", 200)
		ic.BaseURL = itadSrv.URL
	}

	st := store.NewLocalStore(cfg.DataDir)
	res := resolver.New(cfg, sc, ic, nil)
	regions, err := config.ResolveRegions([]string{"JP", "US"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(logger.CloseLogFile)
	return &env{cfg: cfg, st: st, up: New(cfg, sc, ic, st, res, regions)}
}

func seedRecord(id, itadID string, price, cut int, noItad bool) catalog.GameRecord {
	quote := func() catalog.DealQuote {
		if noItad {
			return catalog.DealQuote{
				Price: catalog.Int(price), Regular: catalog.Int(price + price*cut/100),
				Cut: cut, StoreLow: catalog.None, NoItadData: true,
			}
		}
		regular := price * 100 / (100 - cut)
		if cut == 0 {
			regular = price
		}
		return catalog.DealQuote{
			Price: catalog.Int(price), Regular: catalog.Int(regular),
			Cut: cut, StoreLow: catalog.Int(price - 1),
		}
	}
	rec := catalog.GameRecord{
		ID:          id,
		Title:       "Game " + id,
		StoreURL:    "https://store.steampowered.com/app/" + id + "/",
		ImageURL:    "https://cdn.test/x/apps/" + id + "/capsule_616x353.jpg",
		ReviewScore: "Very Positive",
		Deal: map[string]catalog.DealQuote{
			"JPY": quote(),
			"USD": quote(),
		},
		Genres:             []string{"Action"},
		Tags:               []string{},
		ReleaseDate:        "2020-01-02",
		Developers:         []string{},
		Publishers:         []string{},
		Platforms:          catalog.Platforms{Windows: true},
		SupportedLanguages: "English",
	}
	if itadID != "" {
		rec.ItadID = &itadID
	}
	return rec
}

func seed(t *testing.T, e *env, idMap []catalog.IDMapEntry, games []catalog.GameRecord) {
	t.Helper()
	ctx := context.Background()
	if err := e.st.PutIDMap(ctx, idMap); err != nil {
		t.Fatal(err)
	}
	if err := e.st.PutGames(ctx, games, false); err != nil {
		t.Fatal(err)
	}
}

func TestDiffRefresh_NoChange(t *testing.T) {
	fs := &fakeSteam{}
	fi := &fakeItad{prices: map[string]priceRow{
		"i1": {price: 1000, regular: 1250, cut: 20, storeLow: 800},
		"i2": {price: 1000, regular: 1250, cut: 20, storeLow: 800},
		"i3": {price: 1000, regular: 1250, cut: 20, storeLow: 800},
	}}
	e := newEnv(t, fs, fi)

	games := []catalog.GameRecord{
		seedRecord("1", "i1", 1000, 20, false),
		seedRecord("2", "i2", 1000, 20, false),
		seedRecord("3", "i3", 1000, 20, false),
	}
	idMap := []catalog.IDMapEntry{
		{ID: "1", ItadID: "i1"}, {ID: "2", ItadID: "i2"}, {ID: "3", ItadID: "i3"},
	}
	seed(t, e, idMap, games)

	ctx := context.Background()
	before, err := e.st.GetGames(ctx)
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.up.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(res.Games, before) {
		t.Error("unchanged catalog must be returned verbatim")
	}
	if got := fs.countDetails(); got != 0 {
		t.Errorf("no storefront details calls expected, got %d", got)
	}
	if len(res.Failed) != 0 {
		t.Errorf("failed = %+v", res.Failed)
	}

	out, err := e.up.Persist(ctx, res)
	if err != nil || !out.Updated {
		t.Fatalf("persist: %+v, %v", out, err)
	}
}

func TestDiffRefresh_PriceDropRebuildsRecord(t *testing.T) {
	fs := &fakeSteam{details: map[string]string{
		"2/jp": steamDetails(2, "Game 2", "JPY", 100000, 70000, 30),
		"2/us": steamDetails(2, "Game 2", "USD", 999, 699, 30),
	}}
	fi := &fakeItad{
		prices: map[string]priceRow{
			"i1": {price: 1000, regular: 1250, cut: 20, storeLow: 800},
			"i2": {price: 700, regular: 1000, cut: 30, storeLow: 700},
			"i3": {price: 1000, regular: 1250, cut: 20, storeLow: 800},
		},
		tags: []string{"Roguelike", "Action", "Indie", "Co-op"},
	}
	e := newEnv(t, fs, fi)

	games := []catalog.GameRecord{
		seedRecord("1", "i1", 1000, 20, false),
		seedRecord("2", "i2", 1000, 0, false),
		seedRecord("3", "i3", 1000, 20, false),
	}
	idMap := []catalog.IDMapEntry{
		{ID: "1", ItadID: "i1"}, {ID: "2", ItadID: "i2"}, {ID: "3", ItadID: "i3"},
	}
	seed(t, e, idMap, games)

	ctx := context.Background()
	before, _ := e.st.GetGames(ctx)

	res, err := e.up.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Only app 2 is rebuilt: one details call per region.
	if got := fs.countDetails(); got != 2 {
		t.Errorf("details calls = %d, want 2", got)
	}
	if len(res.Games) != 3 || res.Games[1].ID != "2" {
		t.Fatalf("games = %+v", res.Games)
	}
	got := res.Games[1].Deal["JPY"]
	want := catalog.DealQuote{
		Price: catalog.Int(700), Regular: catalog.Int(1000), Cut: 30, StoreLow: catalog.Int(700),
	}
	if got != want {
		t.Errorf("rebuilt JPY deal = %+v, want %+v", got, want)
	}
	if len(res.Games[1].Tags) != 3 {
		t.Errorf("tags = %v, want top 3", res.Games[1].Tags)
	}
	if !reflect.DeepEqual(res.Games[0], before[0]) || !reflect.DeepEqual(res.Games[2], before[2]) {
		t.Error("untouched records must be copied verbatim")
	}
}

func TestDiffRefresh_NoItadDataUnchanged(t *testing.T) {
	fs := &fakeSteam{details: map[string]string{
		"5/jp": steamDetails(5, "Game 5", "JPY", 0, 200000, 0),
	}}
	e := newEnv(t, fs, &fakeItad{})

	games := []catalog.GameRecord{seedRecord("5", "", 2000, 0, true)}
	seed(t, e, []catalog.IDMapEntry{{ID: "5"}}, games)

	ctx := context.Background()
	before, _ := e.st.GetGames(ctx)

	res, err := e.up.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(res.Games, before) {
		t.Error("matching storefront price must leave the record unchanged")
	}
	// One comparison call, no rebuild fan-out.
	if got := fs.countDetails(); got != 1 {
		t.Errorf("details calls = %d, want 1", got)
	}
}

func TestDiffRefresh_NoItadDataPriceMoved(t *testing.T) {
	fs := &fakeSteam{details: map[string]string{
		"5/jp": steamDetails(5, "Game 5", "JPY", 200000, 180000, 10),
		"5/us": steamDetails(5, "Game 5", "USD", 1999, 1799, 10),
	}}
	e := newEnv(t, fs, &fakeItad{})

	games := []catalog.GameRecord{seedRecord("5", "", 2000, 0, true)}
	seed(t, e, []catalog.IDMapEntry{{ID: "5"}}, games)

	res, err := e.up.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := res.Games[0].Deal["JPY"]
	want := catalog.DealQuote{
		Price: catalog.Int(1800), Regular: catalog.Int(2000), Cut: 10,
		StoreLow: catalog.None, NoItadData: true,
	}
	if got != want {
		t.Errorf("rebuilt deal = %+v, want %+v", got, want)
	}
	if len(res.WithoutItad) != 1 || res.WithoutItad[0] != "5" {
		t.Errorf("withoutItad = %v", res.WithoutItad)
	}
}

func TestDiffRefresh_AbortOnEmptyBatch(t *testing.T) {
	fi := &fakeItad{emptyBatch: true}
	e := newEnv(t, &fakeSteam{}, fi)

	games := []catalog.GameRecord{
		seedRecord("1", "i1", 1000, 0, false),
		seedRecord("2", "i2", 1000, 0, false),
	}
	seed(t, e, []catalog.IDMapEntry{{ID: "1", ItadID: "i1"}, {ID: "2", ItadID: "i2"}}, games)

	_, err := e.up.Run(context.Background(), false)
	if !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("err = %v, want ErrEmptyBatch", err)
	}
}

func TestAppend_NewTitle(t *testing.T) {
	fs := &fakeSteam{
		details: map[string]string{
			"1145360/jp": steamDetails(1145360, "Hades", "JPY", 0, 248000, 0),
			"1145360/us": steamDetails(1145360, "Hades", "USD", 0, 2499, 0),
		},
		appList: `{"applist":{"apps":[{"appid":1145360,"name":"Hades"},{"appid":620,"name":"Portal 2"}]}}`,
	}
	fi := &fakeItad{
		prices:  map[string]priceRow{"hades-id": {price: 2480, regular: 2480, cut: 0, storeLow: 1240}},
		lookups: map[string]string{"1145360": "hades-id"},
		tags:    []string{"Roguelike", "Action"},
	}
	e := newEnv(t, fs, fi)

	existing := []catalog.GameRecord{seedRecord("620", "i620", 1000, 0, false)}
	seed(t, e, []catalog.IDMapEntry{{ID: "620", ItadID: "i620"}}, existing)

	refs := filepath.Join(e.cfg.DataDir, "refs")
	if err := os.MkdirAll(refs, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(refs, "game_title_list.txt"), []byte("Hades\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	res, err := e.up.Run(ctx, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.AppendMode || res.BatchMode {
		t.Errorf("mode flags = append %v batch %v", res.AppendMode, res.BatchMode)
	}
	if len(res.Games) != 2 || res.Games[0].ID != "620" || res.Games[1].ID != "1145360" {
		t.Fatalf("games = %+v", res.Games)
	}
	if len(res.NewlyAdded) != 1 || res.NewlyAdded[0].Title != "Hades" {
		t.Errorf("newly added = %+v", res.NewlyAdded)
	}
	hades := res.Games[1]
	if hades.ItadID == nil || *hades.ItadID != "hades-id" {
		t.Errorf("itadId = %v", hades.ItadID)
	}
	if got := hades.Deal["JPY"]; got.StoreLow != catalog.Int(1240) || got.NoItadData {
		t.Errorf("JPY deal = %+v", got)
	}

	out, err := e.up.Persist(ctx, res)
	if err != nil || !out.Updated {
		t.Fatalf("persist: %+v, %v", out, err)
	}
	idMap, err := e.st.GetIDMap(ctx)
	if err != nil || len(idMap) != 2 {
		t.Errorf("idMap = %+v, %v", idMap, err)
	}
}

func TestPersist_GateSkipsOnFailure(t *testing.T) {
	e := newEnv(t, &fakeSteam{}, nil)

	res := &Result{
		Games:  []catalog.GameRecord{seedRecord("1", "", 100, 0, true)},
		IDMap:  []catalog.IDMapEntry{{ID: "1"}},
		Failed: []Failed{{AppID: "2", Reason: "storefront fetch failed"}},
	}
	out, err := e.up.Persist(context.Background(), res)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if out.Updated {
		t.Fatal("fetch failures must block the write")
	}
	if _, err := os.Stat(out.TempPath); err != nil {
		t.Errorf("temp snapshot must still be written: %v", err)
	}
	games, err := e.st.GetGames(context.Background())
	if err != nil || games != nil {
		t.Errorf("catalog must stay empty, got %+v, %v", games, err)
	}
}

func TestDeleteFromList(t *testing.T) {
	e := newEnv(t, &fakeSteam{}, nil)
	games := []catalog.GameRecord{
		seedRecord("1", "i1", 100, 0, false),
		seedRecord("2", "i2", 200, 0, false),
		seedRecord("3", "i3", 300, 0, false),
	}
	seed(t, e, []catalog.IDMapEntry{
		{ID: "1", ItadID: "i1"}, {ID: "2", ItadID: "i2"}, {ID: "3", ItadID: "i3"},
	}, games)

	refs := filepath.Join(e.cfg.DataDir, "refs")
	if err := os.MkdirAll(refs, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(refs, "delete_appid_list.txt"), []byte("2\n3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	removed, err := e.up.DeleteFromList(ctx)
	if err != nil {
		t.Fatalf("DeleteFromList: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	left, _ := e.st.GetGames(ctx)
	if len(left) != 1 || left[0].ID != "1" {
		t.Errorf("remaining = %+v", left)
	}
	idMap, _ := e.st.GetIDMap(ctx)
	if len(idMap) != 1 || idMap[0].ID != "1" {
		t.Errorf("idMap = %+v", idMap)
	}
}

func TestResetPrices(t *testing.T) {
	e := newEnv(t, &fakeSteam{}, nil)
	games := []catalog.GameRecord{
		seedRecord("1", "i1", 1000, 0, false),
		seedRecord("2", "i2", 2000, 0, false),
	}
	seed(t, e, []catalog.IDMapEntry{{ID: "1"}, {ID: "2"}}, games)

	ctx := context.Background()
	updated, err := e.up.ResetPrices(ctx)
	if err != nil || updated != 2 {
		t.Fatalf("ResetPrices = %d, %v", updated, err)
	}
	out, _ := e.st.GetGames(ctx)
	for _, g := range out {
		if g.Deal["JPY"].Price != catalog.Int(1) {
			t.Errorf("app %s price = %+v", g.ID, g.Deal["JPY"].Price)
		}
		if g.Deal["USD"].Price == catalog.Int(1) {
			t.Errorf("app %s USD price must be untouched", g.ID)
		}
	}
}

func TestSynthQuote(t *testing.T) {
	tests := []struct {
		name string
		p    steam.Price
		want catalog.DealQuote
	}{
		{
			"full price",
			steam.Price{Regular: catalog.Int(2000)},
			catalog.DealQuote{Price: catalog.Int(2000), Regular: catalog.Int(2000), NoItadData: true},
		},
		{
			"on sale",
			steam.Price{Regular: catalog.Int(2000), Sale: catalog.Int(1800)},
			catalog.DealQuote{Price: catalog.Int(1800), Regular: catalog.Int(2000), Cut: 10, NoItadData: true},
		},
		{
			"no price data",
			steam.Price{},
			catalog.DealQuote{Price: catalog.Int(0), Regular: catalog.Int(0), NoItadData: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := synthQuote(tt.p); got != tt.want {
				t.Errorf("synthQuote = %+v, want %+v", got, tt.want)
			}
		})
	}
}
