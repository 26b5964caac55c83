// Package updater drives the two catalog update modes: append (resolve
// new titles, fetch data only for additions) and diff-refresh (compare
// live deals against the stored catalog and rebuild changed records).
package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vibecoder-lab/game-seeker-vault/internal/catalog"
	"github.com/vibecoder-lab/game-seeker-vault/internal/config"
	"github.com/vibecoder-lab/game-seeker-vault/internal/itad"
	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
	"github.com/vibecoder-lab/game-seeker-vault/internal/resolver"
	"github.com/vibecoder-lab/game-seeker-vault/internal/steam"
	"github.com/vibecoder-lab/game-seeker-vault/internal/store"
)

// ErrEmptyBatch aborts a run when the first price-history batch returns
// zero usable entries for a non-empty input. Overwriting the catalog on
// top of a garbage upstream response would corrupt it.
var ErrEmptyBatch = errors.New("updater: price-history batch returned no entries")

// Failed records one app whose storefront fetch failed.
type Failed struct {
	AppID  string
	Reason string
}

// Missing records one optional field that could not be fetched.
type Missing struct {
	AppID string
	Field string
}

// Added records one game appended to the catalog this run.
type Added struct {
	ID    string
	Title string
}

// Result is the outcome of one update run, before persistence.
type Result struct {
	Games         []catalog.GameRecord
	IDMap         []catalog.IDMapEntry
	Mapping       *resolver.Report
	Failed        []Failed
	MissingData   []Missing
	NewlyAdded    []Added
	WithoutItad   []string
	ImageFallback []string
	AppendMode    bool
	BatchMode     bool
}

// Outcome describes what Persist did with a Result.
type Outcome struct {
	Updated    bool
	Reason     string
	TempPath   string
	BackupPath string
}

// Updater composes the clients and the store into the update pipeline.
type Updater struct {
	cfg     *config.Config
	steam   *steam.Client
	itad    *itad.Client
	store   store.Store
	res     *resolver.Resolver
	regions []config.Region
}

// New creates an updater. itadClient may be nil, in which case every
// record is built from storefront data alone.
func New(cfg *config.Config, steamClient *steam.Client, itadClient *itad.Client, st store.Store, res *resolver.Resolver, regions []config.Region) *Updater {
	if len(regions) == 0 {
		regions = []config.Region{config.Regions["JP"]}
	}
	return &Updater{
		cfg:     cfg,
		steam:   steamClient,
		itad:    itadClient,
		store:   st,
		res:     res,
		regions: regions,
	}
}

func (u *Updater) primary() config.Region { return u.regions[0] }

// Run executes one update pass and returns the rebuilt catalog without
// writing it. Persist applies the result.
func (u *Updater) Run(ctx context.Context, appendMode bool) (*Result, error) {
	if appendMode {
		return u.appendNew(ctx)
	}
	return u.diffRefresh(ctx)
}

// batchDeals fetches history quotes for every configured region, keyed
// by currency code. An empty result for the first region while ids were
// submitted aborts the run.
func (u *Updater) batchDeals(ctx context.Context, ids []string) (map[string]map[string]catalog.DealQuote, error) {
	out := make(map[string]map[string]catalog.DealQuote)
	if len(ids) == 0 || u.itad == nil {
		return out, nil
	}
	for i, r := range u.regions {
		deals, err := u.itad.BatchDeals(ctx, ids, r)
		if err != nil {
			return nil, err
		}
		if i == 0 && len(deals) == 0 {
			logger.Error("UPDATER", "price-history returned no deal data, aborting")
			return nil, ErrEmptyBatch
		}
		out[r.Currency] = deals
	}
	return out, nil
}

func (u *Updater) fetchTags(ctx context.Context, itadID string) []string {
	if itadID == "" || u.itad == nil {
		return nil
	}
	tags, err := u.itad.GameTags(ctx, itadID)
	if err != nil {
		logger.Warn("UPDATER", fmt.Sprintf("tag fetch failed for %s: %v", itadID, err))
		return nil
	}
	return tags
}

// quotesFor picks the cached batch quote for each currency this history
// id resolved to. Currencies without a usable quote are left out so the
// record builder synthesizes them from storefront prices.
func quotesFor(deals map[string]map[string]catalog.DealQuote, itadID string) map[string]catalog.DealQuote {
	out := make(map[string]catalog.DealQuote)
	if itadID == "" {
		return out
	}
	for currency, m := range deals {
		if q, ok := m[itadID]; ok && usableQuote(q) {
			out[currency] = q
		}
	}
	return out
}

type updateTarget struct {
	appID  string
	itadID string
}

// diffRefresh is the daily mode: compare live deals against the stored
// catalog and rebuild only the records whose price or cut moved.
func (u *Updater) diffRefresh(ctx context.Context) (*Result, error) {
	logger.Section("Diff-refresh update")

	idMap, err := u.store.GetIDMap(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := u.store.GetGames(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("UPDATER", fmt.Sprintf("existing id-map %d entries, catalog %d records", len(idMap), len(existing)))

	primaryCur := u.primary().Currency
	existingByID := make(map[string]catalog.GameRecord, len(existing))
	noItadFlag := make(map[string]bool)
	for _, g := range existing {
		existingByID[g.ID] = g
		if g.Deal[primaryCur].NoItadData {
			noItadFlag[g.ID] = true
		}
	}
	itadIDByApp := make(map[string]string, len(idMap))
	for _, e := range idMap {
		itadIDByApp[e.ID] = e.ItadID
	}

	// Phase 1: batch-fetch deals for everything except noItadData records.
	var itadIDs []string
	for _, e := range idMap {
		if e.ItadID != "" && !noItadFlag[e.ID] {
			itadIDs = append(itadIDs, e.ItadID)
		}
	}
	logger.Info("UPDATER", fmt.Sprintf("phase 1: fetching deals for %d games (%d bypass price-history)",
		len(itadIDs), len(noItadFlag)))
	deals, err := u.batchDeals(ctx, itadIDs)
	if err != nil {
		return nil, err
	}
	primaryDeals := deals[primaryCur]

	res := &Result{IDMap: idMap, Mapping: nil}
	var toUpdate []updateTarget
	var unchanged []string
	var steamCompare []string

	for _, e := range idMap {
		g, ok := existingByID[e.ID]
		if !ok {
			logger.Warn("UPDATER", fmt.Sprintf("app %s in id-map but not in catalog, skipping", e.ID))
			continue
		}
		if noItadFlag[e.ID] {
			steamCompare = append(steamCompare, e.ID)
			res.WithoutItad = append(res.WithoutItad, e.ID)
			continue
		}
		if e.ItadID == "" {
			toUpdate = append(toUpdate, updateTarget{appID: e.ID})
			res.WithoutItad = append(res.WithoutItad, e.ID)
			continue
		}
		quote, ok := primaryDeals[e.ItadID]
		if !ok || !usableQuote(quote) {
			logger.Warn("UPDATER", fmt.Sprintf("no usable deal for %s (app %s), storefront only", e.ItadID, e.ID))
			toUpdate = append(toUpdate, updateTarget{appID: e.ID, itadID: e.ItadID})
			res.WithoutItad = append(res.WithoutItad, e.ID)
			continue
		}
		stored := g.Deal[primaryCur]
		if quote.Price != stored.Price || quote.Cut != stored.Cut {
			logger.Info("UPDATER", fmt.Sprintf("price moved for app %s: stored(%v/%d) live(%v/%d)",
				e.ID, stored.Price, stored.Cut, quote.Price, quote.Cut))
			toUpdate = append(toUpdate, updateTarget{appID: e.ID, itadID: e.ItadID})
		} else {
			unchanged = append(unchanged, e.ID)
		}
	}
	logger.Info("UPDATER", fmt.Sprintf("phase 1 complete: %d to update, %d need storefront comparison, %d unchanged",
		len(toUpdate), len(steamCompare), len(unchanged)))

	// Phase 1.5: noItadData records are compared against storefront prices.
	for _, appID := range steamCompare {
		current, err := u.storefrontPrice(ctx, appID)
		if err != nil {
			logger.Warn("UPDATER", fmt.Sprintf("storefront comparison failed for app %s, keeping record: %v", appID, err))
			unchanged = append(unchanged, appID)
			continue
		}
		stored := existingByID[appID].Deal[primaryCur].Price
		if current != stored {
			logger.Info("UPDATER", fmt.Sprintf("storefront price moved for app %s: stored %v, live %v", appID, stored, current))
			toUpdate = append(toUpdate, updateTarget{appID: appID, itadID: itadIDByApp[appID]})
		} else {
			unchanged = append(unchanged, appID)
		}
	}

	// Phase 2: rebuild the marked records.
	logger.Info("UPDATER", fmt.Sprintf("phase 2: rebuilding %d records", len(toUpdate)))
	updated := make(map[string]catalog.GameRecord, len(toUpdate))
	for i, t := range toUpdate {
		logger.Info("UPDATER", fmt.Sprintf("[%d/%d] rebuilding app %s", i+1, len(toUpdate), t.appID))
		rec, ok := u.buildOne(ctx, res, t.appID, t.itadID, deals)
		if !ok {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		updated[t.appID] = rec
	}

	// Phase 3: merge, preserving the existing catalog order.
	out := make([]catalog.GameRecord, 0, len(existing))
	for _, g := range existing {
		if rec, ok := updated[g.ID]; ok {
			out = append(out, rec)
		} else {
			out = append(out, g)
		}
	}
	res.Games = out
	logger.Info("UPDATER", fmt.Sprintf("phase 3 complete: %d records (%d rebuilt)", len(out), len(updated)))
	return res, nil
}

// storefrontPrice returns the current effective price for the primary
// region: the sale price when one is active, the list price otherwise.
func (u *Updater) storefrontPrice(ctx context.Context, appID string) (catalog.Amount, error) {
	id, err := parseAppID(appID)
	if err != nil {
		return catalog.None, err
	}
	d, err := u.steam.AppDetails(ctx, id, u.primary().SteamCC)
	if err != nil {
		return catalog.None, err
	}
	p := steam.ExtractPrice(d, u.primary().Currency)
	if p.Sale.Valid {
		return p.Sale, nil
	}
	return p.Regular, nil
}

// buildOne fetches the three storefront endpoints for one app and
// assembles its record. Failures land in res.Failed.
func (u *Updater) buildOne(ctx context.Context, res *Result, appID, itadID string, deals map[string]map[string]catalog.DealQuote) (catalog.GameRecord, bool) {
	id, err := parseAppID(appID)
	if err != nil {
		res.Failed = append(res.Failed, Failed{AppID: appID, Reason: err.Error()})
		return catalog.GameRecord{}, false
	}
	info, err := u.steam.FetchGameInfo(ctx, id, u.regions)
	if err != nil {
		if ctx.Err() != nil {
			return catalog.GameRecord{}, false
		}
		logger.Error("UPDATER", fmt.Sprintf("storefront fetch failed for app %s: %v", appID, err))
		res.Failed = append(res.Failed, Failed{AppID: appID, Reason: fmt.Sprintf("storefront fetch failed: %v", err)})
		return catalog.GameRecord{}, false
	}

	tags := u.fetchTags(ctx, itadID)
	rec := u.buildRecord(appID, info, itadID, quotesFor(deals, itadID), tags)

	if rec.ImageURL != "-" && !strings.Contains(rec.ImageURL, "capsule_616x353") {
		res.ImageFallback = append(res.ImageFallback, appID)
	}
	u.noteMissing(res, appID, info, itadID)
	return rec, true
}

func (u *Updater) noteMissing(res *Result, appID string, info *steam.GameInfo, itadID string) {
	if info.ImageURL == "" || info.ImageURL == "-" {
		res.MissingData = append(res.MissingData, Missing{AppID: appID, Field: "imageUrl"})
	}
	if info.ReleaseDate == "" {
		res.MissingData = append(res.MissingData, Missing{AppID: appID, Field: "releaseDate"})
	}
	if info.ReviewScore == "" || info.ReviewScore == "-" {
		res.MissingData = append(res.MissingData, Missing{AppID: appID, Field: "reviewScore"})
	}
	if itadID == "" {
		res.MissingData = append(res.MissingData, Missing{AppID: appID, Field: "itadId"})
	}
}

// appendNew is the append mode: resolve the title reference file, then
// fetch data only for ids not yet in the catalog.
func (u *Updater) appendNew(ctx context.Context) (*Result, error) {
	logger.Section("Append update")

	idMap, err := u.store.GetIDMap(ctx)
	if err != nil {
		return nil, err
	}
	titlePath := filepath.Join(u.cfg.DataDir, "refs", "game_title_list.txt")
	idMap, mapping, err := u.res.BuildIDMap(ctx, titlePath, idMap)
	if err != nil {
		return nil, err
	}

	existing, err := u.store.GetGames(ctx)
	if err != nil {
		return nil, err
	}
	existingIDs := make(map[string]bool, len(existing))
	for _, g := range existing {
		existingIDs[g.ID] = true
	}

	// Accepted pairs minus the existing catalog. Walking the id-map rather
	// than this run's mapping keeps ids from the resume TSV in play, so an
	// interrupted batch crosses the threshold again on restart.
	var newIDs []string
	for _, e := range idMap {
		if !existingIDs[e.ID] {
			newIDs = append(newIDs, e.ID)
		}
	}
	logger.Info("UPDATER", fmt.Sprintf("%d new ids (%d mapped this run)",
		len(newIDs), len(mapping.Mapped)))

	if len(newIDs) >= u.cfg.BatchThreshold {
		logger.Info("UPDATER", fmt.Sprintf("batch mode: %d new ids (threshold %d)", len(newIDs), u.cfg.BatchThreshold))
		return u.appendBatch(ctx, newIDs, idMap, mapping, existing)
	}
	return u.appendNormal(ctx, newIDs, idMap, mapping, existing)
}

func (u *Updater) appendNormal(ctx context.Context, newIDs []string, idMap []catalog.IDMapEntry, mapping *resolver.Report, existing []catalog.GameRecord) (*Result, error) {
	res := &Result{IDMap: idMap, Mapping: mapping, AppendMode: true}

	itadIDByApp := make(map[string]string, len(idMap))
	for _, e := range idMap {
		itadIDByApp[e.ID] = e.ItadID
	}
	var itadIDs []string
	for _, appID := range newIDs {
		if id := itadIDByApp[appID]; id != "" {
			itadIDs = append(itadIDs, id)
		}
	}
	deals, err := u.batchDeals(ctx, itadIDs)
	if err != nil {
		return nil, err
	}

	var fresh []catalog.GameRecord
	for i, appID := range newIDs {
		logger.Info("UPDATER", fmt.Sprintf("[%d/%d] processing app %s", i+1, len(newIDs), appID))
		itadID := itadIDByApp[appID]
		rec, ok := u.buildOne(ctx, res, appID, itadID, deals)
		if !ok {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if rec.Deal[u.primary().Currency].NoItadData {
			res.WithoutItad = append(res.WithoutItad, appID)
		}
		fresh = append(fresh, rec)
	}

	res.Games, res.NewlyAdded = mergeAppend(existing, fresh)
	logger.Info("UPDATER", fmt.Sprintf("merge complete: %d existing + %d new = %d records",
		len(existing), len(res.NewlyAdded), len(res.Games)))
	return res, nil
}

// mergeAppend keeps the existing catalog in order and appends records
// whose ids are not yet present.
func mergeAppend(existing, fresh []catalog.GameRecord) ([]catalog.GameRecord, []Added) {
	existingIDs := make(map[string]bool, len(existing))
	for _, g := range existing {
		existingIDs[g.ID] = true
	}
	out := append([]catalog.GameRecord{}, existing...)
	var added []Added
	for _, g := range fresh {
		if existingIDs[g.ID] {
			logger.Info("UPDATER", fmt.Sprintf("skipped, already in catalog: app %s", g.ID))
			continue
		}
		existingIDs[g.ID] = true
		out = append(out, g)
		added = append(added, Added{ID: g.ID, Title: g.Title})
	}
	return out, added
}

// Persist writes a Result through the persistence gate: the temp
// snapshot is always written, but the stores are only updated when
// records exist and no storefront fetch failed. The id-map goes first
// so a mid-write crash leaves it ahead of the catalog, never behind.
func (u *Updater) Persist(ctx context.Context, res *Result) (*Outcome, error) {
	tmpPath := filepath.Join(u.cfg.DataDir, "tmp", "games_rebuilt.json")
	if err := os.MkdirAll(filepath.Dir(tmpPath), 0o755); err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(res.Games, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return nil, err
	}
	logger.Info("UPDATER", fmt.Sprintf("temp snapshot written: %s", tmpPath))

	out := &Outcome{TempPath: tmpPath}
	switch {
	case len(res.Failed) > 0:
		out.Reason = fmt.Sprintf("%d game(s) failed data fetch", len(res.Failed))
		return out, nil
	case len(res.Games) == 0:
		out.Reason = "no games to update"
		return out, nil
	}

	if err := u.store.PutIDMap(ctx, res.IDMap); err != nil {
		return out, err
	}
	logger.Info("UPDATER", fmt.Sprintf("id-map persisted (%d entries)", len(res.IDMap)))
	if err := u.store.PutGames(ctx, res.Games, res.AppendMode); err != nil {
		return out, err
	}
	out.Updated = true

	if path, err := u.store.Backup(ctx); err != nil {
		logger.Warn("UPDATER", fmt.Sprintf("backup failed: %v", err))
	} else if path != "" {
		out.BackupPath = path
	}

	// Resume artifacts are only cleared once their run has fully landed.
	// Normal append runs also leave a resume TSV behind.
	if res.AppendMode {
		u.cleanupBatchArtifacts()
	}
	return out, nil
}

// DeleteFromList removes the app-ids listed in
// data/refs/delete_appid_list.txt from both the id-map and the catalog.
func (u *Updater) DeleteFromList(ctx context.Context) (int, error) {
	path := filepath.Join(u.cfg.DataDir, "refs", "delete_appid_list.txt")
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read delete list: %w", err)
	}
	ids := make(map[string]bool)
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids[line] = true
		}
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("no app-ids in %s", path)
	}
	logger.Info("UPDATER", fmt.Sprintf("deleting %d app-ids", len(ids)))
	return store.DeleteIDs(ctx, u.store, ids)
}

// ResetPrices forces every primary-currency price to 1. Testing hook
// for exercising the diff-refresh comparison.
func (u *Updater) ResetPrices(ctx context.Context) (int, error) {
	games, err := u.store.GetGames(ctx)
	if err != nil {
		return 0, err
	}
	cur := u.primary().Currency
	updated := 0
	for i := range games {
		q, ok := games[i].Deal[cur]
		if !ok {
			continue
		}
		q.Price = catalog.Int(1)
		games[i].Deal[cur] = q
		updated++
	}
	if err := u.store.PutGames(ctx, games, false); err != nil {
		return 0, err
	}
	logger.Info("UPDATER", fmt.Sprintf("reset %d prices to 1", updated))
	return updated, nil
}
