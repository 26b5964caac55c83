// Package resolver maps game titles from the reference list to
// storefront app-ids, scoring candidates against the public app index,
// and pairs each accepted id with its price-history id.
package resolver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/vibecoder-lab/game-seeker-vault/internal/catalog"
	"github.com/vibecoder-lab/game-seeker-vault/internal/config"
	"github.com/vibecoder-lab/game-seeker-vault/internal/db"
	"github.com/vibecoder-lab/game-seeker-vault/internal/itad"
	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
	"github.com/vibecoder-lab/game-seeker-vault/internal/steam"
)

// Candidate is one scored app-index entry for a title.
type Candidate struct {
	AppID int
	Name  string
	Score int
}

// Mapped records one accepted title-to-id mapping. Score is 0 for
// direct app-id input.
type Mapped struct {
	AppID  string
	Name   string
	ItadID string
	Score  int
}

// Ambiguous records a title with more than one exact app-index match.
type Ambiguous struct {
	Title   string
	Matches []Candidate
}

// LowConfidence records a title whose best candidate scored below the
// auto-accept threshold; it is reported, never applied.
type LowConfidence struct {
	Title      string
	Candidates []Candidate
}

// Report summarizes one mapping run.
type Report struct {
	Mapped          []Mapped
	Failed          []string
	SkippedExisting []Mapped
	SkippedMultiple []Ambiguous
	LowConfidence   []LowConfidence
}

// Resolver builds id-map entries from the title reference list.
type Resolver struct {
	cfg   *config.Config
	steam *steam.Client
	itad  *itad.Client
	cache *db.DB

	sf      singleflight.Group
	lookups *rate.Limiter
}

// New creates a resolver. cache may be nil to always refetch the app
// index; itadClient may be nil to skip history-id lookup.
func New(cfg *config.Config, steamClient *steam.Client, itadClient *itad.Client, cache *db.DB) *Resolver {
	return &Resolver{
		cfg:   cfg,
		steam: steamClient,
		itad:  itadClient,
		cache: cache,
		// History-id lookups are polite-paced at one per second.
		lookups: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// ShouldExclude reports whether a candidate name is filtered out.
// Keep-edition keywords override the exclusion list.
func (r *Resolver) ShouldExclude(title string) bool {
	upper := strings.ToUpper(title)
	for _, keep := range r.cfg.KeepEditions {
		if strings.Contains(upper, strings.ToUpper(keep)) {
			return false
		}
	}
	for _, excl := range r.cfg.ExcludeKeywords {
		if strings.Contains(upper, strings.ToUpper(excl)) {
			return true
		}
	}
	return false
}

// Score rates a candidate name against the searched title.
func (r *Resolver) Score(search, candidate string) int {
	s := strings.ToLower(strings.TrimSpace(search))
	c := strings.ToLower(strings.TrimSpace(candidate))

	if s == c {
		return r.cfg.ScoreExactMatch
	}
	if strings.Contains(c, s) {
		diff := len(c) - len(s)
		if diff < 0 {
			diff = -diff
		}
		if score := r.cfg.ScorePartialBase - diff; score > 0 {
			return score
		}
		return 0
	}
	return int(Ratio(s, c) * float64(r.cfg.ScoreSimilarityScale))
}

// FindBestMatch scores the whole app index for a title. It returns the
// single best candidate, or the list of exact matches when the title is
// ambiguous, or all retained candidates when nothing may be auto-applied.
func (r *Resolver) FindBestMatch(title string, apps []db.AppEntry) (best *Candidate, multiple []Candidate, retained []Candidate) {
	for _, app := range apps {
		if app.Name == "" || app.AppID == 0 {
			continue
		}
		if r.ShouldExclude(app.Name) {
			continue
		}
		score := r.Score(title, app.Name)
		if score >= r.cfg.ScoreCandidate {
			retained = append(retained, Candidate{AppID: app.AppID, Name: app.Name, Score: score})
		}
	}
	if len(retained) == 0 {
		return nil, nil, nil
	}

	top := retained[0]
	for _, c := range retained[1:] {
		if c.Score > top.Score {
			top = c
		}
	}
	var exact []Candidate
	for _, c := range retained {
		if c.Score == r.cfg.ScoreExactMatch {
			exact = append(exact, c)
		}
	}
	if len(exact) > 1 {
		return nil, exact, retained
	}
	if top.Score >= r.cfg.ScoreAutoAccept {
		return &top, nil, retained
	}
	// Below the auto-accept floor the match is reported, not applied.
	return nil, nil, retained
}

// BuildIDMap resolves every line of the title list and appends the new
// entries to the id-map. Progress is written to the TSV resume file so an
// interrupted run picks up where it left off.
func (r *Resolver) BuildIDMap(ctx context.Context, titleListPath string, existing []catalog.IDMapEntry) ([]catalog.IDMapEntry, *Report, error) {
	report := &Report{}
	resumePath := filepath.Join(r.cfg.DataDir, "batch", "mapping_result.txt")

	resumed, err := readResumeFile(resumePath)
	if err != nil {
		return nil, nil, err
	}
	alreadyMapped := make(map[string]string, len(resumed))
	for _, r := range resumed {
		alreadyMapped[r.appID] = r.itadID
	}

	existingIDs := make(map[string]bool, len(existing))
	for _, e := range existing {
		existingIDs[e.ID] = true
	}
	for _, r := range resumed {
		if existingIDs[r.appID] {
			continue
		}
		existing = append(existing, catalog.IDMapEntry{ID: r.appID, ItadID: r.itadID})
		existingIDs[r.appID] = true
		logger.Info("RESOLVE", fmt.Sprintf("restored from %s: app %s", filepath.Base(resumePath), r.appID))
	}

	titles, err := readTitleList(titleListPath)
	if err != nil {
		logger.Error("RESOLVE", err.Error())
		return existing, report, nil
	}
	if len(titles) == 0 {
		logger.Warn("RESOLVE", "title list is empty")
		return existing, report, nil
	}

	apps, err := r.appList(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch app list: %w", err)
	}
	byID := make(map[int]string, len(apps))
	for _, a := range apps {
		byID[a.AppID] = a.Name
	}

	logger.Info("RESOLVE", fmt.Sprintf("auto-mapping %d titles against %d apps", len(titles), len(apps)))

	if err := os.MkdirAll(filepath.Dir(resumePath), 0o755); err != nil {
		return nil, nil, err
	}

	for _, title := range titles {
		logger.Info("RESOLVE", "processing: "+title)

		appID, name, score, ok := r.resolveLine(title, apps, byID, alreadyMapped, report)
		if !ok {
			continue
		}
		if existingIDs[appID] {
			report.SkippedExisting = append(report.SkippedExisting, Mapped{AppID: appID, Name: name})
			logger.Info("RESOLVE", fmt.Sprintf("skipped (already mapped): app %s", appID))
			continue
		}

		itadID := r.lookupItadID(ctx, appID)

		entry := catalog.IDMapEntry{ID: appID, ItadID: itadID}
		existing = append(existing, entry)
		existingIDs[appID] = true
		report.Mapped = append(report.Mapped, Mapped{AppID: appID, Name: name, ItadID: itadID, Score: score})

		if err := appendResumeLine(resumePath, appID, itadID); err != nil {
			return nil, nil, err
		}
		alreadyMapped[appID] = itadID
		logger.Success("RESOLVE", fmt.Sprintf("mapped: app %s (score %d)", appID, score))
	}

	logger.Info("RESOLVE", fmt.Sprintf(
		"auto-mapping done: %d mapped, %d failed, %d existing, %d ambiguous, %d low-confidence",
		len(report.Mapped), len(report.Failed), len(report.SkippedExisting),
		len(report.SkippedMultiple), len(report.LowConfidence)))
	return existing, report, nil
}

// resolveLine turns one title-list line into an app-id. Lines may carry a
// bare app-id, an app-id next to a title, or just a title.
func (r *Resolver) resolveLine(line string, apps []db.AppEntry, byID map[int]string, alreadyMapped map[string]string, report *Report) (appID, name string, score int, ok bool) {
	for _, part := range strings.Fields(line) {
		if n, err := strconv.Atoi(part); err == nil && n > 0 {
			appID = part
			if _, done := alreadyMapped[appID]; done {
				logger.Info("RESOLVE", fmt.Sprintf("skipped (resumed earlier): app %s", appID))
				return "", "", 0, false
			}
			name, found := byID[n]
			if !found {
				report.Failed = append(report.Failed, line)
				logger.Warn("RESOLVE", fmt.Sprintf("app %s not in the app index", appID))
				return "", "", 0, false
			}
			return appID, name, 0, true
		}
	}

	best, multiple, retained := r.FindBestMatch(line, apps)
	switch {
	case len(multiple) > 1:
		report.SkippedMultiple = append(report.SkippedMultiple, Ambiguous{Title: line, Matches: multiple})
		logger.Warn("RESOLVE", fmt.Sprintf("ambiguous: %d exact matches for %q", len(multiple), line))
		return "", "", 0, false
	case best != nil:
		return strconv.Itoa(best.AppID), best.Name, best.Score, true
	case len(retained) > 0:
		report.LowConfidence = append(report.LowConfidence, LowConfidence{Title: line, Candidates: retained})
		logger.Warn("RESOLVE", fmt.Sprintf("no auto-accept for %q (%d candidates below threshold)", line, len(retained)))
		return "", "", 0, false
	default:
		report.Failed = append(report.Failed, line)
		logger.Warn("RESOLVE", "no candidates for "+line)
		return "", "", 0, false
	}
}

func (r *Resolver) lookupItadID(ctx context.Context, appID string) string {
	if r.itad == nil {
		return ""
	}
	n, err := strconv.Atoi(appID)
	if err != nil {
		return ""
	}
	if err := r.lookups.Wait(ctx); err != nil {
		return ""
	}
	id, err := r.itad.Lookup(ctx, n)
	if err != nil {
		if !errors.Is(err, itad.ErrNotFound) {
			logger.Warn("RESOLVE", fmt.Sprintf("history-id lookup failed for app %s: %v", appID, err))
		}
		return ""
	}
	return id
}

// appList returns the public app index, from the local cache when fresh.
// Concurrent callers share one fetch.
func (r *Resolver) appList(ctx context.Context) ([]db.AppEntry, error) {
	v, err, _ := r.sf.Do("applist", func() (any, error) {
		if r.cache != nil {
			if apps, ok := r.cache.FreshAppList(); ok {
				return apps, nil
			}
		}
		logger.Info("RESOLVE", "fetching app index from the web API")
		apps, err := r.steam.AppList(ctx)
		if err != nil {
			return nil, err
		}
		entries := make([]db.AppEntry, 0, len(apps))
		for _, a := range apps {
			entries = append(entries, db.AppEntry{AppID: a.AppID, Name: a.Name})
		}
		if r.cache != nil {
			if err := r.cache.ReplaceAppList(entries); err != nil {
				logger.Warn("RESOLVE", "could not cache app index: "+err.Error())
			}
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]db.AppEntry), nil
}

type resumeEntry struct {
	appID  string
	itadID string
}

// readResumeFile keeps file order: checkpoint resume skips ids by position,
// so restored entries must re-enter the id-map in the order they were
// accepted.
func readResumeFile(path string) ([]resumeEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []resumeEntry
	seen := make(map[string]int)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		appID := parts[0]
		itadID := ""
		if len(parts) > 1 {
			itadID = parts[1]
		}
		if i, dup := seen[appID]; dup {
			out[i].itadID = itadID
			continue
		}
		seen[appID] = len(out)
		out = append(out, resumeEntry{appID: appID, itadID: itadID})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		logger.Info("RESOLVE", fmt.Sprintf("loaded %d previously mapped ids from %s", len(out), path))
	}
	return out, nil
}

func appendResumeLine(path, appID, itadID string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s\t%s\n", appID, itadID)
	return err
}

func readTitleList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("title list %s not found", path)
	}
	defer f.Close()

	var titles []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			titles = append(titles, line)
		}
	}
	return titles, sc.Err()
}
