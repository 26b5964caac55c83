package updater

import (
	"fmt"
	"strconv"

	"github.com/vibecoder-lab/game-seeker-vault/internal/catalog"
	"github.com/vibecoder-lab/game-seeker-vault/internal/steam"
)

func parseAppID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad app-id %q", s)
	}
	return id, nil
}

// usableQuote reports whether a batch quote carries actual price data.
// The history service sometimes knows a game but has no storefront
// prices for the requested country.
func usableQuote(q catalog.DealQuote) bool {
	return q.Price.Valid || q.Regular.Valid
}

// synthQuote derives a deal quote from storefront prices when the
// history service has nothing for this currency. The store low stays
// unknown and the quote is flagged noItadData.
func synthQuote(p steam.Price) catalog.DealQuote {
	regular := 0
	if p.Regular.Valid {
		regular = p.Regular.Value
	}
	price, cut := regular, 0
	if p.Sale.Valid && p.Sale.Value < regular {
		price = p.Sale.Value
		if regular > 0 {
			cut = (regular - price) * 100 / regular
		}
	}
	return catalog.DealQuote{
		Price:      catalog.Int(price),
		Regular:    catalog.Int(regular),
		Cut:        cut,
		StoreLow:   catalog.None,
		NoItadData: true,
	}
}

// buildRecord assembles one catalog record from the storefront view and
// the per-currency history quotes. Currencies without a usable quote
// fall back to storefront synthesis. Tags are truncated to the top 3.
func (u *Updater) buildRecord(appID string, info *steam.GameInfo, itadID string, quotes map[string]catalog.DealQuote, tags []string) catalog.GameRecord {
	deal := make(map[string]catalog.DealQuote, len(u.regions))
	for _, r := range u.regions {
		if q, ok := quotes[r.Currency]; ok {
			deal[r.Currency] = q
		} else {
			deal[r.Currency] = synthQuote(info.Prices[r.Code])
		}
	}

	if len(tags) > 3 {
		tags = tags[:3]
	}
	rec := catalog.GameRecord{
		ID:                 appID,
		Title:              info.Title,
		StoreURL:           info.StoreURL,
		ImageURL:           orDash(info.ImageURL),
		ReviewScore:        orDash(info.ReviewScore),
		Deal:               deal,
		Genres:             orEmpty(info.Genres),
		Tags:               orEmpty(tags),
		ReleaseDate:        orDash(info.ReleaseDate),
		Developers:         orEmpty(info.Developers),
		Publishers:         orEmpty(info.Publishers),
		Platforms:          info.Platforms,
		SupportedLanguages: info.SupportedLanguages,
	}
	if itadID != "" {
		rec.ItadID = &itadID
	}
	return rec
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// orEmpty keeps list fields as [] rather than null in the persisted JSON.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
