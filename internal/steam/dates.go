package steam

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
)

var (
	isoDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	jpDateRe  = regexp.MustCompile(`^(\d{4})年(\d{1,2})月(\d{1,2})日$`)
)

// The storefront localizes release dates; these cover the English variants.
var englishDateLayouts = []string{
	"2 Jan, 2006",
	"2 January, 2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

// NormalizeReleaseDate converts a storefront release date to YYYY-MM-DD.
// Accepts ISO, Japanese YYYY年M月D日, and the English month layouts.
// Anything else passes through verbatim.
func NormalizeReleaseDate(s string) string {
	if s == "" {
		return ""
	}
	if isoDateRe.MatchString(s) {
		return s
	}
	if m := jpDateRe.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		return fmt.Sprintf("%s-%02d-%02d", m[1], month, day)
	}
	for _, layout := range englishDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	logger.Warn("STEAM", "could not parse release date: "+s)
	return s
}
