package updater

import (
	"fmt"

	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
	"github.com/vibecoder-lab/game-seeker-vault/internal/resolver"
)

// PrintMappingReport summarizes a title-resolution run on the console.
func PrintMappingReport(r *resolver.Report) {
	if r == nil {
		return
	}
	logger.Section("Auto-mapping Results")
	logger.Stats("Success", len(r.Mapped))
	logger.Stats("Skipped (already exists)", len(r.SkippedExisting))
	logger.Stats("Skipped (multiple matches)", len(r.SkippedMultiple))
	logger.Stats("Low confidence", len(r.LowConfidence))
	logger.Stats("Failed", len(r.Failed))

	for _, m := range r.Mapped {
		itad := m.ItadID
		if itad == "" {
			itad = "none"
		}
		fmt.Printf("  + %s (app %s, score %d, history id %s)\n", m.Name, m.AppID, m.Score, itad)
	}
	for _, a := range r.SkippedMultiple {
		fmt.Printf("  ? %s\n", a.Title)
		for _, c := range a.Matches {
			fmt.Printf("      - %s (app %d)\n", c.Name, c.AppID)
		}
	}
	for _, l := range r.LowConfidence {
		fmt.Printf("  ~ %s (best %d, not applied)\n", l.Title, l.Candidates[0].Score)
	}
	for _, title := range r.Failed {
		fmt.Printf("  x %s\n", title)
	}
	if len(r.Failed) > 0 {
		fmt.Println("  note: mapping failures do not block catalog updates")
	}
}

// PrintResult summarizes a completed update run on the console.
func PrintResult(res *Result) {
	logger.Section("Data Fetch Results")
	logger.Stats("Records", len(res.Games))
	logger.Stats("Storefront only (no history)", len(res.WithoutItad))
	logger.Stats("Image fallback", len(res.ImageFallback))
	logger.Stats("Failed", len(res.Failed))

	for _, f := range res.Failed {
		fmt.Printf("  x app %s: %s\n", f.AppID, f.Reason)
	}
	if len(res.MissingData) > 0 {
		logger.Section("Partial Data Retrieval")
		for _, m := range res.MissingData {
			fmt.Printf("  - app %s: missing %s\n", m.AppID, m.Field)
		}
	}
}

// PrintOutcome summarizes what Persist did.
func PrintOutcome(res *Result, out *Outcome) {
	if out.Updated {
		logger.Section("Catalog Update Success")
		logger.Stats("Records written", len(res.Games))
		if out.BackupPath != "" {
			logger.Stats("Backup", out.BackupPath)
		}
		if res.AppendMode && len(res.NewlyAdded) > 0 {
			fmt.Printf("\nNewly added games (%d):\n", len(res.NewlyAdded))
			for _, a := range res.NewlyAdded {
				fmt.Printf("  + %s (app %s)\n", a.Title, a.ID)
			}
		}
		return
	}
	logger.Section("Catalog Update Skipped")
	logger.Stats("Reason", out.Reason)
	logger.Stats("Temp snapshot", out.TempPath)
}
