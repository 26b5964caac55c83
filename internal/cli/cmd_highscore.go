package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
)

// reviewEntry is one app of a review-data_<N>.json shard.
type reviewEntry struct {
	Name     string `json:"name"`
	Positive int    `json:"positive"`
	Negative int    `json:"negative"`
}

// reviewScore buckets the positive-review ratio into 0..9.
func reviewScore(positive, negative int) int {
	total := positive + negative
	if total == 0 {
		return 0
	}
	ratio := float64(positive) / float64(total)
	switch {
	case ratio >= 0.95:
		return 9
	case ratio >= 0.80:
		return 8
	case ratio >= 0.70:
		return 7
	case ratio >= 0.60:
		return 6
	case ratio >= 0.50:
		return 5
	case ratio >= 0.40:
		return 4
	case ratio >= 0.30:
		return 3
	case ratio >= 0.20:
		return 2
	case ratio >= 0.10:
		return 1
	default:
		return 0
	}
}

// newExtractHighScoreCmd filters review-data shards down to titles with
// score 8 or better and at least 100 reviews, one TSV per input shard.
func newExtractHighScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract-high-score <input-dir> <output-dir>",
		Short: "Extract well-reviewed titles from review-data shards",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inDir, outDir := args[0], args[1]
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			shards, err := filepath.Glob(filepath.Join(inDir, "review-data_*.json"))
			if err != nil {
				return err
			}
			if len(shards) == 0 {
				return fmt.Errorf("no review-data shards in %s", inDir)
			}
			sort.Strings(shards)

			files, games := 0, 0
			for _, shard := range shards {
				n, err := extractShard(shard, outDir)
				if err != nil {
					logger.Warn("CLI", fmt.Sprintf("%s: %v", filepath.Base(shard), err))
					continue
				}
				files++
				games += n
			}
			logger.Success("CLI", fmt.Sprintf("processed %d shards, %d high-score games", files, games))
			return nil
		},
	}
}

func extractShard(path, outDir string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var entries map[string]reviewEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, err
	}

	appIDs := make([]string, 0, len(entries))
	for id := range entries {
		appIDs = append(appIDs, id)
	}
	sort.Strings(appIDs)

	var b strings.Builder
	kept := 0
	for _, id := range appIDs {
		e := entries[id]
		if e.Name == "" || e.Positive+e.Negative < 100 {
			continue
		}
		if reviewScore(e.Positive, e.Negative) < 8 {
			continue
		}
		fmt.Fprintf(&b, "%s\t%s\n", id, e.Name)
		kept++
	}

	base := strings.TrimSuffix(filepath.Base(path), ".json")
	suffix := strings.TrimPrefix(base, "review-data_")
	out := filepath.Join(outDir, fmt.Sprintf("score_8_plus_titles_%s.txt", suffix))
	if err := os.WriteFile(out, []byte(b.String()), 0o644); err != nil {
		return 0, err
	}
	logger.Info("CLI", fmt.Sprintf("%s: %d games -> %s", filepath.Base(path), kept, filepath.Base(out)))
	return kept, nil
}
