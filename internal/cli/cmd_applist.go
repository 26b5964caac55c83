package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vibecoder-lab/game-seeker-vault/internal/config"
	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
	"github.com/vibecoder-lab/game-seeker-vault/internal/steam"
)

// newFetchAppListCmd dumps the games-only app index. The IStoreService
// endpoint needs a web API key and already filters out DLC, software,
// and videos.
func newFetchAppListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-applist <API_KEY> [output.json]",
		Short: "Download the games-only app index to a JSON file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := "games.json"
			if len(args) > 1 {
				out = args[1]
			}
			cfg := config.Default()
			client := steam.NewClient(newController("api.steampowered.com", cfg.SteamLimits), cfg.UserAgentSteam)

			games, err := client.StoreAppList(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			raw, err := json.MarshalIndent(games, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, raw, 0o644); err != nil {
				return err
			}
			logger.Success("CLI", fmt.Sprintf("%d games written to %s", len(games), out))
			return nil
		},
	}
}
