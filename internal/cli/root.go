// Package cli wires the clients, stores, and updater into the command
// surface. The root command runs one update pass; subcommands cover the
// app-index helper tools.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/vibecoder-lab/game-seeker-vault/internal/config"
	"github.com/vibecoder-lab/game-seeker-vault/internal/db"
	"github.com/vibecoder-lab/game-seeker-vault/internal/itad"
	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
	"github.com/vibecoder-lab/game-seeker-vault/internal/ratelimit"
	"github.com/vibecoder-lab/game-seeker-vault/internal/resolver"
	"github.com/vibecoder-lab/game-seeker-vault/internal/steam"
	"github.com/vibecoder-lab/game-seeker-vault/internal/store"
	"github.com/vibecoder-lab/game-seeker-vault/internal/updater"
)

var (
	flagAppend      bool
	flagRegions     string
	flagKV          bool
	flagResetPrices bool
	flagDelete      bool
	flagConfig      string
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "game-seeker-vault [ITAD_API_KEY]",
		Short: "Rebuild the game catalog from the storefront and price-history APIs",
		Long: `Aggregates storefront product data and price-history deals into the
persisted game catalog. Without flags it runs a diff-refresh pass; with
--append it resolves new titles from data/refs/game_title_list.txt and
fetches data only for the additions.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runUpdate,
	}
	root.Flags().BoolVar(&flagAppend, "append", false, "add new titles and fetch data only for additions")
	root.Flags().StringVar(&flagRegions, "regions", strings.Join(config.DefaultRegions, ","), "comma-separated region codes (JP,US,UK,EU)")
	root.Flags().BoolVar(&flagKV, "kv", false, "use the remote KV store even outside CI")
	root.Flags().BoolVar(&flagResetPrices, "reset-prices", false, "force every primary-currency price to 1 (testing hook)")
	root.Flags().BoolVar(&flagDelete, "delete", false, "remove the app-ids listed in data/refs/delete_appid_list.txt")
	root.Flags().StringVar(&flagConfig, "config", "", "path to a YAML config file")

	root.AddCommand(newFetchAppListCmd())
	root.AddCommand(newExtractHighScoreCmd())
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(version string) int {
	logger.Banner(version)
	if err := NewRootCmd().Execute(); err != nil {
		logger.Error("CLI", err.Error())
		return 1
	}
	return 0
}

func newController(host string, hl config.HostLimits) *ratelimit.Controller {
	return ratelimit.New(ratelimit.Config{
		Host:               host,
		TargetRPS:          hl.TargetRPS,
		Window:             hl.Window,
		WindowLimit:        hl.WindowLimit,
		InitialConcurrency: hl.InitialConcurrency,
		WarmupRequests:     hl.WarmupRequests,
		EWMAAlpha:          hl.EWMAAlpha,
	})
}

// newStore picks the persistence backend: the remote KV store when --kv
// is given or the run is in CI, the local file mirror otherwise.
func newStore(cfg *config.Config) store.Store {
	local := store.NewLocalStore(cfg.DataDir)
	useKV := flagKV || os.Getenv("GITHUB_ACTIONS") == "true"
	if !useKV {
		logger.Info("CLI", "environment: local (file mode)")
		return local
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	namespace := os.Getenv("KV_NAMESPACE_ID")
	logger.Info("CLI", fmt.Sprintf("environment: KV mode (%s, namespace %q)", addr, namespace))
	return store.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}), namespace, local)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	regions, err := config.ResolveRegions(strings.Split(flagRegions, ","))
	if err != nil {
		return err
	}

	steamRC := newController("store.steampowered.com", cfg.SteamLimits)
	itadRC := newController("api.isthereanydeal.com", cfg.ItadLimits)
	steamClient := steam.NewClient(steamRC, cfg.UserAgentSteam)

	var itadClient *itad.Client
	if len(args) > 0 && args[0] != "" {
		itadClient = itad.NewClient(itadRC, args[0], cfg.UserAgentItad, cfg.ItadChunkSize)
	} else {
		logger.Warn("CLI", "no API key given, building records from storefront data only")
	}

	st := newStore(cfg)
	up := updater.New(cfg, steamClient, itadClient, st, nil, regions)
	ctx := cmd.Context()

	switch {
	case flagDelete:
		removed, err := up.DeleteFromList(ctx)
		if err != nil {
			return err
		}
		logger.Section("Delete Complete")
		logger.Stats("Removed records", removed)
		return nil
	case flagResetPrices:
		updated, err := up.ResetPrices(ctx)
		if err != nil {
			return err
		}
		logger.Section("Reset Prices Complete")
		logger.Stats("Updated records", updated)
		return nil
	}

	cache, err := db.Open(cfg.DataDir)
	if err != nil {
		logger.Warn("CLI", fmt.Sprintf("app-index cache unavailable: %v", err))
	} else {
		defer cache.Close()
	}
	res := resolver.New(cfg, steamClient, itadClient, cache)
	up = updater.New(cfg, steamClient, itadClient, st, res, regions)

	result, err := up.Run(ctx, flagAppend)
	if err != nil {
		return err
	}
	updater.PrintMappingReport(result.Mapping)
	updater.PrintResult(result)

	outcome, err := up.Persist(ctx, result)
	if err != nil {
		return err
	}
	updater.PrintOutcome(result, outcome)

	steamRC.PrintStats()
	itadRC.PrintStats()
	return nil
}
