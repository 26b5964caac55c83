package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Region describes one storefront/price-history region pairing.
type Region struct {
	Code        string `yaml:"code"`
	SteamCC     string `yaml:"steam_cc"`
	ItadCountry string `yaml:"itad_country"`
	Currency    string `yaml:"currency"`
}

// HostLimits holds the rate-controller settings for one upstream host.
type HostLimits struct {
	TargetRPS          float64       `yaml:"target_rps"`
	Window             time.Duration `yaml:"window"`
	WindowLimit        int           `yaml:"window_limit"`
	InitialConcurrency int           `yaml:"initial_concurrency"`
	WarmupRequests     int           `yaml:"warmup_requests"`
	EWMAAlpha          float64       `yaml:"ewma_alpha"`
}

// Config holds all application settings. It is constructed once at startup
// and treated as immutable afterwards.
type Config struct {
	// Upstream rate limits.
	SteamLimits HostLimits `yaml:"steam_limits"`
	ItadLimits  HostLimits `yaml:"itad_limits"`

	// Title filtering for the resolver.
	ExcludeKeywords []string `yaml:"exclude_keywords"`
	KeepEditions    []string `yaml:"keep_editions"`

	// Matching score thresholds.
	ScoreExactMatch      int `yaml:"score_exact_match"`
	ScorePartialBase     int `yaml:"score_partial_base"`
	ScoreSimilarityScale int `yaml:"score_similarity_scale"`
	ScoreAutoAccept      int `yaml:"score_auto_accept"`
	ScoreCandidate       int `yaml:"score_candidate"`

	// Batch processing.
	BatchThreshold     int    `yaml:"batch_threshold"`
	CheckpointInterval int    `yaml:"checkpoint_interval"`
	ItadChunkSize      int    `yaml:"itad_chunk_size"`
	DataDir            string `yaml:"data_dir"`

	UserAgentSteam string `yaml:"user_agent_steam"`
	UserAgentItad  string `yaml:"user_agent_itad"`
}

// Regions is the fixed region table shared by the Steam and ITAD clients.
var Regions = map[string]Region{
	"JP": {Code: "JP", SteamCC: "jp", ItadCountry: "JP", Currency: "JPY"},
	"US": {Code: "US", SteamCC: "us", ItadCountry: "US", Currency: "USD"},
	"UK": {Code: "UK", SteamCC: "uk", ItadCountry: "GB", Currency: "GBP"},
	"EU": {Code: "EU", SteamCC: "de", ItadCountry: "DE", Currency: "EUR"},
}

// DefaultRegions are fetched when --regions is not given.
var DefaultRegions = []string{"JP", "US"}

// Default returns a Config with the production settings.
func Default() *Config {
	return &Config{
		SteamLimits: HostLimits{
			TargetRPS:          0.67,
			Window:             300 * time.Second,
			WindowLimit:        200,
			InitialConcurrency: 5,
			WarmupRequests:     20,
			EWMAAlpha:          0.2,
		},
		ItadLimits: HostLimits{
			TargetRPS:          1.0,
			Window:             60 * time.Second,
			WindowLimit:        100,
			InitialConcurrency: 5,
			WarmupRequests:     20,
			EWMAAlpha:          0.2,
		},
		ExcludeKeywords: []string{
			"Soundtrack", "OST", "Original Soundtrack", "Music",
			"Demo", "Playtest", "Beta", "Test",
			"DLC", "Expansion", "Season Pass", "Content Pack",
			"Artbook", "Digital Art", "Art Book",
			"Soundtrack Edition", "Deluxe Edition", "Ultimate Edition",
			"Prologue", "Epilogue", "Prequel",
		},
		KeepEditions: []string{
			"Complete Edition", "Definitive Edition", "GOTY",
			"Game of the Year", "Remastered", "Enhanced Edition",
			"Director's Cut", "Special Edition",
		},
		ScoreExactMatch:      100,
		ScorePartialBase:     90,
		ScoreSimilarityScale: 80,
		ScoreAutoAccept:      80,
		ScoreCandidate:       60,
		BatchThreshold:       1000,
		CheckpointInterval:   1000,
		ItadChunkSize:        200,
		DataDir:              "data",
		UserAgentSteam:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		UserAgentItad:        "Mozilla/5.0",
	}
}

// Load returns the default config overlaid with settings from a YAML file.
// A missing file returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ResolveRegions validates a list of region codes against the region table.
func ResolveRegions(codes []string) ([]Region, error) {
	if len(codes) == 0 {
		codes = DefaultRegions
	}
	out := make([]Region, 0, len(codes))
	for _, c := range codes {
		r, ok := Regions[c]
		if !ok {
			return nil, fmt.Errorf("unknown region: %s", c)
		}
		out = append(out, r)
	}
	return out, nil
}
