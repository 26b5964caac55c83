package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "batch_threshold: 500\nsteam_limits:\n  target_rps: 1.5\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchThreshold != 500 {
		t.Errorf("batch threshold = %d", cfg.BatchThreshold)
	}
	if cfg.SteamLimits.TargetRPS != 1.5 {
		t.Errorf("target rps = %v", cfg.SteamLimits.TargetRPS)
	}
	// Untouched settings keep their defaults.
	if cfg.ItadChunkSize != 200 || cfg.ScoreAutoAccept != 80 {
		t.Errorf("defaults clobbered: %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BatchThreshold != Default().BatchThreshold {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestResolveRegions(t *testing.T) {
	regions, err := ResolveRegions(nil)
	if err != nil || len(regions) != len(DefaultRegions) {
		t.Fatalf("default regions = %+v, %v", regions, err)
	}

	regions, err = ResolveRegions([]string{"UK", "EU"})
	if err != nil {
		t.Fatal(err)
	}
	if regions[0].ItadCountry != "GB" || regions[1].SteamCC != "de" {
		t.Errorf("regions = %+v", regions)
	}

	if _, err := ResolveRegions([]string{"XX"}); err == nil {
		t.Error("unknown code must fail")
	}
}
