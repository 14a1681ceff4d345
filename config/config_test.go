package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "STORAGE_BUCKET", "LOCAL_STORAGE", "LOCATIONIQ_API_KEY",
		"OPENROUTESERVICE_API_KEY", "CHROME_BIN", "CHROME_HEADLESS",
		"REFRESH_INTERVAL", "ADAPTER_TIMEOUT", "ENRICH_CONCURRENCY", "SOURCES_FILE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.LocalPath != "./data" {
		t.Errorf("LocalPath = %q, want ./data", cfg.LocalPath)
	}
	if cfg.Bucket != "" {
		t.Errorf("Bucket = %q, want empty", cfg.Bucket)
	}
	if !cfg.Headless {
		t.Error("Headless should default to true")
	}
	if cfg.RefreshInterval != 0 {
		t.Errorf("RefreshInterval = %v, want disabled by default", cfg.RefreshInterval)
	}
	if cfg.Profile.Region != "Zürich" {
		t.Errorf("Region = %q", cfg.Profile.Region)
	}
	if cfg.Profile.Destination.Latitude == 0 {
		t.Error("destination latitude not defaulted")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9999")
	t.Setenv("STORAGE_BUCKET", "wg-radar-prod")
	t.Setenv("REFRESH_INTERVAL", "30m")
	t.Setenv("ADAPTER_TIMEOUT", "2m")
	t.Setenv("ENRICH_CONCURRENCY", "8")
	t.Setenv("CHROME_HEADLESS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}

	if cfg.Port != "9999" || cfg.Bucket != "wg-radar-prod" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.RefreshInterval != 30*time.Minute {
		t.Errorf("RefreshInterval = %v", cfg.RefreshInterval)
	}
	if cfg.AdapterTimeout != 2*time.Minute {
		t.Errorf("AdapterTimeout = %v", cfg.AdapterTimeout)
	}
	if cfg.EnrichConcurrency != 8 {
		t.Errorf("EnrichConcurrency = %d", cfg.EnrichConcurrency)
	}
	if cfg.Headless {
		t.Error("Headless should be disabled")
	}
}

func TestLoadInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("REFRESH_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Error("Load() accepted invalid REFRESH_INTERVAL")
	}

	clearEnv(t)
	t.Setenv("ENRICH_CONCURRENCY", "0")
	if _, err := Load(); err == nil {
		t.Error("Load() accepted ENRICH_CONCURRENCY of 0")
	}
}

func TestLoadSourcesFile(t *testing.T) {
	clearEnv(t)

	profile := `
region: Zürich, Switzerland
destination:
  latitude: 47.3763
  longitude: 8.5477
sources:
  wgzimmer:
    enabled: true
    region: zurich-stadt
    min_price: 200
    max_price: 900
  woko:
    enabled: false
`
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SOURCES_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}

	wz := cfg.SourceFor("wgzimmer")
	if !wz.Enabled || wz.Region != "zurich-stadt" || wz.MaxPrice != 900 {
		t.Errorf("wgzimmer profile = %+v", wz)
	}
	if cfg.SourceFor("woko").Enabled {
		t.Error("woko should be disabled by the profile")
	}
	// Sources absent from the file stay enabled.
	if !cfg.SourceFor("studentsch").Enabled {
		t.Error("unlisted source should default to enabled")
	}
	if cfg.Profile.Region != "Zürich, Switzerland" {
		t.Errorf("Region = %q", cfg.Profile.Region)
	}
}

func TestLoadMissingSourcesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOURCES_FILE", "/nonexistent/sources.yaml")

	if _, err := Load(); err == nil {
		t.Error("Load() ignored a missing sources file")
	}
}
