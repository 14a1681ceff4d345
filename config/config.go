// Package config loads runtime configuration from the environment and an
// optional YAML search profile.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Defaults target a Zürich room search with arrival at ETH Zentrum.
const (
	defaultPort           = "8080"
	defaultLocalPath      = "./data"
	defaultAdapterTimeout = 5 * time.Minute
	defaultConcurrency    = 4

	defaultDestinationLat = 47.3763
	defaultDestinationLon = 8.5477
	defaultRegion         = "Zürich"
)

// SourceProfile configures one source adapter.
type SourceProfile struct {
	Enabled  bool   `yaml:"enabled"`
	Region   string `yaml:"region"`
	MinPrice int    `yaml:"min_price"`
	MaxPrice int    `yaml:"max_price"`
}

// Profile is the YAML search profile.
type Profile struct {
	Sources     map[string]SourceProfile `yaml:"sources"`
	Region      string                   `yaml:"region"`
	Destination struct {
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
	} `yaml:"destination"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Profile Profile

	Port            string
	Bucket          string
	LocalPath       string
	LocationIQKey   string
	RouteServiceKey string
	ChromeBin       string

	RefreshInterval   time.Duration
	AdapterTimeout    time.Duration
	EnrichConcurrency int

	Headless bool
}

// Load resolves configuration. A .env file is applied first when present,
// then the environment, then the optional profile named by SOURCES_FILE.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:            envOr("PORT", defaultPort),
		Bucket:          os.Getenv("STORAGE_BUCKET"),
		LocalPath:       envOr("LOCAL_STORAGE", defaultLocalPath),
		LocationIQKey:   os.Getenv("LOCATIONIQ_API_KEY"),
		RouteServiceKey: os.Getenv("OPENROUTESERVICE_API_KEY"),
		ChromeBin:       os.Getenv("CHROME_BIN"),
		AdapterTimeout:  defaultAdapterTimeout,
		Headless:        envOr("CHROME_HEADLESS", "true") != "false",
		EnrichConcurrency: defaultConcurrency,
	}

	var err error
	if cfg.RefreshInterval, err = envDuration("REFRESH_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.AdapterTimeout, err = envDuration("ADAPTER_TIMEOUT", defaultAdapterTimeout); err != nil {
		return nil, err
	}
	if v := os.Getenv("ENRICH_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid ENRICH_CONCURRENCY %q", v)
		}
		cfg.EnrichConcurrency = n
	}

	cfg.Profile = defaultProfile()
	if path := os.Getenv("SOURCES_FILE"); path != "" {
		if err := loadProfile(path, &cfg.Profile); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// SourceFor returns the profile for a source name, enabled by default.
func (c *Config) SourceFor(name string) SourceProfile {
	if p, ok := c.Profile.Sources[name]; ok {
		return p
	}
	return SourceProfile{Enabled: true}
}

func defaultProfile() Profile {
	p := Profile{Region: defaultRegion}
	p.Destination.Latitude = defaultDestinationLat
	p.Destination.Longitude = defaultDestinationLon
	return p
}

func loadProfile(path string, p *Profile) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("read sources file: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return fmt.Errorf("parse sources file %s: %w", path, err)
	}
	if p.Region == "" {
		p.Region = defaultRegion
	}
	if p.Destination.Latitude == 0 && p.Destination.Longitude == 0 {
		p.Destination.Latitude = defaultDestinationLat
		p.Destination.Longitude = defaultDestinationLon
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
