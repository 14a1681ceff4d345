package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"wg-radar/pkg/listing"
)

const defaultGeocodeURL = "https://us1.locationiq.com/v1/search.php"

// LocationIQ geocodes addresses through the LocationIQ search API.
type LocationIQ struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	apiKey  string
	region  string // appended to queries to anchor ambiguous street names
}

// NewLocationIQ creates a geocoder. baseURL may be empty for the public
// endpoint; region is appended to every query (e.g. "Zürich, Switzerland").
func NewLocationIQ(client *http.Client, apiKey, baseURL, region string, logger *slog.Logger) *LocationIQ {
	if baseURL == "" {
		baseURL = defaultGeocodeURL
	}
	return &LocationIQ{
		client:  client,
		logger:  logger,
		baseURL: baseURL,
		apiKey:  apiKey,
		region:  region,
	}
}

// Geocode resolves an address to coordinates. An empty result set maps to
// ErrNotFound; HTTP 429 maps to RateLimitError.
func (g *LocationIQ) Geocode(ctx context.Context, address string) (*listing.Coordinates, error) {
	query := address
	if g.region != "" {
		query += ", " + g.region
	}

	params := url.Values{}
	params.Set("key", g.apiKey)
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	startTime := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			g.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	g.logger.Debug("Geocode request completed",
		"query", query,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(startTime).Milliseconds())

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Provider: "locationiq"}
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("geocode provider: HTTP %d", resp.StatusCode)
	}

	// LocationIQ returns lat/lon as strings.
	var results []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("parse latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("parse longitude %q: %w", results[0].Lon, err)
	}

	return listing.NewCoordinates(lat, lon), nil
}
