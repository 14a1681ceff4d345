package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"wg-radar/pkg/listing"
)

const defaultRouteURL = "https://api.openrouteservice.org/v2/directions/cycling-regular"

// DirectionsRouter computes commutes through an openrouteservice-style
// directions API. Cycling routes are time-invariant, so the arrival time only
// documents intent here; a transit-backed Router would schedule against it.
type DirectionsRouter struct {
	client      *http.Client
	logger      *slog.Logger
	baseURL     string
	apiKey      string
	destination listing.Coordinates
}

// NewDirectionsRouter creates a router to the given fixed destination.
func NewDirectionsRouter(client *http.Client, apiKey, baseURL string, destination listing.Coordinates, logger *slog.Logger) *DirectionsRouter {
	if baseURL == "" {
		baseURL = defaultRouteURL
	}
	return &DirectionsRouter{
		client:      client,
		logger:      logger,
		baseURL:     baseURL,
		apiKey:      apiKey,
		destination: destination,
	}
}

// Route computes duration and distance from origin to the destination.
func (r *DirectionsRouter) Route(ctx context.Context, origin listing.Coordinates, _ time.Time) (*listing.Commute, error) {
	// The API wants lon/lat pairs.
	body := map[string]any{
		"coordinates": [][]float64{
			{origin.Longitude, origin.Latitude},
			{r.destination.Longitude, r.destination.Latitude},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal route request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("route request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	r.logger.Debug("Route request completed",
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(startTime).Milliseconds())

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Provider: "openrouteservice"}
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("route provider: HTTP %d", resp.StatusCode)
	}

	var result struct {
		Routes []struct {
			Summary struct {
				Distance float64 `json:"distance"` // meters
				Duration float64 `json:"duration"` // seconds
			} `json:"summary"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode route response: %w", err)
	}
	if len(result.Routes) == 0 {
		return nil, ErrNotFound
	}

	best := result.Routes[0]
	for _, route := range result.Routes[1:] {
		if route.Summary.Duration < best.Summary.Duration {
			best = route
		}
	}

	return &listing.Commute{
		DurationMin: best.Summary.Duration / 60,
		DistanceKm:  best.Summary.Distance / 1000,
	}, nil
}
