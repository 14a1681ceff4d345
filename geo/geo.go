// Package geo enriches listings with geocoded coordinates and a commute to a
// fixed destination. Enrichment is best-effort: a provider failure degrades a
// field, never the listing.
package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"wg-radar/pkg/listing"
)

// ErrNotFound means the provider had no match for the query. The field stays
// unset; this is not retried and not an error for the batch.
var ErrNotFound = errors.New("geo: no match found")

// RateLimitError indicates the provider throttled us; the call is retried
// with backoff.
type RateLimitError struct {
	Provider string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("geo: rate limited by %s", e.Provider)
}

// IsRateLimited checks if an error is a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Geocoder resolves free-text addresses to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*listing.Coordinates, error)
}

// Router computes a commute from an origin to the configured destination for
// a target arrival time.
type Router interface {
	Route(ctx context.Context, origin listing.Coordinates, arriveBy time.Time) (*listing.Commute, error)
}

const maxAttempts = 3

// Enricher fans enrichment requests out over a batch with bounded
// concurrency, respecting third-party rate limits.
type Enricher struct {
	geocoder    Geocoder
	router      Router
	logger      *slog.Logger
	arriveBy    func() time.Time
	concurrency int
}

// NewEnricher creates an enricher. arriveBy supplies the target arrival time
// for commute routing, evaluated once per listing.
func NewEnricher(geocoder Geocoder, router Router, concurrency int, arriveBy func() time.Time, logger *slog.Logger) *Enricher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Enricher{
		geocoder:    geocoder,
		router:      router,
		logger:      logger,
		arriveBy:    arriveBy,
		concurrency: concurrency,
	}
}

// EnrichAll fills in missing coordinates and commutes across the batch,
// mutating the listings in place. It never fails: each listing keeps whatever
// fields could be resolved.
func (e *Enricher) EnrichAll(ctx context.Context, batch []*listing.Listing) {
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for _, l := range batch {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(l *listing.Listing) {
			defer wg.Done()
			defer func() { <-sem }()
			e.enrich(ctx, l)
		}(l)
	}

	wg.Wait()
}

// enrich resolves missing fields for one listing. Providers may be nil when
// unconfigured; the corresponding step is skipped.
func (e *Enricher) enrich(ctx context.Context, l *listing.Listing) {
	if e.geocoder != nil && l.Coordinates == nil {
		coords, err := e.geocode(ctx, l.Address)
		switch {
		case errors.Is(err, ErrNotFound):
			e.logger.Info("Address not geocodable, proceeding without location", "id", l.ID, "address", l.Address)
		case err != nil:
			e.logger.Warn("Geocoding failed, proceeding without location", "id", l.ID, "error", err)
		default:
			l.Coordinates = coords
		}
	}

	if e.router != nil && l.Coordinates != nil && l.Commute == nil {
		commute, err := e.route(ctx, *l.Coordinates)
		switch {
		case errors.Is(err, ErrNotFound):
			e.logger.Info("No route to destination", "id", l.ID)
		case err != nil:
			e.logger.Warn("Routing failed, proceeding without commute", "id", l.ID, "error", err)
		default:
			l.Commute = commute
		}
	}
}

func (e *Enricher) geocode(ctx context.Context, address string) (*listing.Coordinates, error) {
	var coords *listing.Coordinates
	err := e.withRetry(ctx, "geocode", func() error {
		var err error
		coords, err = e.geocoder.Geocode(ctx, address)
		return err
	})
	return coords, err
}

func (e *Enricher) route(ctx context.Context, origin listing.Coordinates) (*listing.Commute, error) {
	var commute *listing.Commute
	err := e.withRetry(ctx, "route", func() error {
		var err error
		commute, err = e.router.Route(ctx, origin, e.arriveBy())
		return err
	})
	return commute, err
}

// withRetry wraps a provider call with bounded exponential backoff. NotFound
// is final; rate limiting and transient failures are retried.
func (e *Enricher) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(
		func() error {
			err := fn()
			if errors.Is(err, ErrNotFound) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(maxAttempts),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Info("Retrying enrichment call after error", "op", op, "attempt", n, "error", err)
		}),
	)
}
