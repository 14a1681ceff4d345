// Package pipeline orchestrates a full acquisition run: fetch from every
// source, normalize, enrich, reconcile against the previous snapshot, and
// commit the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"wg-radar/normalize"
	"wg-radar/pkg/listing"
	"wg-radar/reconcile"
	"wg-radar/source"
)

// ErrRefreshInProgress is returned when a refresh is requested while another
// run holds the pipeline.
var ErrRefreshInProgress = errors.New("refresh already in progress")

// ErrNotFound is returned by flag mutations for unknown listing IDs.
var ErrNotFound = errors.New("listing not found")

// Store persists snapshots and run reports.
type Store interface {
	Load(ctx context.Context) (*listing.Snapshot, error)
	Replace(ctx context.Context, snap *listing.Snapshot) error
	SaveReport(ctx context.Context, report *listing.RunReport) error
}

// Enricher fills in coordinates and commute data for a batch.
type Enricher interface {
	EnrichAll(ctx context.Context, batch []*listing.Listing)
}

// Pipeline runs acquisition cycles. At most one run executes at a time;
// flag mutations share the same lock so they never race a commit.
type Pipeline struct {
	store          Store
	enricher       Enricher
	logger         *slog.Logger
	lastReport     *listing.RunReport
	adapters       []source.Adapter
	adapterTimeout time.Duration
	mu             sync.Mutex
	reportMu       sync.Mutex
}

// New creates a pipeline over the given adapters.
func New(adapters []source.Adapter, enricher Enricher, store Store, adapterTimeout time.Duration, logger *slog.Logger) *Pipeline {
	if adapterTimeout <= 0 {
		adapterTimeout = 5 * time.Minute
	}
	return &Pipeline{
		adapters:       adapters,
		enricher:       enricher,
		store:          store,
		adapterTimeout: adapterTimeout,
		logger:         logger,
	}
}

// Refresh executes one full acquisition run and returns its report. If a run
// is already active it returns ErrRefreshInProgress immediately.
func (p *Pipeline) Refresh(ctx context.Context) (*listing.RunReport, error) {
	if !p.mu.TryLock() {
		return nil, ErrRefreshInProgress
	}
	defer p.mu.Unlock()

	report := p.run(ctx)

	p.reportMu.Lock()
	p.lastReport = report
	p.reportMu.Unlock()

	// Reports are diagnostics; a failed save never fails the run.
	if err := p.store.SaveReport(ctx, report); err != nil {
		p.logger.Warn("Failed to save run report", "run_id", report.ID, "error", err)
	}

	if report.Error != "" {
		return report, errors.New(report.Error)
	}
	return report, nil
}

// LastReport returns the most recent run report, or nil before the first run.
func (p *Pipeline) LastReport() *listing.RunReport {
	p.reportMu.Lock()
	defer p.reportMu.Unlock()
	return p.lastReport
}

func (p *Pipeline) run(ctx context.Context) *listing.RunReport {
	now := time.Now()
	report := &listing.RunReport{
		ID:        uuid.New().String(),
		StartedAt: now,
	}
	logger := p.logger.With("run_id", report.ID)
	logger.Info("Refresh started", "sources", len(p.adapters))

	defer func() {
		report.FinishedAt = time.Now()
		logger.Info("Refresh finished",
			"committed", report.Committed,
			"new", report.New,
			"updated", report.Updated,
			"carried", report.Carried,
			"dropped", report.Dropped,
			"total", report.Total,
			"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	}()

	prev, err := p.store.Load(ctx)
	if err != nil {
		report.Error = fmt.Sprintf("load snapshot: %v", err)
		logger.Error("Failed to load previous snapshot", "error", err)
		return report
	}

	logger.Info("Fetching from sources")
	raws, outcomes := p.fetchAll(ctx, logger)
	report.Sources = outcomes

	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
	}
	if failed == len(p.adapters) && len(p.adapters) > 0 {
		// Source failures are recorded per source, never fatal. The merge
		// carries every existing listing forward, so committing an empty
		// batch is safe.
		logger.Warn("All sources failed, committing carried-forward snapshot")
	}

	logger.Info("Normalizing", "raw_count", len(raws))
	batch, dropped := p.normalizeAll(raws, now, logger)
	report.Dropped = dropped

	// Enrichment is expensive; anything the previous snapshot already knows
	// is reused instead of re-queried.
	p.seedFromPrevious(prev, batch)

	logger.Info("Enriching", "batch_count", len(batch))
	if p.enricher != nil {
		p.enricher.EnrichAll(ctx, batch)
	}

	logger.Info("Reconciling", "previous_total", len(prev.Listings))
	next, stats := reconcile.Merge(prev, batch, now)
	report.New = stats.New
	report.Updated = stats.Updated
	report.Carried = stats.Carried
	report.Total = len(next.Listings)

	logger.Info("Committing", "total", report.Total)
	if err := p.store.Replace(ctx, next); err != nil {
		report.Error = fmt.Sprintf("commit snapshot: %v", err)
		logger.Error("Failed to commit snapshot", "error", err)
		return report
	}
	report.Committed = true

	return report
}

// fetchAll runs every adapter concurrently, each under its own timeout, and
// gathers the raw listings alongside per-source outcomes.
func (p *Pipeline) fetchAll(ctx context.Context, logger *slog.Logger) ([]listing.Raw, []listing.SourceOutcome) {
	type result struct {
		err    error
		source listing.Source
		raws   []listing.Raw
	}

	results := make(chan result, len(p.adapters))
	var wg sync.WaitGroup
	for _, adapter := range p.adapters {
		wg.Add(1)
		go func(adapter source.Adapter) {
			defer wg.Done()

			fetchCtx, cancel := context.WithTimeout(ctx, p.adapterTimeout)
			defer cancel()

			start := time.Now()
			raws, err := adapter.Fetch(fetchCtx)
			if err != nil {
				logger.Error("Source fetch failed",
					"source", adapter.Name(),
					"unavailable", source.IsUnavailable(err),
					"auth_failed", source.IsAuthFailed(err),
					"error", err)
			} else {
				logger.Info("Source fetch succeeded",
					"source", adapter.Name(),
					"count", len(raws),
					"duration", time.Since(start).Round(time.Millisecond))
			}
			results <- result{source: adapter.Name(), raws: raws, err: err}
		}(adapter)
	}
	wg.Wait()
	close(results)

	var raws []listing.Raw
	var outcomes []listing.SourceOutcome
	for r := range results {
		outcome := listing.SourceOutcome{Source: r.source, Count: len(r.raws)}
		if r.err != nil {
			outcome.Error = r.err.Error()
		}
		outcomes = append(outcomes, outcome)
		raws = append(raws, r.raws...)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Source < outcomes[j].Source })

	return raws, outcomes
}

func (p *Pipeline) normalizeAll(raws []listing.Raw, now time.Time, logger *slog.Logger) ([]*listing.Listing, int) {
	batch := make([]*listing.Listing, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		l, err := normalize.Listing(raw, now)
		if err != nil {
			dropped++
			logger.Warn("Dropping unnormalizable listing",
				"source", raw.Source,
				"source_id", raw.SourceID,
				"url", raw.URL,
				"error", err)
			continue
		}
		batch = append(batch, l)
	}
	return batch, dropped
}

// seedFromPrevious copies cached coordinates and commute data from the prior
// snapshot so only genuinely new addresses hit the geo providers.
func (p *Pipeline) seedFromPrevious(prev *listing.Snapshot, batch []*listing.Listing) {
	for _, l := range batch {
		existing, ok := prev.Listings[l.ID]
		if !ok {
			continue
		}
		if l.Coordinates == nil && existing.Coordinates != nil {
			c := *existing.Coordinates
			l.Coordinates = &c
		}
		if l.Commute == nil && existing.Commute != nil {
			c := *existing.Commute
			l.Commute = &c
		}
	}
}

// Snapshot returns the currently persisted snapshot.
func (p *Pipeline) Snapshot(ctx context.Context) (*listing.Snapshot, error) {
	return p.store.Load(ctx)
}

// SetSeen marks or unmarks a listing as seen.
func (p *Pipeline) SetSeen(ctx context.Context, id string, value bool) (*listing.Listing, error) {
	return p.setFlag(ctx, id, func(l *listing.Listing) { l.Seen = value })
}

// SetBookmarked marks or unmarks a listing as bookmarked.
func (p *Pipeline) SetBookmarked(ctx context.Context, id string, value bool) (*listing.Listing, error) {
	return p.setFlag(ctx, id, func(l *listing.Listing) { l.Bookmarked = value })
}

// setFlag loads the snapshot, mutates one listing, and commits. It blocks on
// the pipeline lock so the write never interleaves with a refresh commit.
func (p *Pipeline) setFlag(ctx context.Context, id string, mutate func(*listing.Listing)) (*listing.Listing, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, err := p.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	l, ok := snap.Listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	mutate(l)
	snap.UpdatedAt = time.Now()

	if err := p.store.Replace(ctx, snap); err != nil {
		return nil, fmt.Errorf("commit snapshot: %w", err)
	}
	return l, nil
}
