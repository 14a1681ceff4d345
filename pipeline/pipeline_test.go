package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wg-radar/pkg/listing"
	"wg-radar/source"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }

type fakeAdapter struct {
	err   error
	block chan struct{} // when set, Fetch waits for a close
	name  listing.Source
	raws  []listing.Raw
}

func (f *fakeAdapter) Name() listing.Source { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context) ([]listing.Raw, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.raws, f.err
}

type memStore struct {
	mu       sync.Mutex
	snap     *listing.Snapshot
	reports  []*listing.RunReport
	loadErr  error
	saveErr  error
	replaces atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{snap: listing.NewSnapshot()}
}

func (m *memStore) Load(context.Context) (*listing.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.snap.Clone(), nil
}

func (m *memStore) Replace(_ context.Context, snap *listing.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaces.Add(1)
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snap = snap.Clone()
	return nil
}

func (m *memStore) SaveReport(_ context.Context, report *listing.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return nil
}

func rawFor(src listing.Source, id, price string) listing.Raw {
	return listing.Raw{
		Source:     src,
		SourceID:   id,
		URL:        "https://example.com/" + id,
		Title:      "Zimmer " + id,
		RawPrice:   price,
		RawAddress: "Musterweg " + id,
	}
}

func TestRefreshHappyPath(t *testing.T) {
	st := newMemStore()
	pipe := New([]source.Adapter{
		&fakeAdapter{name: listing.SourceWoko, raws: []listing.Raw{rawFor(listing.SourceWoko, "1", "650")}},
		&fakeAdapter{name: listing.SourceStudents, raws: []listing.Raw{rawFor(listing.SourceStudents, "2", "720")}},
	}, nil, st, time.Minute, testLogger())

	report, err := pipe.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh(): %v", err)
	}
	if !report.Committed {
		t.Error("report not marked committed")
	}
	if report.New != 2 || report.Total != 2 {
		t.Errorf("report = %+v, want New=2 Total=2", report)
	}
	if len(report.Sources) != 2 {
		t.Errorf("source outcomes = %d, want 2", len(report.Sources))
	}
	if got := len(st.snap.Listings); got != 2 {
		t.Errorf("persisted %d listings, want 2", got)
	}
	if pipe.LastReport() != report {
		t.Error("LastReport() does not return the latest report")
	}
	if len(st.reports) != 1 {
		t.Errorf("saved %d reports, want 1", len(st.reports))
	}
}

// TestRefreshPartialSourceFailure: one source failing must not block the
// others from committing, and the failure shows up in the outcome list.
func TestRefreshPartialSourceFailure(t *testing.T) {
	st := newMemStore()
	pipe := New([]source.Adapter{
		&fakeAdapter{name: listing.SourceWoko, raws: []listing.Raw{rawFor(listing.SourceWoko, "1", "650")}},
		&fakeAdapter{name: listing.SourceWGZimmer, err: &source.UnavailableError{
			Source: listing.SourceWGZimmer, Reason: "challenge not bypassed",
		}},
	}, nil, st, time.Minute, testLogger())

	report, err := pipe.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh(): %v", err)
	}
	if !report.Committed {
		t.Error("partial failure must still commit")
	}
	if report.New != 1 {
		t.Errorf("report.New = %d, want 1", report.New)
	}

	var failedOutcome *listing.SourceOutcome
	for i := range report.Sources {
		if report.Sources[i].Source == listing.SourceWGZimmer {
			failedOutcome = &report.Sources[i]
		}
	}
	if failedOutcome == nil || failedOutcome.Error == "" {
		t.Errorf("failed source outcome missing or empty: %+v", report.Sources)
	}
}

// TestRefreshAllSourcesFailed: even with every source down the run commits,
// carrying the whole previous snapshot forward and recording the failures
// per source.
func TestRefreshAllSourcesFailed(t *testing.T) {
	st := newMemStore()
	st.snap.Listings["woko.ch:1"] = &listing.Listing{ID: "woko.ch:1", PriceCHF: 650}

	pipe := New([]source.Adapter{
		&fakeAdapter{name: listing.SourceWoko, err: errors.New("boom")},
	}, nil, st, time.Minute, testLogger())

	report, err := pipe.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() = %v, source failures must not fail the run", err)
	}
	if !report.Committed {
		t.Error("report not committed despite total source failure")
	}
	if report.Carried != 1 {
		t.Errorf("report.Carried = %d, want 1", report.Carried)
	}
	if st.replaces.Load() != 1 {
		t.Errorf("Replace called %d times, want 1", st.replaces.Load())
	}
	if got := st.snap.Listings["woko.ch:1"]; got == nil || got.PriceCHF != 650 {
		t.Errorf("previous listing not carried forward: %+v", got)
	}
	if len(report.Sources) != 1 || report.Sources[0].Error == "" {
		t.Errorf("source outcome missing failure: %+v", report.Sources)
	}
}

// TestRefreshConcurrent: a second refresh while one is running gets
// ErrRefreshInProgress and exactly one commit happens.
func TestRefreshConcurrent(t *testing.T) {
	block := make(chan struct{})
	st := newMemStore()
	pipe := New([]source.Adapter{
		&fakeAdapter{
			name:  listing.SourceWoko,
			raws:  []listing.Raw{rawFor(listing.SourceWoko, "1", "650")},
			block: block,
		},
	}, nil, st, time.Minute, testLogger())

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := pipe.Refresh(context.Background())
		done <- err
	}()

	<-started
	// Let the first refresh take the lock.
	var concurrentErr error
	for range 100 {
		_, concurrentErr = pipe.Refresh(context.Background())
		if errors.Is(concurrentErr, ErrRefreshInProgress) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(concurrentErr, ErrRefreshInProgress) {
		t.Fatalf("concurrent refresh error = %v, want ErrRefreshInProgress", concurrentErr)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	if st.replaces.Load() != 1 {
		t.Errorf("Replace called %d times, want exactly 1", st.replaces.Load())
	}
}

// TestRefreshEmptyBatchStillCommits: sources that succeed with zero listings
// produce a valid commit (the carried-forward snapshot).
func TestRefreshEmptyBatchStillCommits(t *testing.T) {
	st := newMemStore()
	st.snap.Listings["woko.ch:1"] = &listing.Listing{ID: "woko.ch:1", PriceCHF: 650}

	pipe := New([]source.Adapter{
		&fakeAdapter{name: listing.SourceWoko},
	}, nil, st, time.Minute, testLogger())

	report, err := pipe.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh(): %v", err)
	}
	if !report.Committed {
		t.Error("empty batch must still commit")
	}
	if report.Carried != 1 || report.Total != 1 {
		t.Errorf("report = %+v, want Carried=1 Total=1", report)
	}
}

func TestRefreshCommitFailure(t *testing.T) {
	st := newMemStore()
	st.saveErr = errors.New("bucket unavailable")

	pipe := New([]source.Adapter{
		&fakeAdapter{name: listing.SourceWoko, raws: []listing.Raw{rawFor(listing.SourceWoko, "1", "650")}},
	}, nil, st, time.Minute, testLogger())

	report, err := pipe.Refresh(context.Background())
	if err == nil {
		t.Fatal("Refresh() succeeded despite commit failure")
	}
	if report.Committed {
		t.Error("report marked committed despite store failure")
	}
}

// TestRefreshDropsBadListings: unnormalizable raws are counted, the rest of
// the batch goes through.
func TestRefreshDropsBadListings(t *testing.T) {
	st := newMemStore()
	bad := rawFor(listing.SourceWoko, "2", "")
	pipe := New([]source.Adapter{
		&fakeAdapter{name: listing.SourceWoko, raws: []listing.Raw{
			rawFor(listing.SourceWoko, "1", "650"),
			bad,
		}},
	}, nil, st, time.Minute, testLogger())

	report, err := pipe.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh(): %v", err)
	}
	if report.Dropped != 1 || report.New != 1 {
		t.Errorf("report = %+v, want Dropped=1 New=1", report)
	}
}

type countingEnricher struct {
	enriched atomic.Int32
}

func (c *countingEnricher) EnrichAll(_ context.Context, batch []*listing.Listing) {
	for range batch {
		c.enriched.Add(1)
	}
}

// TestRefreshSeedsCachedEnrichment verifies a previously enriched listing
// reaches the enricher with its coordinates already present.
func TestRefreshSeedsCachedEnrichment(t *testing.T) {
	st := newMemStore()
	st.snap.Listings["woko.ch:1"] = &listing.Listing{
		ID:          "woko.ch:1",
		Coordinates: listing.NewCoordinates(47.39, 8.54),
		Commute:     &listing.Commute{DurationMin: 10, DistanceKm: 3},
	}

	pipe := New([]source.Adapter{
		&fakeAdapter{name: listing.SourceWoko, raws: []listing.Raw{rawFor(listing.SourceWoko, "1", "700")}},
	}, &countingEnricher{}, st, time.Minute, testLogger())

	if _, err := pipe.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh(): %v", err)
	}

	got := st.snap.Listings["woko.ch:1"]
	if got.Coordinates == nil || got.Coordinates.Latitude != 47.39 {
		t.Errorf("cached coordinates lost through refresh: %+v", got.Coordinates)
	}
	if got.Commute == nil || got.Commute.DurationMin != 10 {
		t.Errorf("cached commute lost through refresh: %+v", got.Commute)
	}
	if got.PriceCHF != 700 {
		t.Errorf("price not refreshed: %v", got.PriceCHF)
	}
}

func TestSetFlags(t *testing.T) {
	st := newMemStore()
	st.snap.Listings["woko.ch:1"] = &listing.Listing{ID: "woko.ch:1"}

	pipe := New(nil, nil, st, time.Minute, testLogger())
	ctx := context.Background()

	l, err := pipe.SetSeen(ctx, "woko.ch:1", true)
	if err != nil {
		t.Fatalf("SetSeen(): %v", err)
	}
	if !l.Seen {
		t.Error("SetSeen did not set the flag")
	}
	if !st.snap.Listings["woko.ch:1"].Seen {
		t.Error("seen flag not persisted")
	}

	l, err = pipe.SetBookmarked(ctx, "woko.ch:1", true)
	if err != nil {
		t.Fatalf("SetBookmarked(): %v", err)
	}
	if !l.Bookmarked {
		t.Error("SetBookmarked did not set the flag")
	}

	if _, err := pipe.SetSeen(ctx, "nope:0", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown ID error = %v, want ErrNotFound", err)
	}
}
