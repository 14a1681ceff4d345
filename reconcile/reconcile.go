// Package reconcile merges a freshly fetched batch of listings into the
// previously persisted snapshot. The merge is deterministic and idempotent,
// preserves user-owned flags, and never drops a listing that disappeared from
// a source: the resulting snapshot is a strict superset by ID of the previous
// one.
package reconcile

import (
	"time"

	"wg-radar/pkg/listing"
)

// Stats counts what the merge did, for the run report.
type Stats struct {
	New     int // IDs not present in the previous snapshot
	Updated int // IDs present before and refreshed by the batch
	Carried int // IDs absent from the batch, carried forward unchanged
}

// Merge produces the next snapshot from the previous one and a batch of
// normalized, enriched listings. For an ID already known, the user flags and
// first-seen time are copied forward from the existing record and every other
// field is overwritten with the new values. IDs missing from the batch are
// carried forward untouched. The inputs are not mutated.
func Merge(prev *listing.Snapshot, batch []*listing.Listing, now time.Time) (*listing.Snapshot, Stats) {
	next := prev.Clone()
	next.UpdatedAt = now

	var stats Stats
	seen := make(map[string]bool, len(batch))

	for _, incoming := range batch {
		if seen[incoming.ID] {
			continue // duplicate within one batch, first occurrence wins
		}
		seen[incoming.ID] = true

		merged := *incoming
		merged.LastSeenAt = now

		if existing, ok := next.Listings[incoming.ID]; ok {
			merged.Seen = existing.Seen
			merged.Bookmarked = existing.Bookmarked
			merged.FirstSeenAt = existing.FirstSeenAt
			// Enrichment is cached across refreshes: keep coordinates and
			// commute from the store when the fresh batch lacks them.
			if merged.Coordinates == nil {
				merged.Coordinates = existing.Coordinates
			}
			if merged.Commute == nil {
				merged.Commute = existing.Commute
			}
			stats.Updated++
		} else {
			merged.Seen = false
			merged.Bookmarked = false
			merged.FirstSeenAt = now
			stats.New++
		}

		next.Listings[merged.ID] = &merged
	}

	stats.Carried = len(next.Listings) - stats.New - stats.Updated
	return next, stats
}
