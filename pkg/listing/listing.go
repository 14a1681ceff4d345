// Package listing contains the core domain types for the room listing pipeline.
package listing

import (
	"time"

	"github.com/mmcloughlin/geohash"
)

// Source identifies one external listings website.
type Source string

// The sites the pipeline knows how to fetch from.
const (
	SourceWoko     Source = "woko.ch"
	SourceStudents Source = "students.ch"
	SourceWGZimmer Source = "wgzimmer.ch"
)

// ID builds the canonical listing ID from a source and the identifier the
// source itself issued. Titles and addresses change between refreshes; the
// source ID does not.
func ID(source Source, sourceID string) string {
	return string(source) + ":" + sourceID
}

// Raw is the source-specific payload an adapter extracts from one listing.
// Text fields are kept verbatim as found on the page; the normalizer owns all
// parsing. A Raw is discarded after normalization.
type Raw struct {
	FetchedAt     time.Time    // When the adapter saw this listing
	Coordinates   *Coordinates // Pre-scraped by the source, if the page embeds them
	Source        Source       // Originating site
	SourceID      string       // Stable identifier as issued by the site
	URL           string       // Absolute URL of the listing page
	Title         string       // Free-text title, may be empty
	RawPrice      string       // Price text, e.g. "CHF 650.– / Monat"
	RawAddress    string       // Address text as shown on the page
	RawAvailable  string       // Availability text, e.g. "01.08.2026" or "ab sofort"
	RawPostedAt   string       // Posting date text, e.g. "28.08.2026"
	Description   string
	ContactEmail  string
	ImageURLs     []string
}

// Coordinates is a geocoded position. The geohash is derived, kept for map
// clustering in the browsing UI.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Geohash   string  `json:"geohash,omitempty"`
}

// NewCoordinates builds Coordinates with the geohash filled in.
func NewCoordinates(lat, lon float64) *Coordinates {
	return &Coordinates{
		Latitude:  lat,
		Longitude: lon,
		Geohash:   geohash.Encode(lat, lon),
	}
}

// Commute is a routed connection from a listing to the configured destination.
type Commute struct {
	DurationMin float64 `json:"duration_min"`
	DistanceKm  float64 `json:"distance_km"`
}

// Listing is the canonical, normalized record persisted in the snapshot.
type Listing struct {
	FirstSeenAt   time.Time    `json:"first_seen_at"`            // First appearance in a reconciled batch
	LastSeenAt    time.Time    `json:"last_seen_at"`             // Most recent appearance
	AvailableFrom *time.Time   `json:"available_from,omitempty"` // Move-in date, nil if unknown
	PostedAt      *time.Time   `json:"posted_at,omitempty"`      // When the source published it
	Coordinates   *Coordinates `json:"coordinates,omitempty"`    // Filled by enrichment
	Commute       *Commute     `json:"commute,omitempty"`        // Filled by enrichment
	ID            string       `json:"id"`                       // Source + ":" + SourceID, globally unique
	Source        Source       `json:"source"`
	SourceID      string       `json:"source_id"`
	Title         string       `json:"title"`
	Address       string       `json:"address"`
	URL           string       `json:"url"`
	Description   string       `json:"description,omitempty"`
	ContactEmail  string       `json:"contact_email,omitempty"`
	ImageURLs     []string     `json:"image_urls,omitempty"`
	PriceCHF      float64      `json:"price_chf"`
	Seen          bool         `json:"seen"`       // User-owned, never reset by the pipeline
	Bookmarked    bool         `json:"bookmarked"` // User-owned, never reset by the pipeline
}

// Snapshot is the full persisted mapping of listing ID to listing. It is only
// ever replaced wholesale, never partially mutated on disk.
type Snapshot struct {
	Listings  map[string]*Listing `json:"listings"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Listings: make(map[string]*Listing)}
}

// Clone deep-copies the snapshot so callers can build the next one without
// aliasing records of the previous.
func (s *Snapshot) Clone() *Snapshot {
	next := &Snapshot{
		Listings:  make(map[string]*Listing, len(s.Listings)),
		UpdatedAt: s.UpdatedAt,
	}
	for id, l := range s.Listings {
		cp := *l
		if l.Coordinates != nil {
			c := *l.Coordinates
			cp.Coordinates = &c
		}
		if l.Commute != nil {
			c := *l.Commute
			cp.Commute = &c
		}
		if l.AvailableFrom != nil {
			t := *l.AvailableFrom
			cp.AvailableFrom = &t
		}
		if l.PostedAt != nil {
			t := *l.PostedAt
			cp.PostedAt = &t
		}
		cp.ImageURLs = append([]string(nil), l.ImageURLs...)
		next.Listings[id] = &cp
	}
	return next
}

// SourceOutcome records how one adapter fared during a run.
type SourceOutcome struct {
	Source Source `json:"source"`
	Count  int    `json:"count"`
	Error  string `json:"error,omitempty"`
}

// RunReport summarizes one pipeline run for the status banner.
type RunReport struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	ID         string          `json:"id"`
	Sources    []SourceOutcome `json:"sources"`
	Error      string          `json:"error,omitempty"`
	New        int             `json:"new"`
	Updated    int             `json:"updated"`
	Carried    int             `json:"carried"`
	Dropped    int             `json:"dropped"` // Raw listings lost to normalization errors
	Total      int             `json:"total"`   // Snapshot size after commit
	Committed  bool            `json:"committed"`
}
