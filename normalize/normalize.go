// Package normalize maps source-specific raw listings into the canonical
// schema. It owns every unit and format conversion: Swiss franc price text,
// Swiss-German date formats, relative availability phrases, and address
// cleanup into a geocodable string.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"wg-radar/pkg/listing"
)

// FieldError reports a mandatory field that is absent or unparsable. The
// affected listing is dropped; the batch continues.
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("normalize: field %q invalid (%s): %q", e.Field, e.Reason, e.Value)
}

// IsFieldError checks if an error is a FieldError.
func IsFieldError(err error) bool {
	var fe *FieldError
	return errors.As(err, &fe)
}

var (
	priceRegex      = regexp.MustCompile(`(\d{1,3}(?:[',\x{2019}]\d{3})*(?:\.\d{1,2})?)`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

// Swiss sites write dates as 01.08.2026, occasionally without zero padding.
var dateLayouts = []string{"02.01.2006", "2.1.2006", "2006-01-02"}

// Relative availability phrases meaning "available now".
var immediatePhrases = []string{"ab sofort", "sofort", "per sofort", "immediately"}

// Phrases meaning the date is open-ended; not an error, just unknown.
var openEndedPhrases = []string{"nach vereinbarung", "auf anfrage", "unbefristet", "open"}

// Listing converts one raw listing into the canonical schema. Relative dates
// are resolved against now, which callers fix once per run so a batch
// normalizes deterministically. Mandatory fields are price, address and URL.
func Listing(raw listing.Raw, now time.Time) (*listing.Listing, error) {
	if raw.SourceID == "" {
		return nil, &FieldError{Field: "source_id", Reason: "missing"}
	}
	if raw.URL == "" {
		return nil, &FieldError{Field: "url", Reason: "missing"}
	}

	price, err := Price(raw.RawPrice)
	if err != nil {
		return nil, err
	}

	address := Address(raw.RawAddress)
	if address == "" {
		return nil, &FieldError{Field: "address", Reason: "missing", Value: raw.RawAddress}
	}

	availableFrom, err := Date(raw.RawAvailable, now)
	if err != nil {
		// Availability is optional; an unparsable phrase degrades to unknown.
		availableFrom = nil
	}
	postedAt, err := Date(raw.RawPostedAt, now)
	if err != nil {
		postedAt = nil
	}

	l := &listing.Listing{
		ID:            listing.ID(raw.Source, raw.SourceID),
		Source:        raw.Source,
		SourceID:      raw.SourceID,
		Title:         strings.TrimSpace(raw.Title),
		PriceCHF:      price,
		Address:       address,
		URL:           raw.URL,
		Description:   strings.TrimSpace(raw.Description),
		ContactEmail:  strings.TrimSpace(raw.ContactEmail),
		ImageURLs:     raw.ImageURLs,
		AvailableFrom: availableFrom,
		PostedAt:      postedAt,
	}
	if raw.Coordinates != nil {
		l.Coordinates = listing.NewCoordinates(raw.Coordinates.Latitude, raw.Coordinates.Longitude)
	}
	return l, nil
}

// Price parses Swiss franc price text such as "CHF 650.–", "Fr. 1'200.- /
// Monat" or "650" into a numeric amount.
func Price(s string) (float64, error) {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return 0, &FieldError{Field: "price", Reason: "missing"}
	}

	match := priceRegex.FindString(cleaned)
	if match == "" {
		return 0, &FieldError{Field: "price", Reason: "no numeric amount", Value: s}
	}

	// Thousands separators: apostrophe, right single quote, comma.
	match = strings.NewReplacer("'", "", "’", "", ",", "").Replace(match)
	price, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, &FieldError{Field: "price", Reason: "unparsable amount", Value: s}
	}
	if price <= 0 {
		return 0, &FieldError{Field: "price", Reason: "non-positive amount", Value: s}
	}
	return price, nil
}

// Date parses date text against the reference clock. "ab sofort" resolves to
// today; open-ended phrases and empty text resolve to nil without error.
func Date(s string, now time.Time) (*time.Time, error) {
	cleaned := strings.ToLower(strings.TrimSpace(s))
	if cleaned == "" {
		return nil, nil
	}

	for _, phrase := range immediatePhrases {
		if cleaned == phrase {
			// Midnight in the reference clock's zone, not on UTC day
			// boundaries.
			today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
			return &today, nil
		}
	}
	for _, phrase := range openEndedPhrases {
		if cleaned == phrase {
			return nil, nil
		}
	}

	// Sites prefix dates with "ab" or "frei ab".
	cleaned = strings.TrimPrefix(cleaned, "frei ab")
	cleaned = strings.TrimPrefix(cleaned, "ab")
	cleaned = strings.TrimSpace(cleaned)

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return &t, nil
		}
	}
	return nil, &FieldError{Field: "date", Reason: "unrecognized format", Value: s}
}

// Address collapses whitespace and strips decoration so the text is usable as
// a geocoder query.
func Address(s string) string {
	cleaned := whitespaceRegex.ReplaceAllString(s, " ")
	cleaned = strings.Trim(cleaned, " ,;-")
	return cleaned
}
