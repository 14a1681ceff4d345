// Package source defines the adapter contract every listings site implements
// and the error taxonomy the pipeline uses for per-source failure isolation.
package source

import (
	"context"
	"errors"
	"fmt"

	"wg-radar/pkg/listing"
)

// Adapter translates one external site into raw listings. Implementations run
// fully independently of each other; a failing adapter never aborts a run.
// Returning zero listings with a nil error is a valid result.
type Adapter interface {
	Name() listing.Source
	Fetch(ctx context.Context) ([]listing.Raw, error)
}

// UnavailableError indicates a source could not be fetched this run: network
// failure, unparsable response, or an anti-automation challenge that could not
// be bypassed within the attempt budget.
type UnavailableError struct {
	Err    error
	Source listing.Source
	Reason string
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s unavailable: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("source %s unavailable: %s", e.Source, e.Reason)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable checks if an error is an UnavailableError.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}

// AuthError indicates the source rejected our session outright, as opposed to
// a challenge we failed to get past.
type AuthError struct {
	Err    error
	Source listing.Source
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("source %s rejected session: %v", e.Source, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthFailed checks if an error is an AuthError.
func IsAuthFailed(err error) bool {
	var auth *AuthError
	return errors.As(err, &auth)
}
