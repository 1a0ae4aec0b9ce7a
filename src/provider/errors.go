package provider

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrProviderUnknown = errors.New("unknown CI provider")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrNotFound        = errors.New("repository or build not found")
	ErrRateLimited     = errors.New("rate limited")
)

// StatusError is a provider API failure carrying the HTTP status and response
// body for diagnostics.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// Unwrap maps well-known statuses onto the package sentinels so callers can
// use errors.Is without inspecting status codes.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case 401, 403:
		return ErrAuthFailed
	case 404:
		return ErrNotFound
	case 429:
		return ErrRateLimited
	}
	return nil
}

// Transient reports whether the error is worth retrying: rate limits, server
// errors, and network-level failures. Auth failures and missing repositories
// are permanent and surface immediately.
func Transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == 429 || se.Status >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}
