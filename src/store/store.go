// Package store defines the interface for persistent build record storage.
package store

import (
	"context"
	"fmt"

	"github.com/ajaymathur/build-stats/src/contracts"
)

// Store persists build records per repository. Records are merged by build
// number with last-write-wins semantics; readers always observe an ascending,
// deduplicated sequence.
type Store interface {
	// HighWaterMark returns the highest cached build number. ok is false
	// when the repository has no cached history yet.
	HighWaterMark(ctx context.Context, repo contracts.Repo) (number int, ok bool, err error)

	// Append merges records into the repository's snapshot by build number,
	// replacing any existing record with the same number. The write is
	// atomic: a crash mid-append never leaves an unreadable snapshot.
	Append(ctx context.Context, repo contracts.Repo, records []contracts.Record) error

	// ReadAll returns every cached record, ascending by build number.
	ReadAll(ctx context.Context, repo contracts.Repo) ([]contracts.Record, error)

	// Delete removes all persisted state for the repository. Deleting an
	// absent repository is not an error.
	Delete(ctx context.Context, repo contracts.Repo) error

	// Location describes where the repository's records live. It performs
	// no I/O and is for diagnostics only.
	Location(repo contracts.Repo) string

	// Close releases any resources held by the store.
	Close() error
}

// CorruptError reports a snapshot that exists but cannot be read. It is a
// distinct condition from "no history yet" so callers never mistake a damaged
// cache for an empty one.
type CorruptError struct {
	Location string
	Err      error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt build cache at %s: %v", e.Location, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}
