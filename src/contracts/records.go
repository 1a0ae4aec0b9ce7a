// Package contracts defines the canonical types shared across the build-stats
// pipeline: the repository identity, the build record shape that every provider
// normalizes into, and the result vocabulary.
package contracts

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrInvalidRepo      = errors.New("invalid repository identity")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Result is a build outcome. Known values are normalized by the provider
// adapters; anything the provider reports outside this vocabulary is passed
// through verbatim.
type Result string

const (
	ResultSuccessful Result = "SUCCESSFUL"
	ResultFailed     Result = "FAILED"
	ResultErrored    Result = "ERRORED"
	ResultCanceled   Result = "CANCELED"
	ResultRunning    Result = "RUNNING"
	ResultPending    Result = "PENDING"
)

// Terminal reports whether the result describes a finished build.
// Unknown provider-specific values are treated as terminal; only the
// in-progress markers (and an empty result) are not.
func (r Result) Terminal() bool {
	switch r {
	case "", ResultRunning, ResultPending, "QUEUED", "IN_PROGRESS":
		return false
	}
	return true
}

// Record is one CI run, normalized to the shape the cache and the aggregation
// engine consume. Number is strictly increasing per repository and is the
// dedup key; FinishedAt is zero while the build is still running.
type Record struct {
	Number     int       `json:"number"`
	Branch     string    `json:"branch"`
	Result     Result    `json:"result"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Finished reports whether the build has a completion timestamp.
func (r Record) Finished() bool {
	return !r.FinishedAt.IsZero()
}

// Duration returns how long the build ran. The second return is false while
// the build is still running, in which case the duration is meaningless.
func (r Record) Duration() (time.Duration, bool) {
	if !r.Finished() {
		return 0, false
	}
	return r.FinishedAt.Sub(r.StartedAt), true
}

// Repo identifies one repository on one CI host. It is the cache partition
// key and is never mutated.
type Repo struct {
	Host  string `json:"host"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// ParseRepo parses the "host:owner/name" form used on the command line,
// e.g. "travis:facebook/react" or "bitbucket:atlassian/pipelines".
func ParseRepo(s string) (Repo, error) {
	host, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Repo{}, fmt.Errorf("%w: %q (want host:owner/name)", ErrInvalidRepo, s)
	}
	owner, name, ok := strings.Cut(rest, "/")
	if !ok {
		return Repo{}, fmt.Errorf("%w: %q (want host:owner/name)", ErrInvalidRepo, s)
	}
	repo := Repo{Host: host, Owner: owner, Name: name}
	if err := repo.Validate(); err != nil {
		return Repo{}, err
	}
	return repo, nil
}

// Validate re-checks the identity before any operation uses it. Path
// separators are rejected so an identity can never escape the cache dir.
func (r Repo) Validate() error {
	for _, part := range []string{r.Host, r.Owner, r.Name} {
		if part == "" {
			return fmt.Errorf("%w: %q", ErrInvalidRepo, r.String())
		}
		if strings.ContainsAny(part, `/\:`) || part != filepath.Base(part) {
			return fmt.Errorf("%w: %q", ErrInvalidRepo, r.String())
		}
	}
	return nil
}

func (r Repo) String() string {
	return r.Host + ":" + r.Owner + "/" + r.Name
}

// Slug is a flat, filesystem- and topic-safe form of the identity.
func (r Repo) Slug() string {
	return r.Host + "-" + r.Owner + "-" + r.Name
}
