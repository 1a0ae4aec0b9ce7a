// Package download orchestrates fetching build history from a provider into
// the local store. Downloads are incremental: they resume from the store's
// high-water mark, append page by page, and are safe to retry after a
// partial failure.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ajaymathur/build-stats/src/broker"
	"github.com/ajaymathur/build-stats/src/contracts"
	"github.com/ajaymathur/build-stats/src/logger"
	"github.com/ajaymathur/build-stats/src/provider"
	"github.com/ajaymathur/build-stats/src/store"
)

const (
	maxAttempts = 3
	baseBackoff = 500 * time.Millisecond
)

// FailedError reports a download aborted after exhausting retries. Pages
// appended before the failure remain cached, so a later download resumes
// instead of starting over.
type FailedError struct {
	Repo contracts.Repo
	Err  error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("download failed for %s: %v", e.Repo, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Options controls one download invocation.
type Options struct {
	// Concurrency bounds the number of outstanding provider requests.
	// Must be at least 1.
	Concurrency int

	// Since overrides the resume point: only builds numbered above it are
	// fetched. Negative means resume from the store's high-water mark.
	Since int
}

// Downloader drives a provider and appends the fetched records to a store.
type Downloader struct {
	provider  provider.Provider
	store     store.Store
	publisher broker.Broker // optional, may be nil
	logger    logger.Logger
}

// New creates a downloader. publisher may be nil; when set, every appended
// record is also published to the build records topic.
func New(prov provider.Provider, st store.Store, publisher broker.Broker, log logger.Logger) *Downloader {
	return &Downloader{
		provider:  prov,
		store:     st,
		publisher: publisher,
		logger:    log,
	}
}

// Run downloads every build newer than the resume point. Providers that can
// predict page boundaries are paged speculatively in parallel; the rest are
// paged sequentially. Either way at most Options.Concurrency provider
// requests are outstanding at any instant.
func (d *Downloader) Run(ctx context.Context, repo contracts.Repo, opts Options) error {
	if opts.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", contracts.ErrInvalidParameter, opts.Concurrency)
	}
	if err := repo.Validate(); err != nil {
		return err
	}

	startAfter, err := d.resumePoint(ctx, repo, opts)
	if err != nil {
		return err
	}
	d.logger.Info("[Downloader] %s: fetching builds after #%d via %s", repo, startAfter, d.provider.Name())

	if planner, ok := d.provider.(provider.Planner); ok {
		err = d.runPlanned(ctx, repo, planner, startAfter, opts.Concurrency)
	} else {
		err = d.runSequential(ctx, repo, startAfter)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &FailedError{Repo: repo, Err: err}
	}
	return nil
}

func (d *Downloader) resumePoint(ctx context.Context, repo contracts.Repo, opts Options) (int, error) {
	if opts.Since >= 0 {
		return opts.Since, nil
	}
	mark, ok, err := d.store.HighWaterMark(ctx, repo)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return mark, nil
}

// runPlanned fetches predicted pages in parallel, bounded by a semaphore.
func (d *Downloader) runPlanned(ctx context.Context, repo contracts.Repo, planner provider.Planner, startAfter, concurrency int) error {
	var cursors []int
	err := d.withRetry(ctx, "plan pages", func() error {
		var err error
		cursors, err = planner.PlanPages(ctx, startAfter)
		return err
	})
	if err != nil {
		return err
	}
	if len(cursors) == 0 {
		d.logger.Info("[Downloader] %s: already up to date", repo)
		return nil
	}
	d.logger.Info("[Downloader] %s: %d pages to fetch (concurrency %d)", repo, len(cursors), concurrency)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for _, cursor := range cursors {
		wg.Add(1)
		go func(cursor int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			var page provider.Page
			err := d.withRetry(ctx, fmt.Sprintf("page after #%d", cursor), func() error {
				var err error
				page, err = d.provider.FetchPage(ctx, cursor)
				return err
			})
			if err == nil {
				err = d.commit(ctx, repo, page.Records)
			}
			if err != nil {
				fail(err)
			}
		}(cursor)
	}
	wg.Wait()

	if firstErr == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return firstErr
}

// runSequential walks pages one at a time, advancing the frontier to the
// highest number fetched so far.
func (d *Downloader) runSequential(ctx context.Context, repo contracts.Repo, startAfter int) error {
	after := startAfter
	for {
		var page provider.Page
		err := d.withRetry(ctx, fmt.Sprintf("page after #%d", after), func() error {
			var err error
			page, err = d.provider.FetchPage(ctx, after)
			return err
		})
		if err != nil {
			return err
		}
		if len(page.Records) == 0 {
			return nil
		}

		if err := d.commit(ctx, repo, page.Records); err != nil {
			return err
		}
		after = page.Records[len(page.Records)-1].Number

		if !page.HasMore {
			return nil
		}
	}
}

// commit appends one resolved page so progress survives a later failure,
// then publishes the records if a publisher is configured.
func (d *Downloader) commit(ctx context.Context, repo contracts.Repo, records []contracts.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := d.store.Append(ctx, repo, records); err != nil {
		return err
	}
	d.logger.Info("[Downloader] %s: cached %d builds (#%d-#%d)", repo, len(records), records[0].Number, records[len(records)-1].Number)

	if d.publisher == nil {
		return nil
	}
	for _, record := range records {
		value, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record %d: %w", record.Number, err)
		}
		if err := d.publisher.Publish(ctx, broker.TopicRecords, repo.Slug(), value); err != nil {
			return fmt.Errorf("failed to publish record %d: %w", record.Number, err)
		}
	}
	return nil
}

// withRetry runs fn up to maxAttempts times with doubling backoff. Only
// transient provider errors are retried; everything else surfaces
// immediately.
func (d *Downloader) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := baseBackoff << (attempt - 2)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err = fn(); err == nil {
			return nil
		}
		if !provider.Transient(err) {
			return err
		}
		d.logger.Debug("[Downloader] %s failed (attempt %d/%d): %v", op, attempt, maxAttempts, err)
	}
	return err
}
