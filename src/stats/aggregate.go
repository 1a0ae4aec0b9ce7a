// Package stats computes time-bucketed reliability and performance statistics
// over cached build records.
package stats

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ajaymathur/build-stats/src/contracts"
	"github.com/ajaymathur/build-stats/src/store"
)

// Options selects and shapes an aggregation. Zero-value filters mean "all";
// a zero Threshold means "derive from the data"; a zero Now means time.Now.
type Options struct {
	// Branches restricts records to these branches. Empty means all.
	Branches []string

	// Results restricts records to these results. Empty means all.
	Results []contracts.Result

	// PeriodDays is the width of one bucket in days. Must be at least 1.
	PeriodDays int

	// PeriodCount is how many buckets to emit. Must be at least 1.
	PeriodCount int

	// Threshold is the healthy-duration cutoff in seconds. When zero it is
	// derived as the mean of the non-empty buckets' mean durations.
	Threshold float64

	// Now anchors bucket zero. Injectable for tests.
	Now time.Time
}

// Bucket is the computed aggregate for one time window [Start, End).
// MeanDuration and SuccessRate are nil rather than zero when the bucket has
// no qualifying records, so an empty window is never mistaken for a fast or
// failing one.
type Bucket struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	MeanDuration *float64  `json:"mean_duration_seconds,omitempty"`
	SuccessCount int       `json:"success_count"`
	FailedCount  int       `json:"failed_count"`
	TotalCount   int       `json:"total_count"`
	SuccessRate  *float64  `json:"success_rate,omitempty"`
	Healthy      bool      `json:"healthy"`
}

// Summary collapses a whole window span into one success/failure tally.
type Summary struct {
	SuccessCount int      `json:"success_count"`
	FailedCount  int      `json:"failed_count"`
	TotalCount   int      `json:"total_count"`
	SuccessRate  *float64 `json:"success_rate,omitempty"`
}

// Engine runs aggregations against a store. It is read-only and performs no
// I/O beyond loading the cached records.
type Engine struct {
	store store.Store
}

// NewEngine creates an aggregation engine over a store.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// Calculate buckets the repository's filtered history into PeriodCount
// windows of PeriodDays each, walking backward from now, and classifies each
// bucket's mean duration against the threshold. Buckets are returned most
// recent first, and every window is emitted even when empty so callers see
// continuous time coverage.
func (e *Engine) Calculate(ctx context.Context, repo contracts.Repo, opts Options) ([]Bucket, error) {
	if err := validate(opts); err != nil {
		return nil, err
	}

	records, err := e.load(ctx, repo, opts)
	if err != nil {
		return nil, err
	}

	now := anchor(opts)
	period := time.Duration(opts.PeriodDays) * 24 * time.Hour

	buckets := make([]Bucket, opts.PeriodCount)
	durations := make([][]float64, opts.PeriodCount)
	for k := range buckets {
		buckets[k] = Bucket{
			Start: now.Add(-time.Duration(k+1) * period),
			End:   now.Add(-time.Duration(k) * period),
		}
	}

	for _, r := range records {
		k := bucketIndex(now, period, opts.PeriodCount, bucketTime(r))
		if k < 0 {
			continue
		}
		if d, ok := r.Duration(); ok {
			durations[k] = append(durations[k], d.Seconds())
		}
		if !r.Result.Terminal() {
			continue
		}
		buckets[k].TotalCount++
		if r.Result == contracts.ResultSuccessful {
			buckets[k].SuccessCount++
		} else {
			buckets[k].FailedCount++
		}
	}

	for k := range buckets {
		if len(durations[k]) > 0 {
			buckets[k].MeanDuration = ptr(mean(durations[k]))
		}
		if buckets[k].TotalCount > 0 {
			buckets[k].SuccessRate = ptr(float64(buckets[k].SuccessCount) / float64(buckets[k].TotalCount))
		}
	}

	// Classification is a second pass so the threshold never feeds back
	// into the bucket statistics.
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = derivedThreshold(buckets)
	}
	for k := range buckets {
		buckets[k].Healthy = buckets[k].MeanDuration != nil && *buckets[k].MeanDuration <= threshold
	}

	return buckets, nil
}

// Success collapses the whole requested span (PeriodDays x PeriodCount days
// ending now) into a single success/failure summary.
func (e *Engine) Success(ctx context.Context, repo contracts.Repo, opts Options) (Summary, error) {
	if err := validate(opts); err != nil {
		return Summary{}, err
	}

	records, err := e.load(ctx, repo, opts)
	if err != nil {
		return Summary{}, err
	}

	now := anchor(opts)
	span := time.Duration(opts.PeriodDays*opts.PeriodCount) * 24 * time.Hour
	start := now.Add(-span)

	var summary Summary
	for _, r := range records {
		t := bucketTime(r)
		if t.Before(start) || !t.Before(now) {
			continue
		}
		if !r.Result.Terminal() {
			continue
		}
		summary.TotalCount++
		if r.Result == contracts.ResultSuccessful {
			summary.SuccessCount++
		} else {
			summary.FailedCount++
		}
	}
	if summary.TotalCount > 0 {
		summary.SuccessRate = ptr(float64(summary.SuccessCount) / float64(summary.TotalCount))
	}
	return summary, nil
}

// History returns the filtered records ascending by build number, with no
// aggregation.
func (e *Engine) History(ctx context.Context, repo contracts.Repo, opts Options) ([]contracts.Record, error) {
	return e.load(ctx, repo, opts)
}

func (e *Engine) load(ctx context.Context, repo contracts.Repo, opts Options) ([]contracts.Record, error) {
	if err := repo.Validate(); err != nil {
		return nil, err
	}
	records, err := e.store.ReadAll(ctx, repo)
	if err != nil {
		return nil, err
	}

	filtered := make([]contracts.Record, 0, len(records))
	for _, r := range records {
		if len(opts.Branches) > 0 && !slices.Contains(opts.Branches, r.Branch) {
			continue
		}
		if len(opts.Results) > 0 && !slices.Contains(opts.Results, r.Result) {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered, nil
}

func validate(opts Options) error {
	if opts.PeriodDays < 1 {
		return fmt.Errorf("%w: period days must be at least 1, got %d", contracts.ErrInvalidParameter, opts.PeriodDays)
	}
	if opts.PeriodCount < 1 {
		return fmt.Errorf("%w: period count must be at least 1, got %d", contracts.ErrInvalidParameter, opts.PeriodCount)
	}
	if opts.Threshold < 0 {
		return fmt.Errorf("%w: threshold must not be negative, got %v", contracts.ErrInvalidParameter, opts.Threshold)
	}
	return nil
}

func anchor(opts Options) time.Time {
	if opts.Now.IsZero() {
		return time.Now()
	}
	return opts.Now
}

// bucketTime is the instant a record is bucketed by: when it finished, or,
// for builds reported done without a finish timestamp, when it started.
func bucketTime(r contracts.Record) time.Time {
	if r.Finished() {
		return r.FinishedAt
	}
	return r.StartedAt
}

// bucketIndex maps an instant onto its window index, or -1 when the instant
// falls outside the covered span. Windows are half-open [start, end), so an
// instant exactly on a boundary belongs to the younger window.
func bucketIndex(now time.Time, period time.Duration, count int, t time.Time) int {
	if !t.Before(now) {
		return -1
	}
	diff := now.Sub(t)
	k := int(diff / period)
	if diff%period == 0 {
		k--
	}
	if k < 0 || k >= count {
		return -1
	}
	return k
}

// derivedThreshold is the mean of the non-empty buckets' mean durations.
func derivedThreshold(buckets []Bucket) float64 {
	var means []float64
	for _, b := range buckets {
		if b.MeanDuration != nil {
			means = append(means, *b.MeanDuration)
		}
	}
	if len(means) == 0 {
		return 0
	}
	return mean(means)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func ptr(v float64) *float64 {
	return &v
}
