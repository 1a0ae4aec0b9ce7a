package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajaymathur/build-stats/src/broker"
	"github.com/ajaymathur/build-stats/src/contracts"
	"github.com/ajaymathur/build-stats/src/logger"
	"github.com/ajaymathur/build-stats/src/provider"
	"github.com/ajaymathur/build-stats/src/store"
)

var testRepo = contracts.Repo{Host: "travis", Owner: "octo", Name: "widgets"}

func makeBuilds(n int) []contracts.Record {
	records := make([]contracts.Record, 0, n)
	for i := 1; i <= n; i++ {
		started := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
		records = append(records, contracts.Record{
			Number:     i,
			Branch:     "main",
			Result:     contracts.ResultSuccessful,
			StartedAt:  started,
			FinishedAt: started.Add(3 * time.Minute),
		})
	}
	return records
}

// fakeProvider serves a fixed ascending build history in fixed-size pages.
// It can be primed to fail its next calls with a given error.
type fakeProvider struct {
	mu       sync.Mutex
	builds   []contracts.Record
	pageSize int
	calls    []int
	failures int
	failWith error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) FetchPage(ctx context.Context, after int) (provider.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, after)
	if f.failures > 0 {
		f.failures--
		err := f.failWith
		f.mu.Unlock()
		return provider.Page{}, err
	}
	f.mu.Unlock()

	var page []contracts.Record
	for _, r := range f.builds {
		if r.Number <= after {
			continue
		}
		page = append(page, r)
		if len(page) == f.pageSize {
			break
		}
	}
	hasMore := len(page) > 0 && page[len(page)-1].Number < f.builds[len(f.builds)-1].Number
	return provider.Page{Records: page, HasMore: hasMore}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// plannedProvider predicts page cursors up front and records how many
// FetchPage calls were in flight at once.
type plannedProvider struct {
	fakeProvider
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (p *plannedProvider) PlanPages(ctx context.Context, after int) ([]int, error) {
	if len(p.builds) == 0 {
		return nil, nil
	}
	latest := p.builds[len(p.builds)-1].Number
	var cursors []int
	for cursor := after; cursor < latest; cursor += p.pageSize {
		cursors = append(cursors, cursor)
	}
	return cursors, nil
}

func (p *plannedProvider) FetchPage(ctx context.Context, after int) (provider.Page, error) {
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		max := p.maxInFlight.Load()
		if cur <= max || p.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond) // widen the overlap window
	return p.fakeProvider.FetchPage(ctx, after)
}

func TestRunSequentialFetchesAll(t *testing.T) {
	prov := &fakeProvider{builds: makeBuilds(7), pageSize: 3}
	st := store.NewMemoryStore()
	d := New(prov, st, nil, logger.NewSilentLogger())

	if err := d.Run(context.Background(), testRepo, Options{Concurrency: 1, Since: -1}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := st.ReadAll(context.Background(), testRepo)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 7 {
		t.Fatalf("cached %d builds, want 7", len(got))
	}
	for i, r := range got {
		if r.Number != i+1 {
			t.Fatalf("records out of order: got #%d at index %d", r.Number, i)
		}
	}
}

func TestRunResumesFromHighWaterMark(t *testing.T) {
	prov := &fakeProvider{builds: makeBuilds(5), pageSize: 10}
	st := store.NewMemoryStore()
	ctx := context.Background()

	if err := st.Append(ctx, testRepo, makeBuilds(3)); err != nil {
		t.Fatal(err)
	}

	d := New(prov, st, nil, logger.NewSilentLogger())
	if err := d.Run(ctx, testRepo, Options{Concurrency: 1, Since: -1}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(prov.calls) == 0 || prov.calls[0] != 3 {
		t.Errorf("first page request after = %v, want resume from 3", prov.calls)
	}
	got, _ := st.ReadAll(ctx, testRepo)
	if len(got) != 5 {
		t.Errorf("cached %d builds, want 5", len(got))
	}
}

func TestRunSinceOverridesHighWaterMark(t *testing.T) {
	prov := &fakeProvider{builds: makeBuilds(5), pageSize: 10}
	st := store.NewMemoryStore()
	ctx := context.Background()

	if err := st.Append(ctx, testRepo, makeBuilds(4)); err != nil {
		t.Fatal(err)
	}

	d := New(prov, st, nil, logger.NewSilentLogger())
	if err := d.Run(ctx, testRepo, Options{Concurrency: 1, Since: 1}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(prov.calls) == 0 || prov.calls[0] != 1 {
		t.Errorf("first page request after = %v, want 1", prov.calls)
	}
}

func TestRunPlannedBoundsConcurrency(t *testing.T) {
	prov := &plannedProvider{fakeProvider: fakeProvider{builds: makeBuilds(40), pageSize: 5}}
	st := store.NewMemoryStore()
	d := New(prov, st, nil, logger.NewSilentLogger())

	if err := d.Run(context.Background(), testRepo, Options{Concurrency: 2, Since: -1}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if max := prov.maxInFlight.Load(); max > 2 {
		t.Errorf("observed %d concurrent page fetches, want at most 2", max)
	}
	got, _ := st.ReadAll(context.Background(), testRepo)
	if len(got) != 40 {
		t.Errorf("cached %d builds, want 40", len(got))
	}
}

func TestRunRetriesTransientErrors(t *testing.T) {
	prov := &fakeProvider{
		builds:   makeBuilds(2),
		pageSize: 10,
		failures: 2,
		failWith: &provider.StatusError{Provider: "fake", Status: 503},
	}
	st := store.NewMemoryStore()
	d := New(prov, st, nil, logger.NewSilentLogger())

	if err := d.Run(context.Background(), testRepo, Options{Concurrency: 1, Since: -1}); err != nil {
		t.Fatalf("Run() error = %v, want retries to succeed", err)
	}
	got, _ := st.ReadAll(context.Background(), testRepo)
	if len(got) != 2 {
		t.Errorf("cached %d builds, want 2", len(got))
	}
}

func TestRunFailsFastOnAuthError(t *testing.T) {
	prov := &fakeProvider{
		builds:   makeBuilds(2),
		pageSize: 10,
		failures: 1,
		failWith: &provider.StatusError{Provider: "fake", Status: 401},
	}
	st := store.NewMemoryStore()
	d := New(prov, st, nil, logger.NewSilentLogger())

	err := d.Run(context.Background(), testRepo, Options{Concurrency: 1, Since: -1})

	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Run() error = %v, want FailedError", err)
	}
	if !errors.Is(err, provider.ErrAuthFailed) {
		t.Errorf("Run() error = %v, want to wrap ErrAuthFailed", err)
	}
	if n := prov.callCount(); n != 1 {
		t.Errorf("provider called %d times, want 1 (no retry on auth failure)", n)
	}
}

func TestRunExhaustsRetries(t *testing.T) {
	prov := &fakeProvider{
		builds:   makeBuilds(2),
		pageSize: 10,
		failures: 10,
		failWith: &provider.StatusError{Provider: "fake", Status: 503},
	}
	st := store.NewMemoryStore()
	d := New(prov, st, nil, logger.NewSilentLogger())

	err := d.Run(context.Background(), testRepo, Options{Concurrency: 1, Since: -1})

	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Run() error = %v, want FailedError", err)
	}
	if n := prov.callCount(); n != maxAttempts {
		t.Errorf("provider called %d times, want %d", n, maxAttempts)
	}
}

func TestRunRejectsInvalidOptions(t *testing.T) {
	d := New(&fakeProvider{pageSize: 10}, store.NewMemoryStore(), nil, logger.NewSilentLogger())

	if err := d.Run(context.Background(), testRepo, Options{Concurrency: 0}); !errors.Is(err, contracts.ErrInvalidParameter) {
		t.Errorf("Run() with zero concurrency error = %v, want ErrInvalidParameter", err)
	}

	bad := contracts.Repo{Host: "travis", Owner: "octo"}
	if err := d.Run(context.Background(), bad, Options{Concurrency: 1}); !errors.Is(err, contracts.ErrInvalidRepo) {
		t.Errorf("Run() with invalid repo error = %v, want ErrInvalidRepo", err)
	}
}

func TestRunPublishesRecords(t *testing.T) {
	prov := &fakeProvider{builds: makeBuilds(3), pageSize: 10}
	st := store.NewMemoryStore()
	pub := broker.NewInMemoryBroker()
	defer pub.Close()

	msgs, err := pub.Subscribe(context.Background(), broker.TopicRecords, "test")
	if err != nil {
		t.Fatal(err)
	}

	d := New(prov, st, pub, logger.NewSilentLogger())
	if err := d.Run(context.Background(), testRepo, Options{Concurrency: 1, Since: -1}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case msg := <-msgs:
			if msg.Key != testRepo.Slug() {
				t.Errorf("message key = %q, want %q", msg.Key, testRepo.Slug())
			}
		case <-time.After(time.Second):
			t.Fatalf("message %d never arrived", i)
		}
	}
}
