package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ajaymathur/build-stats/src/contracts"
)

var testRepo = contracts.Repo{Host: "travis", Owner: "octo", Name: "widgets"}

func newFSStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	return s
}

func record(number int, result contracts.Result) contracts.Record {
	started := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(number) * time.Hour)
	return contracts.Record{
		Number:     number,
		Branch:     "main",
		Result:     result,
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Minute),
	}
}

func TestFSStoreRoundTrip(t *testing.T) {
	s := newFSStore(t)
	ctx := context.Background()

	if _, ok, err := s.HighWaterMark(ctx, testRepo); err != nil || ok {
		t.Fatalf("HighWaterMark() on empty store = ok %v, err %v; want absent", ok, err)
	}

	records := []contracts.Record{record(2, contracts.ResultFailed), record(1, contracts.ResultSuccessful)}
	if err := s.Append(ctx, testRepo, records); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.ReadAll(ctx, testRepo)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 2 || got[0].Number != 1 || got[1].Number != 2 {
		t.Fatalf("ReadAll() = %+v, want builds 1,2 ascending", got)
	}

	mark, ok, err := s.HighWaterMark(ctx, testRepo)
	if err != nil || !ok || mark != 2 {
		t.Fatalf("HighWaterMark() = %d, %v, %v; want 2, true", mark, ok, err)
	}
}

// Overlapping appends must merge by build number with the last write
// winning, regardless of append order.
func TestFSStoreDedup(t *testing.T) {
	s := newFSStore(t)
	ctx := context.Background()

	first := record(5, contracts.ResultRunning)
	first.FinishedAt = time.Time{}
	if err := s.Append(ctx, testRepo, []contracts.Record{first, record(4, contracts.ResultSuccessful)}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Build 5 finished; a re-fetch supersedes the running record.
	if err := s.Append(ctx, testRepo, []contracts.Record{record(5, contracts.ResultFailed)}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.ReadAll(ctx, testRepo)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadAll() returned %d records, want 2", len(got))
	}
	if got[1].Number != 5 || got[1].Result != contracts.ResultFailed || !got[1].Finished() {
		t.Errorf("build 5 = %+v, want the re-fetched FAILED record", got[1])
	}
}

func TestFSStoreCorruptionDetected(t *testing.T) {
	s := newFSStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, testRepo, []contracts.Record{record(1, contracts.ResultSuccessful)}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"truncated file", `{"version":1,"checksum":"abc","rec`},
		{"checksum mismatch", `{"version":1,"checksum":"deadbeef","records":[]}`},
		{"not json at all", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := s.Location(testRepo)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}

			var corrupt *CorruptError
			if _, err := s.ReadAll(ctx, testRepo); !errors.As(err, &corrupt) {
				t.Errorf("ReadAll() error = %v, want CorruptError", err)
			}
			if _, _, err := s.HighWaterMark(ctx, testRepo); !errors.As(err, &corrupt) {
				t.Errorf("HighWaterMark() error = %v, want CorruptError", err)
			}
		})
	}
}

func TestFSStoreDeleteIdempotent(t *testing.T) {
	s := newFSStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, testRepo, []contracts.Record{record(1, contracts.ResultSuccessful)}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.Delete(ctx, testRepo); err != nil {
			t.Fatalf("Delete() #%d error = %v", i+1, err)
		}
	}

	if _, ok, err := s.HighWaterMark(ctx, testRepo); err != nil || ok {
		t.Fatalf("HighWaterMark() after clean = ok %v, err %v; want absent", ok, err)
	}
}

func TestFSStoreIsolatesRepositories(t *testing.T) {
	s := newFSStore(t)
	ctx := context.Background()
	other := contracts.Repo{Host: "bitbucket", Owner: "octo", Name: "widgets"}

	if err := s.Append(ctx, testRepo, []contracts.Record{record(7, contracts.ResultSuccessful)}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.ReadAll(ctx, other)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("records for %s leaked into %s", testRepo, other)
	}
}

func TestSnapshotPath(t *testing.T) {
	got := SnapshotPath("/var/cache/build-stats", testRepo)
	want := "/var/cache/build-stats/travis/octo/widgets/builds.json"
	if got != want {
		t.Errorf("SnapshotPath() = %q, want %q", got, want)
	}
}
