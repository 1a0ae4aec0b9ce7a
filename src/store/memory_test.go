package store

import (
	"context"
	"strings"
	"testing"

	"github.com/ajaymathur/build-stats/src/contracts"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := s.HighWaterMark(ctx, testRepo); err != nil || ok {
		t.Fatalf("HighWaterMark() on empty store = ok %v, err %v; want absent", ok, err)
	}

	records := []contracts.Record{
		record(3, contracts.ResultSuccessful),
		record(1, contracts.ResultFailed),
		record(3, contracts.ResultSuccessful), // duplicate in one batch
	}
	if err := s.Append(ctx, testRepo, records); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.ReadAll(ctx, testRepo)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 2 || got[0].Number != 1 || got[1].Number != 3 {
		t.Fatalf("ReadAll() = %+v, want builds 1,3 ascending", got)
	}

	mark, ok, err := s.HighWaterMark(ctx, testRepo)
	if err != nil || !ok || mark != 3 {
		t.Fatalf("HighWaterMark() = %d, %v, %v; want 3, true", mark, ok, err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Append(ctx, testRepo, []contracts.Record{record(1, contracts.ResultSuccessful)}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Delete(ctx, testRepo); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, testRepo); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}

	got, err := s.ReadAll(ctx, testRepo)
	if err != nil || len(got) != 0 {
		t.Fatalf("ReadAll() after delete = %v, %v; want empty", got, err)
	}
}

func TestMemoryStoreLocation(t *testing.T) {
	s := NewMemoryStore()
	if loc := s.Location(testRepo); !strings.HasPrefix(loc, "memory://") {
		t.Errorf("Location() = %q, want memory:// scheme", loc)
	}
}
