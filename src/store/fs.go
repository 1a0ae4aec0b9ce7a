// Package store provides the filesystem store implementation.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ajaymathur/build-stats/src/contracts"
)

const snapshotVersion = 1

// snapshot is the on-disk envelope. The checksum covers the raw records JSON
// so a truncated or bit-flipped file is detected on read instead of being
// mistaken for an empty history.
type snapshot struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Records  json.RawMessage `json:"records"`
}

// FSStore keeps one checksummed JSON snapshot file per repository under a
// base cache directory. Writes go to a temp file in the same directory and
// are renamed into place, so readers never observe a half-written snapshot.
//
// FSStore serializes writers within one process. Concurrent processes
// appending to the same repository are unsupported.
type FSStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFSStore creates a filesystem store rooted at baseDir.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// SnapshotPath computes the snapshot path for a repository under a base
// cache directory. Pure path computation, no I/O.
func SnapshotPath(baseDir string, repo contracts.Repo) string {
	return filepath.Join(baseDir, repo.Host, repo.Owner, repo.Name, "builds.json")
}

// Location returns the snapshot path for a repository without touching disk.
func (s *FSStore) Location(repo contracts.Repo) string {
	return SnapshotPath(s.baseDir, repo)
}

func (s *FSStore) read(repo contracts.Repo) ([]contracts.Record, error) {
	path := s.Location(repo)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, &CorruptError{Location: path, Err: err}
	}
	if sum := checksum(snap.Records); sum != snap.Checksum {
		return nil, &CorruptError{Location: path, Err: fmt.Errorf("checksum mismatch: want %s, got %s", snap.Checksum, sum)}
	}

	var records []contracts.Record
	if err := json.Unmarshal(snap.Records, &records); err != nil {
		return nil, &CorruptError{Location: path, Err: err}
	}
	return records, nil
}

func (s *FSStore) write(repo contracts.Repo, records []contracts.Record) error {
	path := s.Location(repo)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	rawRecords, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	raw, err := json.Marshal(snapshot{
		Version:  snapshotVersion,
		Checksum: checksum(rawRecords),
		Records:  rawRecords,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "builds-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// HighWaterMark returns the highest cached build number for the repository.
func (s *FSStore) HighWaterMark(ctx context.Context, repo contracts.Repo) (int, bool, error) {
	records, err := s.ReadAll(ctx, repo)
	if err != nil {
		return 0, false, err
	}
	if len(records) == 0 {
		return 0, false, nil
	}
	return records[len(records)-1].Number, true, nil
}

// Append merges records into the snapshot, last write winning per number.
func (s *FSStore) Append(ctx context.Context, repo contracts.Repo, records []contracts.Record) error {
	if err := repo.Validate(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(repo)
	if err != nil {
		return err
	}

	merged := make(map[int]contracts.Record, len(existing)+len(records))
	for _, r := range existing {
		merged[r.Number] = r
	}
	for _, r := range records {
		merged[r.Number] = r
	}

	out := make([]contracts.Record, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })

	return s.write(repo, out)
}

// ReadAll returns every cached record, ascending by build number.
func (s *FSStore) ReadAll(ctx context.Context, repo contracts.Repo) ([]contracts.Record, error) {
	if err := repo.Validate(); err != nil {
		return nil, err
	}
	records, err := s.read(repo)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Number < records[j].Number })
	return records, nil
}

// Delete removes the repository's snapshot and its directory. Idempotent.
func (s *FSStore) Delete(ctx context.Context, repo contracts.Repo) error {
	if err := repo.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(filepath.Dir(s.Location(repo)))
}

// Close is a no-op for the filesystem store.
func (s *FSStore) Close() error {
	return nil
}

func checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
