package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/levenlabs/go-lflag"
	"github.com/solcurb/solcurb/pkg/types"
)

// FSStore implements Store on a local directory. Price records live under
// <root>/prices as one JSON file per (source, date); evidence under
// <root>/evidence. Write-once is enforced with O_EXCL so concurrent writers
// race safely: exactly one wins and the rest see ErrAlreadyExists.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at dir. Init must be called
// before the store is used.
func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

// configuredFS sets up the filesystem provider. It registers flags for
// configuration.
func configuredFS() *FSStore {
	root := lflag.String("storage-root", "./data", "Root directory for the fs storage provider")

	s := &FSStore{}

	lflag.Do(func() {
		s.root = *root
	})

	return s
}

// Init creates the directory layout. It must be called before using the
// provider methods.
func (s *FSStore) Init(ctx context.Context) error {
	if s.root == "" {
		return fmt.Errorf("storage root cannot be empty")
	}
	for _, dir := range []string{s.pricesDir(), s.evidenceDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create storage dir %s: %w", dir, err)
		}
	}
	return nil
}

// Close is a no-op for the filesystem provider.
func (s *FSStore) Close() error {
	return nil
}

func (s *FSStore) pricesDir() string {
	return filepath.Join(s.root, "prices")
}

func (s *FSStore) evidenceDir() string {
	return filepath.Join(s.root, "evidence")
}

func (s *FSStore) pricePath(source, date string) string {
	return filepath.Join(s.pricesDir(), priceKey(source, date)+".json")
}

// HasPrices reports whether a record exists for the (source, date) key.
func (s *FSStore) HasPrices(ctx context.Context, source, date string) (bool, error) {
	_, err := os.Stat(s.pricePath(source, date))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat price record: %w", err)
	}
	return true, nil
}

// PutPrices writes a record exactly once. A concurrent or repeated put for
// the same (source, date) returns ErrAlreadyExists and leaves the original
// file untouched.
func (s *FSStore) PutPrices(ctx context.Context, rec types.CachedPriceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal price record: %w", err)
	}

	path := s.pricePath(rec.Series.Source, rec.Series.Date)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, priceKey(rec.Series.Source, rec.Series.Date))
		}
		return fmt.Errorf("failed to create price record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write price record %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close price record %s: %w", path, err)
	}
	return nil
}

// GetPrices loads the record for the (source, date) key.
func (s *FSStore) GetPrices(ctx context.Context, source, date string) (types.CachedPriceRecord, error) {
	data, err := os.ReadFile(s.pricePath(source, date))
	if err != nil {
		if os.IsNotExist(err) {
			return types.CachedPriceRecord{}, fmt.Errorf("%w: %s", ErrNotFound, priceKey(source, date))
		}
		return types.CachedPriceRecord{}, fmt.Errorf("failed to read price record: %w", err)
	}

	var rec types.CachedPriceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.CachedPriceRecord{}, fmt.Errorf("failed to unmarshal price record %s: %w", priceKey(source, date), err)
	}
	return rec, nil
}

// LatestPriceDate scans the prices directory for the newest date cached for
// a source. Dates sort lexicographically so the max filename wins.
func (s *FSStore) LatestPriceDate(ctx context.Context, source string) (string, error) {
	entries, err := os.ReadDir(s.pricesDir())
	if err != nil {
		return "", fmt.Errorf("failed to list price records: %w", err)
	}

	prefix := source + "-"
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		dates = append(dates, strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
	}
	if len(dates) == 0 {
		return "", fmt.Errorf("%w: no records for source %s", ErrNotFound, source)
	}
	sort.Strings(dates)
	return dates[len(dates)-1], nil
}

// PutEvidence writes a snapshot under the evidence directory. The cycle ID
// and stage make the name unique per capture.
func (s *FSStore) PutEvidence(ctx context.Context, ev types.SessionEvidence) error {
	name := fmt.Sprintf("%s-%s.%s", ev.CycleID, ev.Stage, extForContentType(ev.ContentType))
	path := filepath.Join(s.evidenceDir(), name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: evidence %s", ErrAlreadyExists, name)
		}
		return fmt.Errorf("failed to create evidence file: %w", err)
	}
	if _, err := f.Write(ev.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write evidence %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close evidence %s: %w", path, err)
	}
	return nil
}

func extForContentType(ct string) string {
	switch {
	case strings.HasPrefix(ct, "application/json"):
		return "json"
	case strings.HasPrefix(ct, "text/html"):
		return "html"
	case strings.HasPrefix(ct, "image/png"):
		return "png"
	default:
		return "bin"
	}
}
