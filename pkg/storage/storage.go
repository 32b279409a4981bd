package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/solcurb/solcurb/pkg/types"
)

var (
	// ErrAlreadyExists is returned by PutPrices when the (source, date) key
	// was written before. The stored record is never replaced.
	ErrAlreadyExists = errors.New("price record already exists")
	// ErrNotFound is returned when no record exists for the requested key.
	ErrNotFound = errors.New("price record not found")
)

// Store persists day-ahead price records and control-surface evidence.
// Price records are keyed by (source, local calendar date) and are
// write-once: the first put wins, later puts fail with ErrAlreadyExists.
type Store interface {
	HasPrices(ctx context.Context, source, date string) (bool, error)
	PutPrices(ctx context.Context, rec types.CachedPriceRecord) error
	GetPrices(ctx context.Context, source, date string) (types.CachedPriceRecord, error)
	// LatestPriceDate returns the newest cached date for a source, or
	// ErrNotFound when the source has no records at all.
	LatestPriceDate(ctx context.Context, source string) (string, error)

	// PutEvidence stores a control-surface snapshot. Evidence is write-only
	// audit material; failures here must never mask the error being reported.
	PutEvidence(ctx context.Context, ev types.SessionEvidence) error

	// Lifecycle
	Close() error
}

// priceKey is the document/file key for a (source, date) record.
func priceKey(source, date string) string {
	return source + "-" + date
}

// Configured sets up the price store based on flags.
func Configured() Store {
	provider := lflag.String("storage-provider", "fs", "Storage provider to use (available: fs, firestore)")

	var p struct{ Store }

	dir := configuredFS()
	fire := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "fs":
			if err := dir.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("fs storage init failed: %v", err))
			}
			p.Store = dir
		case "firestore":
			if err := fire.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Store = fire
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
