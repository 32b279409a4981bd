// Package repository keeps the price store stocked with day-ahead series
// and serves them back to the analyzer. It never retries inside a call: a
// failed fetch surfaces an error and the next scheduled cycle is the retry.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/solcurb/solcurb/pkg/log"
	"github.com/solcurb/solcurb/pkg/market"
	"github.com/solcurb/solcurb/pkg/storage"
	"github.com/solcurb/solcurb/pkg/types"
)

// ErrFetchIncomplete is returned when the source answered but its payload
// does not cover the whole local day. Nothing is persisted in that case.
var ErrFetchIncomplete = errors.New("incomplete day-ahead prices")

// Config holds the repository settings that stay fixed across cycles.
type Config struct {
	// SourceName selects the market source in the Map.
	SourceName string
	// Zone defines the site's calendar day.
	Zone *time.Location
	// LeadTime is how long before the next local midnight tomorrow's prices
	// must already be cached.
	LeadTime time.Duration
}

// Repository coordinates the market source and the price store.
type Repository struct {
	sources *market.Map
	store   storage.Store

	sourceName string
	zone       *time.Location
	leadTime   time.Duration
}

// New creates a Repository.
func New(sources *market.Map, store storage.Store, cfg Config) *Repository {
	return &Repository{
		sources:    sources,
		store:      store,
		sourceName: cfg.SourceName,
		zone:       cfg.Zone,
		leadTime:   cfg.LeadTime,
	}
}

// Configured sets up the Repository with dependencies. It uses lflag to
// register command-line flags for configuration.
func Configured(sources *market.Map, store storage.Store) *Repository {
	r := &Repository{
		sources: sources,
		store:   store,
	}

	sourceName := lflag.String("market-source", "ibex", "Market source to fetch day-ahead prices from")
	leadTime := lflag.Duration("lead-time", 11*time.Hour, "How long before end of day tomorrow's prices must be cached")
	timezone := lflag.String("site-timezone", "Europe/Sofia", "Timezone defining the site's calendar day")

	lflag.Do(func() {
		r.sourceName = *sourceName
		r.leadTime = *leadTime
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Sprintf("failed to load site-timezone %q: %v", *timezone, err))
		}
		r.zone = loc
	})

	return r
}

// Zone returns the site's timezone.
func (r *Repository) Zone() *time.Location {
	return r.zone
}

// SourceName returns the active market source name.
func (r *Repository) SourceName() string {
	return r.sourceName
}

// Targets returns the local dates the store must hold as of now: always
// today, plus tomorrow once now is within the lead time of the next local
// midnight.
func (r *Repository) Targets(now time.Time) []string {
	now = now.In(r.zone)
	targets := []string{now.Format(types.DateFormat)}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.zone).AddDate(0, 0, 1)
	if !now.Add(r.leadTime).Before(midnight) {
		targets = append(targets, now.AddDate(0, 0, 1).Format(types.DateFormat))
	}
	return targets
}

// EnsureCached fetches and stores every target date the store is missing.
// It returns the dates this call actually persisted. The cache check runs
// before any fetch, so a day that is already stored costs nothing upstream.
func (r *Repository) EnsureCached(ctx context.Context, now time.Time) ([]string, error) {
	src, err := r.sources.Source(r.sourceName)
	if err != nil {
		return nil, err
	}

	var stored []string
	for _, date := range r.Targets(now) {
		ok, err := r.store.HasPrices(ctx, src.Name(), date)
		if err != nil {
			return stored, fmt.Errorf("failed to check cache for %s: %w", date, err)
		}
		if ok {
			log.Ctx(ctx).DebugContext(ctx, "prices already cached", slog.String("date", date))
			continue
		}

		wrote, err := r.fetchAndStore(ctx, src, date)
		if err != nil {
			return stored, err
		}
		if wrote {
			stored = append(stored, date)
		}
	}
	return stored, nil
}

// FetchDate runs the fetch-validate-store path for one explicit date,
// skipping it when already cached. Used by backfills.
func (r *Repository) FetchDate(ctx context.Context, date string) (bool, error) {
	src, err := r.sources.Source(r.sourceName)
	if err != nil {
		return false, err
	}
	ok, err := r.store.HasPrices(ctx, src.Name(), date)
	if err != nil {
		return false, fmt.Errorf("failed to check cache for %s: %w", date, err)
	}
	if ok {
		return false, nil
	}
	return r.fetchAndStore(ctx, src, date)
}

func (r *Repository) fetchAndStore(ctx context.Context, src market.Source, date string) (bool, error) {
	series, raw, err := src.FetchDayAhead(ctx, date)
	if err != nil {
		return false, fmt.Errorf("failed to fetch %s/%s: %w", src.Name(), date, err)
	}
	if !series.Complete(r.zone) {
		return false, fmt.Errorf("%w: %s/%s has %d intervals",
			ErrFetchIncomplete, src.Name(), date, len(series.Intervals))
	}

	rec := types.CachedPriceRecord{
		Series:    series,
		Raw:       raw,
		FetchedAt: time.Now().UTC(),
	}
	if err := r.store.PutPrices(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// lost a benign race; the first write stands
			log.Ctx(ctx).InfoContext(ctx, "prices cached concurrently", slog.String("date", date))
			return false, nil
		}
		return false, fmt.Errorf("failed to store %s/%s: %w", src.Name(), date, err)
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"cached day-ahead prices",
		slog.String("source", src.Name()),
		slog.String("date", date),
		slog.Int("intervals", len(series.Intervals)),
	)
	return true, nil
}

// LatestCachedDate returns the most recent local date the store holds for
// the active source.
func (r *Repository) LatestCachedDate(ctx context.Context) (string, error) {
	return r.store.LatestPriceDate(ctx, r.sourceName)
}

// Lookup loads the series covering now's local day. storage.ErrNotFound
// passes through when the day was never cached.
func (r *Repository) Lookup(ctx context.Context, now time.Time) (types.PriceSeries, error) {
	date := now.In(r.zone).Format(types.DateFormat)
	rec, err := r.store.GetPrices(ctx, r.sourceName, date)
	if err != nil {
		return types.PriceSeries{}, err
	}
	return rec.Series, nil
}
