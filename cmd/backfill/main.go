// Command backfill pulls a historical range of day-ahead prices into the
// store, one date at a time through the same validation and write-once path
// the daemon uses. Handy for priming a fresh backend or filling gaps after
// an outage.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/solcurb/solcurb/pkg/log"
	"github.com/solcurb/solcurb/pkg/market"
	"github.com/solcurb/solcurb/pkg/repository"
	"github.com/solcurb/solcurb/pkg/storage"
	"github.com/solcurb/solcurb/pkg/types"
)

func main() {
	sources := market.Configured()
	store := storage.Configured()
	repo := repository.Configured(sources, store)

	start := lflag.RequiredString("start", "First date to backfill (2006-01-02)")
	end := lflag.String("end", "", "Last date to backfill, inclusive; defaults to start")
	lflag.Configure()

	ctx := context.Background()
	defer func() {
		if err := store.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	from, err := time.ParseInLocation(types.DateFormat, *start, repo.Zone())
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid start date", "error", err)
		os.Exit(1)
	}
	to := from
	if *end != "" {
		to, err = time.ParseInLocation(types.DateFormat, *end, repo.Zone())
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invalid end date", "error", err)
			os.Exit(1)
		}
	}
	if to.Before(from) {
		log.Ctx(ctx).ErrorContext(ctx, "end date is before start date")
		os.Exit(1)
	}

	var failures int
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		date := day.Format(types.DateFormat)
		wrote, err := repo.FetchDate(ctx, date)
		switch {
		case err != nil:
			failures++
			log.Ctx(ctx).ErrorContext(ctx, "backfill failed", slog.String("date", date), slog.Any("error", err))
		case wrote:
			log.Ctx(ctx).InfoContext(ctx, "backfilled", slog.String("date", date))
		default:
			log.Ctx(ctx).InfoContext(ctx, "already cached", slog.String("date", date))
		}
	}

	if failures > 0 {
		log.Ctx(ctx).ErrorContext(ctx, "backfill finished with failures", slog.Int("failures", failures))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "backfill complete")
}
