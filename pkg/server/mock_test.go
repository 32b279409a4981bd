package server

import (
	"context"
	"sync"

	"github.com/solcurb/solcurb/pkg/scheduler"
	"github.com/solcurb/solcurb/pkg/types"
)

// fakeEngine scripts the cycle engine for handler tests.
type fakeEngine struct {
	status  scheduler.Status
	tryFunc func(ctx context.Context, kind string, force bool) (types.Event, error)

	mu    sync.Mutex
	tries []string
}

func (f *fakeEngine) TryCycle(ctx context.Context, kind string, force bool) (types.Event, error) {
	f.mu.Lock()
	f.tries = append(f.tries, kind)
	f.mu.Unlock()
	if f.tryFunc != nil {
		return f.tryFunc(ctx, kind, force)
	}
	return types.Event{}, nil
}

func (f *fakeEngine) Status() scheduler.Status {
	return f.status
}

func (f *fakeEngine) Tries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tries...)
}

// fakePrices scripts the repository's latest-date lookup.
type fakePrices struct {
	date string
	err  error
}

func (f *fakePrices) LatestCachedDate(ctx context.Context) (string, error) {
	return f.date, f.err
}
