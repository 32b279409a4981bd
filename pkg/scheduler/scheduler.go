// Package scheduler runs the two recurring jobs: keeping the price store
// stocked (fetch cycles) and converging the control surface on the current
// decision (reconcile cycles). One mutex serializes every cycle, since the
// remote surface is a single session-oriented resource and concurrent
// writers would race.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/solcurb/solcurb/pkg/analyzer"
	"github.com/solcurb/solcurb/pkg/log"
	"github.com/solcurb/solcurb/pkg/notify"
	"github.com/solcurb/solcurb/pkg/reconciler"
	"github.com/solcurb/solcurb/pkg/repository"
	"github.com/solcurb/solcurb/pkg/storage"
	"github.com/solcurb/solcurb/pkg/types"
)

// ErrBusy is returned by TryCycle while another cycle holds the engine.
var ErrBusy = errors.New("cycle already in progress")

// Cycle kinds accepted by TryCycle.
const (
	KindFetch     = "fetch"
	KindReconcile = "reconcile"
)

// CycleResult is the recorded outcome of one cycle, for the status API.
type CycleResult struct {
	CycleID  string       `json:"cycleID"`
	Kind     string       `json:"kind"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	Err      string       `json:"error,omitempty"`
	Event    *types.Event `json:"event,omitempty"`
}

// Status is a snapshot of the engine for the status API.
type Status struct {
	StartedAt     time.Time   `json:"startedAt"`
	LastFetch     CycleResult `json:"lastFetch"`
	LastReconcile CycleResult `json:"lastReconcile"`
}

// Engine owns the cycle loop.
type Engine struct {
	repo       *repository.Repository
	analyzer   *analyzer.Analyzer
	reconciler *reconciler.Reconciler
	notifier   notify.Notifier

	fetchInterval     time.Duration
	reconcileInterval time.Duration
	cycleTimeout      time.Duration

	// now stands in for time.Now so tests can pin the decision instant
	now func() time.Time

	// mu serializes cycles; the ticker loop takes it blocking, manual
	// triggers with TryLock
	mu sync.Mutex

	statusMu      sync.Mutex
	startedAt     time.Time
	lastFetch     CycleResult
	lastReconcile CycleResult
}

// Configured sets up the Engine with dependencies. It uses lflag to register
// command-line flags for configuration.
func Configured(repo *repository.Repository, an *analyzer.Analyzer, rec *reconciler.Reconciler, n notify.Notifier) *Engine {
	e := &Engine{
		repo:       repo,
		analyzer:   an,
		reconciler: rec,
		notifier:   n,
		now:        time.Now,
	}

	fetchInterval := lflag.Duration("fetch-interval", time.Hour, "How often to run the price fetch cycle")
	reconcileInterval := lflag.Duration("reconcile-interval", 15*time.Minute, "How often to run the reconcile cycle")
	cycleTimeout := lflag.Duration("cycle-timeout", 3*time.Minute, "Hard deadline for a single cycle")

	lflag.Do(func() {
		e.fetchInterval = *fetchInterval
		e.reconcileInterval = *reconcileInterval
		e.cycleTimeout = *cycleTimeout
	})

	return e
}

// Run drives the tickers until ctx is canceled. The first fetch runs
// immediately so a fresh deployment has prices before the first reconcile.
func (e *Engine) Run(ctx context.Context) error {
	e.statusMu.Lock()
	e.startedAt = time.Now()
	e.statusMu.Unlock()

	e.cycle(ctx, KindFetch, false)
	e.cycle(ctx, KindReconcile, false)

	fetchTicker := time.NewTicker(e.fetchInterval)
	defer fetchTicker.Stop()
	reconcileTicker := time.NewTicker(e.reconcileInterval)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "scheduler stopping")
			return nil
		case <-fetchTicker.C:
			e.cycle(ctx, KindFetch, false)
		case <-reconcileTicker.C:
			e.cycle(ctx, KindReconcile, false)
		}
	}
}

// TryCycle runs one cycle for an external trigger. It refuses with ErrBusy
// instead of queueing behind a running cycle.
func (e *Engine) TryCycle(ctx context.Context, kind string, force bool) (types.Event, error) {
	if kind != KindFetch && kind != KindReconcile {
		return types.Event{}, fmt.Errorf("unknown cycle kind: %s", kind)
	}
	if !e.mu.TryLock() {
		return types.Event{}, ErrBusy
	}
	defer e.mu.Unlock()
	return e.cycleLocked(ctx, kind, force)
}

// Status returns the engine snapshot for the status API.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return Status{
		StartedAt:     e.startedAt,
		LastFetch:     e.lastFetch,
		LastReconcile: e.lastReconcile,
	}
}

func (e *Engine) cycle(ctx context.Context, kind string, force bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// errors were already notified and recorded inside the cycle
	_, _ = e.cycleLocked(ctx, kind, force)
}

// cycleLocked runs one cycle under the engine mutex with a fresh cycle ID
// and the hard per-cycle deadline.
func (e *Engine) cycleLocked(ctx context.Context, kind string, force bool) (types.Event, error) {
	cycleID := uuid.NewString()
	ctx = log.WithCycle(ctx, kind, cycleID)

	cctx, cancel := context.WithTimeout(ctx, e.cycleTimeout)
	defer cancel()

	res := CycleResult{CycleID: cycleID, Kind: kind, Started: time.Now()}
	log.Ctx(ctx).DebugContext(ctx, "cycle started")

	var ev types.Event
	var err error
	switch kind {
	case KindFetch:
		ev, err = e.fetchCycle(cctx)
	case KindReconcile:
		ev, err = e.reconcileCycle(cctx, cycleID, force)
	}

	res.Finished = time.Now()
	if err != nil {
		res.Err = err.Error()
	}
	if ev.Kind != "" {
		res.Event = &ev
	}

	e.statusMu.Lock()
	if kind == KindFetch {
		e.lastFetch = res
	} else {
		e.lastReconcile = res
	}
	e.statusMu.Unlock()

	log.Ctx(ctx).DebugContext(
		ctx,
		"cycle finished",
		slog.Duration("elapsed", res.Finished.Sub(res.Started)),
		slog.String("error", res.Err),
	)
	return ev, err
}

// fetchCycle keeps the store stocked. At most one event: PricesFetched when
// a new day landed, Error on failure, silence when everything was cached.
func (e *Engine) fetchCycle(ctx context.Context) (types.Event, error) {
	stored, err := e.repo.EnsureCached(ctx, e.now())
	if err != nil {
		kind := "FetchError"
		if errors.Is(err, repository.ErrFetchIncomplete) {
			kind = "FetchIncomplete"
		}
		ev := types.Event{
			Kind:      types.EventError,
			Timestamp: time.Now(),
			ErrorKind: kind,
			Detail:    err.Error(),
		}
		e.notify(ctx, ev)
		return ev, err
	}
	if len(stored) == 0 {
		// already cached, nothing to say
		return types.Event{}, nil
	}

	ev := types.Event{
		Kind:      types.EventPricesFetched,
		Timestamp: time.Now(),
		Date:      strings.Join(stored, ", "),
	}
	e.notify(ctx, ev)
	return ev, nil
}

// reconcileCycle decides the desired state for now and drives the surface
// toward it. Exactly one event per cycle, whatever happens.
func (e *Engine) reconcileCycle(ctx context.Context, cycleID string, force bool) (types.Event, error) {
	now := e.now()

	series, err := e.repo.Lookup(ctx, now)
	if err != nil {
		// no cached day means no decision: the reconciler is not run
		kind := "StorageError"
		if errors.Is(err, storage.ErrNotFound) {
			kind = "NoApplicablePrice"
		}
		return e.errorEvent(ctx, kind, err, nil, force)
	}

	dec, err := e.analyzer.Decide(ctx, now, series)
	if err != nil {
		kind := "DecisionError"
		if errors.Is(err, analyzer.ErrNoApplicablePrice) {
			kind = "NoApplicablePrice"
		}
		return e.errorEvent(ctx, kind, err, nil, force)
	}

	out, err := e.reconciler.Reconcile(ctx, cycleID, dec.State)
	if err != nil {
		kind := "ReconcileError"
		var rerr *reconciler.Error
		if errors.As(err, &rerr) {
			kind = string(rerr.Kind)
		}
		return e.errorEvent(ctx, kind, err, &dec, force)
	}

	ev := types.Event{
		Timestamp: time.Now(),
		Decision:  &dec,
	}
	if out.Changed {
		ev.Kind = types.EventChanged
		ev.OldState = out.Before
		ev.NewState = out.After
	} else {
		ev.Kind = types.EventUnchanged
		ev.State = out.After
	}
	if force {
		ev.Detail = "manual trigger"
	}
	e.notify(ctx, ev)
	return ev, nil
}

func (e *Engine) errorEvent(ctx context.Context, kind string, err error, dec *types.PowerDecision, force bool) (types.Event, error) {
	ev := types.Event{
		Kind:      types.EventError,
		Timestamp: time.Now(),
		ErrorKind: kind,
		Detail:    err.Error(),
		Decision:  dec,
	}
	if force {
		ev.Detail = "manual trigger: " + ev.Detail
	}
	e.notify(ctx, ev)
	return ev, err
}

// notify delivers the event on its own short deadline, detached from the
// cycle context: an expired cycle must still be able to report its own
// timeout. Delivery failure is logged, never fatal to the cycle.
func (e *Engine) notify(ctx context.Context, ev types.Event) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.notifier.Notify(nctx, ev); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to deliver notification", slog.Any("error", err), slog.String("kind", string(ev.Kind)))
	}
}
