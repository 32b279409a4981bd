package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/solcurb/solcurb/pkg/analyzer"
	"github.com/solcurb/solcurb/pkg/inverter"
	"github.com/solcurb/solcurb/pkg/market"
	"github.com/solcurb/solcurb/pkg/reconciler"
	"github.com/solcurb/solcurb/pkg/repository"
	"github.com/solcurb/solcurb/pkg/storage"
	"github.com/solcurb/solcurb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mid-July afternoon, well inside daylight at the test site
var testNow = func() time.Time {
	loc, err := time.LoadLocation("Europe/Sofia")
	if err != nil {
		panic(err)
	}
	return time.Date(2026, 7, 15, 13, 0, 0, 0, loc)
}()

type recordingNotifier struct {
	mu      sync.Mutex
	events  []types.Event
	ctxErrs []error
}

func (n *recordingNotifier) Notify(ctx context.Context, ev types.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	n.ctxErrs = append(n.ctxErrs, ctx.Err())
	return nil
}

func (n *recordingNotifier) Events() []types.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.Event(nil), n.events...)
}

// CtxErrs returns the delivery context's state observed at each Notify call.
func (n *recordingNotifier) CtxErrs() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.ctxErrs...)
}

func daySeries(t *testing.T, date string, price float64) types.PriceSeries {
	t.Helper()
	day, err := time.ParseInLocation(types.DateFormat, date, testNow.Location())
	require.NoError(t, err)

	s := types.PriceSeries{Source: "mock", Date: date, Zone: "Europe/Sofia"}
	next := day.AddDate(0, 0, 1)
	for cur := day; cur.Before(next); cur = cur.Add(time.Hour) {
		s.Intervals = append(s.Intervals, types.PriceInterval{
			TSStart:   cur,
			TSEnd:     cur.Add(time.Hour),
			EURPerMWH: price,
		})
	}
	return s
}

type testEngine struct {
	*Engine

	store    *storage.FSStore
	source   *market.MockSource
	surface  *inverter.MockSurface
	notifier *recordingNotifier
}

func newTestEngine(t *testing.T, src *market.MockSource, sess *inverter.MockSession) *testEngine {
	t.Helper()

	st := storage.NewFSStore(t.TempDir())
	require.NoError(t, st.Init(context.Background()))

	sources := market.NewMap()
	sources.SetSource("mock", src)
	surface := &inverter.MockSurface{Session: sess}
	surfaces := inverter.NewMap()
	surfaces.SetSurface("mock", surface)

	repo := repository.New(sources, st, repository.Config{
		SourceName: "mock",
		Zone:       testNow.Location(),
		LeadTime:   11 * time.Hour,
	})
	an := analyzer.New(analyzer.Config{
		ThresholdEURPerMWH: 15.04,
		Latitude:           42.64,
		Longitude:          24.8,
	})
	rec := reconciler.New(surfaces, st, reconciler.Config{
		SurfaceName: "mock",
		Credentials: types.Credentials{Username: "operator", Password: "hunter2"},
		LimitedKW:   5,
		UnlimitedKW: 600,
	})
	n := &recordingNotifier{}

	return &testEngine{
		Engine: &Engine{
			repo:              repo,
			analyzer:          an,
			reconciler:        rec,
			notifier:          n,
			fetchInterval:     time.Hour,
			reconcileInterval: time.Minute,
			cycleTimeout:      3 * time.Second,
			now:               func() time.Time { return testNow },
		},
		store:    st,
		source:   src,
		surface:  surface,
		notifier: n,
	}
}

func seedPrices(t *testing.T, st *storage.FSStore, series types.PriceSeries) {
	t.Helper()
	require.NoError(t, st.PutPrices(context.Background(), types.CachedPriceRecord{
		Series:    series,
		FetchedAt: time.Now().UTC(),
	}))
}

func TestFetchCycle(t *testing.T) {
	ctx := context.Background()
	src := &market.MockSource{
		FetchFunc: func(ctx context.Context, date string) (types.PriceSeries, []byte, error) {
			return daySeries(t, date, 12.0), []byte(`{"raw":true}`), nil
		},
	}
	e := newTestEngine(t, src, nil)

	// 13:00 with an 11h lead puts tomorrow inside the fetch window
	ev, err := e.TryCycle(ctx, KindFetch, false)
	require.NoError(t, err)
	assert.Equal(t, types.EventPricesFetched, ev.Kind)
	assert.Equal(t, "2026-07-15, 2026-07-16", ev.Date)
	assert.Len(t, e.notifier.Events(), 1)

	// second run finds everything cached and stays silent
	ev, err = e.TryCycle(ctx, KindFetch, false)
	require.NoError(t, err)
	assert.Empty(t, ev.Kind)
	assert.Equal(t, 1, src.FetchCount("2026-07-15"))
	assert.Equal(t, 1, src.FetchCount("2026-07-16"))
	assert.Len(t, e.notifier.Events(), 1)
}

func TestFetchCycleIncomplete(t *testing.T) {
	ctx := context.Background()
	src := &market.MockSource{
		FetchFunc: func(ctx context.Context, date string) (types.PriceSeries, []byte, error) {
			s := daySeries(t, date, 12.0)
			s.Intervals = s.Intervals[:20]
			return s, nil, nil
		},
	}
	e := newTestEngine(t, src, nil)

	ev, err := e.TryCycle(ctx, KindFetch, false)
	require.Error(t, err)
	require.ErrorIs(t, err, repository.ErrFetchIncomplete)
	assert.Equal(t, types.EventError, ev.Kind)
	assert.Equal(t, "FetchIncomplete", ev.ErrorKind)
	assert.Len(t, e.notifier.Events(), 1)
}

func TestReconcileCycleChange(t *testing.T) {
	ctx := context.Background()
	sess := &inverter.MockSession{Live: types.PowerSetting{NoLimit: true}, ApplyWrites: true}
	e := newTestEngine(t, &market.MockSource{}, sess)
	seedPrices(t, e.store, daySeries(t, "2026-07-15", 10.0))

	ev, err := e.TryCycle(ctx, KindReconcile, false)
	require.NoError(t, err)
	assert.Equal(t, types.EventChanged, ev.Kind)
	assert.Equal(t, types.PowerUnlimited, ev.OldState)
	assert.Equal(t, types.PowerLimited, ev.NewState)
	require.NotNil(t, ev.Decision)
	assert.Equal(t, types.PowerLimited, ev.Decision.State)
	assert.Equal(t, 10.0, ev.Decision.EURPerMWH)
	assert.True(t, ev.Decision.Daylight)
	assert.Equal(t, []types.PowerSetting{{LimitKW: 5}}, sess.Writes())
	require.Len(t, e.notifier.Events(), 1)
}

func TestReconcileCycleUnchanged(t *testing.T) {
	ctx := context.Background()
	sess := &inverter.MockSession{Live: types.PowerSetting{NoLimit: true}, ApplyWrites: true}
	e := newTestEngine(t, &market.MockSource{}, sess)
	seedPrices(t, e.store, daySeries(t, "2026-07-15", 20.0))

	ev, err := e.TryCycle(ctx, KindReconcile, false)
	require.NoError(t, err)
	assert.Equal(t, types.EventUnchanged, ev.Kind)
	assert.Equal(t, types.PowerUnlimited, ev.State)
	require.NotNil(t, ev.Decision)
	assert.Equal(t, types.PowerUnlimited, ev.Decision.State)
	assert.Empty(t, sess.Writes(), "an in-state plant must not be written to")
	assert.Equal(t, 1, sess.Reads())
	require.Len(t, e.notifier.Events(), 1)
}

func TestReconcileCycleNoPrices(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &market.MockSource{}, &inverter.MockSession{})

	ev, err := e.TryCycle(ctx, KindReconcile, false)
	require.Error(t, err)
	assert.Equal(t, types.EventError, ev.Kind)
	assert.Equal(t, "NoApplicablePrice", ev.ErrorKind)
	assert.Equal(t, 0, e.surface.Logins(), "no decision means the surface is never touched")
	require.Len(t, e.notifier.Events(), 1)
}

func TestReconcileCycleWriteNotApplied(t *testing.T) {
	ctx := context.Background()
	sess := &inverter.MockSession{Live: types.PowerSetting{NoLimit: true}}
	e := newTestEngine(t, &market.MockSource{}, sess)
	seedPrices(t, e.store, daySeries(t, "2026-07-15", 10.0))

	ev, err := e.TryCycle(ctx, KindReconcile, false)
	require.Error(t, err)
	assert.Equal(t, types.EventError, ev.Kind)
	assert.Equal(t, string(reconciler.KindWriteNotApplied), ev.ErrorKind)
	require.NotNil(t, ev.Decision, "the decision still rides along on failures")
	require.Len(t, e.notifier.Events(), 1)
}

func TestReconcileCycleTimeoutEventDelivered(t *testing.T) {
	ctx := context.Background()
	// a surface read that hangs until the cycle deadline expires
	sess := &inverter.MockSession{
		ReadFunc: func(ctx context.Context) (types.PowerSetting, error) {
			<-ctx.Done()
			return types.PowerSetting{}, ctx.Err()
		},
	}
	e := newTestEngine(t, &market.MockSource{}, sess)
	e.cycleTimeout = 50 * time.Millisecond
	seedPrices(t, e.store, daySeries(t, "2026-07-15", 10.0))

	ev, err := e.TryCycle(ctx, KindReconcile, false)
	require.Error(t, err)
	assert.Equal(t, types.EventError, ev.Kind)
	assert.Equal(t, string(reconciler.KindTimeout), ev.ErrorKind)

	require.Len(t, e.notifier.Events(), 1)
	ctxErrs := e.notifier.CtxErrs()
	require.Len(t, ctxErrs, 1)
	assert.NoError(t, ctxErrs[0], "event delivery must not ride the expired cycle context")
}

func TestTryCycleBusy(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &market.MockSource{}, nil)

	e.mu.Lock()
	_, err := e.TryCycle(ctx, KindFetch, false)
	e.mu.Unlock()
	require.ErrorIs(t, err, ErrBusy)

	_, err = e.TryCycle(ctx, "restart", false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBusy)
}

func TestForceAnnotatesEvent(t *testing.T) {
	ctx := context.Background()
	sess := &inverter.MockSession{Live: types.PowerSetting{NoLimit: true}, ApplyWrites: true}
	e := newTestEngine(t, &market.MockSource{}, sess)
	seedPrices(t, e.store, daySeries(t, "2026-07-15", 20.0))

	ev, err := e.TryCycle(ctx, KindReconcile, true)
	require.NoError(t, err)
	assert.Equal(t, "manual trigger", ev.Detail)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	sess := &inverter.MockSession{Live: types.PowerSetting{NoLimit: true}, ApplyWrites: true}
	e := newTestEngine(t, &market.MockSource{}, sess)
	seedPrices(t, e.store, daySeries(t, "2026-07-15", 20.0))

	_, err := e.TryCycle(ctx, KindReconcile, false)
	require.NoError(t, err)

	st := e.Status()
	assert.NotEmpty(t, st.LastReconcile.CycleID)
	assert.Equal(t, KindReconcile, st.LastReconcile.Kind)
	require.NotNil(t, st.LastReconcile.Event)
	assert.Equal(t, types.EventUnchanged, st.LastReconcile.Event.Kind)
	assert.Empty(t, st.LastReconcile.Err)
	assert.Empty(t, st.LastFetch.CycleID)
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &market.MockSource{
		FetchFunc: func(ctx context.Context, date string) (types.PriceSeries, []byte, error) {
			return daySeries(t, date, 20.0), nil, nil
		},
	}
	sess := &inverter.MockSession{Live: types.PowerSetting{NoLimit: true}, ApplyWrites: true}
	e := newTestEngine(t, src, sess)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// the immediate first cycles run before the tickers start
	require.Eventually(t, func() bool {
		return e.Status().LastReconcile.CycleID != ""
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, e.Status().StartedAt.IsZero())
}
