// Package reconciler drives the remote control surface toward the analyzer's
// desired power state. It is a state machine with one hard rule: a write is
// never reported as applied without a confirming read, because the surface's
// own success signal can lie.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/solcurb/solcurb/pkg/inverter"
	"github.com/solcurb/solcurb/pkg/log"
	"github.com/solcurb/solcurb/pkg/storage"
	"github.com/solcurb/solcurb/pkg/types"
)

// State names a position in the reconcile sequence. NoopConfirmed and
// WriteConfirmed are the two successful terminals.
type State string

const (
	StateInit           State = "Init"
	StateAuthenticated  State = "Authenticated"
	StateLimitRead      State = "LimitRead"
	StateNoopConfirmed  State = "NoopConfirmed"
	StateWriteIssued    State = "WriteIssued"
	StateWriteConfirmed State = "WriteConfirmed"
	StateFailed         State = "Failed"
)

// Kind classifies a reconcile failure so callers can act on it without
// string matching.
type Kind string

const (
	// KindAuth means the surface rejected the credentials.
	KindAuth Kind = "AuthError"
	// KindUnavailable means the surface could not be reached.
	KindUnavailable Kind = "UnavailableError"
	// KindRead means the live limit could not be read.
	KindRead Kind = "ReadError"
	// KindWriteNotApplied means the confirming read still disagreed with the
	// desired value after a write.
	KindWriteNotApplied Kind = "WriteNotApplied"
	// KindAmbiguousWrite means the cycle died between issuing the write and
	// confirming it. The write may or may not have landed; the next cycle's
	// read resolves it. Never treated as success or as a clean failure.
	KindAmbiguousWrite Kind = "AmbiguousWrite"
	// KindTimeout means the cycle deadline expired before any write was
	// issued.
	KindTimeout Kind = "Timeout"
)

// Error is a reconcile failure with the state it happened in.
type Error struct {
	Kind  Kind
	Stage State
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s at %s", e.Kind, e.Stage)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Outcome is the result of one reconcile run.
type Outcome struct {
	CycleID string
	State   State
	// Live is the limit read before any write.
	Live types.PowerSetting
	// Wrote is the setting issued on mismatch, zero on the noop path.
	Wrote types.PowerSetting
	// Before and After classify the live value before and after the run.
	Before types.PowerState
	After  types.PowerState
	// Changed is true only when a confirmed write changed the state.
	Changed bool
}

// Config holds the reconciler settings that stay fixed across cycles.
type Config struct {
	// SurfaceName selects the control surface in the Map.
	SurfaceName string
	// Credentials authenticate against the surface.
	Credentials types.Credentials
	// LimitedKW and UnlimitedKW are the export ceilings written for the two
	// desired states.
	LimitedKW   float64
	UnlimitedKW float64
}

// Reconciler compares the live export limit against a desired state and
// converges them with at most one write per run.
type Reconciler struct {
	surfaces *inverter.Map
	store    storage.Store

	surfaceName string
	creds       types.Credentials
	limited     types.PowerSetting
	unlimited   types.PowerSetting
}

// New creates a Reconciler.
func New(surfaces *inverter.Map, store storage.Store, cfg Config) *Reconciler {
	return &Reconciler{
		surfaces:    surfaces,
		store:       store,
		surfaceName: cfg.SurfaceName,
		creds:       cfg.Credentials,
		limited:     types.PowerSetting{LimitKW: cfg.LimitedKW},
		unlimited:   types.PowerSetting{LimitKW: cfg.UnlimitedKW},
	}
}

// Configured sets up the Reconciler with dependencies. It uses lflag to
// register command-line flags for configuration.
func Configured(surfaces *inverter.Map, store storage.Store) *Reconciler {
	r := &Reconciler{
		surfaces: surfaces,
		store:    store,
	}

	provider := lflag.String("inverter-provider", "fusionsolar", "Control surface provider to reconcile against")
	username := lflag.RequiredString("fusion-username", "Control surface login username")
	password := lflag.RequiredString("fusion-password", "Control surface login password")
	limitedKW := 5.0
	lflag.JSON(&limitedKW, "limited-kw", limitedKW, "Export ceiling in kW written for the LIMITED state")
	unlimitedKW := 600.0
	lflag.JSON(&unlimitedKW, "unlimited-kw", unlimitedKW, "Export ceiling in kW written for the UNLIMITED state")

	lflag.Do(func() {
		r.surfaceName = *provider
		r.creds = types.Credentials{Username: *username, Password: *password}
		r.limited = types.PowerSetting{LimitKW: limitedKW}
		r.unlimited = types.PowerSetting{LimitKW: unlimitedKW}
	})

	return r
}

// setting maps a desired state to the concrete value written to the surface.
func (r *Reconciler) setting(state types.PowerState) types.PowerSetting {
	if state == types.PowerLimited {
		return r.limited
	}
	return r.unlimited
}

// classify maps a live setting to a power state. The surface's "no limit"
// marker counts as UNLIMITED; a value matching neither configured setting is
// PowerUnknown and always reconciled.
func (r *Reconciler) classify(s types.PowerSetting) types.PowerState {
	switch {
	case s.Equal(r.limited):
		return types.PowerLimited
	case s.NoLimit || s.Equal(r.unlimited):
		return types.PowerUnlimited
	}
	return types.PowerUnknown
}

// Reconcile runs one cycle against the surface: login, read the live limit,
// and only on a state mismatch issue a single write followed by a mandatory
// confirming read. ctx carries the hard per-cycle deadline; expiry before
// the write is a Timeout, expiry at or after it is an AmbiguousWrite. The
// session is released on every exit path.
func (r *Reconciler) Reconcile(ctx context.Context, cycleID string, desired types.PowerState) (Outcome, error) {
	out := Outcome{CycleID: cycleID, State: StateInit}

	surface, err := r.surfaces.Surface(r.surfaceName)
	if err != nil {
		return r.fail(ctx, out, KindUnavailable, err)
	}

	sess, err := surface.Login(ctx, r.creds)
	if err != nil {
		kind := KindUnavailable
		switch {
		case interrupted(ctx, err):
			kind = KindTimeout
		case errors.Is(err, inverter.ErrAuthFailed):
			kind = KindAuth
		}
		return r.fail(ctx, out, kind, err)
	}
	out.State = StateAuthenticated
	defer r.logout(ctx, sess)

	live, err := sess.ReadLimit(ctx)
	if err != nil {
		if interrupted(ctx, err) {
			return r.fail(ctx, out, KindTimeout, err)
		}
		r.capture(ctx, sess, cycleID)
		return r.fail(ctx, out, KindRead, err)
	}
	out.State = StateLimitRead
	out.Live = live
	out.Before = r.classify(live)

	if out.Before == desired {
		out.State = StateNoopConfirmed
		out.After = desired
		log.Ctx(ctx).DebugContext(
			ctx,
			"power limit already at desired state",
			slog.String("state", string(desired)),
			slog.String("live", live.String()),
		)
		return out, nil
	}

	want := r.setting(desired)
	out.State = StateWriteIssued
	out.Wrote = want
	if err := sess.WriteLimit(ctx, want); err != nil {
		// a failed write call is still ambiguous: the surface may have
		// applied it before the failure
		r.capture(ctx, sess, cycleID)
		return r.fail(ctx, out, KindAmbiguousWrite, err)
	}

	confirmed, err := sess.ReadLimit(ctx)
	if err != nil {
		r.capture(ctx, sess, cycleID)
		return r.fail(ctx, out, KindAmbiguousWrite, fmt.Errorf("confirming read failed: %w", err))
	}
	if r.classify(confirmed) != desired {
		r.capture(ctx, sess, cycleID)
		return r.fail(ctx, out, KindWriteNotApplied,
			fmt.Errorf("wrote %s but surface reads %s", want, confirmed))
	}

	out.State = StateWriteConfirmed
	out.After = desired
	out.Changed = true
	log.Ctx(ctx).InfoContext(
		ctx,
		"power limit changed",
		slog.String("before", string(out.Before)),
		slog.String("after", string(out.After)),
		slog.String("wrote", want.String()),
	)
	return out, nil
}

func (r *Reconciler) fail(ctx context.Context, out Outcome, kind Kind, err error) (Outcome, error) {
	stage := out.State
	out.State = StateFailed
	ferr := &Error{Kind: kind, Stage: stage, Err: err}
	log.Ctx(ctx).ErrorContext(
		ctx,
		"reconcile failed",
		slog.String("kind", string(kind)),
		slog.String("stage", string(stage)),
		slog.Any("error", err),
	)
	return out, ferr
}

// capture persists the session's last payload as evidence. Best effort: an
// evidence failure must never mask the error being reported.
func (r *Reconciler) capture(ctx context.Context, sess inverter.Session, cycleID string) {
	ev := sess.Snapshot()
	ev.CycleID = cycleID
	if ev.CapturedAt.IsZero() {
		ev.CapturedAt = time.Now().UTC()
	}

	// ctx may already be dead; evidence gets its own short deadline
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.PutEvidence(ectx, ev); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to store evidence", slog.Any("error", err), slog.String("stage", ev.Stage))
	}
}

// logout releases the session on every exit path with its own deadline so an
// expired cycle cannot skip teardown.
func (r *Reconciler) logout(ctx context.Context, sess inverter.Session) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := sess.Logout(lctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to logout", slog.Any("error", err))
	}
}

// interrupted reports whether err is the cycle deadline or cancellation
// rather than a surface failure.
func interrupted(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}
