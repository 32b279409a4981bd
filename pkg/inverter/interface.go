// Package inverter talks to the vendor cloud surface that holds a plant's
// grid export limit. The surface is remote-system truth: an operator or the
// vendor can change the limit at any time, so callers always read the live
// value instead of trusting anything cached locally.
package inverter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/solcurb/solcurb/pkg/types"
)

var (
	// ErrAuthFailed is returned by Login when the surface rejected the
	// credentials. Connectivity failures are returned as plain errors so the
	// caller can tell the two apart.
	ErrAuthFailed = errors.New("control surface rejected credentials")
	// ErrElementMissing is returned when an expected device or field cannot
	// be located on the surface. The vendor renames and moves things without
	// notice, so every read treats absence as a first-class failure.
	ErrElementMissing = errors.New("control surface element missing")
)

// Surface is a session-oriented remote control surface.
type Surface interface {
	// Name identifies the surface provider.
	Name() string

	// Login establishes an authenticated session. Bad credentials return
	// ErrAuthFailed; anything else is a connectivity problem.
	Login(ctx context.Context, creds types.Credentials) (Session, error)
}

// Session is one authenticated conversation with the surface. It must be
// released with Logout on every exit path.
type Session interface {
	// ReadLimit returns the live export limit setting.
	ReadLimit(ctx context.Context) (types.PowerSetting, error)

	// WriteLimit sets the export limit. The surface's own success signal is
	// not proof the value landed; callers confirm with a follow-up ReadLimit.
	WriteLimit(ctx context.Context, setting types.PowerSetting) error

	// Snapshot returns the last raw payload the session saw, for evidence
	// capture when something unexpected happened.
	Snapshot() types.SessionEvidence

	// Logout releases the session. Safe to call more than once.
	Logout(ctx context.Context) error
}

// Configured sets up the control surface providers and returns a Map.
func Configured() *Map {
	m := NewMap()
	m.SetSurface("fusionsolar", configuredFusion())
	return m
}

// Map manages multiple control surface providers.
type Map struct {
	mu       sync.Mutex
	surfaces map[string]Surface
}

// NewMap creates a new surface Map.
func NewMap() *Map {
	return &Map{
		surfaces: make(map[string]Surface),
	}
}

// Surface returns the surface for the given name.
func (m *Map) Surface(name string) (Surface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.surfaces[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown inverter provider: %s", name)
}

// SetSurface sets the surface for the given name. This is primarily used for
// testing.
func (m *Map) SetSurface(name string, s Surface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.surfaces[name] = s
}
