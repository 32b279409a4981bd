package inverter

import (
	"context"
	"sync"
	"time"

	"github.com/solcurb/solcurb/pkg/types"
)

// MockSurface is a scripted Surface for tests. LoginFunc overrides the
// default behavior of handing out Session.
type MockSurface struct {
	LoginFunc func(ctx context.Context, creds types.Credentials) (Session, error)
	Session   *MockSession

	mu     sync.Mutex
	logins int
}

var _ Surface = (*MockSurface)(nil)

func (m *MockSurface) Name() string {
	return "mock"
}

func (m *MockSurface) Login(ctx context.Context, creds types.Credentials) (Session, error) {
	m.mu.Lock()
	m.logins++
	m.mu.Unlock()
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, creds)
	}
	return m.Session, nil
}

// Logins returns how many times Login ran.
func (m *MockSurface) Logins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins
}

// MockSession scripts a live limit value and records every call. ReadFunc
// and WriteFunc inject failures; when unset, reads return Live and writes
// are recorded, updating Live only when ApplyWrites is set (leaving it unset
// simulates a surface whose write silently no-ops).
type MockSession struct {
	ReadFunc    func(ctx context.Context) (types.PowerSetting, error)
	WriteFunc   func(ctx context.Context, setting types.PowerSetting) error
	Live        types.PowerSetting
	ApplyWrites bool

	mu      sync.Mutex
	reads   int
	writes  []types.PowerSetting
	logouts int
}

var _ Session = (*MockSession)(nil)

func (m *MockSession) ReadLimit(ctx context.Context) (types.PowerSetting, error) {
	m.mu.Lock()
	m.reads++
	m.mu.Unlock()
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Live, nil
}

func (m *MockSession) WriteLimit(ctx context.Context, setting types.PowerSetting) error {
	m.mu.Lock()
	m.writes = append(m.writes, setting)
	m.mu.Unlock()
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, setting)
	}
	if m.ApplyWrites {
		m.mu.Lock()
		m.Live = setting
		m.mu.Unlock()
	}
	return nil
}

func (m *MockSession) Snapshot() types.SessionEvidence {
	return types.SessionEvidence{
		Stage:       "mock",
		CapturedAt:  time.Now().UTC(),
		ContentType: "application/json",
		Body:        []byte(`{"mock":true}`),
	}
}

func (m *MockSession) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logouts++
	return nil
}

// Reads returns how many times ReadLimit ran.
func (m *MockSession) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Writes returns every setting passed to WriteLimit, in order.
func (m *MockSession) Writes() []types.PowerSetting {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.PowerSetting(nil), m.writes...)
}

// Logouts returns how many times Logout ran.
func (m *MockSession) Logouts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logouts
}
