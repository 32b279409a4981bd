package market

import (
	"context"
	"sync"

	"github.com/solcurb/solcurb/pkg/types"
)

// MockSource is a scripted Source for tests. FetchFunc supplies the
// response; calls are counted so tests can assert fetch-once behavior.
type MockSource struct {
	FetchFunc func(ctx context.Context, date string) (types.PriceSeries, []byte, error)

	mu      sync.Mutex
	fetches []string
}

var _ Source = (*MockSource)(nil)

func (m *MockSource) Name() string {
	return "mock"
}

func (m *MockSource) FetchDayAhead(ctx context.Context, date string) (types.PriceSeries, []byte, error) {
	m.mu.Lock()
	m.fetches = append(m.fetches, date)
	m.mu.Unlock()
	return m.FetchFunc(ctx, date)
}

// FetchCount returns how many times FetchDayAhead ran for the given date.
func (m *MockSource) FetchCount(date string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, d := range m.fetches {
		if d == date {
			n++
		}
	}
	return n
}
