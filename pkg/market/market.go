package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/solcurb/solcurb/pkg/types"
)

// Source defines the interface for fetching day-ahead prices from a power
// exchange. A source returns the parsed series for one local calendar day
// plus the raw upstream payload so the store can keep it for audit.
type Source interface {
	// Name identifies the source; it becomes the store key prefix.
	Name() string

	// FetchDayAhead fetches the auction results for the given local date
	// ("2006-01-02"). The returned series may be incomplete when the
	// auction has not cleared yet; the caller validates coverage.
	FetchDayAhead(ctx context.Context, date string) (types.PriceSeries, []byte, error)
}

// Configured sets up the market sources and returns a Map.
func Configured() *Map {
	m := NewMap()
	m.SetSource("ibex", configuredIBEX())
	return m
}

// Map manages multiple market sources.
type Map struct {
	mu      sync.Mutex
	sources map[string]Source
}

// NewMap creates a new source Map.
func NewMap() *Map {
	return &Map{
		sources: make(map[string]Source),
	}
}

// Source returns the source for the given name.
func (m *Map) Source(name string) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sources[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown market source: %s", name)
}

// SetSource sets the source for the given name. This is primarily used for
// testing.
func (m *Map) SetSource(name string, s Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = s
}
