package storagemock

import (
	"context"

	"github.com/solcurb/solcurb/pkg/storage"
	"github.com/solcurb/solcurb/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

var _ storage.Store = (*MockStore)(nil)

func (m *MockStore) HasPrices(ctx context.Context, source, date string) (bool, error) {
	args := m.Called(ctx, source, date)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) PutPrices(ctx context.Context, rec types.CachedPriceRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockStore) GetPrices(ctx context.Context, source, date string) (types.CachedPriceRecord, error) {
	args := m.Called(ctx, source, date)
	if len(args) > 0 {
		return args.Get(0).(types.CachedPriceRecord), args.Error(1)
	}
	return types.CachedPriceRecord{}, nil
}

func (m *MockStore) LatestPriceDate(ctx context.Context, source string) (string, error) {
	args := m.Called(ctx, source)
	return args.String(0), args.Error(1)
}

func (m *MockStore) PutEvidence(ctx context.Context, ev types.SessionEvidence) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
