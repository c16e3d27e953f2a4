package storage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/fieldsvc/schedule/scheduler/series"
)

// MockStorage implements the Store interface for testing
type MockStorage struct {
	mock.Mock
}

// ReadSubtree implements the Store interface
func (m *MockStorage) ReadSubtree(ctx context.Context, path string) (map[string][]byte, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]byte), args.Error(1)
}

// WriteMulti implements the Store interface
func (m *MockStorage) WriteMulti(ctx context.Context, updates map[string]Update) error {
	args := m.Called(ctx, updates)
	return args.Error(0)
}

// NewID implements the Store interface
func (m *MockStorage) NewID(ctx context.Context, path string) (string, error) {
	args := m.Called(ctx, path)
	return args.String(0), args.Error(1)
}

// Subscribe implements the Store interface
func (m *MockStorage) Subscribe(ctx context.Context, path string, onChange func(Event)) (func(), error) {
	args := m.Called(ctx, path, onChange)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func()), args.Error(1)
}

// --- Helper methods for creating test data ---

// MockSeriesNodes encodes series records into the map ReadSubtree returns.
func MockSeriesNodes(records ...*series.Series) map[string][]byte {
	out := make(map[string][]byte, len(records))
	for _, s := range records {
		path, u, err := EncodeSeriesUpdate(s)
		if err != nil {
			panic(err)
		}
		out[path] = u.Value
	}
	return out
}
