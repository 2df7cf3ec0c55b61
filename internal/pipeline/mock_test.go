package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/storefront-sync/internal/model"
	"github.com/sells-group/storefront-sync/internal/store"
)

// --- Run Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateRun(ctx context.Context, input string) (*model.Run, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	args := m.Called(ctx, runID, status)
	return args.Error(0)
}

func (m *mockStore) CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error {
	args := m.Called(ctx, runID, summary)
	return args.Error(0)
}

func (m *mockStore) FailRun(ctx context.Context, runID string, summary *model.RunSummary, runErr error) error {
	args := m.Called(ctx, runID, summary, runErr)
	return args.Error(0)
}

func (m *mockStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Run), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// --- Mirroring Store Mock ---

type mockMirrorStore struct {
	mockStore
}

func (m *mockMirrorStore) UpsertCanonical(ctx context.Context, recs []model.CanonicalRecord) (int64, error) {
	args := m.Called(ctx, recs)
	return args.Get(0).(int64), args.Error(1)
}

// --- Ensure interface compliance ---
var (
	_ store.Store           = (*mockStore)(nil)
	_ store.CanonicalMirror = (*mockMirrorStore)(nil)
)
