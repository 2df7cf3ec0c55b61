// Package store persists run history: one row per pipeline run with its
// status and summary.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/storefront-sync/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for run history.
type Store interface {
	CreateRun(ctx context.Context, input string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	// CompleteRun stores the summary and marks the run complete.
	CompleteRun(ctx context.Context, runID string, summary *model.RunSummary) error
	// FailRun marks the run failed. summary may be nil.
	FailRun(ctx context.Context, runID string, summary *model.RunSummary, runErr error) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	Migrate(ctx context.Context) error
	Close() error
}

// CanonicalMirror is implemented by stores that can hold a copy of the
// canonical developer-URL table.
type CanonicalMirror interface {
	UpsertCanonical(ctx context.Context, recs []model.CanonicalRecord) (int64, error)
}

// Config selects and configures a Store.
type Config struct {
	// Driver is "sqlite", "postgres" or "none".
	Driver string     `yaml:"driver" mapstructure:"driver"`
	DSN    string     `yaml:"dsn" mapstructure:"dsn"`
	Pool   PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// Open creates and migrates the configured store. Driver "none" (or empty)
// returns a nil Store and no error.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		s, err = NewSQLite(cfg.DSN)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DSN, &cfg.Pool)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
