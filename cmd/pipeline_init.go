package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/storefront-sync/internal/engine"
	"github.com/sells-group/storefront-sync/internal/fetcher"
	"github.com/sells-group/storefront-sync/internal/metrics"
	"github.com/sells-group/storefront-sync/internal/pipeline"
	"github.com/sells-group/storefront-sync/internal/store"
	"github.com/sells-group/storefront-sync/internal/storefront"
)

// pipelineEnv holds the store, registry and pipeline needed by the
// run/route/fetch/merge/serve commands.
type pipelineEnv struct {
	Store    store.Store // may be nil when store.driver is none
	Registry *storefront.Registry
	Pipeline *pipeline.Pipeline
	Metrics  *metrics.Collector
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// storeConfig maps the application config onto the store package's.
func storeConfig() store.Config {
	dsn := cfg.Store.DatabaseURL
	if dsn == "" && cfg.Store.Driver == "sqlite" {
		dsn = "storefront-sync.db"
	}
	return store.Config{
		Driver: cfg.Store.Driver,
		DSN:    dsn,
		Pool: store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		},
	}
}

// initStore opens and migrates the configured run store. It returns nil
// when the driver is none.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, storeConfig())
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	return st, nil
}

// initPipeline validates the config, opens the store, builds the registry
// and engine, and wires the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg, err := pipeline.NewRegistry(cfg)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	httpClient := fetcher.NewHTTPClient(fetcher.HTTPOptions{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTP.Timeout,
	})
	loader := fetcher.NewLoader()
	loader.HTTP = httpClient

	m := metrics.Default()
	eng := engine.New(httpClient, loader, m)

	opts := []pipeline.Option{pipeline.WithMetrics(m), pipeline.WithSource(loader)}
	if st != nil {
		opts = append(opts, pipeline.WithStore(st))
	}
	p, err := pipeline.New(cfg, reg, eng, opts...)
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, err
	}

	return &pipelineEnv{
		Store:    st,
		Registry: reg,
		Pipeline: p,
		Metrics:  m,
	}, nil
}
