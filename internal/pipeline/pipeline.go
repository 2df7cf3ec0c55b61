// Package pipeline runs the storefront sync end to end: read identifiers,
// classify them, validate each storefront's share and reconcile the results
// into the canonical table.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/storefront-sync/internal/config"
	"github.com/sells-group/storefront-sync/internal/engine"
	"github.com/sells-group/storefront-sync/internal/input"
	"github.com/sells-group/storefront-sync/internal/merge"
	"github.com/sells-group/storefront-sync/internal/metrics"
	"github.com/sells-group/storefront-sync/internal/model"
	"github.com/sells-group/storefront-sync/internal/resilience"
	"github.com/sells-group/storefront-sync/internal/router"
	"github.com/sells-group/storefront-sync/internal/store"
	"github.com/sells-group/storefront-sync/internal/storefront"
)

// Pipeline wires the router, engine and merge stages together.
type Pipeline struct {
	cfg      *config.Config
	registry *storefront.Registry
	router   *router.Router
	engine   *engine.Engine
	store    store.Store
	metrics  *metrics.Collector
	source   input.Source
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithStore records runs in st.
func WithStore(st store.Store) Option {
	return func(p *Pipeline) { p.store = st }
}

// WithMetrics reports to m.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSource reads input files through src instead of the default loader.
func WithSource(src input.Source) Option {
	return func(p *Pipeline) { p.source = src }
}

// New creates a Pipeline. reg and eng are required.
func New(cfg *config.Config, reg *storefront.Registry, eng *engine.Engine, opts ...Option) (*Pipeline, error) {
	if cfg == nil || reg == nil || eng == nil {
		return nil, eris.New("pipeline: config, registry and engine are required")
	}
	policy, err := router.ParsePolicy(cfg.Routing.Policy)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: routing policy")
	}
	rules, err := Rules(cfg.Routing)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:      cfg,
		registry: reg,
		router:   router.New(rules, policy),
		engine:   eng,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Rules compiles the configured routing rules ahead of the built-in ones.
func Rules(rc config.RoutingConfig) ([]router.Rule, error) {
	rules := make([]router.Rule, 0, len(rc.Rules))
	for _, r := range rc.Rules {
		rule, err := router.NewRule(r.Store, r.Patterns...)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: routing rules")
		}
		rules = append(rules, rule)
	}
	if rc.ReplaceDefaults {
		return rules, nil
	}
	return append(rules, router.DefaultRules()...), nil
}

// NewRegistry builds the storefront registry from the defaults, the optional
// descriptor file and the configured reference sources.
func NewRegistry(cfg *config.Config) (*storefront.Registry, error) {
	reg := storefront.DefaultRegistry()
	if cfg.Storefronts.File != "" {
		if err := reg.LoadOverrides(cfg.Storefronts.File); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(cfg.Storefronts.References))
	for name := range cfg.Storefronts.References {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := reg.SetReferenceSources(name, cfg.Storefronts.References[name]); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// CanonicalPath is where the canonical table lives.
func CanonicalPath(cfg *config.Config) string {
	if cfg.Paths.Canonical != "" {
		return cfg.Paths.Canonical
	}
	return filepath.Join(cfg.Paths.OutputDir, merge.CanonicalFile)
}

// Route classifies ids, writes the per-store identifier files and saves new
// assignments to the routing cache. The cache is read and written outside
// any fetch.
func (p *Pipeline) Route(_ context.Context, ids []string) (*router.Result, error) {
	cache, err := router.LoadCache(p.cfg.Paths.Cache)
	if err != nil {
		return nil, err
	}
	res := p.router.Classify(ids, cache)
	if p.cfg.Paths.RoutedDir != "" {
		if err := router.WriteRouted(p.cfg.Paths.RoutedDir, res); err != nil {
			return nil, err
		}
	}
	if err := cache.Save(); err != nil {
		return nil, err
	}
	return res, nil
}

// Fetch validates every store's identifiers. Stores run one at a time unless
// run.parallel_stores is above one. A store with a configuration problem is
// reported as skipped and the others carry on. Summaries come back in store
// name order.
func (p *Pipeline) Fetch(ctx context.Context, routed map[string][]string) ([]model.StoreSummary, error) {
	stores := p.selectStores(routed)
	summaries := make([]model.StoreSummary, len(stores))

	parallel := p.cfg.Run.ParallelStores
	if parallel < 1 {
		parallel = 1
	}
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, name := range stores {
		g.Go(func() error {
			sum, err := p.fetchStore(ctx, name, routed[name])
			summaries[i] = sum
			return err
		})
	}
	err := g.Wait()
	return summaries, err
}

func (p *Pipeline) selectStores(routed map[string][]string) []string {
	allowed := make(map[string]bool, len(p.cfg.Run.Stores))
	for _, s := range p.cfg.Run.Stores {
		allowed[s] = true
	}
	var out []string
	for name := range routed {
		if len(allowed) > 0 && !allowed[name] {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *Pipeline) fetchStore(ctx context.Context, name string, ids []string) (model.StoreSummary, error) {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("store", name))
	sum := model.StoreSummary{Store: name, Total: len(ids)}

	d, err := p.registry.Get(name)
	if err != nil {
		log.Info("no storefront descriptor, identifiers left unvalidated", zap.Int("identifiers", len(ids)))
		sum.Skipped = true
		sum.Unsupported = true
		sum.Error = err.Error()
		return sum, nil
	}

	sink := engine.NewTableSink(p.cfg.Paths.OutputDir, p.cfg.Paths.FailureDir, name, d.Columns)
	rep, err := p.engine.Run(ctx, d, ids, sink)
	if rep != nil {
		sum = rep.Summary()
	}
	switch {
	case err == nil:
		return sum, nil
	case errors.Is(err, resilience.ErrConfig):
		log.Error("skipping misconfigured store", zap.Error(err))
		sum.Skipped = true
		sum.Error = err.Error()
		return sum, nil
	case ctx.Err() != nil:
		sum.Error = err.Error()
		return sum, err
	default:
		log.Error("store run failed", zap.Error(err))
		sum.Error = err.Error()
		return sum, nil
	}
}

// Merge reconciles the storefront outputs into the canonical table and, when
// configured, mirrors the result into the run store.
func (p *Pipeline) Merge(ctx context.Context) (*merge.Report, error) {
	precedence, err := merge.ParsePrecedence(p.cfg.Merge.Precedence)
	if err != nil {
		return nil, err
	}
	rep, err := merge.Merge(ctx, merge.Options{
		OutputDir:     p.cfg.Paths.OutputDir,
		CanonicalPath: CanonicalPath(p.cfg),
		Precedence:    precedence,
		Registry:      p.registry,
	})
	if err != nil {
		return nil, err
	}
	if p.cfg.Merge.Mirror {
		if err := p.mirror(ctx, rep.Path); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (p *Pipeline) mirror(ctx context.Context, path string) error {
	m, ok := p.store.(store.CanonicalMirror)
	if !ok {
		zap.L().Warn("pipeline: run store cannot mirror the canonical table")
		return nil
	}
	recs, err := merge.ReadCanonical(path)
	if err != nil {
		return err
	}
	n, err := m.UpsertCanonical(ctx, recs)
	if err != nil {
		return eris.Wrap(err, "pipeline: mirror canonical table")
	}
	zap.L().Info("pipeline: canonical table mirrored", zap.Int64("rows", n))
	return nil
}

// Run executes a full pass over the identifiers in inputPath and records the
// outcome in the run store. A cancelled run keeps whatever the storefronts
// flushed but skips the merge.
func (p *Pipeline) Run(ctx context.Context, inputPath string) (*model.RunSummary, error) {
	start := time.Now()
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("input", inputPath))
	log.Info("pipeline: starting run")

	var run *model.Run
	if p.store != nil {
		r, err := p.store.CreateRun(ctx, inputPath)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: create run")
		}
		run = r
		log = log.With(zap.String("run_id", run.ID))
	}
	setStatus := func(status model.RunStatus) {
		if run == nil {
			return
		}
		if err := p.store.UpdateRunStatus(ctx, run.ID, status); err != nil {
			log.Warn("pipeline: failed to update status", zap.Error(err))
		}
	}

	summary := &model.RunSummary{}
	fail := func(err error) (*model.RunSummary, error) {
		summary.DurationMs = time.Since(start).Milliseconds()
		p.metrics.Run(string(model.RunStatusFailed), time.Since(start))
		if run != nil {
			// The run context may already be cancelled; record the failure anyway.
			if ferr := p.store.FailRun(context.WithoutCancel(ctx), run.ID, summary, err); ferr != nil {
				log.Warn("pipeline: failed to record run failure", zap.Error(ferr))
			}
		}
		log.Error("pipeline: run failed", zap.Error(err))
		return summary, err
	}

	ids, err := input.ReadIdentifiers(ctx, p.source, inputPath, p.cfg.Paths.InputColumn)
	if err != nil {
		return fail(err)
	}
	summary.Identifiers = len(ids)

	setStatus(model.RunStatusRouting)
	routed, err := p.Route(ctx, ids)
	if err != nil {
		return fail(err)
	}
	summary.Routed = routed.Total()
	summary.FromCache = routed.FromCache
	summary.Unmatched = len(routed.Unmatched)

	setStatus(model.RunStatusFetching)
	stores, err := p.Fetch(ctx, routed.Routed)
	summary.Stores = stores
	if err != nil {
		return fail(err)
	}

	setStatus(model.RunStatusMerging)
	mrep, err := p.Merge(ctx)
	if err != nil {
		return fail(err)
	}
	summary.Canonical = mrep.Canonical
	summary.Changed = mrep.Added + mrep.Changed
	summary.DurationMs = time.Since(start).Milliseconds()

	if run != nil {
		if err := p.store.CompleteRun(ctx, run.ID, summary); err != nil {
			log.Warn("pipeline: failed to record run result", zap.Error(err))
		}
	}
	p.metrics.Run(string(model.RunStatusComplete), time.Since(start))
	LogSummary(log, summary)
	return summary, nil
}

// LogSummary writes one line per storefront plus the run totals.
func LogSummary(log *zap.Logger, s *model.RunSummary) {
	for _, st := range s.Stores {
		log.Info("pipeline: store summary",
			zap.String("store", st.Store),
			zap.Int("total", st.Total),
			zap.Int("succeeded", st.Succeeded),
			zap.Int("failed", st.Failed),
			zap.Int("not_found", st.NotFound),
			zap.Int("cancelled", st.Cancelled),
			zap.Bool("skipped", st.Skipped),
			zap.String("error", st.Error),
		)
	}
	ok, failed := s.Totals()
	log.Info("pipeline: run complete",
		zap.Int("identifiers", s.Identifiers),
		zap.Int("routed", s.Routed),
		zap.Int("from_cache", s.FromCache),
		zap.Int("unmatched", s.Unmatched),
		zap.Int("succeeded", ok),
		zap.Int("failed", failed),
		zap.Int("canonical", s.Canonical),
		zap.Int("changed", s.Changed),
		zap.Int64("duration_ms", s.DurationMs),
	)
}
