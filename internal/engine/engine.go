// Package engine validates identifiers against one storefront with bounded
// concurrency, retries and batched, atomically replaced output tables.
package engine

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/storefront-sync/internal/extract"
	"github.com/sells-group/storefront-sync/internal/fetcher"
	"github.com/sells-group/storefront-sync/internal/metrics"
	"github.com/sells-group/storefront-sync/internal/model"
	"github.com/sells-group/storefront-sync/internal/resilience"
	"github.com/sells-group/storefront-sync/internal/storefront"
	"github.com/sells-group/storefront-sync/internal/table"
)

// Doer performs a single storefront request.
type Doer interface {
	Do(ctx context.Context, r fetcher.Request) (*fetcher.Response, error)
}

// rateLimiter is implemented by Doers that support per-host limits.
type rateLimiter interface {
	SetRateLimit(host string, perSecond float64, burst int)
}

// blockReporter is implemented by Doers that back off after a block page.
type blockReporter interface {
	OnBlocked(rawURL string)
}

// Loader loads reference datasets.
type Loader interface {
	Load(ctx context.Context, src string) (*table.Table, error)
}

// pendingFactor bounds how many identifiers may sit between attempts
// (backing off) relative to the concurrency limit.
const pendingFactor = 4

// Engine runs storefront validations.
type Engine struct {
	http    Doer
	loader  Loader
	metrics *metrics.Collector
}

// New creates an Engine. m may be nil.
func New(http Doer, loader Loader, m *metrics.Collector) *Engine {
	return &Engine{http: http, loader: loader, metrics: m}
}

// Report summarizes one storefront run.
type Report struct {
	Store        string
	Total        int
	Succeeded    int
	Failed       int
	NotFound     int
	Cancelled    int
	CancelledIDs []string
	Attempts     int
	Flushes      int
	Duration     time.Duration
}

// Summary converts the report to its persisted form.
func (r *Report) Summary() model.StoreSummary {
	return model.StoreSummary{
		Store:      r.Store,
		Total:      r.Total,
		Succeeded:  r.Succeeded,
		Failed:     r.Failed,
		NotFound:   r.NotFound,
		Cancelled:  r.Cancelled,
		Attempts:   r.Attempts,
		DurationMs: r.Duration.Milliseconds(),
	}
}

// outcome is what a worker hands to the collector.
type outcome struct {
	result    *model.FetchResult
	failure   *model.FailureRecord
	cancelled string
	attempts  int
}

// Run validates ids against d and writes batches to sink. On cancellation it
// stops starting attempts, flushes what finished and returns the context
// error together with the report. Configuration problems return an error
// wrapping resilience.ErrConfig before any identifier is touched.
func (e *Engine) Run(ctx context.Context, d storefront.Descriptor, ids []string, sink Sink) (*Report, error) {
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("component", "engine"), zap.String("store", d.Name))
	log.Info("storefront run starting", zap.Int("ids", len(ids)), zap.Int("concurrency", d.Concurrency))

	var (
		w   worker
		err error
	)
	switch d.Kind {
	case storefront.KindReference:
		w, err = e.referenceWorker(ctx, d)
	default:
		w, err = e.httpWorker(d)
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rep := &Report{Store: d.Name, Total: len(ids)}

	out := make(chan outcome, d.Concurrency)
	collected := make(chan error, 1)
	go func() {
		collected <- e.collect(d, out, sink, rep, log)
	}()

	runErr := w.run(ctx, ids, out)
	close(out)
	flushErr := <-collected

	rep.Duration = time.Since(start)
	log.Info("storefront run complete",
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
		zap.Int("not_found", rep.NotFound),
		zap.Int("cancelled", rep.Cancelled),
		zap.Int("attempts", rep.Attempts),
		zap.Int("flushes", rep.Flushes),
		zap.Duration("elapsed", rep.Duration),
	)

	if runErr != nil {
		return rep, runErr
	}
	if flushErr != nil {
		return rep, flushErr
	}
	return rep, nil
}

// collect owns the batch buffers. It flushes whenever a buffer reaches the
// batch size and once more after out is closed.
func (e *Engine) collect(d storefront.Descriptor, out <-chan outcome, sink Sink, rep *Report, log *zap.Logger) error {
	var (
		results  []model.FetchResult
		failures []model.FailureRecord
		firstErr error
	)
	keep := func(err error) {
		if err != nil {
			log.Error("flush failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	flushResults := func() {
		keep(sink.WriteResults(results))
		e.metrics.Flush(d.Name, "results")
		rep.Flushes++
		results = results[:0]
	}
	flushFailures := func() {
		keep(sink.WriteFailures(failures))
		e.metrics.Flush(d.Name, "failures")
		rep.Flushes++
		failures = failures[:0]
	}

	for o := range out {
		rep.Attempts += o.attempts
		switch {
		case o.result != nil:
			rep.Succeeded++
			e.metrics.Result(d.Name, string(o.result.Status))
			results = append(results, *o.result)
			if len(results) >= d.BatchSize {
				flushResults()
			}
		case o.failure != nil:
			if o.failure.Class == model.ErrorClassNotFound {
				rep.NotFound++
				e.metrics.Result(d.Name, string(model.FetchStatusNotFound))
			} else {
				rep.Failed++
				e.metrics.Result(d.Name, string(model.FetchStatusFailure))
			}
			failures = append(failures, *o.failure)
			if len(failures) >= d.BatchSize {
				flushFailures()
			}
		default:
			rep.Cancelled++
			rep.CancelledIDs = append(rep.CancelledIDs, o.cancelled)
			e.metrics.Result(d.Name, string(model.ErrorClassCancelled))
		}
	}

	flushResults()
	flushFailures()
	return firstErr
}

// worker produces one outcome per identifier.
type worker interface {
	run(ctx context.Context, ids []string, out chan<- outcome) error
}

type httpWorker struct {
	e       *Engine
	d       storefront.Descriptor
	primary extract.Extractor
	enrich  extract.Extractor
	breaker *resilience.Breaker
	sem     *semaphore.Weighted
	headers map[string]string
	cookies map[string]string
	log     *zap.Logger
}

func (e *Engine) httpWorker(d storefront.Descriptor) (*httpWorker, error) {
	if e.http == nil {
		return nil, resilience.ConfigErrorf("engine: %s: no http client", d.Name)
	}
	if _, err := storefront.Expand(d.URL, map[string]string{model.ColBundleID: "x"}); err != nil {
		return nil, err
	}
	primary, err := extract.New(d.Extract)
	if err != nil {
		return nil, resilience.ConfigErrorf("engine: %s: %v", d.Name, err)
	}

	w := &httpWorker{
		e:       e,
		d:       d,
		primary: primary,
		sem:     semaphore.NewWeighted(int64(d.Concurrency)),
		headers: d.ResolvedHeaders(),
		cookies: d.ResolvedCookies(),
		log:     zap.L().With(zap.String("component", "engine"), zap.String("store", d.Name)),
	}
	if d.Enrich != nil {
		if w.enrich, err = extract.New(d.Enrich.Extract); err != nil {
			return nil, resilience.ConfigErrorf("engine: %s enrich: %v", d.Name, err)
		}
	}
	if d.CircuitFailureThreshold > 0 {
		w.breaker = resilience.NewBreaker(resilience.BreakerConfig{
			FailureThreshold: d.CircuitFailureThreshold,
			OnStateChange: func(from, to resilience.CircuitState) {
				w.log.Warn("circuit breaker transition", zap.Stringer("from", from), zap.Stringer("to", to))
				e.metrics.BreakerState(d.Name, int(to))
			},
		})
	}
	if d.RatePerSecond > 0 {
		if rl, ok := e.http.(rateLimiter); ok {
			if u, err := url.Parse(d.URL); err == nil && u.Host != "" {
				rl.SetRateLimit(u.Host, d.RatePerSecond, 1)
			}
		}
	}
	return w, nil
}

func (w *httpWorker) run(ctx context.Context, ids []string, out chan<- outcome) error {
	var g errgroup.Group
	g.SetLimit(w.d.Concurrency * pendingFactor)

	for i, id := range ids {
		if ctx.Err() != nil {
			for _, rest := range ids[i:] {
				out <- outcome{cancelled: rest}
			}
			break
		}
		g.Go(func() error {
			out <- w.process(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (w *httpWorker) retryConfig(id string) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: w.d.Retries,
		Delay:       w.d.RetryDelay,
		Multiplier:  w.d.BackoffMultiplier,
		OnRetry:     resilience.RetryLogger(w.d.Name, id),
		// The delay also runs before an exhausted identifier is surfaced.
		WaitAfterLast: true,
	}
}

func (w *httpWorker) process(ctx context.Context, id string) outcome {
	reqURL, _ := storefront.Expand(w.d.URL, map[string]string{model.ColBundleID: id})

	res, attempts, err := resilience.DoVal(ctx, w.retryConfig(id), func(ctx context.Context, _ int) (model.FetchResult, error) {
		return w.attempt(ctx, id, reqURL)
	})
	if err == nil {
		res.Attempts = attempts
		return outcome{result: &res, attempts: attempts}
	}
	if ctx.Err() != nil && (attempts < w.d.Retries || errors.Is(err, ctx.Err())) {
		return outcome{cancelled: id, attempts: attempts}
	}

	rec := resilience.NewFailureRecord(id, reqURL, attempts, err)
	w.log.Debug("identifier failed",
		zap.String("bundle_id", id),
		zap.String("class", string(rec.Class)),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return outcome{failure: &rec, attempts: attempts}
}

// attempt makes one primary request plus the optional enrichment. The
// concurrency slot is held only while a request is in flight.
func (w *httpWorker) attempt(ctx context.Context, id, reqURL string) (model.FetchResult, error) {
	resp, err := w.request(ctx, w.d.Method, reqURL, w.headers, w.d.Body, true)
	if err != nil {
		code := resilience.StatusCode(err)
		if code != 0 && containsInt(w.d.NotFoundStatuses, code) {
			return model.FetchResult{}, resilience.NewNotFoundError(reqURL, code)
		}
		return model.FetchResult{}, err
	}

	fields, err := w.primary.Extract(resp.Body)
	if err != nil || allEmpty(fields) {
		// Only a page that yielded nothing is checked for a block.
		if blocked, kind := fetcher.DetectBlock(resp.StatusCode, resp.Header, resp.Body); blocked {
			if br, ok := w.e.http.(blockReporter); ok {
				br.OnBlocked(reqURL)
			}
			return model.FetchResult{}, resilience.NewBlockedError(reqURL, resp.StatusCode, string(kind))
		}
	}
	if err != nil {
		if errors.Is(err, extract.ErrNotFound) {
			return model.FetchResult{}, &resilience.AttemptError{
				Class: model.ErrorClassNotFound, StatusCode: resp.StatusCode, URL: reqURL, Err: err,
			}
		}
		ae := resilience.NewExtractError(reqURL, err)
		ae.StatusCode = resp.StatusCode
		return model.FetchResult{}, ae
	}

	if w.enrich != nil {
		w.enrichFields(ctx, id, fields)
	}

	return model.FetchResult{
		BundleID:   id,
		Status:     model.FetchStatusSuccess,
		URL:        reqURL,
		StatusCode: resp.StatusCode,
		Fields:     fields,
	}, nil
}

// enrichFields fills empty columns from the follow-up request. Failures are
// logged only.
func (w *httpWorker) enrichFields(ctx context.Context, id string, fields map[string]string) {
	en := w.d.Enrich
	if en.When != "" && fields[en.When] == "" {
		return
	}
	vars := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		vars[k] = v
	}
	vars[model.ColBundleID] = id

	enrichURL, err := storefront.Expand(en.URL, vars)
	if err != nil {
		w.log.Warn("enrich url", zap.String("bundle_id", id), zap.Error(err))
		return
	}
	headers := w.headers
	if len(en.Headers) > 0 {
		headers = storefront.Descriptor{Headers: en.Headers}.ResolvedHeaders()
	}
	resp, err := w.request(ctx, "GET", enrichURL, headers, "", false)
	if err != nil {
		w.log.Warn("enrich request failed", zap.String("bundle_id", id), zap.String("url", enrichURL), zap.Error(err))
		return
	}
	extra, err := w.enrich.Extract(resp.Body)
	if err != nil {
		w.log.Warn("enrich extract failed", zap.String("bundle_id", id), zap.Error(err))
	}
	for k, v := range extra {
		if fields[k] == "" {
			fields[k] = v
		}
	}
}

func (w *httpWorker) request(ctx context.Context, method, reqURL string, headers map[string]string, body string, guarded bool) (*fetcher.Response, error) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer w.sem.Release(1)
	w.e.metrics.InFlight(w.d.Name, 1)
	defer w.e.metrics.InFlight(w.d.Name, -1)

	req := fetcher.Request{
		Method:  method,
		URL:     reqURL,
		Headers: headers,
		Cookies: w.cookies,
		Body:    body,
		Timeout: w.d.Timeout,
	}
	start := time.Now()
	var (
		resp *fetcher.Response
		err  error
	)
	if guarded {
		resp, err = resilience.ExecuteVal(ctx, w.breaker, func(ctx context.Context) (*fetcher.Response, error) {
			return w.e.http.Do(ctx, req)
		})
	} else {
		resp, err = w.e.http.Do(ctx, req)
	}
	w.e.metrics.Attempt(w.d.Name, time.Since(start), err)
	return resp, err
}

func allEmpty(fields map[string]string) bool {
	for _, v := range fields {
		if v != "" {
			return false
		}
	}
	return true
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

// referenceWorker looks identifiers up in a static dataset: one attempt, no delay.
type referenceWorker struct {
	d      storefront.Descriptor
	index  []map[string]map[string]string // per key column: normalized id -> row
	source string
	log    *zap.Logger
}

func (e *Engine) referenceWorker(ctx context.Context, d storefront.Descriptor) (*referenceWorker, error) {
	if e.loader == nil {
		return nil, resilience.ConfigErrorf("engine: %s: no dataset loader", d.Name)
	}
	log := zap.L().With(zap.String("component", "engine"), zap.String("store", d.Name))
	ref := d.Reference

	var rows []map[string]string
	var loaded []string
	for _, src := range ref.Sources {
		t, err := e.loader.Load(ctx, src)
		if err != nil {
			log.Warn("reference dataset unavailable", zap.String("source", src), zap.Error(err))
			continue
		}
		rows = append(rows, t.Rows...)
		loaded = append(loaded, src)
	}
	if len(loaded) == 0 {
		return nil, resilience.ConfigErrorf("engine: %s: no reference dataset could be loaded from %v", d.Name, ref.Sources)
	}

	w := &referenceWorker{d: d, log: log, source: loaded[0]}
	for _, key := range ref.Keys {
		idx := make(map[string]map[string]string, len(rows))
		for _, row := range rows {
			k := w.normalize(row[key])
			if k == "" {
				continue
			}
			if _, dup := idx[k]; !dup {
				idx[k] = row
			}
		}
		w.index = append(w.index, idx)
	}
	log.Info("reference dataset loaded", zap.Strings("sources", loaded), zap.Int("rows", len(rows)))
	return w, nil
}

func (w *referenceWorker) normalize(s string) string {
	s = strings.TrimSpace(s)
	if suffix := w.d.Reference.TrimSuffix; suffix != "" && len(s) > len(suffix) {
		s = strings.TrimSuffix(s, suffix)
	}
	return s
}

func (w *referenceWorker) lookup(id string) (map[string]string, bool) {
	k := w.normalize(id)
	for _, idx := range w.index {
		if row, ok := idx[k]; ok {
			return row, true
		}
	}
	return nil, false
}

func (w *referenceWorker) run(ctx context.Context, ids []string, out chan<- outcome) error {
	for i, id := range ids {
		if ctx.Err() != nil {
			for _, rest := range ids[i:] {
				out <- outcome{cancelled: rest}
			}
			return ctx.Err()
		}
		row, ok := w.lookup(id)
		if !ok {
			rec := resilience.NewFailureRecord(id, w.source, 1, &resilience.AttemptError{
				Class: model.ErrorClassReferenceMiss,
				URL:   w.source,
				Err:   eris.Errorf("%s not found in %s reference data (checked %v)", id, w.d.Name, w.d.Reference.Keys),
			})
			out <- outcome{failure: &rec, attempts: 1}
			continue
		}
		fields := make(map[string]string, len(w.d.Reference.Fields))
		for src, dst := range w.d.Reference.Fields {
			fields[dst] = strings.TrimSpace(row[src])
		}
		out <- outcome{result: &model.FetchResult{
			BundleID: id,
			Status:   model.FetchStatusSuccess,
			URL:      w.source,
			Attempts: 1,
			Fields:   fields,
		}, attempts: 1}
	}
	return nil
}
