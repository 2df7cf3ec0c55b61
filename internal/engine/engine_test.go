package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/storefront-sync/internal/extract"
	"github.com/sells-group/storefront-sync/internal/fetcher"
	"github.com/sells-group/storefront-sync/internal/model"
	"github.com/sells-group/storefront-sync/internal/resilience"
	"github.com/sells-group/storefront-sync/internal/storefront"
	"github.com/sells-group/storefront-sync/internal/table"
)

// memSink records every batch it receives.
type memSink struct {
	mu            sync.Mutex
	resultBatches [][]model.FetchResult
	failureBatch  [][]model.FailureRecord
}

func (s *memSink) WriteResults(b []model.FetchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resultBatches = append(s.resultBatches, append([]model.FetchResult(nil), b...))
	return nil
}

func (s *memSink) WriteFailures(b []model.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureBatch = append(s.failureBatch, append([]model.FailureRecord(nil), b...))
	return nil
}

func (s *memSink) results() []model.FetchResult {
	var out []model.FetchResult
	for _, b := range s.resultBatches {
		out = append(out, b...)
	}
	return out
}

func (s *memSink) failures() []model.FailureRecord {
	var out []model.FailureRecord
	for _, b := range s.failureBatch {
		out = append(out, b...)
	}
	return out
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("com.example.app%d", i)
	}
	return out
}

func jsonStore(url string) storefront.Descriptor {
	return storefront.Descriptor{
		Name: "apple",
		Kind: storefront.KindHTTP,
		URL:  url + "/lookup?id={bundle_id}",
		Extract: extract.Spec{
			Kind:   extract.KindJSON,
			Exists: "results.0",
			Paths: map[string]string{
				"sellerUrl": "results.0.sellerUrl",
				"trackId":   "results.0.trackId",
			},
		},
		Columns:     []string{"trackId", "sellerUrl"},
		Concurrency: 4,
		Retries:     3,
		RetryDelay:  -1,
		Timeout:     2 * time.Second,
	}
}

func newEngine() *Engine {
	return New(fetcher.NewHTTPClient(fetcher.HTTPOptions{}), fetcher.NewLoader(), nil)
}

func TestRun_BatchCompleteness(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"results":[{"trackId":1,"sellerUrl":"https://dev/%s"}]}`, r.URL.Query().Get("id"))
	}))
	defer srv.Close()

	d := jsonStore(srv.URL)
	d.BatchSize = 100
	sink := &memSink{}

	rep, err := newEngine().Run(context.Background(), d, ids(250), sink)
	require.NoError(t, err)

	assert.Equal(t, 250, rep.Succeeded)
	assert.Equal(t, 250, rep.Attempts)
	got := sink.results()
	require.Len(t, got, 250)

	seen := map[string]bool{}
	for _, r := range got {
		assert.False(t, seen[r.BundleID], "duplicate %s", r.BundleID)
		seen[r.BundleID] = true
		assert.Equal(t, "https://dev/"+r.BundleID, r.Fields["sellerUrl"])
		assert.Equal(t, model.FetchStatusSuccess, r.Status)
		assert.Equal(t, 200, r.StatusCode)
	}

	// Two full batches, then the final partial flush.
	require.Len(t, sink.resultBatches, 3)
	assert.Len(t, sink.resultBatches[0], 100)
	assert.Len(t, sink.resultBatches[1], 100)
	assert.Len(t, sink.resultBatches[2], 50)
	assert.Equal(t, 4, rep.Flushes)
}

func TestRun_RetryTermination(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &memSink{}
	rep, err := newEngine().Run(context.Background(), jsonStore(srv.URL), ids(5), sink)
	require.NoError(t, err)

	assert.Equal(t, int64(15), hits.Load())
	assert.Equal(t, 5, rep.Failed)
	assert.Equal(t, 15, rep.Attempts)
	assert.Empty(t, sink.results())

	fails := sink.failures()
	require.Len(t, fails, 5)
	for _, f := range fails {
		assert.Equal(t, 3, f.Attempts)
		assert.Equal(t, model.ErrorClassHTTPStatus, f.Class)
		assert.Equal(t, 500, f.StatusCode)
		assert.Contains(t, f.URL, "/lookup?id=")
	}
}

func TestRun_SucceedsAfterTransientFailures(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		mu.Lock()
		calls[id]++
		n := calls[id]
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"trackId":7,"sellerUrl":"https://dev.example.com"}]}`))
	}))
	defer srv.Close()

	sink := &memSink{}
	rep, err := newEngine().Run(context.Background(), jsonStore(srv.URL), []string{"123456789"}, sink)
	require.NoError(t, err)

	require.Len(t, sink.results(), 1)
	assert.Equal(t, 3, sink.results()[0].Attempts)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Empty(t, sink.failures())
}

func TestRun_ExtractErrorsAreRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	sink := &memSink{}
	rep, err := newEngine().Run(context.Background(), jsonStore(srv.URL), []string{"123456789"}, sink)
	require.NoError(t, err)

	assert.Equal(t, int64(3), hits.Load())
	assert.Equal(t, 1, rep.Failed)
	fails := sink.failures()
	require.Len(t, fails, 1)
	assert.Equal(t, model.ErrorClassExtract, fails[0].Class)
	assert.Equal(t, 200, fails[0].StatusCode)
}

func TestRun_BlockPagesAreRetriedAndClassified(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>Type the characters you see. Enter the captcha below.</body></html>`))
	}))
	defer srv.Close()

	sink := &memSink{}
	rep, err := newEngine().Run(context.Background(), jsonStore(srv.URL), []string{"123456789"}, sink)
	require.NoError(t, err)

	assert.Equal(t, int64(3), hits.Load())
	assert.Equal(t, 1, rep.Failed)
	fails := sink.failures()
	require.Len(t, fails, 1)
	assert.Equal(t, model.ErrorClassBlocked, fails[0].Class)
	assert.Contains(t, fails[0].Reason, "captcha")
}

func metaStore(url string) storefront.Descriptor {
	return storefront.Descriptor{
		Name: "android",
		Kind: storefront.KindHTTP,
		URL:  url + "/details?id={bundle_id}",
		Extract: extract.Spec{
			Kind: extract.KindHTMLMeta,
			Meta: map[string]string{"appstore:developer_url": "appstore_developer_url"},
		},
		Columns:     []string{"appstore_developer_url"},
		Concurrency: 2,
		Retries:     3,
		RetryDelay:  -1,
		Timeout:     2 * time.Second,
	}
}

func TestRun_PageLoadingCaptchaScriptSucceeds(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head>
<meta name="appstore:developer_url" content="https://dev.example.com">
<script src="https://www.google.com/recaptcha/api.js" async defer></script>
</head><body>app</body></html>`))
	}))
	defer srv.Close()

	sink := &memSink{}
	rep, err := newEngine().Run(context.Background(), metaStore(srv.URL), []string{"com.example.app"}, sink)
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, 1, rep.Succeeded)
	assert.Empty(t, sink.failures())
	got := sink.results()
	require.Len(t, got, 1)
	assert.Equal(t, "https://dev.example.com", got[0].Fields["appstore_developer_url"])
}

func TestRun_EmptyPageBehindCaptchaIsBlocked(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><div class="g-recaptcha"></div></body></html>`))
	}))
	defer srv.Close()

	sink := &memSink{}
	rep, err := newEngine().Run(context.Background(), metaStore(srv.URL), []string{"com.example.app"}, sink)
	require.NoError(t, err)

	assert.Equal(t, int64(3), hits.Load())
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, sink.failures(), 1)
	assert.Equal(t, model.ErrorClassBlocked, sink.failures()[0].Class)
	assert.Empty(t, sink.results())
}

func TestRun_EmptyLookupIsTerminalNotFound(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"resultCount":0,"results":[]}`))
	}))
	defer srv.Close()

	sink := &memSink{}
	rep, err := newEngine().Run(context.Background(), jsonStore(srv.URL), []string{"123456789"}, sink)
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, 1, rep.NotFound)
	assert.Equal(t, 0, rep.Failed)
	require.Len(t, sink.failures(), 1)
	assert.Equal(t, model.ErrorClassNotFound, sink.failures()[0].Class)
}

func TestRun_NotFoundStatuses(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := jsonStore(srv.URL)
	d.NotFoundStatuses = []int{404, 410}

	sink := &memSink{}
	rep, err := newEngine().Run(context.Background(), d, []string{"a", "b"}, sink)
	require.NoError(t, err)

	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, 2, rep.NotFound)
	for _, f := range sink.failures() {
		assert.Equal(t, model.ErrorClassNotFound, f.Class)
		assert.Equal(t, 404, f.StatusCode)
		assert.Equal(t, 1, f.Attempts)
	}
}

func TestRun_Enrich(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/lookup", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "1":
			_, _ = w.Write([]byte(`{"results":[{"trackId":101,"sellerUrl":""}]}`))
		default:
			_, _ = w.Write([]byte(`{"results":[{"trackId":202,"sellerUrl":"https://seller"}]}`))
		}
	})
	mux.HandleFunc("/app/id101", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head><meta name="appstore:developer_url" content="https://dev.example.com"></head>
<body><a href="https://dev.example.com/privacy">Privacy Policy</a></body></html>`))
	})
	mux.HandleFunc("/app/id202", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := jsonStore(srv.URL)
	d.Enrich = &storefront.Enrich{
		URL:  srv.URL + "/app/id{trackId}",
		When: "trackId",
		Extract: extract.Spec{
			Kind:  extract.KindHTMLMeta,
			Meta:  map[string]string{"appstore:developer_url": "appstore_developer_url"},
			Links: map[string]string{"Privacy Policy": "privacyPolicyUrl"},
		},
	}
	d.Columns = []string{"trackId", "sellerUrl", "appstore_developer_url", "privacyPolicyUrl"}

	sink := &memSink{}
	rep, err := newEngine().Run(context.Background(), d, []string{"1", "2"}, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Succeeded, "enrich failure must not fail the identifier")

	byID := map[string]model.FetchResult{}
	for _, r := range sink.results() {
		byID[r.BundleID] = r
	}
	assert.Equal(t, "https://dev.example.com", byID["1"].Fields["appstore_developer_url"])
	assert.Equal(t, "https://dev.example.com/privacy", byID["1"].Fields["privacyPolicyUrl"])
	assert.Equal(t, "https://seller", byID["2"].Fields["sellerUrl"])
	assert.Equal(t, "", byID["2"].Fields["appstore_developer_url"])
}

func TestRun_ConcurrencyBound(t *testing.T) {
	var cur, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		_, _ = w.Write([]byte(`{"results":[{"trackId":1}]}`))
	}))
	defer srv.Close()

	d := jsonStore(srv.URL)
	d.Concurrency = 2

	rep, err := newEngine().Run(context.Background(), d, ids(20), &memSink{})
	require.NoError(t, err)
	assert.Equal(t, 20, rep.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestRun_Cancellation(t *testing.T) {
	release := make(chan struct{})
	var served atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if served.Add(1) <= 3 {
			_, _ = w.Write([]byte(`{"results":[{"trackId":1}]}`))
			return
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := jsonStore(srv.URL)
	d.Concurrency = 1
	d.Timeout = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for served.Load() < 4 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	sink := &memSink{}
	rep, err := newEngine().Run(ctx, d, ids(10), sink)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, rep)

	assert.Equal(t, 3, rep.Succeeded)
	assert.Equal(t, 7, rep.Cancelled)
	assert.Len(t, rep.CancelledIDs, 7)
	assert.Len(t, sink.results(), 3, "completed work is flushed")
	assert.Empty(t, sink.failures())
}

func TestRun_CircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := jsonStore(srv.URL)
	d.Concurrency = 1
	d.Retries = 1
	d.CircuitFailureThreshold = 2

	sink := &memSink{}
	rep, err := newEngine().Run(context.Background(), d, []string{"a", "b", "c", "d"}, sink)
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Failed)
	assert.Equal(t, int64(2), hits.Load())
	classes := map[model.ErrorClass]int{}
	for _, f := range sink.failures() {
		classes[f.Class]++
	}
	assert.Equal(t, 2, classes[model.ErrorClassHTTPStatus])
	assert.Equal(t, 2, classes[model.ErrorClassCircuitOpen])
}

func TestRun_InvalidDescriptor(t *testing.T) {
	_, err := newEngine().Run(context.Background(), storefront.Descriptor{Name: "broken"}, ids(1), &memSink{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrConfig))

	d := jsonStore("http://127.0.0.1")
	d.URL = "http://127.0.0.1/{unknown}"
	_, err = newEngine().Run(context.Background(), d, ids(1), &memSink{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrConfig))
}

func TestRun_ReferenceLookup(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "roku_a.csv")
	b := filepath.Join(dir, "roku_b.csv")
	require.NoError(t, os.WriteFile(a, []byte("appstore_bundle_id,appstore_developer_url,url,appName\n12.0,https://dev12,https://channelstore/12,Twelve\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("appstore_bundle_id,appstore_developer_url,url,appName\n34,https://dev34,https://channelstore/34,Thirty Four\n12,https://shadowed,,\n"), 0o644))

	d, err := storefront.DefaultRegistry().Get(storefront.Roku)
	require.NoError(t, err)
	d.Reference.Sources = []string{a, filepath.Join(dir, "missing.csv"), b}

	sink := &memSink{}
	rep, err := newEngine().Run(context.Background(), d, []string{"12", "34.0", "99"}, sink)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 3, rep.Attempts)

	byID := map[string]model.FetchResult{}
	for _, r := range sink.results() {
		byID[r.BundleID] = r
	}
	assert.Equal(t, "https://dev12", byID["12"].Fields["appstore_developer_url"])
	assert.Equal(t, "https://channelstore/12", byID["12"].Fields["store_url"])
	assert.Equal(t, "Thirty Four", byID["34.0"].Fields["appName"])

	fails := sink.failures()
	require.Len(t, fails, 1)
	assert.Equal(t, "99", fails[0].BundleID)
	assert.Equal(t, model.ErrorClassReferenceMiss, fails[0].Class)
	assert.Equal(t, 1, fails[0].Attempts)
}

func TestRun_ReferenceSecondaryKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vizio.parquet")
	ds := table.New("data-app-id", "data-bundle-id", "data-developer-url", "data-app-name")
	ds.Append(map[string]string{"data-app-id": "vizio.netflix", "data-developer-url": "https://netflix", "data-app-name": "Netflix"})
	ds.Append(map[string]string{"data-app-id": "other", "data-bundle-id": "vizio.hulu", "data-developer-url": "https://hulu"})
	require.NoError(t, table.WriteAtomic(path, ds))

	d, err := storefront.DefaultRegistry().Get(storefront.Vizio)
	require.NoError(t, err)
	d.Reference.Sources = []string{path}

	sink := &memSink{}
	rep, err := newEngine().Run(context.Background(), d, []string{"vizio.netflix", "vizio.hulu"}, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Succeeded)

	byID := map[string]model.FetchResult{}
	for _, r := range sink.results() {
		byID[r.BundleID] = r
	}
	assert.Equal(t, "https://netflix", byID["vizio.netflix"].Fields["data_developer_url"])
	assert.Equal(t, "https://hulu", byID["vizio.hulu"].Fields["data_developer_url"])
}

func TestRun_ReferenceDatasetMissing(t *testing.T) {
	d, err := storefront.DefaultRegistry().Get(storefront.LG)
	require.NoError(t, err)
	d.Reference.Sources = []string{filepath.Join(t.TempDir(), "lg_all_apps.csv")}

	_, err = newEngine().Run(context.Background(), d, ids(2), &memSink{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrConfig))
}

func TestTableSink_CumulativeAtomicFlush(t *testing.T) {
	dir := t.TempDir()
	sink := NewTableSink(filepath.Join(dir, "output"), filepath.Join(dir, "failure_output"), "android", []string{"appstore_developer_url", "bundle_id"})

	require.NoError(t, sink.WriteResults([]model.FetchResult{
		{BundleID: "a", Status: model.FetchStatusSuccess, StatusCode: 200, Attempts: 1, Fields: map[string]string{"appstore_developer_url": "https://a"}},
	}))
	require.NoError(t, sink.WriteResults([]model.FetchResult{
		{BundleID: "b", Status: model.FetchStatusSuccess, StatusCode: 200, Attempts: 2},
	}))
	require.NoError(t, sink.WriteFailures([]model.FailureRecord{
		{BundleID: "c", Reason: "boom", Class: model.ErrorClassTransport, Attempts: 3},
	}))

	res, err := table.Read(ResultPath(filepath.Join(dir, "output"), "android"))
	require.NoError(t, err)
	assert.Equal(t, []string{"bundle_id", "status", "url", "status_code", "attempts", "appstore_developer_url"}, sink.Columns())
	require.Equal(t, 2, res.Len(), "second flush keeps the first batch")
	assert.Equal(t, "https://a", res.Rows[0]["appstore_developer_url"])
	assert.Equal(t, "", res.Rows[1]["appstore_developer_url"])
	assert.Equal(t, "2", res.Rows[1]["attempts"])

	fails, err := table.Read(FailurePath(filepath.Join(dir, "failure_output"), "android"))
	require.NoError(t, err)
	require.Equal(t, 1, fails.Len())
	assert.Equal(t, "transport", fails.Rows[0]["error_class"])
}

func TestRun_WritesEmptyShapedTables(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"trackId":1}]}`))
	}))
	defer srv.Close()

	d := jsonStore(srv.URL)
	sink := NewTableSink(filepath.Join(dir, "output"), filepath.Join(dir, "failure_output"), d.Name, d.Columns)
	_, err := newEngine().Run(context.Background(), d, nil, sink)
	require.NoError(t, err)

	res, err := table.Read(ResultPath(filepath.Join(dir, "output"), d.Name))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Len())
	assert.Contains(t, res.Columns, "sellerUrl")
}
