package fetcher

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"

	"github.com/sells-group/storefront-sync/internal/resilience"
)

// DefaultUserAgent is sent when a request does not set its own.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// maxBodyBytes bounds how much of a storefront response is buffered.
const maxBodyBytes = 8 << 20

// HTTPOptions configures the HTTP client.
type HTTPOptions struct {
	UserAgent string
	// Timeout is the per-request default when a Request carries none.
	Timeout time.Duration
}

// Request is one storefront request.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Cookies map[string]string
	Body    string
	Timeout time.Duration
}

// Response is a fully read storefront response, decoded to UTF-8.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPClient performs single storefront attempts. Retrying is the caller's
// job; the client only classifies the outcome.
type HTTPClient struct {
	client   *http.Client
	opts     HTTPOptions
	mu       sync.RWMutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPClient creates a new HTTPClient with the given options.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		client:   &http.Client{Transport: transport},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// SetRateLimit installs an adaptive limiter for requests to host.
func (c *HTTPClient) SetRateLimit(host string, perSecond float64, burst int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiters[host] = NewAdaptiveLimiter(rate.Limit(perSecond), burst)
}

func (c *HTTPClient) limiterFor(rawURL string) *AdaptiveLimiter {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limiters[u.Host]
}

// Do performs one attempt. A non-2xx answer returns both the Response and a
// *resilience.AttemptError carrying the status.
func (c *HTTPClient) Do(ctx context.Context, r Request) (*Response, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, resilience.ConfigErrorf("fetcher: build request for %q: %v", r.URL, err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	for name, value := range r.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	limiter := c.limiterFor(r.URL)
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: %s %s", method, r.URL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests && limiter != nil {
		limiter.OnRateLimit()
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read body %s", r.URL)
	}

	out := &Response{
		URL:        r.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       decodeBody(raw, resp.Header.Get("Content-Type")),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 2xx bodies are left to the caller: a real page may mention a captcha.
		if blocked, kind := DetectBlock(resp.StatusCode, resp.Header, out.Body); blocked {
			if limiter != nil {
				limiter.OnRateLimit()
			}
			return out, resilience.NewBlockedError(r.URL, resp.StatusCode, string(kind))
		}
		return out, resilience.NewStatusError(r.URL, resp.StatusCode)
	}
	if limiter != nil {
		limiter.OnSuccess()
	}
	return out, nil
}

// OnBlocked backs off the host of rawURL after the caller found a block page
// behind a 2xx response.
func (c *HTTPClient) OnBlocked(rawURL string) {
	if limiter := c.limiterFor(rawURL); limiter != nil {
		limiter.OnRateLimit()
	}
}

// decodeBody converts a response body to UTF-8 using the charset declared
// in the Content-Type header. Unknown charsets are passed through.
func decodeBody(raw []byte, contentType string) []byte {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return raw
	}
	charset := strings.ToLower(params["charset"])
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return raw
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return raw
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// Download fetches rawURL and returns the response body. Used for reference
// datasets, not storefront lookups.
func (c *HTTPClient) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "download %s", rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Errorf("download: unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	return resp.Body, nil
}

// DownloadToFile fetches rawURL and writes it to path.
func (c *HTTPClient) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := c.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	return copyToFile(body, path)
}

func copyToFile(r io.Reader, path string) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, r)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}
