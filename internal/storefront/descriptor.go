// Package storefront describes the app storefronts identifiers are validated
// against: how to build a request, how to read the response, and the limits
// that apply to each store.
package storefront

import (
	"net/http"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/storefront-sync/internal/extract"
	"github.com/sells-group/storefront-sync/internal/resilience"
)

// Kind selects how identifiers are validated.
type Kind string

// Storefront kinds.
const (
	KindHTTP      Kind = "http"
	KindReference Kind = "reference"
)

// Engine defaults applied when a descriptor leaves a limit unset.
const (
	DefaultConcurrency = 5
	DefaultRetries     = 3
	DefaultRetryDelay  = 2 * time.Second
	DefaultTimeout     = 30 * time.Second
	DefaultBatchSize   = 100
)

// Descriptor is the full configuration of one storefront.
type Descriptor struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`

	// HTTP storefronts.
	Method  string            `yaml:"method,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Cookies map[string]string `yaml:"cookies,omitempty"`
	Body    string            `yaml:"body,omitempty"`
	Extract extract.Spec      `yaml:"extract,omitempty"`
	Enrich  *Enrich           `yaml:"enrich,omitempty"`

	// Reference storefronts.
	Reference *Reference `yaml:"reference,omitempty"`

	// Columns is the fixed set of output columns besides the bookkeeping
	// ones the engine writes. Missing values are written as "".
	Columns []string `yaml:"columns,omitempty"`
	// DeveloperURLColumns are tried in order when merging.
	DeveloperURLColumns []string `yaml:"developer_url_columns,omitempty"`

	// Limits. Zero values take the defaults; a negative RetryDelay disables the wait.
	Concurrency             int           `yaml:"concurrency,omitempty"`
	Retries                 int           `yaml:"retries,omitempty"`
	RetryDelay              time.Duration `yaml:"retry_delay,omitempty"`
	BackoffMultiplier       float64       `yaml:"backoff_multiplier,omitempty"`
	Timeout                 time.Duration `yaml:"timeout,omitempty"`
	BatchSize               int           `yaml:"batch_size,omitempty"`
	NotFoundStatuses        []int         `yaml:"not_found_statuses,omitempty"`
	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold,omitempty"`
	RatePerSecond           float64       `yaml:"rate_per_second,omitempty"`
}

// Enrich is a follow-up request built from fields the primary request
// extracted. Its failure never fails the identifier.
type Enrich struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Extract extract.Spec      `yaml:"extract"`
	// When names a field that must be non-empty for the request to be sent.
	When string `yaml:"when,omitempty"`
}

// Reference is a static dataset identifiers are looked up in.
type Reference struct {
	// Sources are paths or URLs (http, https, ftp) loaded and concatenated.
	Sources []string `yaml:"sources"`
	// Keys are dataset columns compared with the identifier, in order.
	Keys []string `yaml:"keys"`
	// Fields maps dataset columns to output columns.
	Fields map[string]string `yaml:"fields"`
	// TrimSuffix is removed from identifiers and key values before comparing
	// (spreadsheet exports turn numeric ids into "123.0").
	TrimSuffix string `yaml:"trim_suffix,omitempty"`
}

// WithDefaults returns a copy with unset limits filled in.
func (d Descriptor) WithDefaults() Descriptor {
	if d.Kind == "" {
		d.Kind = KindHTTP
	}
	if d.Method == "" {
		d.Method = http.MethodGet
	}
	if d.Concurrency <= 0 {
		d.Concurrency = DefaultConcurrency
	}
	if d.Retries <= 0 {
		d.Retries = DefaultRetries
	}
	if d.RetryDelay < 0 {
		d.RetryDelay = 0
	} else if d.RetryDelay == 0 {
		d.RetryDelay = DefaultRetryDelay
	}
	if d.BackoffMultiplier < 1 {
		d.BackoffMultiplier = 1
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.BatchSize <= 0 {
		d.BatchSize = DefaultBatchSize
	}
	if len(d.Columns) == 0 {
		d.Columns = d.derivedColumns()
	}
	if d.Kind == KindReference {
		d.Retries = 1
		d.RetryDelay = 0
	}
	return d
}

func (d Descriptor) derivedColumns() []string {
	seen := map[string]bool{}
	var cols []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	var fromSpec []string
	fromSpec = append(fromSpec, d.Extract.Columns()...)
	if d.Enrich != nil {
		fromSpec = append(fromSpec, d.Enrich.Extract.Columns()...)
	}
	if d.Reference != nil {
		for _, c := range d.Reference.Fields {
			fromSpec = append(fromSpec, c)
		}
	}
	sort.Strings(fromSpec)
	for _, c := range fromSpec {
		add(c)
	}
	return cols
}

// Validate reports descriptor problems as configuration errors.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return resilience.ConfigErrorf("storefront: descriptor without name")
	}
	switch d.Kind {
	case KindHTTP, "":
		if d.URL == "" {
			return resilience.ConfigErrorf("storefront %s: url template required", d.Name)
		}
		if _, err := extract.New(d.Extract); err != nil {
			return resilience.ConfigErrorf("storefront %s: %v", d.Name, err)
		}
		if d.Enrich != nil {
			if d.Enrich.URL == "" {
				return resilience.ConfigErrorf("storefront %s: enrich url template required", d.Name)
			}
			if _, err := extract.New(d.Enrich.Extract); err != nil {
				return resilience.ConfigErrorf("storefront %s: enrich: %v", d.Name, err)
			}
		}
	case KindReference:
		if d.Reference == nil || len(d.Reference.Sources) == 0 {
			return resilience.ConfigErrorf("storefront %s: reference sources required", d.Name)
		}
		if len(d.Reference.Keys) == 0 {
			return resilience.ConfigErrorf("storefront %s: reference keys required", d.Name)
		}
	default:
		return resilience.ConfigErrorf("storefront %s: unknown kind %q", d.Name, d.Kind)
	}
	return nil
}

// DeveloperURL picks the first non-empty developer URL column from row.
func (d Descriptor) DeveloperURL(row map[string]string) string {
	for _, col := range d.DeveloperURLColumns {
		if v := strings.TrimSpace(row[col]); v != "" {
			return v
		}
	}
	return strings.TrimSpace(row["developer_url"])
}

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Expand fills {name} placeholders in tmpl from vars, path-escaping values.
// An unknown placeholder is a configuration error.
func Expand(tmpl string, vars map[string]string) (string, error) {
	var missing string
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return url.PathEscape(v)
	})
	if missing != "" {
		return "", resilience.ConfigErrorf("storefront: template %q has unknown placeholder {%s}", tmpl, missing)
	}
	return out, nil
}

// ResolvedHeaders expands ${VAR} references against the environment and
// drops headers that resolve to an empty value.
func (d Descriptor) ResolvedHeaders() map[string]string {
	return resolveEnv(d.Headers)
}

// ResolvedCookies is ResolvedHeaders for cookies.
func (d Descriptor) ResolvedCookies() map[string]string {
	return resolveEnv(d.Cookies)
}

func resolveEnv(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v = strings.TrimSpace(os.ExpandEnv(v)); v != "" {
			out[k] = v
		}
	}
	return out
}
