// Package extract turns storefront response bodies into flat column maps.
package extract

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Kinds of extractor.
const (
	KindHTMLMeta = "html_meta"
	KindJSON     = "json"
	KindChain    = "chain"
)

// ErrNotFound is returned when the body is well-formed but says the
// identifier does not exist (for example an empty lookup result).
var ErrNotFound = eris.New("extract: identifier not found in response")

// ErrMissingField is returned when a required column came back empty.
var ErrMissingField = eris.New("extract: required field missing")

// Extractor parses one response body.
type Extractor interface {
	Extract(body []byte) (map[string]string, error)
}

// Spec declares an extractor in configuration.
type Spec struct {
	Kind string `yaml:"kind"`

	// Meta maps a <meta name|property|itemprop> key to an output column.
	Meta map[string]string `yaml:"meta,omitempty"`
	// Links maps text contained in an <a> element to the column receiving its href.
	Links map[string]string `yaml:"links,omitempty"`

	// Paths maps an output column to a gjson path.
	Paths map[string]string `yaml:"paths,omitempty"`
	// Exists is a gjson path that must resolve, otherwise ErrNotFound.
	Exists string `yaml:"exists,omitempty"`

	// Chain runs each step against the same body; later steps only fill
	// columns earlier steps left empty.
	Chain []Spec `yaml:"chain,omitempty"`

	// Required columns must be non-empty, otherwise ErrMissingField.
	Required []string `yaml:"required,omitempty"`
}

// New builds the extractor described by spec.
func New(spec Spec) (Extractor, error) {
	switch spec.Kind {
	case KindHTMLMeta:
		if len(spec.Meta) == 0 && len(spec.Links) == 0 {
			return nil, eris.New("extract: html_meta needs meta or links")
		}
		return &htmlMeta{spec: spec}, nil
	case KindJSON:
		if len(spec.Paths) == 0 {
			return nil, eris.New("extract: json needs paths")
		}
		return &jsonPaths{spec: spec}, nil
	case KindChain:
		if len(spec.Chain) == 0 {
			return nil, eris.New("extract: chain needs steps")
		}
		c := &chain{required: spec.Required}
		for i, step := range spec.Chain {
			ex, err := New(step)
			if err != nil {
				return nil, eris.Wrapf(err, "extract: chain step %d", i)
			}
			c.steps = append(c.steps, ex)
		}
		return c, nil
	default:
		return nil, eris.Errorf("extract: unknown kind %q", spec.Kind)
	}
}

// Columns lists every column the spec can produce.
func (s Spec) Columns() []string {
	var cols []string
	for _, c := range s.Meta {
		cols = append(cols, c)
	}
	for _, c := range s.Links {
		cols = append(cols, c)
	}
	for c := range s.Paths {
		cols = append(cols, c)
	}
	for _, step := range s.Chain {
		cols = append(cols, step.Columns()...)
	}
	return cols
}

func checkRequired(out map[string]string, required []string) error {
	for _, col := range required {
		if out[col] == "" {
			return eris.Wrapf(ErrMissingField, "column %q", col)
		}
	}
	return nil
}

type chain struct {
	steps    []Extractor
	required []string
}

// Extract stops at the first step reporting ErrNotFound. Other step
// errors are kept and returned only if the required check also fails.
func (c *chain) Extract(body []byte) (map[string]string, error) {
	out := map[string]string{}
	var stepErr error
	for _, step := range c.steps {
		got, err := step.Extract(body)
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err != nil && stepErr == nil {
			stepErr = err
		}
		for k, v := range got {
			if out[k] == "" {
				out[k] = v
			}
		}
	}
	if err := checkRequired(out, c.required); err != nil {
		if stepErr != nil {
			return out, eris.Wrap(err, stepErr.Error())
		}
		return out, err
	}
	return out, nil
}
