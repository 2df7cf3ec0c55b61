package storefront

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Registry maps storefront names to descriptors.
type Registry struct {
	stores map[string]Descriptor
	order  []string // insertion order for deterministic iteration
}

// NewRegistry creates a registry holding descs in the given order.
func NewRegistry(descs ...Descriptor) *Registry {
	r := &Registry{stores: make(map[string]Descriptor)}
	for _, d := range descs {
		r.Register(d)
	}
	return r
}

// DefaultRegistry holds the built-in descriptors.
func DefaultRegistry() *Registry {
	return NewRegistry(Defaults()...)
}

// Register adds or replaces a descriptor. A replaced descriptor keeps its position.
func (r *Registry) Register(d Descriptor) {
	if _, ok := r.stores[d.Name]; !ok {
		r.order = append(r.order, d.Name)
	}
	r.stores[d.Name] = d
}

// Get returns a descriptor by name with defaults applied.
func (r *Registry) Get(name string) (Descriptor, error) {
	d, ok := r.stores[name]
	if !ok {
		return Descriptor{}, eris.Errorf("storefront: unknown store %q", name)
	}
	return d.WithDefaults(), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.stores[name]
	return ok
}

// All returns every descriptor in registration order with defaults applied.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.stores[name].WithDefaults())
	}
	return out
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SetReferenceSources points a reference storefront at its datasets.
func (r *Registry) SetReferenceSources(name string, sources []string) error {
	d, ok := r.stores[name]
	if !ok {
		return eris.Errorf("storefront: unknown store %q", name)
	}
	if d.Reference == nil {
		return eris.Errorf("storefront: %s is not a reference store", name)
	}
	ref := *d.Reference
	ref.Sources = append([]string(nil), sources...)
	d.Reference = &ref
	r.stores[name] = d
	return nil
}

type overrideFile struct {
	Storefronts map[string]yaml.Node `yaml:"storefronts"`
}

// LoadOverrides reads a YAML file of the form
//
//	storefronts:
//	  apple:
//	    concurrency: 10
//	  newstore:
//	    kind: http
//	    url: https://example.com/apps/{bundle_id}
//
// Keys present for an existing store replace its values; unknown stores are
// added after the built-ins in name order.
func (r *Registry) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "storefront: read overrides %s", path)
	}

	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return eris.Wrapf(err, "storefront: parse overrides %s", path)
	}

	names := make([]string, 0, len(file.Storefronts))
	for name := range file.Storefronts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		node := file.Storefronts[name]
		d, ok := r.stores[name]
		if !ok {
			d = Descriptor{Name: name}
		}
		if err := node.Decode(&d); err != nil {
			return eris.Wrapf(err, "storefront: decode override %s", name)
		}
		d.Name = name
		r.Register(d)
	}
	return nil
}
