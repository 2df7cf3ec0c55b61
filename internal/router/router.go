// Package router assigns bundle identifiers to storefronts using ordered
// pattern rules and a persistent cache of earlier assignments.
package router

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/storefront-sync/internal/model"
)

// Policy decides what happens when several rules match one identifier.
type Policy string

// Routing policies.
const (
	// FirstMatch assigns the identifier to the earliest matching rule only.
	FirstMatch Policy = "first_match"
	// AllMatches assigns it to every matching rule.
	AllMatches Policy = "all_matches"
)

// ParsePolicy maps a config value to a Policy. Empty means FirstMatch.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FirstMatch:
		return FirstMatch, nil
	case AllMatches:
		return AllMatches, nil
	default:
		return "", eris.Errorf("router: unknown policy %q", s)
	}
}

// Rule matches an identifier when every pattern matches it.
type Rule struct {
	Store    string
	Patterns []*regexp.Regexp
}

// Matches reports whether id satisfies all of the rule's patterns.
func (r Rule) Matches(id string) bool {
	if len(r.Patterns) == 0 {
		return false
	}
	for _, p := range r.Patterns {
		if !p.MatchString(id) {
			return false
		}
	}
	return true
}

// NewRule compiles case-insensitive patterns for store.
func NewRule(store string, patterns ...string) (Rule, error) {
	r := Rule{Store: store}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return Rule{}, eris.Wrapf(err, "router: compile pattern for %s", store)
		}
		r.Patterns = append(r.Patterns, re)
	}
	return r, nil
}

// DefaultRules returns the built-in rule order.
func DefaultRules() []Rule {
	specs := []struct {
		store    string
		patterns []string
	}{
		{"microsoft", []string{`^9[a-z0-9]{8,15}$`}},
		{"amazon", []string{`^(?:/dp/)?[a-z0-9]{10}$`, `^(?:/dp/)?[0-9]*[a-z]`}},
		{"apple", []string{`(?:id)?\d{6,}`}},
		{"android", []string{`[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+`}},
		{"zeasn", []string{`^\d{8}$`}},
		{"roku", []string{`^\d+$`}},
		{"samsung", []string{`^G\d+$`}},
		{"lg", []string{`^\d+$`}},
		{"playstation", []string{`/product/[a-z0-9_\-]+`}},
		{"galaxy", []string{`[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+`}},
		{"vizio", []string{`^vizio\.[a-z0-9][a-z0-9.\-+]*$`}},
	}
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := NewRule(s.store, s.patterns...)
		if err != nil {
			panic(err)
		}
		rules = append(rules, r)
	}
	return rules
}

// Result is the outcome of classifying one identifier list.
type Result struct {
	// Routed maps a store to its identifiers in input order.
	Routed    map[string][]string
	Unmatched []string
	FromCache int
	// New holds the assignments made by rule evaluation in this call.
	New []model.StoreAssignment
}

// Stores returns the stores with at least one identifier, sorted.
func (r *Result) Stores() []string {
	out := make([]string, 0, len(r.Routed))
	for s := range r.Routed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Total is the number of (identifier, store) pairs routed.
func (r *Result) Total() int {
	n := 0
	for _, ids := range r.Routed {
		n += len(ids)
	}
	return n
}

// Router classifies identifiers.
type Router struct {
	rules  []Rule
	policy Policy
	log    *zap.Logger
}

// New creates a Router. Rules are evaluated in the order given.
func New(rules []Rule, policy Policy) *Router {
	if policy == "" {
		policy = FirstMatch
	}
	return &Router{
		rules:  rules,
		policy: policy,
		log:    zap.L().With(zap.String("component", "router")),
	}
}

// Policy returns the router's policy.
func (r *Router) Policy() Policy {
	return r.policy
}

// Match returns the stores whose rules match id, honoring the policy.
func (r *Router) Match(id string) []string {
	var stores []string
	for _, rule := range r.rules {
		if !rule.Matches(id) {
			continue
		}
		stores = append(stores, rule.Store)
		if r.policy == FirstMatch {
			break
		}
	}
	return stores
}

// Classify routes ids. Cached identifiers are never re-evaluated; new
// matches are recorded into cache. Identifiers must already be unique.
func (r *Router) Classify(ids []string, cache *Cache) *Result {
	res := &Result{Routed: make(map[string][]string)}

	for _, id := range ids {
		if cached := cache.Stores(id); len(cached) > 0 {
			if r.policy == FirstMatch {
				cached = cached[:1]
			}
			for _, store := range cached {
				res.Routed[store] = append(res.Routed[store], id)
			}
			res.FromCache++
			r.log.Debug("routed from cache", zap.String("bundle_id", id), zap.Strings("stores", cached))
			continue
		}

		stores := r.Match(id)
		if len(stores) == 0 {
			res.Unmatched = append(res.Unmatched, id)
			r.log.Warn("no store matched", zap.String("bundle_id", id))
			continue
		}
		for _, store := range stores {
			a := model.StoreAssignment{BundleID: id, Store: store}
			res.Routed[store] = append(res.Routed[store], id)
			res.New = append(res.New, a)
			cache.Add(a)
		}
	}

	for _, store := range res.Stores() {
		r.log.Info("routing summary", zap.String("store", store), zap.Int("ids", len(res.Routed[store])))
	}
	if len(res.Unmatched) > 0 {
		r.log.Info("routing summary", zap.String("store", "unmatched"), zap.Int("ids", len(res.Unmatched)))
	}
	return res
}
