package protocol

import (
	"sort"
	"strings"
)

// CapabilitySet is a set of named permission bundles.
type CapabilitySet map[string]struct{}

// NewCapabilitySet normalizes names (trimmed, upper-cased) into a set.
func NewCapabilitySet(names ...string) CapabilitySet {
	set := make(CapabilitySet, len(names))
	for _, name := range names {
		name = NormalizeCapability(name)
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	return set
}

// NormalizeCapability returns the canonical spelling of a capability name.
func NormalizeCapability(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Has reports whether the set contains name. An empty name is always granted.
func (c CapabilitySet) Has(name string) bool {
	name = NormalizeCapability(name)
	if name == "" {
		return true
	}
	_, ok := c[name]
	return ok
}

// List returns the sorted capability names.
func (c CapabilitySet) List() []string {
	out := make([]string, 0, len(c))
	for name := range c {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
