// Package annotation holds the default dimensions merged into every
// outgoing datapoint and event, the way ingest.py's _extra_dimensions map
// is merged into each datapoint before it's queued, without overwriting
// any dimension the caller already set.
package annotation

import "sync"

// Map is a mutex-guarded set of default dimensions.
type Map struct {
	mu   sync.Mutex
	dims map[string]string
}

// NewMap builds an empty default-dimension Map.
func NewMap() *Map {
	return &Map{dims: make(map[string]string)}
}

// Add merges the given dimensions into the default set, overwriting any
// existing values for the same keys.
func (m *Map) Add(dimensions map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range dimensions {
		m.dims[k] = v
	}
}

// Remove deletes the named dimensions from the default set. Names that
// aren't present are silently ignored.
func (m *Map) Remove(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		delete(m.dims, n)
	}
}

// Snapshot returns a copy of the current default dimensions.
func (m *Map) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.dims) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.dims))
	for k, v := range m.dims {
		out[k] = v
	}
	return out
}

// Merge applies the default dimensions onto dimensions supplied alongside
// a specific observation or event. Caller-supplied keys win over default
// ones: a datapoint's own dimensions describe it more specifically than
// the client-wide defaults, so a default only fills in a key the caller
// didn't already set.
func (m *Map) Merge(dimensions map[string]string) map[string]string {
	defaults := m.Snapshot()
	if len(defaults) == 0 {
		return dimensions
	}
	if dimensions == nil {
		return defaults
	}
	out := make(map[string]string, len(defaults)+len(dimensions))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range dimensions {
		out[k] = v
	}
	return out
}
