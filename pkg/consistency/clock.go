package consistency

import (
	"maps"
	"slices"
)

// Clock is a causal context: the number of accepted writes seen per node.
type Clock map[string]uint64

// Clone returns a copy of c, nil for an empty clock.
func (c Clock) Clone() Clock {
	if len(c) == 0 {
		return nil
	}

	return maps.Clone(c)
}

// Merge returns the pointwise maximum of all clocks.
func Merge(clocks ...Clock) Clock {
	var out Clock

	for _, c := range clocks {
		for node, n := range c {
			if out == nil {
				out = Clock{}
			}

			if n > out[node] {
				out[node] = n
			}
		}
	}

	return out
}

// Bump returns a copy of c with node's counter incremented.
func (c Clock) Bump(node string) Clock {
	out := maps.Clone(c)
	if out == nil {
		out = Clock{}
	}

	out[node]++

	return out
}

// Descends reports whether c has seen everything other has seen.
func (c Clock) Descends(other Clock) bool {
	for node, n := range other {
		if c[node] < n {
			return false
		}
	}

	return true
}

// Equal reports whether both clocks hold identical counters.
func (c Clock) Equal(other Clock) bool {
	return c.Descends(other) && other.Descends(c)
}

// Nodes returns the node ids present in c in sorted order.
func (c Clock) Nodes() []string {
	return slices.Sorted(maps.Keys(c))
}
