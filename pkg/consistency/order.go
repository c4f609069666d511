package consistency

import (
	"bytes"
	"cmp"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

// Compare orders two values: higher version first, then a tombstone over a live
// value, then the byte-wise larger value. It returns -1, 0 or +1.
func Compare(a, b VersionedValue) int {
	if c := cmp.Compare(a.Version, b.Version); c != 0 {
		return c
	}

	if a.Deleted != b.Deleted {
		if a.Deleted {
			return 1
		}

		return -1
	}

	return bytes.Compare(a.Value, b.Value)
}

// Resolve picks the deterministic winner among candidates and attaches the merged
// causal context of all of them. The result does not depend on candidate order.
func Resolve(candidates []VersionedValue) (VersionedValue, error) {
	if len(candidates) == 0 {
		return VersionedValue{}, sentinel.ErrEmptyCandidates
	}

	winner := candidates[0]
	clocks := make([]Clock, 0, len(candidates))

	for _, c := range candidates {
		clocks = append(clocks, c.Context)

		switch d := Compare(c, winner); {
		case d > 0, d == 0 && c.Origin > winner.Origin:
			winner = c
		}
	}

	out := winner.Clone()
	out.Context = Merge(clocks...)

	return out, nil
}

// sameValue reports whether a and b are the same write, ignoring context.
func sameValue(a, b VersionedValue) bool { return Compare(a, b) == 0 }
