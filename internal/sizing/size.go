// Package sizing provides overflow-checked offset arithmetic for composed streams.
package sizing

import "math"

// AddInt64 adds two non-negative int64 values, returning (sum, false) on overflow.
func AddInt64(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// AlignUp rounds n up to the next multiple of alignment.
// Alignments of 0 or 1 leave n unchanged. ok is false on overflow.
func AlignUp(n, alignment int64) (aligned int64, ok bool) {
	if alignment <= 1 {
		return n, true
	}
	rem := n % alignment
	if rem == 0 {
		return n, true
	}
	return AddInt64(n, alignment-rem)
}
