// Package postprocess turns raw upstream events into clean caller-facing
// deltas: cumulative-content deduplication, thinking-block extraction, and
// tool-call assembly.
package postprocess

import "strings"

// smallFragmentLen guards the suffix/prefix overlap case: fragments shorter
// than this are treated as additive so intentional repetition ("ha ha") is
// not dropped as a false overlap.
const smallFragmentLen = 32

// DeltaByPrefix computes the incremental delta between the previous
// cumulative content and the current fragment. The upstream occasionally
// re-sends cumulative content instead of increments; this resolves both
// shapes into pure deltas.
//
// It returns the new cumulative content and the delta. Cases, in order:
//
//  1. current empty: no delta.
//  2. current starts with previous: delta is the suffix.
//  3. previous found inside current past the start (and shorter): delta is
//     the text after it.
//  4. previous ends with a prefix of current: delta is the remainder, unless
//     the fragment is small (see smallFragmentLen).
//  5. otherwise the fragment is independent: concatenate.
func DeltaByPrefix(previous, current string) (string, string) {
	if current == "" {
		return previous, ""
	}
	if previous == "" {
		return current, current
	}

	if strings.HasPrefix(current, previous) {
		delta := current[len(previous):]
		if delta != "" {
			return current, delta
		}
		return previous, ""
	}

	if idx := strings.Index(current, previous); idx > 0 && len(previous) < len(current) {
		delta := current[idx+len(previous):]
		if delta != "" {
			return previous + delta, delta
		}
	}

	if len(current) >= smallFragmentLen {
		maxOverlap := min(len(previous), len(current))
		for length := maxOverlap; length > 0; length-- {
			if strings.HasSuffix(previous, current[:length]) {
				delta := current[length:]
				return previous + delta, delta
			}
		}
	}

	return previous + current, current
}
