// Package window picks fixed-size contiguous spans over an ordered message list.
//
// Positions are 0-based indices into a conversation's chronological non-system
// messages. Every function here is total: no input produces an error or a span
// outside [0, total).
package window

import "sort"

// Span is the half-open range [Start, End).
type Span struct {
	Start int
	End   int
}

// Len returns the number of positions covered.
func (s Span) Len() int {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// Contains reports whether pos falls inside the span.
func (s Span) Contains(pos int) bool {
	return pos >= s.Start && pos < s.End
}

// Select returns the n-sized span that concentrates the most matched positions.
//
// A candidate is built around every match, centered on it and clamped to the
// list bounds. Candidates are scored with two forward-only pointers over the
// sorted matches. Equal scores prefer the larger End (closer to now); a
// candidate reached earlier wins unless strictly beaten.
//
// A centered candidate is not always the densest span, so a second pass scores
// spans anchored at each match. The anchored winner replaces the centered one
// only when it holds strictly more matches.
//
// With no matches, total <= 0 or n <= 0 the result is the earliest n positions.
func Select(matched []int, total, n int) Span {
	matched = sanitize(matched, total)
	if len(matched) == 0 || total <= 0 || n <= 0 {
		return Span{Start: 0, End: minInt(maxInt(n, 0), maxInt(total, 0))}
	}

	centered, centeredHits := scan(matched, total, n, func(pos int) int { return pos - n/2 })
	anchored, anchoredHits := scan(matched, total, n, func(pos int) int { return pos })
	if anchoredHits > centeredHits {
		return anchored
	}
	return centered
}

// Around returns the n-sized span positioned around pivot, starting half a
// window before it. It is used when a single message, not a hit set, anchors
// the window. The pivot is always inside the result, and a span cut short by
// the end of the list is pulled back so it still covers min(n, total).
func Around(pivot, total, n int) Span {
	if total <= 0 || n <= 0 {
		return Span{}
	}
	pivot = clamp(pivot, 0, total-1)
	half := maxInt(1, n/2)
	start := maxInt(0, pivot-half)
	if start+n <= pivot {
		start = pivot - n + 1
	}
	end := minInt(total, start+n)
	if end-start < n {
		start = maxInt(0, end-n)
	}
	return Span{Start: start, End: end}
}

// Hits counts how many matched positions fall inside span.
func Hits(matched []int, span Span) int {
	count := 0
	for _, pos := range matched {
		if span.Contains(pos) {
			count++
		}
	}
	return count
}

// scan evaluates one candidate per match. startFor must be non-decreasing in
// its argument so both pointers only move forward.
func scan(matched []int, total, n int, startFor func(pos int) int) (Span, int) {
	var (
		best     Span
		bestHits = -1
		lo, hi   int
	)
	for _, pos := range matched {
		start := clamp(startFor(pos), 0, maxInt(total-n, 0))
		end := minInt(start+n, total)

		for lo < len(matched) && matched[lo] < start {
			lo++
		}
		if hi < lo {
			hi = lo
		}
		for hi < len(matched) && matched[hi] < end {
			hi++
		}

		hits := hi - lo
		if hits > bestHits || (hits == bestHits && end > best.End) {
			best = Span{Start: start, End: end}
			bestHits = hits
		}
	}
	return best, bestHits
}

// sanitize drops out-of-range positions and returns a sorted, deduplicated copy.
func sanitize(matched []int, total int) []int {
	out := make([]int, 0, len(matched))
	for _, pos := range matched {
		if pos >= 0 && pos < total {
			out = append(out, pos)
		}
	}
	if !sort.IntsAreSorted(out) {
		sort.Ints(out)
	}
	deduped := out[:0]
	for _, pos := range out {
		if len(deduped) > 0 && deduped[len(deduped)-1] == pos {
			continue
		}
		deduped = append(deduped, pos)
	}
	return deduped
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
