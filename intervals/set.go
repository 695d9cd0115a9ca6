// Package intervals implements QueueWithIntervals: a compact run-length
// representation of a set of 64-bit message ids, used on both the publish
// and subscribe paths to describe "which message ids are in this set"
// without materializing every id.
package intervals

import (
	"errors"
	"sort"
)

var (
	// ErrMessagesNotFound is returned by Remove when the target value is
	// absent, and by RemoveRange when no id of the range is present.
	ErrMessagesNotFound = errors.New("intervals: message not found")

	// ErrQueueIsEmpty is returned by Remove/RemoveRange when the set has
	// no elements at all (Dequeue reports that case with ok == false).
	ErrQueueIsEmpty = errors.New("intervals: queue is empty")

	// ErrMessageExists is reserved for a future strict-enqueue variant;
	// Enqueue/EnqueueRange are idempotent and never return it today.
	ErrMessageExists = errors.New("intervals: message already exists")
)

// IndexRange is a closed range [From, To] of message ids. An empty range
// carries To == From-1.
type IndexRange struct {
	From int64
	To   int64
}

func (r IndexRange) empty() bool {
	return r.To < r.From
}

// Len returns the number of ids covered by the range, 0 if empty.
func (r IndexRange) Len() int64 {
	if r.empty() {
		return 0
	}
	return r.To - r.From + 1
}

// Contains reports whether v lies within the range.
func (r IndexRange) Contains(v int64) bool {
	return !r.empty() && v >= r.From && v <= r.To
}

// IntervalSet is a sorted, non-overlapping, non-adjacent sequence of
// IndexRange. The zero value is not usable; construct with New.
type IntervalSet struct {
	ranges []IndexRange
}

// New returns an empty IntervalSet. The sentinel anchor starts at 0: it
// carries no meaning to any operation below and exists only so an empty
// set has a well-defined single-range representation, per the invariant
// that ranges are never nil.
func New() *IntervalSet {
	return &IntervalSet{ranges: []IndexRange{{From: 0, To: -1}}}
}

func (s *IntervalSet) isEmpty() bool {
	return len(s.ranges) == 1 && s.ranges[0].empty()
}

// Enqueue adds v to the set. A value already present is a no-op.
func (s *IntervalSet) Enqueue(v int64) {
	if s.isEmpty() {
		s.ranges = []IndexRange{{From: v, To: v}}
		return
	}

	n := len(s.ranges)
	idx := sort.Search(n, func(i int) bool { return s.ranges[i].From > v })

	if idx > 0 && v <= s.ranges[idx-1].To {
		// Already contained in the preceding range.
		return
	}

	canExtendLeft := idx > 0 && s.ranges[idx-1].To+1 == v
	canExtendRight := idx < n && s.ranges[idx].From-1 == v

	switch {
	case canExtendLeft && canExtendRight:
		s.ranges[idx-1].To = s.ranges[idx].To
		s.ranges = append(s.ranges[:idx], s.ranges[idx+1:]...)
	case canExtendLeft:
		s.ranges[idx-1].To = v
	case canExtendRight:
		s.ranges[idx].From = v
	default:
		s.ranges = append(s.ranges, IndexRange{})
		copy(s.ranges[idx+1:], s.ranges[idx:])
		s.ranges[idx] = IndexRange{From: v, To: v}
	}
}

// EnqueueRange adds every id in [r.From, r.To]. An empty range (From > To)
// is ignored. Every existing range fully or partially covered by r is
// coalesced into the result, including ranges r bridges across.
func (s *IntervalSet) EnqueueRange(r IndexRange) {
	if r.empty() {
		return
	}
	if s.isEmpty() {
		s.ranges = []IndexRange{r}
		return
	}

	n := len(s.ranges)
	lo := sort.Search(n, func(i int) bool { return s.ranges[i].To >= r.From-1 })
	hi := sort.Search(n, func(i int) bool { return s.ranges[i].From > r.To+1 })

	newFrom, newTo := r.From, r.To
	if lo < hi {
		if s.ranges[lo].From < newFrom {
			newFrom = s.ranges[lo].From
		}
		if s.ranges[hi-1].To > newTo {
			newTo = s.ranges[hi-1].To
		}
	}

	merged := IndexRange{From: newFrom, To: newTo}
	tail := append([]IndexRange(nil), s.ranges[hi:]...)
	s.ranges = append(s.ranges[:lo], merged)
	s.ranges = append(s.ranges, tail...)
}

// Remove deletes v from the set, splitting or trimming the owning range
// as needed. Returns ErrQueueIsEmpty if the set has nothing, and
// ErrMessagesNotFound if v is absent.
func (s *IntervalSet) Remove(v int64) error {
	if s.isEmpty() {
		return ErrQueueIsEmpty
	}

	n := len(s.ranges)
	idx := sort.Search(n, func(i int) bool { return s.ranges[i].From > v })
	if idx == 0 {
		return ErrMessagesNotFound
	}

	r := s.ranges[idx-1]
	if v < r.From || v > r.To {
		return ErrMessagesNotFound
	}

	switch {
	case r.From == r.To:
		s.ranges = append(s.ranges[:idx-1], s.ranges[idx:]...)
		if len(s.ranges) == 0 {
			s.ranges = []IndexRange{{From: v + 1, To: v}}
		}
	case v == r.From:
		s.ranges[idx-1].From = v + 1
	case v == r.To:
		s.ranges[idx-1].To = v - 1
	default:
		left := IndexRange{From: r.From, To: v - 1}
		right := IndexRange{From: v + 1, To: r.To}
		rest := append([]IndexRange(nil), s.ranges[idx:]...)
		s.ranges = append(s.ranges[:idx-1], left, right)
		s.ranges = append(s.ranges, rest...)
	}
	return nil
}

// RemoveRange deletes every id in [r.From, r.To] from the set. Ranges
// fully covered by r are dropped; ranges partially overlapping r are
// trimmed, splitting where r falls strictly inside an existing range.
// An empty r is a no-op. Returns ErrQueueIsEmpty if the set has nothing
// and ErrMessagesNotFound if r overlaps no stored range at all.
func (s *IntervalSet) RemoveRange(r IndexRange) error {
	if r.empty() {
		return nil
	}
	if s.isEmpty() {
		return ErrQueueIsEmpty
	}

	result := make([]IndexRange, 0, len(s.ranges))
	removedAny := false

	for _, cur := range s.ranges {
		switch {
		case cur.To < r.From || cur.From > r.To:
			result = append(result, cur)
		case cur.From >= r.From && cur.To <= r.To:
			removedAny = true
		case cur.From < r.From && cur.To > r.To:
			result = append(result, IndexRange{From: cur.From, To: r.From - 1})
			result = append(result, IndexRange{From: r.To + 1, To: cur.To})
			removedAny = true
		case cur.From < r.From:
			result = append(result, IndexRange{From: cur.From, To: r.From - 1})
			removedAny = true
		default:
			result = append(result, IndexRange{From: r.To + 1, To: cur.To})
			removedAny = true
		}
	}

	if !removedAny {
		return ErrMessagesNotFound
	}
	if len(result) == 0 {
		result = []IndexRange{{From: r.To + 1, To: r.To}}
	}
	s.ranges = result
	return nil
}

// Dequeue removes and returns the minimum id. ok is false on an empty set.
func (s *IntervalSet) Dequeue() (v int64, ok bool) {
	if s.isEmpty() {
		return 0, false
	}
	v = s.ranges[0].From
	_ = s.Remove(v)
	return v, true
}

// Peek returns the minimum id without removing it.
func (s *IntervalSet) Peek() (v int64, ok bool) {
	if s.isEmpty() {
		return 0, false
	}
	return s.ranges[0].From, true
}

// GetMinID returns the minimum id currently in the set.
func (s *IntervalSet) GetMinID() (int64, bool) { return s.Peek() }

// GetMaxID returns the maximum id currently in the set.
func (s *IntervalSet) GetMaxID() (int64, bool) {
	if s.isEmpty() {
		return 0, false
	}
	return s.ranges[len(s.ranges)-1].To, true
}

// HasMessage reports whether v is present in the set.
func (s *IntervalSet) HasMessage(v int64) bool {
	if s.isEmpty() {
		return false
	}
	n := len(s.ranges)
	idx := sort.Search(n, func(i int) bool { return s.ranges[i].From > v })
	if idx == 0 {
		return false
	}
	return s.ranges[idx-1].Contains(v)
}

// QueueSize returns the number of ids currently in the set.
func (s *IntervalSet) QueueSize() int64 {
	if s.isEmpty() {
		return 0
	}
	var total int64
	for _, r := range s.ranges {
		total += r.Len()
	}
	return total
}

// Len is an alias for QueueSize, matching common Go collection naming.
func (s *IntervalSet) Len() int64 { return s.QueueSize() }

// Iter returns every individual id in the set, in ascending order. The
// set is assumed near-contiguous in practice, so materializing ids is
// cheap even though the backing storage is range-based.
func (s *IntervalSet) Iter() []int64 {
	size := s.QueueSize()
	if size == 0 {
		return nil
	}
	out := make([]int64, 0, size)
	for _, r := range s.ranges {
		if r.empty() {
			continue
		}
		for v := r.From; v <= r.To; v++ {
			out = append(out, v)
		}
	}
	return out
}

// Snapshot returns a defensive copy of the set's ranges (empty slice, not
// the sentinel, when the set has nothing) and the total id count.
func (s *IntervalSet) Snapshot() ([]IndexRange, int64) {
	if s.isEmpty() {
		return nil, 0
	}
	out := make([]IndexRange, len(s.ranges))
	copy(out, s.ranges)
	return out, s.QueueSize()
}

// Merge enqueues every range of other into s.
func (s *IntervalSet) Merge(other *IntervalSet) {
	if other == nil || other.isEmpty() {
		return
	}
	for _, r := range other.ranges {
		s.EnqueueRange(r)
	}
}

// FromSnapshot rebuilds an IntervalSet from a previously captured
// Snapshot, e.g. a wire-decoded interval_set field.
func FromSnapshot(ranges []IndexRange) *IntervalSet {
	s := New()
	for _, r := range ranges {
		s.EnqueueRange(r)
	}
	return s
}
