package intervals

// SplitByPageSize splits set into contiguous IntervalSets each covering at
// most pageSize consecutive ids, aligned to pageSize-sized pages starting
// at 0 (so page boundaries are stable across calls regardless of which
// ids are actually present). This mirrors the page-id hinting a server
// would use for on-disk layout; the client core has no caller for it
// since the server/paging layer lives outside this module, but keeps the
// pure splitting function available for callers that need it.
func SplitByPageSize(set *IntervalSet, pageSize int64) []*IntervalSet {
	if pageSize <= 0 || set == nil {
		return nil
	}
	ranges, _ := set.Snapshot()
	if len(ranges) == 0 {
		return nil
	}

	pages := make(map[int64]*IntervalSet)
	var order []int64

	for _, r := range ranges {
		for v := r.From; v <= r.To; {
			page := v / pageSize
			pageEnd := (page+1)*pageSize - 1
			segEnd := r.To
			if pageEnd < segEnd {
				segEnd = pageEnd
			}

			ps, ok := pages[page]
			if !ok {
				ps = New()
				pages[page] = ps
				order = append(order, page)
			}
			ps.EnqueueRange(IndexRange{From: v, To: segEnd})

			v = segEnd + 1
		}
	}

	out := make([]*IntervalSet, 0, len(order))
	for _, page := range order {
		out = append(out, pages[page])
	}
	return out
}
