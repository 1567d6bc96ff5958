package analysis

// MergeFilterResults folds per-batch results in batch order. An index enters High once; a
// Medium entry is kept only if no High entry seen so far claims its index. Total is the sum of
// the batch totals, while High, Medium and Low are recomputed from the deduplicated lists.
func MergeFilterResults(results []FilterResult) FilterResult {
	var merged FilterResult
	var nh, nm int
	for _, r := range results {
		nh += len(r.High)
		nm += len(r.Medium)
	}
	merged.High = make([]ClassifiedMessage, 0, nh)
	merged.Medium = make([]ClassifiedMessage, 0, nm)

	seenHigh := make(map[int]struct{}, nh)
	seenMedium := make(map[int]struct{}, nm)
	for _, r := range results {
		for _, m := range r.High {
			if _, ok := seenHigh[m.Index]; ok {
				continue
			}
			seenHigh[m.Index] = struct{}{}
			merged.High = append(merged.High, m)
		}
		for _, m := range r.Medium {
			if _, ok := seenHigh[m.Index]; ok {
				continue
			}
			if _, ok := seenMedium[m.Index]; ok {
				continue
			}
			seenMedium[m.Index] = struct{}{}
			merged.Medium = append(merged.Medium, m)
		}
		merged.Stats.Total += r.Stats.Total
		if r.Degraded {
			merged.Degraded = true
		}
	}
	// A later batch may promote an index an earlier batch marked MEDIUM.
	kept := merged.Medium[:0]
	for _, m := range merged.Medium {
		if _, ok := seenHigh[m.Index]; !ok {
			kept = append(kept, m)
		}
	}
	merged.Medium = kept

	merged.Stats.High = len(merged.High)
	merged.Stats.Medium = len(merged.Medium)
	merged.Stats.Low = merged.Stats.Total - merged.Stats.High - merged.Stats.Medium
	return merged
}

// HighIndices returns the indices of the HIGH messages in order.
func (r FilterResult) HighIndices() []int {
	out := make([]int, len(r.High))
	for i, m := range r.High {
		out[i] = m.Index
	}
	return out
}
