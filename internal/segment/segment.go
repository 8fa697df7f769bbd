// Package segment implements the segment calculator of spec §4.E:
// partitioning a byte range into a segment plan, and re-segmenting a
// partially-downloaded plan onto a new connection count without
// re-downloading any byte. There is no teacher equivalent (surge splits
// chunks dynamically via a work-stealing queue rather than a fixed,
// re-plannable segment list - see DESIGN.md); this package follows the
// spec's contiguous-range-per-worker model instead, in the teacher's
// plain-function, heavily-tested style (internal/engine/concurrent/task_queue_test.go).
package segment

import "sort"

// Calculate splits [0, totalBytes-1] into min(connections, totalBytes)
// contiguous, non-overlapping segments. The remainder of totalBytes /
// connections is distributed by prepending one extra byte to the first
// (totalBytes mod n) segments, so segment sizes differ by at most 1.
func Calculate(totalBytes int64, connections int) []Segment {
	if totalBytes <= 0 || connections <= 0 {
		return nil
	}
	n := connections
	if int64(n) > totalBytes {
		n = int(totalBytes)
	}
	base := totalBytes / int64(n)
	remainder := totalBytes % int64(n)

	segments := make([]Segment, 0, n)
	var offset int64
	for i := 0; i < n; i++ {
		size := base
		if int64(i) < remainder {
			size++
		}
		segments = append(segments, Segment{
			Index: i,
			Start: offset,
			End:   offset + size - 1,
		})
		offset += size
	}
	return segments
}

// Single returns a one-segment plan covering the whole file, or an empty
// plan for a zero-byte file.
func Single(totalBytes int64) []Segment {
	if totalBytes <= 0 {
		return nil
	}
	return []Segment{{Index: 0, Start: 0, End: totalBytes - 1}}
}

// Segment mirrors model.Segment; this package is import-free of model so
// it can be unit tested in isolation. Callers convert at the boundary
// (see source/http, which imports both).
type Segment struct {
	Index           int
	Start           int64
	End             int64
	DownloadedBytes int64
}

func (s Segment) TotalBytes() int64    { return s.End - s.Start + 1 }
func (s Segment) CurrentOffset() int64 { return s.Start + s.DownloadedBytes }
func (s Segment) IsComplete() bool     { return s.DownloadedBytes >= s.TotalBytes() }

type byteRange struct {
	start, end int64 // inclusive
}

func (r byteRange) size() int64 { return r.end - r.start + 1 }

// Resegment produces a new plan from the current one and a new target
// connection count, preserving all downloaded bytes (spec §4.E, §8).
func Resegment(old []Segment, newConnections int) []Segment {
	if newConnections < 1 {
		newConnections = 1
	}

	var result []Segment
	var remaining []byteRange

	for _, s := range old {
		if s.IsComplete() {
			result = append(result, s)
			continue
		}
		if s.DownloadedBytes > 0 {
			result = append(result, Segment{
				Start:           s.Start,
				End:             s.CurrentOffset() - 1,
				DownloadedBytes: s.DownloadedBytes,
			})
			if s.CurrentOffset() <= s.End {
				remaining = append(remaining, byteRange{s.CurrentOffset(), s.End})
			}
		} else {
			remaining = append(remaining, byteRange{s.Start, s.End})
		}
	}

	remaining = mergeContiguous(remaining)

	if len(remaining) > 0 {
		slots := allocateSlots(remaining, max(newConnections, len(remaining)))
		for i, r := range remaining {
			for _, sub := range splitRange(r, slots[i]) {
				result = append(result, sub)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Start < result[j].Start })
	for i := range result {
		result[i].Index = i
	}
	return result
}

func mergeContiguous(ranges []byteRange) []byteRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	merged := []byteRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end+1 {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// allocateSlots distributes `total` slots across ranges proportionally to
// range size, each range getting at least one, then balances the count to
// match `total` exactly (spec §4.E step 3's tie-break policy: grow the
// range with the largest bytes-per-slot ratio, shrink the one with the
// smallest, never below 1).
func allocateSlots(ranges []byteRange, total int) []int {
	n := len(ranges)
	slots := make([]int, n)
	var sumBytes int64
	for _, r := range ranges {
		sumBytes += r.size()
	}
	if sumBytes == 0 {
		for i := range slots {
			slots[i] = 1
		}
		return slots
	}

	assigned := 0
	for i, r := range ranges {
		s := int(float64(total) * float64(r.size()) / float64(sumBytes))
		if s < 1 {
			s = 1
		}
		slots[i] = s
		assigned += s
	}

	ratio := func(i int) float64 { return float64(ranges[i].size()) / float64(slots[i]) }

	for assigned > total {
		// Shrink the range with the smallest bytes-per-slot ratio, never
		// below 1 slot.
		worst := -1
		for i := range slots {
			if slots[i] <= 1 {
				continue
			}
			if worst == -1 || ratio(i) < ratio(worst) {
				worst = i
			}
		}
		if worst == -1 {
			break // every range already at the floor
		}
		slots[worst]--
		assigned--
	}

	for assigned < total {
		// Grow the range with the largest bytes-per-slot ratio.
		best := 0
		for i := 1; i < n; i++ {
			if ratio(i) > ratio(best) {
				best = i
			}
		}
		slots[best]++
		assigned++
	}

	return slots
}

// splitRange divides a byte range into `slots` contiguous segments using
// the same remainder-distribution rule as Calculate.
func splitRange(r byteRange, slots int) []Segment {
	total := r.size()
	if int64(slots) > total {
		slots = int(total)
	}
	if slots < 1 {
		slots = 1
	}
	base := total / int64(slots)
	remainder := total % int64(slots)

	segments := make([]Segment, 0, slots)
	offset := r.start
	for i := 0; i < slots; i++ {
		size := base
		if int64(i) < remainder {
			size++
		}
		segments = append(segments, Segment{Start: offset, End: offset + size - 1})
		offset += size
	}
	return segments
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
