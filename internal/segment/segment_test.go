package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func assertValidPlan(t *testing.T, plan []Segment, total int64) {
	t.Helper()
	require.NotEmpty(t, plan)
	var covered int64
	for i, s := range plan {
		require.Equal(t, i, s.Index)
		require.LessOrEqual(t, s.Start, s.End)
		covered += s.TotalBytes()
		if i > 0 {
			require.Equal(t, plan[i-1].End+1, s.Start, "segments must be contiguous")
		}
	}
	require.Equal(t, total, covered)
	require.Equal(t, int64(0), plan[0].Start)
	require.Equal(t, total-1, plan[len(plan)-1].End)
}

func TestCalculate_EvenSplit(t *testing.T) {
	plan := Calculate(1000, 4)
	assertValidPlan(t, plan, 1000)
	for _, s := range plan {
		require.Equal(t, int64(250), s.TotalBytes())
	}
}

func TestCalculate_RemainderDistributed(t *testing.T) {
	plan := Calculate(10, 3)
	assertValidPlan(t, plan, 10)
	sizes := make([]int64, len(plan))
	for i, s := range plan {
		sizes[i] = s.TotalBytes()
	}
	require.Equal(t, []int64{4, 3, 3}, sizes)
}

func TestCalculate_ConnectionsExceedBytes(t *testing.T) {
	plan := Calculate(3, 8)
	assertValidPlan(t, plan, 3)
	require.Len(t, plan, 3)
}

func TestCalculate_ZeroBytesIsEmpty(t *testing.T) {
	require.Empty(t, Calculate(0, 4))
	require.Empty(t, Calculate(-1, 4))
	require.Empty(t, Calculate(100, 0))
}

func TestSingle_OneSegmentCoversWholeFile(t *testing.T) {
	plan := Single(500)
	assertValidPlan(t, plan, 500)
	require.Len(t, plan, 1)
}

func TestSingle_ZeroBytesIsEmpty(t *testing.T) {
	require.Empty(t, Single(0))
}

func TestResegment_PreservesCompletedSegments(t *testing.T) {
	old := []Segment{
		{Index: 0, Start: 0, End: 99, DownloadedBytes: 100},
		{Index: 1, Start: 100, End: 199, DownloadedBytes: 0},
	}
	plan := Resegment(old, 4)
	assertValidPlan(t, plan, 200)

	var completedFound bool
	for _, s := range plan {
		if s.Start == 0 && s.End == 99 {
			require.Equal(t, int64(100), s.DownloadedBytes)
			completedFound = true
		}
	}
	require.True(t, completedFound)
}

func TestResegment_SplitsPartialSegmentAtOffset(t *testing.T) {
	old := []Segment{
		{Index: 0, Start: 0, End: 999, DownloadedBytes: 300},
	}
	plan := Resegment(old, 3)
	assertValidPlan(t, plan, 1000)

	var downloaded int64
	for _, s := range plan {
		downloaded += s.DownloadedBytes
	}
	require.Equal(t, int64(300), downloaded, "total downloaded bytes must be preserved")

	// The completed prefix [0,299] must appear as its own segment.
	var prefixFound bool
	for _, s := range plan {
		if s.Start == 0 && s.End == 299 {
			require.Equal(t, int64(300), s.DownloadedBytes)
			prefixFound = true
		}
	}
	require.True(t, prefixFound)
}

func TestResegment_NoProgressFullyRebalances(t *testing.T) {
	old := Calculate(1000, 2)
	plan := Resegment(old, 5)
	assertValidPlan(t, plan, 1000)
	require.Len(t, plan, 5)
}

func TestResegment_DownsizingMergesPendingWork(t *testing.T) {
	old := Calculate(1000, 8)
	plan := Resegment(old, 2)
	assertValidPlan(t, plan, 1000)
	require.LessOrEqual(t, len(plan), 2)
}

func TestResegment_AllSegmentsCompleteIsNoOp(t *testing.T) {
	old := []Segment{
		{Index: 0, Start: 0, End: 49, DownloadedBytes: 50},
		{Index: 1, Start: 50, End: 99, DownloadedBytes: 50},
	}
	plan := Resegment(old, 6)
	assertValidPlan(t, plan, 100)
	require.Len(t, plan, 2)
	for _, s := range plan {
		require.True(t, s.IsComplete())
	}
}

func TestResegment_EmptyPlanConnectionsFloorsAtOne(t *testing.T) {
	plan := Resegment(nil, 0)
	require.Empty(t, plan)
}
