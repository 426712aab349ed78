package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeRankedKeepsBestScorePerKey(t *testing.T) {
	vector := []Result{
		{WorkflowID: "wf-1", SegmentID: 0, Content: "a", Score: 0.9},
		{WorkflowID: "wf-1", SegmentID: 1, Content: "b", Score: 0.4},
	}
	keyword := []Result{
		{WorkflowID: "wf-1", SegmentID: 1, Content: "b", Score: 0.7},
		{WorkflowID: "wf-2", SegmentID: 0, Content: "c", Score: 0.5},
	}

	merged := MergeRanked(vector, keyword, 10)
	assert.Len(t, merged, 3, "duplicates collapse by (workflow, segment)")
	assert.Equal(t, 0.9, merged[0].Score)
	assert.Equal(t, 0.7, merged[1].Score, "the higher score wins for the duplicate")
	assert.Equal(t, "wf-1", merged[1].WorkflowID)
	assert.Equal(t, 1, merged[1].SegmentID)
	assert.Equal(t, 0.5, merged[2].Score)
}

func TestMergeRankedLimit(t *testing.T) {
	var hits []Result
	for i := 0; i < 10; i++ {
		hits = append(hits, Result{WorkflowID: "wf", SegmentID: i, Score: float64(i)})
	}
	merged := MergeRanked(hits, nil, 3)
	assert.Len(t, merged, 3)
	assert.Equal(t, 9, merged[0].SegmentID, "ranked descending before the cut")
}

func TestMergeRankedDeterministicOnTies(t *testing.T) {
	a := []Result{{WorkflowID: "wf-b", SegmentID: 2, Score: 0.5}, {WorkflowID: "wf-a", SegmentID: 9, Score: 0.5}}
	b := []Result{{WorkflowID: "wf-a", SegmentID: 1, Score: 0.5}}

	merged := MergeRanked(a, b, 10)
	assert.Equal(t, "wf-a", merged[0].WorkflowID)
	assert.Equal(t, 1, merged[0].SegmentID)
	assert.Equal(t, 9, merged[1].SegmentID)
	assert.Equal(t, "wf-b", merged[2].WorkflowID)
}

func TestMergeRankedEmptyInputs(t *testing.T) {
	assert.Empty(t, MergeRanked(nil, nil, 5))
}
