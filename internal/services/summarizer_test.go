package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmaeshima/documentanalysisflow/internal/gcp"
	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/store/storetest"
)

func TestWindowsWithOverlap(t *testing.T) {
	windows := WindowsWithOverlap(25, 10, 3)
	assert.Equal(t, [][2]int{{0, 10}, {7, 17}, {14, 24}, {21, 25}}, windows)

	// Every item is covered and consecutive windows overlap.
	covered := make(map[int]bool)
	for _, w := range windows {
		for i := w[0]; i < w[1]; i++ {
			covered[i] = true
		}
	}
	assert.Len(t, covered, 25)
	for i := 1; i < len(windows); i++ {
		assert.Greater(t, windows[i-1][1], windows[i][0], "windows %d and %d must overlap", i-1, i)
	}

	assert.Equal(t, [][2]int{{0, 5}}, WindowsWithOverlap(5, 10, 3), "small inputs get one window")
	assert.Nil(t, WindowsWithOverlap(0, 10, 3))
}

func TestMergeRelations(t *testing.T) {
	a := map[int][]int{0: {1, 2}, 1: {0}}
	b := map[int][]int{0: {2, 3}, 3: {0}}

	merged := MergeRelations(10, a, b)
	assert.Equal(t, []int{1, 2, 3}, merged[0], "union across windows")
	assert.Equal(t, []int{0}, merged[1])
	assert.Equal(t, []int{0}, merged[3])

	// Order-independent and idempotent.
	assert.Equal(t, merged, MergeRelations(10, b, a))
	assert.Equal(t, merged, MergeRelations(10, a, a, b, b))
}

func TestMergeRelationsDropsSelfAndOutOfRange(t *testing.T) {
	merged := MergeRelations(3, map[int][]int{
		0:  {0, 1, 7, -1},
		5:  {1},
		-2: {0},
	})
	assert.Equal(t, map[int][]int{0: {1}}, merged)
}

// fakeModel scripts the summarizer's model surface.
type fakeModel struct {
	jsonErr   error
	textErr   error
	textCalls int
	jsonCalls int
}

func (m *fakeModel) GenerateJSON(_ context.Context, systemPrompt, userPrompt string, out interface{}) error {
	m.jsonCalls++
	if m.jsonErr != nil {
		return m.jsonErr
	}
	switch systemPrompt {
	case gcp.PageDescriptionSystemPrompt:
		dst := out.(*[]pageDescription)
		for _, page := range pagesInPrompt(userPrompt) {
			*dst = append(*dst, pageDescription{Page: page, Description: fmt.Sprintf("description of page %d", page)})
		}
	case gcp.RelatedPagesSystemPrompt:
		dst := out.(*[]pageRelations)
		pages := pagesInPrompt(userPrompt)
		if len(pages) >= 2 {
			// Relate the window's first two pages both ways.
			*dst = append(*dst,
				pageRelations{Page: pages[0], RelatedPages: []int{pages[1]}},
				pageRelations{Page: pages[1], RelatedPages: []int{pages[0]}},
			)
		}
	}
	return nil
}

func (m *fakeModel) GenerateText(_ context.Context, _, _ string) (string, error) {
	m.textCalls++
	if m.textErr != nil {
		return "", m.textErr
	}
	return fmt.Sprintf("summary %d", m.textCalls), nil
}

// pagesInPrompt extracts the "Page N" indices mentioned in a prompt, in order.
func pagesInPrompt(prompt string) []int {
	var pages []int
	seen := make(map[int]bool)
	for _, line := range strings.Split(prompt, "\n") {
		var page int
		if _, err := fmt.Sscanf(line, "Page %d", &page); err == nil && !seen[page] {
			seen[page] = true
			pages = append(pages, page)
		}
	}
	return pages
}

func seedSummaryWorkflow(t *testing.T, st *storetest.MemStore, segmentCount int) string {
	t.Helper()
	ctx := context.Background()
	wid, err := st.CreateWorkflow(ctx, &models.Workflow{Status: models.WorkflowInProgress})
	require.NoError(t, err)
	for i := 0; i < segmentCount; i++ {
		require.NoError(t, st.SaveSegment(ctx, wid, &models.Segment{
			SegmentIndex: i,
			SegmentType:  models.SegmentPage,
			Status:       models.SegmentFinalizing,
			OCRText:      fmt.Sprintf("content of page %d", i),
		}))
	}
	require.NoError(t, st.SetTotalSegments(ctx, wid, segmentCount))
	return wid
}

func TestSummarizerHappyPath(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedSummaryWorkflow(t, st, 3)

	model := &fakeModel{}
	f := NewSummarizer(st, model)

	resp, err := f.Process(ctx, models.SummarizeRequest{WorkflowID: wid, Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.TotalPages)

	w, err := st.GetWorkflow(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, w.Status)
	assert.Equal(t, models.StepCompleted, w.Steps[models.StepSummarize].Status)
	require.NotNil(t, w.Summary)
	assert.Equal(t, 3, w.Summary.TotalPages)
	assert.Equal(t, "en", w.Summary.Language)
	assert.NotEmpty(t, w.Summary.DocumentSummary)
	require.Len(t, w.Summary.Pages, 3)
	assert.Equal(t, "description of page 1", w.Summary.Pages[1].Description)

	seg, err := st.GetSegment(ctx, wid, 0)
	require.NoError(t, err)
	assert.Equal(t, "description of page 0", seg.PageDescription)
	assert.Equal(t, []int{1}, seg.RelatedPages)
	assert.Equal(t, models.SegmentCompleted, seg.Status)
}

func TestSummarizerEveryPageDescribedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedSummaryWorkflow(t, st, 23)

	f := NewSummarizer(st, &fakeModel{})
	_, err := f.Process(ctx, models.SummarizeRequest{WorkflowID: wid})
	require.NoError(t, err)

	w, err := st.GetWorkflow(ctx, wid)
	require.NoError(t, err)
	require.Len(t, w.Summary.Pages, 23)
	seen := make(map[int]bool)
	for _, p := range w.Summary.Pages {
		assert.False(t, seen[p.Page], "page %d listed twice", p.Page)
		seen[p.Page] = true
	}
}

func TestSummarizerDegradedWhenStructuredCallsFail(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedSummaryWorkflow(t, st, 5)

	model := &fakeModel{jsonErr: errors.New("model overloaded")}
	f := NewSummarizer(st, model)

	resp, err := f.Process(ctx, models.SummarizeRequest{WorkflowID: wid})
	require.NoError(t, err, "failed description batches degrade, they do not abort")
	assert.Equal(t, 5, resp.TotalPages)

	w, err := st.GetWorkflow(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowCompleted, w.Status)
	for _, p := range w.Summary.Pages {
		assert.Empty(t, p.Description)
		assert.Empty(t, p.RelatedPages)
	}
	assert.NotEmpty(t, w.Summary.DocumentSummary)
}

func TestSummarizerTextFailureFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedSummaryWorkflow(t, st, 2)

	model := &fakeModel{textErr: errors.New("model unavailable")}
	f := NewSummarizer(st, model)

	_, err := f.Process(ctx, models.SummarizeRequest{WorkflowID: wid})
	require.Error(t, err)

	w, err := st.GetWorkflow(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowFailed, w.Status)
	assert.Equal(t, models.StepFailed, w.Steps[models.StepSummarize].Status)
}

func TestSummarizerLargeDocumentMergesPartials(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedSummaryWorkflow(t, st, 90)

	model := &fakeModel{}
	f := NewSummarizer(st, model)

	_, err := f.Process(ctx, models.SummarizeRequest{WorkflowID: wid})
	require.NoError(t, err)

	// 90 pages: three partial summaries plus one merge call.
	assert.Equal(t, 4, model.textCalls)

	w, err := st.GetWorkflow(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, "summary 4", w.Summary.DocumentSummary, "the merged summary wins")
}
