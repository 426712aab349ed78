package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/store"
)

func TestStepLifecycle(t *testing.T) {
	ctx := context.Background()
	m := New()
	wid, err := m.CreateWorkflow(ctx, &models.Workflow{})
	require.NoError(t, err)

	require.NoError(t, m.StepStart(ctx, wid, models.StepOCR))
	require.NoError(t, m.StepComplete(ctx, wid, models.StepOCR, "gs://out/x.json"))

	// Terminal states are frozen.
	assert.ErrorIs(t, m.StepStart(ctx, wid, models.StepOCR), store.ErrStepRegression)
	assert.ErrorIs(t, m.StepFail(ctx, wid, models.StepOCR, "late failure"), store.ErrStepRegression)

	ledger, err := m.GetStepLedger(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, ledger.Steps[models.StepOCR].Status)
	assert.Equal(t, "gs://out/x.json", ledger.Steps[models.StepOCR].OutputURI)
}

func TestStepResetReopensTerminalStep(t *testing.T) {
	ctx := context.Background()
	m := New()
	wid, err := m.CreateWorkflow(ctx, &models.Workflow{})
	require.NoError(t, err)

	require.NoError(t, m.StepStart(ctx, wid, models.StepSegmentAnalyze))
	require.NoError(t, m.StepComplete(ctx, wid, models.StepSegmentAnalyze, ""))
	require.NoError(t, m.StepReset(ctx, wid, models.StepSegmentAnalyze))

	ledger, err := m.GetStepLedger(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, models.StepPending, ledger.Steps[models.StepSegmentAnalyze].Status)

	// And the step may run again.
	assert.NoError(t, m.StepStart(ctx, wid, models.StepSegmentAnalyze))
}

func TestClearSegmentAnalyses(t *testing.T) {
	ctx := context.Background()
	m := New()
	wid, err := m.CreateWorkflow(ctx, &models.Workflow{})
	require.NoError(t, err)

	require.NoError(t, m.SaveSegment(ctx, wid, &models.Segment{
		SegmentIndex:    0,
		Status:          models.SegmentCompleted,
		OCRText:         "page text",
		AIAnalysis:      []models.AnalysisEntry{{Query: "q", Content: "a"}},
		PageDescription: "desc",
		RelatedPages:    []int{2},
	}))

	require.NoError(t, m.ClearSegmentAnalyses(ctx, wid))

	seg, err := m.GetSegment(ctx, wid, 0)
	require.NoError(t, err)
	assert.Empty(t, seg.AIAnalysis)
	assert.Empty(t, seg.PageDescription)
	assert.Empty(t, seg.RelatedPages)
	assert.Equal(t, models.SegmentIndexing, seg.Status)
	assert.Equal(t, "page text", seg.OCRText, "extraction results survive a reanalysis reset")
}

func TestUpdateSegmentFieldsUnknownSegment(t *testing.T) {
	ctx := context.Background()
	m := New()
	wid, err := m.CreateWorkflow(ctx, &models.Workflow{})
	require.NoError(t, err)

	err = m.UpdateSegmentFields(ctx, wid, 7, map[string]interface{}{"ocrText": "x"})
	assert.ErrorIs(t, err, store.ErrSegmentNotFound)
}
