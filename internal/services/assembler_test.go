package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmaeshima/documentanalysisflow/internal/extract"
	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/store/storetest"
)

// fakeOutputs maps output URIs to their decoded values.
type fakeOutputs map[string]interface{}

func (f fakeOutputs) read(_ context.Context, uri string, out interface{}) error {
	v, ok := f[uri]
	if !ok {
		return fmt.Errorf("no such object %s", uri)
	}
	switch dst := out.(type) {
	case *extract.OCROutput:
		*dst = *(v.(*extract.OCROutput))
	case *extract.StructureOutput:
		*dst = *(v.(*extract.StructureOutput))
	case *extract.TranscriptOutput:
		*dst = *(v.(*extract.TranscriptOutput))
	default:
		return fmt.Errorf("unexpected output type %T", out)
	}
	return nil
}

func seedAssemblyWorkflow(t *testing.T, st *storetest.MemStore, segmentCount int, kind models.FileKind) string {
	t.Helper()
	ctx := context.Background()
	wid, err := st.CreateWorkflow(ctx, &models.Workflow{FileType: kind, Status: models.WorkflowInProgress})
	require.NoError(t, err)
	for i := 0; i < segmentCount; i++ {
		require.NoError(t, st.SaveSegment(ctx, wid, &models.Segment{
			SegmentIndex: i,
			SegmentType:  extract.SegmentTypeFor(kind),
			Status:       models.SegmentIndexing,
		}))
	}
	require.NoError(t, st.SetTotalSegments(ctx, wid, segmentCount))
	return wid
}

func TestAssemblerOverlaysAllSources(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedAssemblyWorkflow(t, st, 3, models.FileDocument)

	ocrURI := extract.OutputURI("b", wid, models.StepOCR)
	structURI := extract.OutputURI("b", wid, models.StepStructureExtract)
	require.NoError(t, st.StepStart(ctx, wid, models.StepOCR))
	require.NoError(t, st.StepComplete(ctx, wid, models.StepOCR, ocrURI))
	require.NoError(t, st.StepStart(ctx, wid, models.StepStructureExtract))
	require.NoError(t, st.StepComplete(ctx, wid, models.StepStructureExtract, structURI))

	outputs := fakeOutputs{
		ocrURI: &extract.OCROutput{Pages: []extract.OCRPage{
			{Index: 0, Text: "first page", Blocks: []models.OCRBlock{{Text: "first page", Width: 0.5, Height: 0.1}}},
			{Index: 2, Text: "third page"},
		}},
		structURI: &extract.StructureOutput{Pages: []extract.StructurePage{
			{Index: 0, Markdown: "# Title", ImageRefs: []string{"page_0.png"}},
		}},
	}

	f := NewAssembler(st, outputs.read)
	resp, err := f.Process(ctx, models.AssembleRequest{WorkflowID: wid, FileType: models.FileDocument})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.SegmentCount)
	assert.Equal(t, []int{0, 1, 2}, resp.SegmentIDs)

	seg0, err := st.GetSegment(ctx, wid, 0)
	require.NoError(t, err)
	assert.Equal(t, "first page", seg0.OCRText)
	assert.Len(t, seg0.OCRBlocks, 1)
	assert.Equal(t, "# Title", seg0.StructureText)
	assert.Equal(t, "gs://b/"+wid+"/structure-extract/images/page_0.png", seg0.ImageURI)
	assert.Equal(t, models.SegmentParsing, seg0.Status)

	seg1, err := st.GetSegment(ctx, wid, 1)
	require.NoError(t, err)
	assert.Empty(t, seg1.OCRText, "pages with no output stay empty")
	assert.Equal(t, models.SegmentParsing, seg1.Status)

	ledger, err := st.GetStepLedger(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, ledger.Steps[models.StepSegmentBuild].Status)
}

func TestAssemblerDropsOutOfRangeIndices(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedAssemblyWorkflow(t, st, 2, models.FileDocument)

	ocrURI := extract.OutputURI("b", wid, models.StepOCR)
	require.NoError(t, st.StepStart(ctx, wid, models.StepOCR))
	require.NoError(t, st.StepComplete(ctx, wid, models.StepOCR, ocrURI))

	outputs := fakeOutputs{
		ocrURI: &extract.OCROutput{Pages: []extract.OCRPage{
			{Index: 0, Text: "ok"},
			{Index: 5, Text: "phantom page"},
			{Index: -1, Text: "negative"},
		}},
	}

	f := NewAssembler(st, outputs.read)
	resp, err := f.Process(ctx, models.AssembleRequest{WorkflowID: wid, FileType: models.FileDocument})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.SegmentCount)

	seg0, err := st.GetSegment(ctx, wid, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", seg0.OCRText)
	seg1, err := st.GetSegment(ctx, wid, 1)
	require.NoError(t, err)
	assert.Empty(t, seg1.OCRText)
}

func TestAssemblerSkippedSourcesAreGraceful(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedAssemblyWorkflow(t, st, 2, models.FileDocument)

	// OCR failed, structure skipped: no sources at all, assembly still runs.
	require.NoError(t, st.StepStart(ctx, wid, models.StepOCR))
	require.NoError(t, st.StepFail(ctx, wid, models.StepOCR, "boom"))
	require.NoError(t, st.StepSkip(ctx, wid, models.StepStructureExtract, "disabled"))

	f := NewAssembler(st, fakeOutputs{}.read)
	resp, err := f.Process(ctx, models.AssembleRequest{WorkflowID: wid, FileType: models.FileDocument})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.SegmentCount)
}

func TestAssemblerAppliesTranscriptToAllSegments(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedAssemblyWorkflow(t, st, 2, models.FileVideo)

	transcriptURI := extract.OutputURI("b", wid, models.StepTranscribe)
	require.NoError(t, st.StepStart(ctx, wid, models.StepTranscribe))
	require.NoError(t, st.StepComplete(ctx, wid, models.StepTranscribe, transcriptURI))

	outputs := fakeOutputs{
		transcriptURI: &extract.TranscriptOutput{
			Transcript: "hello world",
			Segments:   []models.TranscriptSegment{{Text: "hello world", Start: 0, End: 2.5}},
		},
	}

	f := NewAssembler(st, outputs.read)
	_, err := f.Process(ctx, models.AssembleRequest{WorkflowID: wid, FileType: models.FileVideo})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		seg, err := st.GetSegment(ctx, wid, i)
		require.NoError(t, err)
		assert.Equal(t, "hello world", seg.Transcript, "segment %d", i)
		assert.Len(t, seg.TranscriptSegments, 1)
	}
}

func TestAssemblerUnreadableOutputIsFatal(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedAssemblyWorkflow(t, st, 1, models.FileDocument)

	ocrURI := extract.OutputURI("b", wid, models.StepOCR)
	require.NoError(t, st.StepStart(ctx, wid, models.StepOCR))
	require.NoError(t, st.StepComplete(ctx, wid, models.StepOCR, ocrURI))

	// Loader knows no URIs: the completed step's output is unreadable.
	f := NewAssembler(st, fakeOutputs{}.read)
	_, err := f.Process(ctx, models.AssembleRequest{WorkflowID: wid, FileType: models.FileDocument})
	require.Error(t, err)

	w, err := st.GetWorkflow(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowFailed, w.Status)
	assert.Equal(t, models.StepFailed, w.Steps[models.StepSegmentBuild].Status)
}

func TestOverlayFieldHelpersSkipEmptySources(t *testing.T) {
	assert.Empty(t, OCRFields(extract.OCRPage{Index: 1}))
	assert.Empty(t, TranscriptFields(extract.TranscriptOutput{}))
	assert.Empty(t, StructureFields("gs://b/wf/structure-extract/output.json", extract.StructurePage{Index: 0}))

	fields := StructureFields("gs://b/wf/structure-extract/output.json", extract.StructurePage{
		Index: 0, Markdown: "# H", ImageRefs: []string{"p.png"},
	})
	assert.Equal(t, "# H", fields["structureText"])
	assert.Equal(t, "gs://b/wf/structure-extract/images/p.png", fields["imageUri"])
}
