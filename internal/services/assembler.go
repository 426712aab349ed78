package services

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"

	"github.com/kmaeshima/documentanalysisflow/internal/extract"
	"github.com/kmaeshima/documentanalysisflow/internal/gcp"
	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/store"
)

// AssemblerFunction merges the normalized coordinator outputs into the
// per-segment records. Each source only overlays its own fields, so a missing
// or failed optional source leaves the segment otherwise intact. Unlike
// extraction, assembly errors are fatal: a workflow that cannot assemble its
// segments has nothing to analyze.
type AssemblerFunction struct {
	store  store.Store
	events func(models.ProgressEvent)
	// readOutput loads a normalized coordinator output; tests replace it.
	readOutput func(ctx context.Context, uri string, out interface{}) error
}

func NewSegmentAssembler(ctx context.Context) (*AssemblerFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	f := NewAssembler(
		store.NewFirestoreStore(firestoreClient, gcp.GetEnv("FIRESTORE_COLLECTION", "workflows")),
		func(ctx context.Context, uri string, out interface{}) error {
			return gcp.ReadJSONObject(ctx, storageClient, uri, out)
		},
	)
	slog.Info("Segment assembler initialized.")
	return f, nil
}

// NewAssembler wires an assembler over an existing store and output loader.
func NewAssembler(st store.Store, readOutput func(ctx context.Context, uri string, out interface{}) error) *AssemblerFunction {
	return &AssemblerFunction{store: st, readOutput: readOutput}
}

// SetEventSink installs a best-effort progress event callback.
func (f *AssemblerFunction) SetEventSink(fn func(models.ProgressEvent)) {
	f.events = fn
}

func (f *AssemblerFunction) emit(event models.ProgressEvent) {
	if f.events != nil {
		f.events(event)
	}
}

func (f *AssemblerFunction) Process(ctx context.Context, req models.AssembleRequest) (*models.AssembleResponse, error) {
	logCtx := slog.With("workflowId", req.WorkflowID)

	if err := f.store.StepStart(ctx, req.WorkflowID, models.StepSegmentBuild); err != nil {
		return nil, err
	}
	f.emit(models.ProgressEvent{WorkflowID: req.WorkflowID, Step: models.StepSegmentBuild, StepStatus: models.StepInProgress})

	total, err := f.store.GetSegmentCount(ctx, req.WorkflowID)
	if err != nil {
		return nil, FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, models.StepSegmentBuild, "failed to read segment count", err)
	}
	ledger, err := f.store.GetStepLedger(ctx, req.WorkflowID)
	if err != nil {
		return nil, FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, models.StepSegmentBuild, "failed to read step ledger", err)
	}

	if err := f.overlayStructure(ctx, logCtx, req.WorkflowID, ledger, total); err != nil {
		return nil, FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, models.StepSegmentBuild, "failed to overlay structure output", err)
	}
	if err := f.overlayOCR(ctx, logCtx, req.WorkflowID, ledger, total); err != nil {
		return nil, FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, models.StepSegmentBuild, "failed to overlay OCR output", err)
	}
	if err := f.overlayTranscript(ctx, logCtx, req.WorkflowID, ledger, total); err != nil {
		return nil, FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, models.StepSegmentBuild, "failed to overlay transcript output", err)
	}

	segmentIDs := make([]int, 0, total)
	for i := 0; i < total; i++ {
		if err := f.store.UpdateSegmentFields(ctx, req.WorkflowID, i, map[string]interface{}{
			"status": models.SegmentParsing,
		}); err != nil {
			return nil, FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, models.StepSegmentBuild, "failed to advance segment status", err)
		}
		segmentIDs = append(segmentIDs, i)
	}

	if err := f.store.StepComplete(ctx, req.WorkflowID, models.StepSegmentBuild, ""); err != nil {
		return nil, err
	}
	logCtx.Info("Segment assembly complete.", "segmentCount", total)
	f.emit(models.ProgressEvent{WorkflowID: req.WorkflowID, Step: models.StepSegmentBuild, StepStatus: models.StepCompleted})
	return &models.AssembleResponse{Status: "assembled", SegmentCount: total, SegmentIDs: segmentIDs}, nil
}

// completedOutputURI returns the output location of a coordinator step, or ""
// when the step did not complete (failed, skipped or never applicable).
func completedOutputURI(ledger models.StepLedger, step models.StepName) string {
	entry := ledger.Steps[step]
	if entry.Status != models.StepCompleted {
		return ""
	}
	return entry.OutputURI
}

func (f *AssemblerFunction) overlayStructure(ctx context.Context, logCtx *slog.Logger, workflowID string, ledger models.StepLedger, total int) error {
	uri := completedOutputURI(ledger, models.StepStructureExtract)
	if uri == "" {
		return nil
	}
	var output extract.StructureOutput
	if err := f.readOutput(ctx, uri, &output); err != nil {
		return err
	}
	dropped := 0
	for _, page := range output.Pages {
		if page.Index < 0 || page.Index >= total {
			dropped++
			continue
		}
		fields := StructureFields(uri, page)
		if err := f.store.UpdateSegmentFields(ctx, workflowID, page.Index, fields); err != nil {
			return err
		}
	}
	if dropped > 0 {
		logCtx.Warn("Dropped structure pages outside the segment range.", "dropped", dropped, "segmentCount", total)
	}
	return nil
}

func (f *AssemblerFunction) overlayOCR(ctx context.Context, logCtx *slog.Logger, workflowID string, ledger models.StepLedger, total int) error {
	uri := completedOutputURI(ledger, models.StepOCR)
	if uri == "" {
		return nil
	}
	var output extract.OCROutput
	if err := f.readOutput(ctx, uri, &output); err != nil {
		return err
	}
	dropped := 0
	for _, page := range output.Pages {
		if page.Index < 0 || page.Index >= total {
			dropped++
			continue
		}
		fields := OCRFields(page)
		if len(fields) == 0 {
			continue
		}
		if err := f.store.UpdateSegmentFields(ctx, workflowID, page.Index, fields); err != nil {
			return err
		}
	}
	if dropped > 0 {
		logCtx.Warn("Dropped OCR pages outside the segment range.", "dropped", dropped, "segmentCount", total)
	}
	return nil
}

// overlayTranscript applies the transcript to every segment; a media file's
// transcript is not positional.
func (f *AssemblerFunction) overlayTranscript(ctx context.Context, logCtx *slog.Logger, workflowID string, ledger models.StepLedger, total int) error {
	uri := completedOutputURI(ledger, models.StepTranscribe)
	if uri == "" {
		return nil
	}
	var output extract.TranscriptOutput
	if err := f.readOutput(ctx, uri, &output); err != nil {
		return err
	}
	fields := TranscriptFields(output)
	if len(fields) == 0 {
		return nil
	}
	for i := 0; i < total; i++ {
		if err := f.store.UpdateSegmentFields(ctx, workflowID, i, fields); err != nil {
			return err
		}
	}
	return nil
}

// StructureFields maps one structure page to segment field updates. The first
// image reference becomes the segment's image, resolved to an absolute URI.
func StructureFields(outputURI string, page extract.StructurePage) map[string]interface{} {
	fields := map[string]interface{}{}
	if page.Markdown != "" {
		fields["structureText"] = page.Markdown
	}
	if len(page.ImageRefs) > 0 {
		fields["imageUri"] = extract.ResolveImageRef(outputURI, page.ImageRefs[0])
	}
	return fields
}

// OCRFields maps one OCR page to segment field updates. Empty sources write
// nothing so they never clobber another coordinator's data.
func OCRFields(page extract.OCRPage) map[string]interface{} {
	fields := map[string]interface{}{}
	if page.Text != "" {
		fields["ocrText"] = page.Text
	}
	if len(page.Blocks) > 0 {
		fields["ocrBlocks"] = page.Blocks
	}
	return fields
}

// TranscriptFields maps the transcript output to segment field updates.
func TranscriptFields(output extract.TranscriptOutput) map[string]interface{} {
	fields := map[string]interface{}{}
	if output.Transcript != "" {
		fields["transcript"] = output.Transcript
	}
	if len(output.Segments) > 0 {
		fields["transcriptSegments"] = output.Segments
	}
	return fields
}
