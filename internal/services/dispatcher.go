package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"

	"github.com/kmaeshima/documentanalysisflow/internal/extract"
	"github.com/kmaeshima/documentanalysisflow/internal/gcp"
	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/store"
)

type DispatcherConfig struct {
	ProjectID        string
	WorkflowID       string
	WorkflowLocation string
	StructureEnabled bool
	DefaultLanguage  string
}

// DispatcherFunction reacts to a file landing in the upload bucket: it
// deduplicates by content hash, creates the workflow record with its full
// step ledger, performs initial segmentation, and hands off to the
// orchestrating Cloud Workflow.
type DispatcherFunction struct {
	store            store.Store
	storageClient    *storage.Client
	executionsClient *executions.Client
	events           func(models.ProgressEvent)
	config           DispatcherConfig
}

// GCSEvent is the subset of the storage object payload the dispatcher needs.
type GCSEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

func NewIngestDispatcher(ctx context.Context) (*DispatcherFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}

	config := DispatcherConfig{
		ProjectID:        projectID,
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", "document-analysis-orchestrator"),
		StructureEnabled: gcp.GetEnv("STRUCTURE_ENABLED", "false") == "true",
		DefaultLanguage:  gcp.GetEnv("DEFAULT_LANGUAGE", "en-US"),
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	executionsClient, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}

	f := &DispatcherFunction{
		store:            store.NewFirestoreStore(firestoreClient, gcp.GetEnv("FIRESTORE_COLLECTION", "workflows")),
		storageClient:    storageClient,
		executionsClient: executionsClient,
		config:           config,
	}
	slog.Info("Ingest dispatcher initialized.", "workflowId", config.WorkflowID, "structureEnabled", config.StructureEnabled)
	return f, nil
}

// SetEventSink installs a best-effort progress event callback.
func (f *DispatcherFunction) SetEventSink(fn func(models.ProgressEvent)) {
	f.events = fn
}

func (f *DispatcherFunction) emit(event models.ProgressEvent) {
	if f.events != nil {
		f.events(event)
	}
}

func (f *DispatcherFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing new upload.")

	tempDir, err := os.MkdirTemp("", "ingest-dispatcher-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	localPath := filepath.Join(tempDir, "source"+filepath.Ext(e.Name))
	if err := f.streamGCSObject(ctx, e.Bucket, e.Name, localPath); err != nil {
		logCtx.Error("Failed to download uploaded file", "error", err)
		return err
	}

	fileHash, err := calculateFileHash(localPath)
	if err != nil {
		logCtx.Error("Failed to calculate file hash", "error", err)
		return fmt.Errorf("failed to calculate file hash: %w", err)
	}
	logCtx = logCtx.With("fileHash", fileHash)

	if existing, err := f.store.FindWorkflowByHash(ctx, f.config.ProjectID, fileHash); err == nil {
		logCtx.Info("Duplicate file detected. Skipping.", "existingWorkflowId", existing.WorkflowID)
		return nil // Clean exit for a duplicate
	} else if !errors.Is(err, store.ErrWorkflowNotFound) {
		logCtx.Error("Failed to check for duplicate", "error", err)
		return err
	}

	kind := extract.ClassifyMIME(e.ContentType, e.Name)
	mimeType := e.ContentType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = extract.MIMEForKind(kind, e.Name)
	}
	fileURI := fmt.Sprintf("gs://%s/%s", e.Bucket, e.Name)
	routing := extract.Routing{StructureEnabled: f.config.StructureEnabled}

	workflowID, err := f.createWorkflow(ctx, fileURI, e.Name, fileHash, kind, routing)
	if err != nil {
		logCtx.Error("Failed to create workflow record", "error", err)
		return err
	}
	logCtx = logCtx.With("workflowId", workflowID)
	logCtx.Info("Created workflow record.", "fileType", string(kind))
	f.emit(models.ProgressEvent{WorkflowID: workflowID, Step: models.StepPreprocess, StepStatus: models.StepInProgress})

	segmentCount, err := f.segment(ctx, logCtx, workflowID, kind, mimeType, fileURI, localPath)
	if err != nil {
		return err
	}
	f.emit(models.ProgressEvent{WorkflowID: workflowID, Step: models.StepPreprocess, StepStatus: models.StepCompleted,
		Message: fmt.Sprintf("%d segments created", segmentCount)})

	if err := f.triggerWorkflow(ctx, logCtx, workflowID, kind, mimeType, fileURI, segmentCount); err != nil {
		return err
	}
	logCtx.Info("Hand-off to workflow complete.", "segmentCount", segmentCount)
	return nil
}

// createWorkflow writes the master record with every ledger entry present up
// front: applicable coordinators pending, non-applicable ones skipped.
func (f *DispatcherFunction) createWorkflow(ctx context.Context, fileURI, fileName, fileHash string, kind models.FileKind, routing extract.Routing) (string, error) {
	steps := make(map[models.StepName]models.Step, len(models.StepOrder))
	for _, step := range models.StepOrder {
		steps[step] = models.Step{Status: models.StepPending}
	}
	for _, step := range routing.Skipped(kind) {
		steps[step] = models.Step{
			Status: models.StepSkipped,
			Reason: fmt.Sprintf("not applicable to %s files", kind),
		}
	}

	w := &models.Workflow{
		DocumentID: uuid.NewString(),
		ProjectID:  f.config.ProjectID,
		FileURI:    fileURI,
		FileName:   fileName,
		FileHash:   fileHash,
		FileType:   kind,
		Status:     models.WorkflowInProgress,
		Language:   f.config.DefaultLanguage,
		Steps:      steps,
	}
	workflowID, err := f.store.CreateWorkflow(ctx, w)
	if err != nil {
		return "", fmt.Errorf("failed to create workflow record: %w", err)
	}
	if err := f.store.StepStart(ctx, workflowID, models.StepPreprocess); err != nil {
		return "", err
	}
	return workflowID, nil
}

// segment performs the initial segmentation and persists the segment records.
func (f *DispatcherFunction) segment(ctx context.Context, logCtx *slog.Logger, workflowID string, kind models.FileKind, mimeType, fileURI, localPath string) (int, error) {
	pageCount := 1
	if mimeType == "application/pdf" {
		optimizedPath := localPath + ".optimized.pdf"
		if err := optimizePDF(localPath, optimizedPath); err != nil {
			return 0, FailWorkflow(ctx, f.store, logCtx, workflowID, models.StepPreprocess, "failed to validate/optimize PDF", err)
		}
		n, err := api.PageCountFile(optimizedPath)
		if err != nil {
			return 0, FailWorkflow(ctx, f.store, logCtx, workflowID, models.StepPreprocess, "failed to get page count", err)
		}
		pageCount = n
	}

	segments := InitialSegments(kind, pageCount, fileURI)
	logCtx.Info("Saving initial segments.", "segmentCount", len(segments))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(10)
	for i := range segments {
		seg := segments[i]
		eg.Go(func() error {
			if err := f.store.SaveSegment(gctx, workflowID, &seg); err != nil {
				return fmt.Errorf("segment %d: %w", seg.SegmentIndex, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, FailWorkflow(ctx, f.store, logCtx, workflowID, models.StepPreprocess, "one or more segments failed to save", err)
	}

	if err := f.store.SetTotalSegments(ctx, workflowID, len(segments)); err != nil {
		return 0, FailWorkflow(ctx, f.store, logCtx, workflowID, models.StepPreprocess, "failed to record segment count", err)
	}
	if err := f.store.StepComplete(ctx, workflowID, models.StepPreprocess, ""); err != nil {
		return 0, err
	}
	return len(segments), nil
}

func (f *DispatcherFunction) triggerWorkflow(ctx context.Context, logCtx *slog.Logger, workflowID string, kind models.FileKind, mimeType, fileURI string, segmentCount int) error {
	logCtx.Info("Triggering workflow.")
	payload := map[string]interface{}{
		"workflowId":       workflowID,
		"fileUri":          fileURI,
		"mimeType":         mimeType,
		"fileType":         string(kind),
		"language":         f.config.DefaultLanguage,
		"structureEnabled": f.config.StructureEnabled,
		"segmentCount":     segmentCount,
	}
	executionRef, err := gcp.TriggerExecution(ctx, f.executionsClient, f.config.ProjectID, f.config.WorkflowLocation, f.config.WorkflowID, payload)
	if err != nil {
		return FailWorkflow(ctx, f.store, logCtx, workflowID, "", "failed to trigger workflow execution", err)
	}
	if err := f.store.SetExecutionRef(ctx, workflowID, executionRef); err != nil {
		logCtx.Warn("Failed to record execution reference.", "executionRef", executionRef, "error", err)
	}
	return nil
}

// InitialSegments builds the canonical segment records for a file: one PAGE
// segment per page for documents, one whole-file segment otherwise. Indices
// are contiguous from zero and never change afterwards.
func InitialSegments(kind models.FileKind, pageCount int, fileURI string) []models.Segment {
	if kind != models.FileDocument || pageCount < 1 {
		pageCount = 1
	}
	segments := make([]models.Segment, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		segments = append(segments, models.Segment{
			SegmentIndex: i,
			SegmentType:  extract.SegmentTypeFor(kind),
			Status:       models.SegmentIndexing,
			FileURI:      fileURI,
		})
	}
	return segments
}

func (f *DispatcherFunction) streamGCSObject(ctx context.Context, bucket, object, destPath string) error {
	gcsReader, err := f.storageClient.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer gcsReader.Close()
	localFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file at %s: %w", destPath, err)
	}
	defer localFile.Close()
	if _, err := io.Copy(localFile, gcsReader); err != nil {
		return fmt.Errorf("failed to copy GCS object to local file: %w", err)
	}
	return nil
}

func optimizePDF(inPath, outPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.OptimizeFile(inPath, outPath, cfg)
}

func calculateFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
