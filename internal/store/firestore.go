package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

// FirestoreStore persists workflows in a top-level collection with segments
// in a "segments" subcollection under each workflow document. The step ledger
// lives on the workflow document itself so it can be polled without reading
// any segment.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore wraps an existing Firestore client.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "workflows"
	}
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) workflowRef(workflowID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(workflowID)
}

func (s *FirestoreStore) segmentRef(workflowID string, idx int) *firestore.DocumentRef {
	return s.workflowRef(workflowID).Collection("segments").Doc(fmt.Sprintf("%05d", idx))
}

func (s *FirestoreStore) CreateWorkflow(ctx context.Context, w *models.Workflow) (string, error) {
	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now
	var docRef *firestore.DocumentRef
	if w.WorkflowID != "" {
		docRef = s.workflowRef(w.WorkflowID)
		if _, err := docRef.Create(ctx, w); err != nil {
			return "", fmt.Errorf("failed to create workflow document: %w", err)
		}
	} else {
		ref, _, err := s.client.Collection(s.collection).Add(ctx, w)
		if err != nil {
			return "", fmt.Errorf("failed to create workflow document: %w", err)
		}
		docRef = ref
	}
	w.WorkflowID = docRef.ID
	return docRef.ID, nil
}

func (s *FirestoreStore) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	snap, err := s.workflowRef(workflowID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow %s: %w", workflowID, err)
	}
	var w models.Workflow
	if err := snap.DataTo(&w); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", workflowID, err)
	}
	w.WorkflowID = snap.Ref.ID
	return &w, nil
}

func (s *FirestoreStore) FindWorkflowByHash(ctx context.Context, projectID, fileHash string) (*models.Workflow, error) {
	docs, err := s.client.Collection(s.collection).
		Where("projectId", "==", projectID).
		Where("fileHash", "==", fileHash).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query by file hash: %w", err)
	}
	if len(docs) == 0 {
		return nil, ErrWorkflowNotFound
	}
	var w models.Workflow
	if err := docs[0].DataTo(&w); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	w.WorkflowID = docs[0].Ref.ID
	return &w, nil
}

func (s *FirestoreStore) UpdateWorkflowStatus(ctx context.Context, workflowID string, st models.WorkflowStatus, errDetails string) error {
	updates := []firestore.Update{
		{Path: "status", Value: st},
		{Path: "updatedAt", Value: time.Now()},
	}
	if errDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errDetails})
	}
	if _, err := s.workflowRef(workflowID).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update workflow status: %w", err)
	}
	return nil
}

func (s *FirestoreStore) SetTotalSegments(ctx context.Context, workflowID string, n int) error {
	_, err := s.workflowRef(workflowID).Update(ctx, []firestore.Update{
		{Path: "totalSegments", Value: n},
		{Path: "updatedAt", Value: time.Now()},
	})
	if err != nil {
		return fmt.Errorf("failed to set totalSegments: %w", err)
	}
	return nil
}

func (s *FirestoreStore) SetExecutionRef(ctx context.Context, workflowID, ref string) error {
	_, err := s.workflowRef(workflowID).Update(ctx, []firestore.Update{
		{Path: "executionRef", Value: ref},
		{Path: "updatedAt", Value: time.Now()},
	})
	if err != nil {
		return fmt.Errorf("failed to set executionRef: %w", err)
	}
	return nil
}

// updateStep applies a field-scoped step transition after checking it does
// not regress a terminal state.
func (s *FirestoreStore) updateStep(ctx context.Context, workflowID string, step models.StepName, to models.StepStatus, extra []firestore.Update) error {
	ledger, err := s.GetStepLedger(ctx, workflowID)
	if err != nil {
		return err
	}
	if err := ValidateStepTransition(step, ledger.Steps[step].Status, to); err != nil {
		return err
	}
	updates := append([]firestore.Update{
		{Path: fmt.Sprintf("steps.%s.status", step), Value: to},
		{Path: "updatedAt", Value: time.Now()},
	}, extra...)
	if _, err := s.workflowRef(workflowID).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update step %s: %w", step, err)
	}
	return nil
}

func (s *FirestoreStore) StepStart(ctx context.Context, workflowID string, step models.StepName) error {
	return s.updateStep(ctx, workflowID, step, models.StepInProgress, []firestore.Update{
		{Path: fmt.Sprintf("steps.%s.startedAt", step), Value: time.Now()},
		{Path: "currentStep", Value: step},
	})
}

func (s *FirestoreStore) StepComplete(ctx context.Context, workflowID string, step models.StepName, outputURI string) error {
	extra := []firestore.Update{
		{Path: fmt.Sprintf("steps.%s.endedAt", step), Value: time.Now()},
	}
	if outputURI != "" {
		extra = append(extra, firestore.Update{Path: fmt.Sprintf("steps.%s.outputUri", step), Value: outputURI})
	}
	return s.updateStep(ctx, workflowID, step, models.StepCompleted, extra)
}

func (s *FirestoreStore) StepFail(ctx context.Context, workflowID string, step models.StepName, errMsg string) error {
	return s.updateStep(ctx, workflowID, step, models.StepFailed, []firestore.Update{
		{Path: fmt.Sprintf("steps.%s.endedAt", step), Value: time.Now()},
		{Path: fmt.Sprintf("steps.%s.error", step), Value: errMsg},
	})
}

func (s *FirestoreStore) StepSkip(ctx context.Context, workflowID string, step models.StepName, reason string) error {
	return s.updateStep(ctx, workflowID, step, models.StepSkipped, []firestore.Update{
		{Path: fmt.Sprintf("steps.%s.reason", step), Value: reason},
	})
}

func (s *FirestoreStore) StepReset(ctx context.Context, workflowID string, step models.StepName) error {
	// Bypasses transition validation on purpose; this is the only sanctioned
	// way back out of a terminal step state.
	_, err := s.workflowRef(workflowID).Update(ctx, []firestore.Update{
		{Path: fmt.Sprintf("steps.%s", step), Value: models.Step{Status: models.StepPending}},
		{Path: "updatedAt", Value: time.Now()},
	})
	if err != nil {
		return fmt.Errorf("failed to reset step %s: %w", step, err)
	}
	return nil
}

func (s *FirestoreStore) GetStepLedger(ctx context.Context, workflowID string) (models.StepLedger, error) {
	// Reads only the workflow document; segments are never touched here.
	w, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return models.StepLedger{}, err
	}
	return w.Ledger(), nil
}

func (s *FirestoreStore) SaveSegment(ctx context.Context, workflowID string, seg *models.Segment) error {
	seg.UpdatedAt = time.Now()
	if _, err := s.segmentRef(workflowID, seg.SegmentIndex).Set(ctx, seg); err != nil {
		return fmt.Errorf("failed to save segment %d: %w", seg.SegmentIndex, err)
	}
	return nil
}

func (s *FirestoreStore) UpdateSegmentFields(ctx context.Context, workflowID string, segmentIndex int, fields map[string]interface{}) error {
	updates := make([]firestore.Update, 0, len(fields)+1)
	for path, value := range fields {
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}
	updates = append(updates, firestore.Update{Path: "updatedAt", Value: time.Now()})
	if _, err := s.segmentRef(workflowID, segmentIndex).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("segment %d: %w", segmentIndex, ErrSegmentNotFound)
		}
		return fmt.Errorf("failed to update segment %d: %w", segmentIndex, err)
	}
	return nil
}

func (s *FirestoreStore) GetSegment(ctx context.Context, workflowID string, segmentIndex int) (*models.Segment, error) {
	snap, err := s.segmentRef(workflowID, segmentIndex).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("segment %d: %w", segmentIndex, ErrSegmentNotFound)
		}
		return nil, fmt.Errorf("failed to get segment %d: %w", segmentIndex, err)
	}
	var seg models.Segment
	if err := snap.DataTo(&seg); err != nil {
		return nil, fmt.Errorf("failed to decode segment %d: %w", segmentIndex, err)
	}
	return &seg, nil
}

func (s *FirestoreStore) GetAllSegments(ctx context.Context, workflowID string) ([]models.Segment, error) {
	iter := s.workflowRef(workflowID).Collection("segments").OrderBy("segmentIndex", firestore.Asc).Documents(ctx)
	defer iter.Stop()
	var segments []models.Segment
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate segments: %w", err)
		}
		var seg models.Segment
		if err := snap.DataTo(&seg); err != nil {
			return nil, fmt.Errorf("failed to decode segment %s: %w", snap.Ref.ID, err)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func (s *FirestoreStore) GetSegmentCount(ctx context.Context, workflowID string) (int, error) {
	w, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	return w.TotalSegments, nil
}

func (s *FirestoreStore) ClearSegmentAnalyses(ctx context.Context, workflowID string) error {
	segments, err := s.GetAllSegments(ctx, workflowID)
	if err != nil {
		return err
	}
	for i := range segments {
		seg := &segments[i]
		if len(seg.AIAnalysis) == 0 && seg.PageDescription == "" && len(seg.RelatedPages) == 0 {
			continue
		}
		err := s.UpdateSegmentFields(ctx, workflowID, seg.SegmentIndex, map[string]interface{}{
			"aiAnalysis":      firestore.Delete,
			"pageDescription": firestore.Delete,
			"relatedPages":    firestore.Delete,
			"status":          models.SegmentIndexing,
		})
		if err != nil {
			return fmt.Errorf("failed to clear analyses for segment %d: %w", seg.SegmentIndex, err)
		}
	}
	return nil
}

func (s *FirestoreStore) SaveSummary(ctx context.Context, workflowID string, summary *models.Summary) error {
	_, err := s.workflowRef(workflowID).Update(ctx, []firestore.Update{
		{Path: "summary", Value: summary},
		{Path: "updatedAt", Value: time.Now()},
	})
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}
