package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

// ErrWorkflowNotFound is returned when the workflow document does not exist.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrSegmentNotFound is returned when a segment index has no record.
var ErrSegmentNotFound = errors.New("segment not found")

// ErrStepRegression is returned when a step update would move a ledger entry
// backwards (e.g. completed -> in_progress).
var ErrStepRegression = errors.New("step status regression")

// Store is the durable record of pipeline state shared by every component.
// Each field is owned by exactly one writer; all mutations are field-scoped
// so concurrent writers to different fields never clobber each other.
type Store interface {
	CreateWorkflow(ctx context.Context, w *models.Workflow) (string, error)
	GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error)
	FindWorkflowByHash(ctx context.Context, projectID, fileHash string) (*models.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, workflowID string, status models.WorkflowStatus, errDetails string) error
	SetTotalSegments(ctx context.Context, workflowID string, n int) error
	SetExecutionRef(ctx context.Context, workflowID, ref string) error

	StepStart(ctx context.Context, workflowID string, step models.StepName) error
	StepComplete(ctx context.Context, workflowID string, step models.StepName, outputURI string) error
	StepFail(ctx context.Context, workflowID string, step models.StepName, errMsg string) error
	StepSkip(ctx context.Context, workflowID string, step models.StepName, reason string) error
	// StepReset returns a terminal step to pending. Only the analysis
	// reopening path uses it; normal transitions stay monotonic.
	StepReset(ctx context.Context, workflowID string, step models.StepName) error
	GetStepLedger(ctx context.Context, workflowID string) (models.StepLedger, error)

	SaveSegment(ctx context.Context, workflowID string, seg *models.Segment) error
	UpdateSegmentFields(ctx context.Context, workflowID string, segmentIndex int, fields map[string]interface{}) error
	GetSegment(ctx context.Context, workflowID string, segmentIndex int) (*models.Segment, error)
	GetAllSegments(ctx context.Context, workflowID string) ([]models.Segment, error)
	GetSegmentCount(ctx context.Context, workflowID string) (int, error)
	ClearSegmentAnalyses(ctx context.Context, workflowID string) error

	SaveSummary(ctx context.Context, workflowID string, summary *models.Summary) error
}

// allowedStepTransition encodes the monotonic step lifecycle:
// pending -> in_progress -> {completed, failed}; pending -> skipped.
func allowedStepTransition(from, to models.StepStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case "", models.StepPending:
		return true
	case models.StepInProgress:
		return to == models.StepCompleted || to == models.StepFailed
	default:
		// completed, failed and skipped are terminal
		return false
	}
}

// ValidateStepTransition returns ErrStepRegression when moving from from to
// to would violate the monotonic lifecycle.
func ValidateStepTransition(step models.StepName, from, to models.StepStatus) error {
	if !allowedStepTransition(from, to) {
		return fmt.Errorf("step %s: %s -> %s: %w", step, from, to, ErrStepRegression)
	}
	return nil
}
