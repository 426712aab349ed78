package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/store"
)

// FailWorkflow records a fatal pipeline error: the failing step and the
// workflow itself are both marked failed. If the ledger write itself fails,
// that is logged but the original error still wins.
func FailWorkflow(ctx context.Context, st store.Store, logCtx *slog.Logger, workflowID string, step models.StepName, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if step != "" {
		if err := st.StepFail(ctx, workflowID, step, fullError); err != nil {
			logCtx.Error("CRITICAL: Failed to mark step as failed after a processing error.", "step", string(step), "updateError", err)
		}
	}
	if err := st.UpdateWorkflowStatus(ctx, workflowID, models.WorkflowFailed, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to update workflow status to failed after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s", fullError)
}
