package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
)

// TriggerExecution starts one Cloud Workflows execution with the given JSON
// payload as its argument and returns the execution name for traceability.
func TriggerExecution(ctx context.Context, client *executions.Client, projectID, location, workflowID string, payload interface{}) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	exec, err := client.CreateExecution(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return exec.GetName(), nil
}
