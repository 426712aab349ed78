package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kmaeshima/documentanalysisflow/internal/extract"
	"github.com/kmaeshima/documentanalysisflow/internal/gcp"
	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/store"
)

// ErrAnalysisBusy is returned when an analysis pass is requested while one is
// already running for the workflow.
var ErrAnalysisBusy = errors.New("segment analysis already in progress")

// The gate waits considerably longer than any single coordinator budget so a
// slow transcription never trips it before the coordinator's own timeout.
const (
	GatePollInterval = 10 * time.Second
	GatePollAttempts = 420
)

// GateFunction blocks until every applicable extraction coordinator has
// reached a terminal state, then decides whether the pipeline may proceed to
// assembly. Only required coordinators can veto; optional ones merely log.
type GateFunction struct {
	store       store.Store
	interval    time.Duration
	maxAttempts int
	events      func(models.ProgressEvent)
	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCompletionGate(ctx context.Context) (*GateFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	f := NewGate(store.NewFirestoreStore(firestoreClient, gcp.GetEnv("FIRESTORE_COLLECTION", "workflows")))
	slog.Info("Preprocess gate initialized.")
	return f, nil
}

// NewGate wires a gate over an existing store.
func NewGate(st store.Store) *GateFunction {
	return &GateFunction{
		store:       st,
		interval:    GatePollInterval,
		maxAttempts: GatePollAttempts,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetEventSink installs a best-effort progress event callback.
func (f *GateFunction) SetEventSink(fn func(models.ProgressEvent)) {
	f.events = fn
}

func (f *GateFunction) emit(event models.ProgressEvent) {
	if f.events != nil {
		f.events(event)
	}
}

// Process polls the step ledger until every applicable coordinator is
// terminal, then reports whether all required ones completed. A failed
// required coordinator fails the whole workflow here; the gate is the single
// place that decision is made.
func (f *GateFunction) Process(ctx context.Context, req models.GateRequest) (*models.GateResponse, error) {
	logCtx := slog.With("workflowId", req.WorkflowID)
	routing := extract.Routing{StructureEnabled: req.StructureEnabled}
	applicable := routing.Applicable(req.FileType)
	required := routing.Required(req.FileType)
	logCtx.Info("Waiting for extraction coordinators.", "applicable", applicable, "required", required)

	statuses, err := f.awaitTerminal(ctx, req.WorkflowID, applicable)
	if err != nil {
		return nil, FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, "", "extraction coordinators did not finish in time", err)
	}

	resp := &models.GateResponse{Statuses: statuses, AllCompleted: true}
	for _, step := range required {
		switch statuses[step] {
		case models.StepCompleted:
			// fine
		case models.StepFailed:
			resp.AnyFailed = true
			resp.AllCompleted = false
		default:
			// A required step recorded as skipped means the file has no
			// usable content source.
			resp.AnyFailed = true
			resp.AllCompleted = false
		}
	}
	for _, step := range applicable {
		if statuses[step] != models.StepCompleted {
			resp.AllCompleted = false
		}
	}

	if resp.AnyFailed {
		cause := fmt.Errorf("required extraction did not complete: %v", statuses)
		// The gate response, not the error, is the workflow's signal here.
		_ = FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, "", "a required extraction coordinator failed", cause)
		f.emit(models.ProgressEvent{WorkflowID: req.WorkflowID, StepStatus: models.StepFailed, Message: cause.Error()})
		return resp, nil
	}

	logCtx.Info("All extraction coordinators terminal.", "statuses", statuses)
	return resp, nil
}

// awaitTerminal polls the ledger until every listed step is terminal or the
// gate's own deadline passes.
func (f *GateFunction) awaitTerminal(ctx context.Context, workflowID string, steps []models.StepName) (map[models.StepName]models.StepStatus, error) {
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		ledger, err := f.store.GetStepLedger(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		statuses := make(map[models.StepName]models.StepStatus, len(steps))
		allTerminal := true
		for _, step := range steps {
			status := ledger.Steps[step].Status
			statuses[step] = status
			if !status.Terminal() {
				allTerminal = false
			}
		}
		if allTerminal {
			return statuses, nil
		}
		if attempt == f.maxAttempts {
			break
		}
		if err := f.sleep(ctx, f.interval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", extract.ErrPollTimeout, f.maxAttempts)
}

// BeginAnalysis performs the one-time initialization before the analyzer
// fan-out. Exactly one analysis pass may run at a time; a terminal previous
// pass is reopened, with its stale per-segment results cleared first.
func (f *GateFunction) BeginAnalysis(ctx context.Context, workflowID string) error {
	ledger, err := f.store.GetStepLedger(ctx, workflowID)
	if err != nil {
		return err
	}
	switch ledger.Steps[models.StepSegmentAnalyze].Status {
	case models.StepInProgress:
		return fmt.Errorf("workflow %s: %w", workflowID, ErrAnalysisBusy)
	case models.StepCompleted, models.StepFailed, models.StepSkipped:
		slog.Info("Reopening analysis for workflow.", "workflowId", workflowID)
		if err := f.store.ClearSegmentAnalyses(ctx, workflowID); err != nil {
			return err
		}
		if err := f.store.StepReset(ctx, workflowID, models.StepSegmentAnalyze); err != nil {
			return err
		}
		if err := f.store.StepReset(ctx, workflowID, models.StepSummarize); err != nil {
			return err
		}
	}
	if err := f.store.StepStart(ctx, workflowID, models.StepSegmentAnalyze); err != nil {
		return err
	}
	f.emit(models.ProgressEvent{WorkflowID: workflowID, Step: models.StepSegmentAnalyze, StepStatus: models.StepInProgress})
	return nil
}
