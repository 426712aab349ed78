package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/store"
)

// ErrPollTimeout marks a job that exhausted its polling budget without
// reaching a terminal state, as opposed to a failure reported by the job.
var ErrPollTimeout = errors.New("extraction job polling timed out")

// Poll policies per coordinator. Transcription runs far longer than OCR.
const (
	OCRPollInterval        = 5 * time.Second
	OCRPollAttempts        = 60
	StructurePollInterval  = 10 * time.Second
	StructurePollAttempts  = 90
	TranscribePollInterval = 15 * time.Second
	TranscribePollAttempts = 240
)

// JobState is the externally reported state of an extraction job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobStatus is one poll observation of an extraction job.
type JobStatus struct {
	State     JobState
	OutputURI string
	Failure   string
}

// Job describes the file an extractor works on.
type Job struct {
	WorkflowID string
	DocumentID string
	FileURI    string
	MimeType   string
	FileType   models.FileKind
	Language   string
}

// Extractor is one external asynchronous extraction capability. Submit
// returns an opaque job handle; Poll reports the job's state and, once
// succeeded, the normalized output reference.
type Extractor interface {
	Step() models.StepName
	Supports(mimeType string, kind models.FileKind) bool
	Submit(ctx context.Context, job Job) (handle string, err error)
	Poll(ctx context.Context, job Job, handle string) (JobStatus, error)
}

// Coordinator drives one extractor through the shared lifecycle: validate,
// mark in_progress, submit, poll to a terminal state, record the outcome.
// A failed or timed-out job fails only the step, never the workflow; whether
// the pipeline can proceed is the completion gate's call.
type Coordinator struct {
	Store       store.Store
	Extractor   Extractor
	Interval    time.Duration
	MaxAttempts int
	// Events receives best-effort progress notifications; may be nil.
	Events func(models.ProgressEvent)
	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(st store.Store, ex Extractor, interval time.Duration, maxAttempts int) *Coordinator {
	return &Coordinator{
		Store:       st,
		Extractor:   ex,
		Interval:    interval,
		MaxAttempts: maxAttempts,
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

func (c *Coordinator) emit(event models.ProgressEvent) {
	if c.Events != nil {
		c.Events(event)
	}
}

// Run executes the coordinator lifecycle for one job. The returned response
// mirrors what was written to the step ledger; the error is non-nil only for
// infrastructure problems (ledger writes failing), never for job outcomes.
func (c *Coordinator) Run(ctx context.Context, job Job) (*models.ExtractResponse, error) {
	step := c.Extractor.Step()
	logCtx := slog.With("workflowId", job.WorkflowID, "step", string(step))

	if !c.Extractor.Supports(job.MimeType, job.FileType) {
		reason := fmt.Sprintf("unsupported file type %q for %s", job.MimeType, step)
		logCtx.Info("Skipping extraction step.", "reason", reason)
		if err := c.Store.StepSkip(ctx, job.WorkflowID, step, reason); err != nil {
			return nil, err
		}
		c.emit(models.ProgressEvent{WorkflowID: job.WorkflowID, Step: step, StepStatus: models.StepSkipped, Message: reason})
		return &models.ExtractResponse{Status: models.StepSkipped, Reason: reason}, nil
	}

	if err := c.Store.StepStart(ctx, job.WorkflowID, step); err != nil {
		return nil, err
	}
	c.emit(models.ProgressEvent{WorkflowID: job.WorkflowID, Step: step, StepStatus: models.StepInProgress})

	handle, err := c.Extractor.Submit(ctx, job)
	if err != nil {
		return c.failStep(ctx, logCtx, job, step, fmt.Errorf("job submission failed: %w", err))
	}
	logCtx = logCtx.With("jobHandle", handle)
	logCtx.Info("Extraction job submitted, polling.", "interval", c.Interval.String(), "maxAttempts", c.MaxAttempts)

	status, err := c.pollUntilTerminal(ctx, job, handle)
	if err != nil {
		return c.failStep(ctx, logCtx, job, step, err)
	}
	if status.State == JobFailed {
		return c.failStep(ctx, logCtx, job, step, fmt.Errorf("extraction job failed: %s", status.Failure))
	}

	if err := c.Store.StepComplete(ctx, job.WorkflowID, step, status.OutputURI); err != nil {
		return nil, err
	}
	logCtx.Info("Extraction step completed.", "outputUri", status.OutputURI)
	c.emit(models.ProgressEvent{WorkflowID: job.WorkflowID, Step: step, StepStatus: models.StepCompleted})
	return &models.ExtractResponse{Status: models.StepCompleted, OutputURI: status.OutputURI}, nil
}

// pollUntilTerminal polls the job at a fixed interval for a bounded number of
// attempts. Transient poll errors consume an attempt and do not abort.
func (c *Coordinator) pollUntilTerminal(ctx context.Context, job Job, handle string) (JobStatus, error) {
	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		status, err := c.Extractor.Poll(ctx, job, handle)
		if err != nil {
			lastErr = err
			slog.Warn("Poll attempt failed.", "workflowId", job.WorkflowID, "attempt", attempt, "error", err)
		} else if status.State != JobRunning {
			return status, nil
		}
		if attempt == c.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.Interval); err != nil {
			return JobStatus{}, err
		}
	}
	if lastErr != nil {
		return JobStatus{}, fmt.Errorf("%w: last poll error: %v", ErrPollTimeout, lastErr)
	}
	return JobStatus{}, fmt.Errorf("%w after %d attempts", ErrPollTimeout, c.MaxAttempts)
}

func (c *Coordinator) failStep(ctx context.Context, logCtx *slog.Logger, job Job, step models.StepName, cause error) (*models.ExtractResponse, error) {
	logCtx.Error("Extraction step failed.", "error", cause)
	if err := c.Store.StepFail(ctx, job.WorkflowID, step, cause.Error()); err != nil {
		return nil, err
	}
	c.emit(models.ProgressEvent{WorkflowID: job.WorkflowID, Step: step, StepStatus: models.StepFailed, Message: cause.Error()})
	return &models.ExtractResponse{Status: models.StepFailed, Reason: cause.Error()}, nil
}
