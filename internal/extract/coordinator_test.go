package extract

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/store/storetest"
)

// fakeExtractor is scripted per test: pollResults are consumed one per Poll.
type fakeExtractor struct {
	step        models.StepName
	supports    bool
	submitErr   error
	pollResults []JobStatus
	pollErrs    []error
	polls       int
}

func (f *fakeExtractor) Step() models.StepName                     { return f.step }
func (f *fakeExtractor) Supports(string, models.FileKind) bool     { return f.supports }
func (f *fakeExtractor) Submit(context.Context, Job) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "job-1", nil
}

func (f *fakeExtractor) Poll(context.Context, Job, string) (JobStatus, error) {
	i := f.polls
	f.polls++
	if i < len(f.pollErrs) && f.pollErrs[i] != nil {
		return JobStatus{}, f.pollErrs[i]
	}
	if i < len(f.pollResults) {
		return f.pollResults[i], nil
	}
	return JobStatus{State: JobRunning}, nil
}

func newTestCoordinator(t *testing.T, ex *fakeExtractor, maxAttempts int) (*Coordinator, *storetest.MemStore, string) {
	t.Helper()
	st := storetest.New()
	wid, err := st.CreateWorkflow(context.Background(), &models.Workflow{FileType: models.FileDocument})
	require.NoError(t, err)

	c := NewCoordinator(st, ex, time.Millisecond, maxAttempts)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c, st, wid
}

func testJob(wid string) Job {
	return Job{WorkflowID: wid, FileURI: "gs://in/file.pdf", MimeType: "application/pdf", FileType: models.FileDocument}
}

func TestCoordinatorSuccess(t *testing.T) {
	ex := &fakeExtractor{
		step:     models.StepOCR,
		supports: true,
		pollResults: []JobStatus{
			{State: JobRunning},
			{State: JobSucceeded, OutputURI: "gs://out/wf/ocr/output.json"},
		},
	}
	c, st, wid := newTestCoordinator(t, ex, 10)

	resp, err := c.Run(context.Background(), testJob(wid))
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, resp.Status)
	assert.Equal(t, "gs://out/wf/ocr/output.json", resp.OutputURI)

	ledger, err := st.GetStepLedger(context.Background(), wid)
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, ledger.Steps[models.StepOCR].Status)
	assert.Equal(t, "gs://out/wf/ocr/output.json", ledger.Steps[models.StepOCR].OutputURI)
}

func TestCoordinatorJobFailureFailsOnlyStep(t *testing.T) {
	ex := &fakeExtractor{
		step:        models.StepOCR,
		supports:    true,
		pollResults: []JobStatus{{State: JobFailed, Failure: "processor rejected the file"}},
	}
	c, st, wid := newTestCoordinator(t, ex, 10)

	resp, err := c.Run(context.Background(), testJob(wid))
	require.NoError(t, err, "a job failure is an outcome, not an infrastructure error")
	assert.Equal(t, models.StepFailed, resp.Status)
	assert.Contains(t, resp.Reason, "processor rejected the file")

	w, err := st.GetWorkflow(context.Background(), wid)
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, w.Steps[models.StepOCR].Status)
	assert.NotEqual(t, models.WorkflowFailed, w.Status, "the coordinator never fails the workflow")
}

func TestCoordinatorTimeout(t *testing.T) {
	ex := &fakeExtractor{step: models.StepOCR, supports: true}
	c, st, wid := newTestCoordinator(t, ex, 3)

	resp, err := c.Run(context.Background(), testJob(wid))
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, resp.Status)
	assert.Contains(t, resp.Reason, ErrPollTimeout.Error())
	assert.Equal(t, 3, ex.polls)

	ledger, err := st.GetStepLedger(context.Background(), wid)
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, ledger.Steps[models.StepOCR].Status)
}

func TestCoordinatorTransientPollErrorsConsumeAttempts(t *testing.T) {
	ex := &fakeExtractor{
		step:     models.StepOCR,
		supports: true,
		pollErrs: []error{fmt.Errorf("transient"), nil},
		pollResults: []JobStatus{
			{}, // consumed by the error slot
			{State: JobSucceeded, OutputURI: "gs://out/x.json"},
		},
	}
	c, _, wid := newTestCoordinator(t, ex, 5)

	resp, err := c.Run(context.Background(), testJob(wid))
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, resp.Status)
	assert.Equal(t, 2, ex.polls)
}

func TestCoordinatorSkipsUnsupported(t *testing.T) {
	ex := &fakeExtractor{step: models.StepTranscribe, supports: false}
	c, st, wid := newTestCoordinator(t, ex, 10)

	resp, err := c.Run(context.Background(), testJob(wid))
	require.NoError(t, err)
	assert.Equal(t, models.StepSkipped, resp.Status)
	assert.NotEmpty(t, resp.Reason)
	assert.Equal(t, 0, ex.polls)

	ledger, err := st.GetStepLedger(context.Background(), wid)
	require.NoError(t, err)
	assert.Equal(t, models.StepSkipped, ledger.Steps[models.StepTranscribe].Status)
}

func TestCoordinatorSubmitFailure(t *testing.T) {
	ex := &fakeExtractor{step: models.StepOCR, supports: true, submitErr: errors.New("quota exceeded")}
	c, _, wid := newTestCoordinator(t, ex, 10)

	resp, err := c.Run(context.Background(), testJob(wid))
	require.NoError(t, err)
	assert.Equal(t, models.StepFailed, resp.Status)
	assert.Contains(t, resp.Reason, "quota exceeded")
}

func TestCoordinatorEmitsEvents(t *testing.T) {
	ex := &fakeExtractor{
		step:        models.StepOCR,
		supports:    true,
		pollResults: []JobStatus{{State: JobSucceeded, OutputURI: "gs://out/x.json"}},
	}
	c, _, wid := newTestCoordinator(t, ex, 10)

	var events []models.ProgressEvent
	c.Events = func(e models.ProgressEvent) { events = append(events, e) }

	_, err := c.Run(context.Background(), testJob(wid))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.StepInProgress, events[0].StepStatus)
	assert.Equal(t, models.StepCompleted, events[1].StepStatus)
}
