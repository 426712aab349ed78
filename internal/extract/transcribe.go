package extract

import (
	"context"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/kmaeshima/documentanalysisflow/internal/gcp"
	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

// TranscribeExtractor submits audio and video files to the Speech-to-Text
// long-running API and normalizes the result into a transcript with
// time-coded segments.
type TranscribeExtractor struct {
	speech        *gcp.SpeechClient
	storageClient *storage.Client
	outputBucket  string
}

func NewTranscribeExtractor(speech *gcp.SpeechClient, storageClient *storage.Client, outputBucket string) *TranscribeExtractor {
	return &TranscribeExtractor{
		speech:        speech,
		storageClient: storageClient,
		outputBucket:  outputBucket,
	}
}

func (e *TranscribeExtractor) Step() models.StepName { return models.StepTranscribe }

func (e *TranscribeExtractor) Supports(mimeType string, kind models.FileKind) bool {
	mt := strings.ToLower(mimeType)
	return strings.HasPrefix(mt, "audio/") || strings.HasPrefix(mt, "video/")
}

func (e *TranscribeExtractor) Submit(ctx context.Context, job Job) (string, error) {
	return e.speech.SubmitTranscription(ctx, job.FileURI, job.Language)
}

func (e *TranscribeExtractor) Poll(ctx context.Context, job Job, handle string) (JobStatus, error) {
	result, done, err := e.speech.PollTranscription(ctx, handle)
	if err != nil {
		return JobStatus{State: JobFailed, Failure: err.Error()}, nil
	}
	if !done {
		return JobStatus{State: JobRunning}, nil
	}

	output := &TranscriptOutput{
		Transcript: result.Transcript,
		Segments:   result.Segments,
	}
	outputURI := OutputURI(e.outputBucket, job.WorkflowID, models.StepTranscribe)
	if err := gcp.WriteJSONObject(ctx, e.storageClient, outputURI, output); err != nil {
		return JobStatus{}, err
	}
	return JobStatus{State: JobSucceeded, OutputURI: outputURI}, nil
}
