package gcp

import (
	"context"
	"fmt"
	"strings"

	videointelligence "cloud.google.com/go/videointelligence/apiv1"
	"cloud.google.com/go/videointelligence/apiv1/videointelligencepb"
)

// VideoClient wraps the Video Intelligence API behind a submit/poll contract
// for structure extraction over video files (shot/chapter boundaries plus any
// on-screen speech). The operation name is the job handle.
type VideoClient struct {
	client *videointelligence.Client
}

func NewVideoClient(ctx context.Context) (*VideoClient, error) {
	client, err := videointelligence.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Video Intelligence client: %w", err)
	}
	return &VideoClient{client: client}, nil
}

func (c *VideoClient) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// VideoShot is one detected chapter/shot boundary.
type VideoShot struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// VideoStructureResult is the normalized video structure output.
type VideoStructureResult struct {
	Shots      []VideoShot
	Transcript string
}

// SubmitAnnotation starts an annotation job for a GCS-hosted video.
func (c *VideoClient) SubmitAnnotation(ctx context.Context, gcsURI, languageCode string) (string, error) {
	if !strings.HasPrefix(gcsURI, "gs://") {
		return "", fmt.Errorf("video input must be a gs:// URI, got %q", gcsURI)
	}
	if languageCode == "" {
		languageCode = "en-US"
	}
	req := &videointelligencepb.AnnotateVideoRequest{
		InputUri: gcsURI,
		Features: []videointelligencepb.Feature{
			videointelligencepb.Feature_SHOT_CHANGE_DETECTION,
			videointelligencepb.Feature_SPEECH_TRANSCRIPTION,
		},
		VideoContext: &videointelligencepb.VideoContext{
			SpeechTranscriptionConfig: &videointelligencepb.SpeechTranscriptionConfig{
				LanguageCode:               languageCode,
				EnableAutomaticPunctuation: true,
			},
		},
	}
	op, err := c.client.AnnotateVideo(ctx, req)
	if err != nil {
		return "", fmt.Errorf("videointelligence AnnotateVideo: %w", err)
	}
	return op.Name(), nil
}

// PollAnnotation checks an annotation job. The result is non-nil only once
// the operation has completed successfully.
func (c *VideoClient) PollAnnotation(ctx context.Context, opName string) (*VideoStructureResult, bool, error) {
	op := c.client.AnnotateVideoOperation(opName)
	resp, err := op.Poll(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("videointelligence poll: %w", err)
	}
	if !op.Done() {
		return nil, false, nil
	}
	return buildVideoStructure(resp), true, nil
}

func buildVideoStructure(resp *videointelligencepb.AnnotateVideoResponse) *VideoStructureResult {
	out := &VideoStructureResult{}
	if resp == nil || len(resp.AnnotationResults) == 0 {
		return out
	}
	result := resp.AnnotationResults[0]

	for i, shot := range result.ShotAnnotations {
		if shot == nil {
			continue
		}
		vs := VideoShot{Index: i}
		if shot.StartTimeOffset != nil {
			vs.Start = shot.StartTimeOffset.AsDuration().Seconds()
		}
		if shot.EndTimeOffset != nil {
			vs.End = shot.EndTimeOffset.AsDuration().Seconds()
		}
		out.Shots = append(out.Shots, vs)
	}

	var sb strings.Builder
	for _, tr := range result.SpeechTranscriptions {
		if tr == nil || len(tr.Alternatives) == 0 {
			continue
		}
		text := strings.TrimSpace(tr.Alternatives[0].Transcript)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(text)
	}
	out.Transcript = sb.String()
	return out
}
