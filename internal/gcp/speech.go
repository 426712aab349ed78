package gcp

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

// SpeechClient wraps the Speech-to-Text long-running API behind a submit/poll
// contract. The operation name is the job handle.
type SpeechClient struct {
	client *speech.Client
}

func NewSpeechClient(ctx context.Context) (*SpeechClient, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Speech client: %w", err)
	}
	return &SpeechClient{client: client}, nil
}

func (c *SpeechClient) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// TranscriptResult is the normalized transcription output.
type TranscriptResult struct {
	Transcript string
	Segments   []models.TranscriptSegment
}

// SubmitTranscription starts a long-running recognition job for a GCS-hosted
// media file and returns the operation name.
func (c *SpeechClient) SubmitTranscription(ctx context.Context, gcsURI, languageCode string) (string, error) {
	if languageCode == "" {
		languageCode = "en-US"
	}
	req := &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			LanguageCode:               languageCode,
			EnableAutomaticPunctuation: true,
			EnableWordTimeOffsets:      true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Uri{Uri: gcsURI},
		},
	}
	op, err := c.client.LongRunningRecognize(ctx, req)
	if err != nil {
		return "", fmt.Errorf("speech LongRunningRecognize: %w", err)
	}
	return op.Name(), nil
}

// PollTranscription checks a transcription job. The result is non-nil only
// once the operation has completed successfully.
func (c *SpeechClient) PollTranscription(ctx context.Context, opName string) (*TranscriptResult, bool, error) {
	op := c.client.LongRunningRecognizeOperation(opName)
	resp, err := op.Poll(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("speech poll: %w", err)
	}
	if !op.Done() {
		return nil, false, nil
	}
	return buildTranscript(resp), true, nil
}

func buildTranscript(resp *speechpb.LongRunningRecognizeResponse) *TranscriptResult {
	out := &TranscriptResult{}
	if resp == nil {
		return out
	}
	var full strings.Builder
	var prevEnd float64
	for _, result := range resp.Results {
		if result == nil || len(result.Alternatives) == 0 {
			continue
		}
		alt := result.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}
		if full.Len() > 0 {
			full.WriteString(" ")
		}
		full.WriteString(text)

		start := prevEnd
		end := prevEnd
		if len(alt.Words) > 0 {
			if w := alt.Words[0]; w.StartTime != nil {
				start = w.StartTime.AsDuration().Seconds()
			}
			if w := alt.Words[len(alt.Words)-1]; w.EndTime != nil {
				end = w.EndTime.AsDuration().Seconds()
			}
		}
		if result.ResultEndTime != nil {
			end = result.ResultEndTime.AsDuration().Seconds()
		}
		prevEnd = end
		out.Segments = append(out.Segments, models.TranscriptSegment{
			Text:  text,
			Start: start,
			End:   end,
		})
	}
	out.Transcript = full.String()
	return out
}
