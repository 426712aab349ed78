package services

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/store/storetest"
)

func textResponse(s string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
		{Content: &genai.Content{Parts: []genai.Part{genai.Text(s)}}},
	}}
}

func callResponse(name string, args map[string]any) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
		{Content: &genai.Content{Parts: []genai.Part{genai.FunctionCall{Name: name, Args: args}}}},
	}}
}

// fakeSession replays a scripted conversation.
type fakeSession struct {
	responses []*genai.GenerateContentResponse
	errAt     int
	err       error
	turn      int
	sent      [][]genai.Part
}

func (s *fakeSession) Send(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	s.sent = append(s.sent, parts)
	i := s.turn
	s.turn++
	if s.err != nil && i == s.errAt {
		return nil, s.err
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return textResponse("done"), nil
}

type fakeVision struct {
	imageCalls []string
	videoCalls []string
	imageURIs  []string
}

func (v *fakeVision) AnalyzeImage(_ context.Context, imageURI, question string) (string, error) {
	v.imageCalls = append(v.imageCalls, question)
	v.imageURIs = append(v.imageURIs, imageURI)
	return "image answer: " + question, nil
}

func (v *fakeVision) AnalyzeVideo(_ context.Context, videoURI, question string) (string, error) {
	v.videoCalls = append(v.videoCalls, question)
	return "video answer: " + question, nil
}

func (v *fakeVision) RotateImage(_ context.Context, imageURI string) (string, error) {
	return imageURI + ".rot90", nil
}

func newTestAnalyzer(st *storetest.MemStore, vision VisionTooling, session analysisSession) (*AnalyzerFunction, *models.SegmentType) {
	var sessionKind models.SegmentType
	f := &AnalyzerFunction{
		store:  st,
		vision: vision,
		newSession: func(kind models.SegmentType) analysisSession {
			sessionKind = kind
			return session
		},
		projectID: "test-project",
	}
	return f, &sessionKind
}

func seedAnalysisSegment(t *testing.T, st *storetest.MemStore, seg models.Segment) string {
	t.Helper()
	ctx := context.Background()
	wid, err := st.CreateWorkflow(ctx, &models.Workflow{Status: models.WorkflowInProgress})
	require.NoError(t, err)
	require.NoError(t, st.SaveSegment(ctx, wid, &seg))
	return wid
}

func TestAnalyzerRecordsToolEntries(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedAnalysisSegment(t, st, models.Segment{
		SegmentIndex: 0,
		SegmentType:  models.SegmentPage,
		Status:       models.SegmentParsing,
		OCRText:      "quarterly results table",
		ImageURI:     "gs://b/p0.png",
	})

	session := &fakeSession{responses: []*genai.GenerateContentResponse{
		callResponse("analyze_image", map[string]any{"question": "what does the table show?"}),
		callResponse("analyze_image", map[string]any{"question": "any footnotes?"}),
		textResponse("that covers it"),
	}}
	vision := &fakeVision{}
	f, _ := newTestAnalyzer(st, vision, session)

	resp, err := f.Process(ctx, models.AnalyzeSegmentRequest{WorkflowID: wid, SegmentIndex: 0})
	require.NoError(t, err)
	assert.False(t, resp.Failed)
	assert.Equal(t, models.SegmentFinalizing, resp.Status)
	assert.Equal(t, 2, resp.Entries)

	seg, err := st.GetSegment(ctx, wid, 0)
	require.NoError(t, err)
	require.Len(t, seg.AIAnalysis, 2)
	assert.Equal(t, "what does the table show?", seg.AIAnalysis[0].Query)
	assert.Equal(t, "image answer: what does the table show?", seg.AIAnalysis[0].Content)
	assert.Equal(t, models.SegmentFinalizing, seg.Status)
	assert.Equal(t, []string{"what does the table show?", "any footnotes?"}, vision.imageCalls)
}

func TestAnalyzerFallbackEntryWhenNoToolsUsed(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedAnalysisSegment(t, st, models.Segment{
		SegmentIndex: 0,
		SegmentType:  models.SegmentPage,
		OCRText:      "plain text page",
	})

	session := &fakeSession{responses: []*genai.GenerateContentResponse{
		textResponse("a simple text page about nothing in particular"),
	}}
	f, _ := newTestAnalyzer(st, &fakeVision{}, session)

	resp, err := f.Process(ctx, models.AnalyzeSegmentRequest{WorkflowID: wid, SegmentIndex: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Entries)

	seg, err := st.GetSegment(ctx, wid, 0)
	require.NoError(t, err)
	require.Len(t, seg.AIAnalysis, 1)
	assert.Equal(t, "overview", seg.AIAnalysis[0].Query)
}

func TestAnalyzerRotateUpdatesImageAndFollowupUsesIt(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedAnalysisSegment(t, st, models.Segment{
		SegmentIndex: 0,
		SegmentType:  models.SegmentPage,
		ImageURI:     "gs://b/p0.png",
	})

	session := &fakeSession{responses: []*genai.GenerateContentResponse{
		callResponse("rotate_image", map[string]any{}),
		callResponse("analyze_image", map[string]any{"question": "now readable?"}),
		textResponse("ok"),
	}}
	vision := &fakeVision{}
	f, _ := newTestAnalyzer(st, vision, session)

	resp, err := f.Process(ctx, models.AnalyzeSegmentRequest{WorkflowID: wid, SegmentIndex: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Entries, "rotation itself records no entry")

	seg, err := st.GetSegment(ctx, wid, 0)
	require.NoError(t, err)
	assert.Equal(t, "gs://b/p0.png.rot90", seg.ImageURI)
	require.Len(t, vision.imageURIs, 1)
	assert.Equal(t, "gs://b/p0.png.rot90", vision.imageURIs[0], "the follow-up question sees the rotated image")
}

func TestAnalyzerVideoSegmentsUseVideoTools(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedAnalysisSegment(t, st, models.Segment{
		SegmentIndex: 0,
		SegmentType:  models.SegmentVideo,
		FileURI:      "gs://b/talk.mp4",
		Transcript:   "welcome everyone",
	})

	session := &fakeSession{responses: []*genai.GenerateContentResponse{
		callResponse("analyze_video", map[string]any{"question": "what is on the slides?"}),
		textResponse("ok"),
	}}
	vision := &fakeVision{}
	f, sessionKind := newTestAnalyzer(st, vision, session)

	_, err := f.Process(ctx, models.AnalyzeSegmentRequest{WorkflowID: wid, SegmentIndex: 0})
	require.NoError(t, err)
	assert.Equal(t, models.SegmentVideo, *sessionKind)
	assert.Equal(t, []string{"what is on the slides?"}, vision.videoCalls)
	assert.Empty(t, vision.imageCalls)
}

func TestAnalyzerFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedAnalysisSegment(t, st, models.Segment{
		SegmentIndex: 0,
		SegmentType:  models.SegmentPage,
	})

	session := &fakeSession{err: errors.New("model unavailable"), errAt: 0}
	f, _ := newTestAnalyzer(st, &fakeVision{}, session)

	resp, err := f.Process(ctx, models.AnalyzeSegmentRequest{WorkflowID: wid, SegmentIndex: 0})
	require.NoError(t, err, "a segment failure must not fail the invocation")
	assert.True(t, resp.Failed)
	assert.Equal(t, models.SegmentFailed, resp.Status)

	seg, err := st.GetSegment(ctx, wid, 0)
	require.NoError(t, err)
	assert.Equal(t, models.SegmentFailed, seg.Status)
	require.NotEmpty(t, seg.AIAnalysis)
	assert.Contains(t, seg.AIAnalysis[len(seg.AIAnalysis)-1].Content, "model unavailable")
}

func TestAnalyzerBoundsToolRounds(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	wid := seedAnalysisSegment(t, st, models.Segment{
		SegmentIndex: 0,
		SegmentType:  models.SegmentPage,
		ImageURI:     "gs://b/p0.png",
	})

	// The model never stops asking; the loop must.
	var endless []*genai.GenerateContentResponse
	for i := 0; i < 20; i++ {
		endless = append(endless, callResponse("analyze_image", map[string]any{"question": "again?"}))
	}
	session := &fakeSession{responses: endless}
	vision := &fakeVision{}
	f, _ := newTestAnalyzer(st, vision, session)

	resp, err := f.Process(ctx, models.AnalyzeSegmentRequest{WorkflowID: wid, SegmentIndex: 0})
	require.NoError(t, err)
	assert.Equal(t, MaxAnalysisRounds, len(vision.imageCalls))
	assert.Equal(t, MaxAnalysisRounds, resp.Entries)
}
