package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/storage"
	"cloud.google.com/go/vertexai/genai"

	"github.com/kmaeshima/documentanalysisflow/internal/gcp"
	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/search"
	"github.com/kmaeshima/documentanalysisflow/internal/store"
)

// MaxAnalysisRounds bounds the tool-calling conversation per segment. The
// model gets this many chances to request tools before the loop stops.
const MaxAnalysisRounds = 4

// VisionTooling is the set of media operations the analysis loop may invoke
// on the model's behalf.
type VisionTooling interface {
	AnalyzeImage(ctx context.Context, imageURI, question string) (string, error)
	AnalyzeVideo(ctx context.Context, videoURI, question string) (string, error)
	RotateImage(ctx context.Context, imageURI string) (string, error)
}

// analysisSession is one model conversation; tests substitute a scripted one.
type analysisSession interface {
	Send(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type vertexSession struct {
	chat *genai.ChatSession
}

func (s *vertexSession) Send(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	return s.chat.SendMessage(ctx, parts...)
}

// AnalyzerFunction runs the bounded tool-using analysis loop for exactly one
// segment per invocation. A segment's failure is recorded on that segment and
// never propagates to its siblings or to the invocation result.
type AnalyzerFunction struct {
	store      store.Store
	vision     VisionTooling
	newSession func(kind models.SegmentType) analysisSession
	// index receives best-effort search upserts; may be nil.
	index *search.Index
	// embed produces the vector for search indexing; may be nil, in which
	// case records are indexed for keyword search only.
	embed     func(ctx context.Context, text string) ([]float32, error)
	projectID string
	events    func(models.ProgressEvent)
}

func NewSegmentAnalyzer(ctx context.Context) (*AnalyzerFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	region := gcp.GetEnv("VERTEX_REGION", "us-central1")

	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	vertexClient, err := gcp.NewVertexClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	f := &AnalyzerFunction{
		store:     store.NewFirestoreStore(firestoreClient, gcp.GetEnv("FIRESTORE_COLLECTION", "workflows")),
		vision:    NewVertexVision(vertexClient, storageClient),
		projectID: projectID,
		newSession: func(kind models.SegmentType) analysisSession {
			model := vertexClient.ImageAnalyzerModel
			if kind == models.SegmentVideo || kind == models.SegmentChapter || kind == models.SegmentAudio {
				model = vertexClient.VideoAnalyzerModel
			}
			return &vertexSession{chat: model.StartChat()}
		},
	}

	if dsn := gcp.GetEnv("POSTGRES_DSN", ""); dsn != "" {
		index, err := search.NewIndex(ctx, dsn)
		if err != nil {
			slog.Warn("Search index unavailable, continuing without indexing.", "error", err)
		} else {
			f.index = index
		}
	}

	slog.Info("Segment analyzer initialized.", "region", region)
	return f, nil
}

// SetEventSink installs a best-effort progress event callback.
func (f *AnalyzerFunction) SetEventSink(fn func(models.ProgressEvent)) {
	f.events = fn
}

func (f *AnalyzerFunction) emit(event models.ProgressEvent) {
	if f.events != nil {
		f.events(event)
	}
}

func (f *AnalyzerFunction) Process(ctx context.Context, req models.AnalyzeSegmentRequest) (*models.AnalyzeSegmentResponse, error) {
	logCtx := slog.With("workflowId", req.WorkflowID, "segmentIndex", req.SegmentIndex)

	seg, err := f.store.GetSegment(ctx, req.WorkflowID, req.SegmentIndex)
	if err != nil {
		return nil, err
	}
	if err := f.store.UpdateSegmentFields(ctx, req.WorkflowID, req.SegmentIndex, map[string]interface{}{
		"status": models.SegmentAnalyzing,
	}); err != nil {
		return nil, err
	}
	f.emit(models.ProgressEvent{WorkflowID: req.WorkflowID, SegmentIndex: &req.SegmentIndex, Segment: models.SegmentAnalyzing})

	entries, analyzeErr := f.analyze(ctx, logCtx, req.WorkflowID, seg)
	resp := &models.AnalyzeSegmentResponse{SegmentIndex: req.SegmentIndex, Entries: len(entries)}

	if analyzeErr != nil {
		// Isolated failure: record it on the segment and report success so
		// sibling segments keep going.
		logCtx.Error("Segment analysis failed.", "error", analyzeErr)
		entries = append(entries, models.AnalysisEntry{
			Query:   "analysis",
			Content: fmt.Sprintf("analysis failed: %v", analyzeErr),
		})
		if err := f.store.UpdateSegmentFields(ctx, req.WorkflowID, req.SegmentIndex, map[string]interface{}{
			"aiAnalysis": entries,
			"status":     models.SegmentFailed,
		}); err != nil {
			return nil, err
		}
		resp.Status = models.SegmentFailed
		resp.Failed = true
		resp.Entries = len(entries)
		f.emit(models.ProgressEvent{WorkflowID: req.WorkflowID, SegmentIndex: &req.SegmentIndex, Segment: models.SegmentFailed})
		return resp, nil
	}

	// The summarizer marks the segment completed once descriptions land;
	// analysis leaves it finalizing.
	if err := f.store.UpdateSegmentFields(ctx, req.WorkflowID, req.SegmentIndex, map[string]interface{}{
		"aiAnalysis": entries,
		"status":     models.SegmentFinalizing,
	}); err != nil {
		return nil, err
	}
	resp.Status = models.SegmentFinalizing
	resp.Entries = len(entries)
	logCtx.Info("Segment analysis complete.", "entries", len(entries))
	f.emit(models.ProgressEvent{WorkflowID: req.WorkflowID, SegmentIndex: &req.SegmentIndex, Segment: models.SegmentFinalizing})

	f.indexSegment(ctx, logCtx, req.WorkflowID, seg, entries)
	return resp, nil
}

// analyze drives the bounded conversation with the analyzer model,
// translating its tool calls into vision operations.
func (f *AnalyzerFunction) analyze(ctx context.Context, logCtx *slog.Logger, workflowID string, seg *models.Segment) ([]models.AnalysisEntry, error) {
	mediaURI := seg.ImageURI
	videoLike := seg.SegmentType == models.SegmentVideo || seg.SegmentType == models.SegmentChapter || seg.SegmentType == models.SegmentAudio
	if mediaURI == "" || videoLike {
		mediaURI = seg.FileURI
	}

	userPrompt := gcp.AnalyzerImageUserPrompt
	if videoLike {
		userPrompt = gcp.AnalyzerVideoUserPrompt
	}
	prompt := userPrompt + "\n\n" + seg.ContextText()

	session := f.newSession(seg.SegmentType)
	resp, err := session.Send(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("analysis conversation failed to start: %w", err)
	}

	var entries []models.AnalysisEntry
	for round := 0; round < MaxAnalysisRounds; round++ {
		calls := gcp.ExtractFunctionCalls(resp)
		if len(calls) == 0 {
			break
		}
		var replies []genai.Part
		for _, call := range calls {
			entry, reply, err := f.dispatchTool(ctx, logCtx, workflowID, seg, &mediaURI, call)
			if err != nil {
				return entries, err
			}
			if entry != nil {
				entries = append(entries, *entry)
			}
			replies = append(replies, reply)
		}
		resp, err = session.Send(ctx, replies...)
		if err != nil {
			return entries, fmt.Errorf("analysis conversation failed: %w", err)
		}
	}

	// A model that never called a tool still produced a direct reading of the
	// extracted text.
	if len(entries) == 0 {
		if text := gcp.ExtractText(resp); text != "" {
			entries = append(entries, models.AnalysisEntry{Query: "overview", Content: text})
		}
	}
	return entries, nil
}

// dispatchTool executes one model tool call and produces both the analysis
// entry to record and the function response to feed back.
func (f *AnalyzerFunction) dispatchTool(ctx context.Context, logCtx *slog.Logger, workflowID string, seg *models.Segment, mediaURI *string, call genai.FunctionCall) (*models.AnalysisEntry, genai.Part, error) {
	switch call.Name {
	case "analyze_image", "analyze_video":
		question, _ := call.Args["question"].(string)
		if strings.TrimSpace(question) == "" {
			return nil, toolReply(call.Name, "error: the question argument is required"), nil
		}
		var answer string
		var err error
		if call.Name == "analyze_video" {
			answer, err = f.vision.AnalyzeVideo(ctx, *mediaURI, question)
		} else {
			answer, err = f.vision.AnalyzeImage(ctx, *mediaURI, question)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s failed: %w", call.Name, err)
		}
		entry := &models.AnalysisEntry{Query: question, Content: answer}
		return entry, toolReply(call.Name, answer), nil

	case "rotate_image":
		rotatedURI, err := f.vision.RotateImage(ctx, *mediaURI)
		if err != nil {
			return nil, nil, fmt.Errorf("rotate_image failed: %w", err)
		}
		*mediaURI = rotatedURI
		if err := f.store.UpdateSegmentFields(ctx, workflowID, seg.SegmentIndex, map[string]interface{}{
			"imageUri": rotatedURI,
		}); err != nil {
			return nil, nil, err
		}
		logCtx.Info("Rotated segment image.", "imageUri", rotatedURI)
		return nil, toolReply(call.Name, "the image was rotated 90 degrees clockwise"), nil
	}

	logCtx.Warn("Model requested an unknown tool.", "tool", call.Name)
	return nil, toolReply(call.Name, "error: unknown tool"), nil
}

func toolReply(name, result string) genai.Part {
	return genai.FunctionResponse{
		Name:     name,
		Response: map[string]interface{}{"result": result},
	}
}

// indexSegment pushes the segment's text into the search index. Indexing is
// best effort and never affects the analysis outcome.
func (f *AnalyzerFunction) indexSegment(ctx context.Context, logCtx *slog.Logger, workflowID string, seg *models.Segment, entries []models.AnalysisEntry) {
	if f.index == nil {
		return
	}
	var sb strings.Builder
	sb.WriteString(seg.ContextText())
	for _, entry := range entries {
		sb.WriteString(entry.Query)
		sb.WriteString("\n")
		sb.WriteString(entry.Content)
		sb.WriteString("\n")
	}
	content := strings.TrimSpace(sb.String())
	if content == "" {
		return
	}

	var embedding []float32
	if f.embed != nil {
		vec, err := f.embed(ctx, content)
		if err != nil {
			logCtx.Warn("Failed to embed segment content, indexing without vector.", "error", err)
		} else {
			embedding = vec
		}
	}
	err := f.index.Upsert(ctx, search.Record{
		WorkflowID: workflowID,
		SegmentID:  seg.SegmentIndex,
		ProjectID:  f.projectID,
		Content:    content,
		Embedding:  embedding,
	})
	if err != nil {
		logCtx.Warn("Failed to index segment for search.", "error", err)
	}
}
