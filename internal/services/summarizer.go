package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kmaeshima/documentanalysisflow/internal/gcp"
	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/store"
)

const (
	// descriptionBatchSize bounds how many pages share one description call.
	descriptionBatchSize = 10
	// Relation windows overlap so cross-references spanning a batch boundary
	// are still seen together at least once.
	relationWindowSize    = 10
	relationWindowOverlap = 3
	// Documents up to this size are summarized in one call; larger ones go
	// through partial summaries and a recursive merge.
	directSummaryPageLimit = 40
	mergeGroupSize         = 8
	// pageContentLimit truncates one page's text inside a batched prompt.
	pageContentLimit = 4000
)

// TextModeler is the model surface the summarizer needs.
type TextModeler interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, out interface{}) error
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// SummarizerFunction produces the document-level summary in three phases:
// per-page descriptions in bounded batches, related-page detection over
// overlapping windows, and the final document summary.
type SummarizerFunction struct {
	store  store.Store
	model  TextModeler
	events func(models.ProgressEvent)
}

func NewDocSummarizer(ctx context.Context) (*SummarizerFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	region := gcp.GetEnv("VERTEX_REGION", "us-central1")

	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	vertexClient, err := gcp.NewVertexClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}
	f := NewSummarizer(store.NewFirestoreStore(firestoreClient, gcp.GetEnv("FIRESTORE_COLLECTION", "workflows")), vertexClient)
	slog.Info("Document summarizer initialized.", "region", region)
	return f, nil
}

// NewSummarizer wires a summarizer over an existing store and model.
func NewSummarizer(st store.Store, model TextModeler) *SummarizerFunction {
	return &SummarizerFunction{store: st, model: model}
}

// SetEventSink installs a best-effort progress event callback.
func (f *SummarizerFunction) SetEventSink(fn func(models.ProgressEvent)) {
	f.events = fn
}

func (f *SummarizerFunction) emit(event models.ProgressEvent) {
	if f.events != nil {
		f.events(event)
	}
}

func (f *SummarizerFunction) Process(ctx context.Context, req models.SummarizeRequest) (*models.SummarizeResponse, error) {
	logCtx := slog.With("workflowId", req.WorkflowID)

	if err := f.store.StepStart(ctx, req.WorkflowID, models.StepSummarize); err != nil {
		return nil, err
	}
	f.emit(models.ProgressEvent{WorkflowID: req.WorkflowID, Step: models.StepSummarize, StepStatus: models.StepInProgress})

	segments, err := f.store.GetAllSegments(ctx, req.WorkflowID)
	if err != nil {
		return nil, FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, models.StepSummarize, "failed to load segments", err)
	}
	if len(segments) == 0 {
		return nil, FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, models.StepSummarize, "nothing to summarize", fmt.Errorf("workflow has no segments"))
	}

	descriptions := f.describePages(ctx, logCtx, segments)
	relations := f.relatePages(ctx, logCtx, segments, descriptions)

	documentSummary, err := f.summarizeDocument(ctx, logCtx, segments, descriptions, req.Language)
	if err != nil {
		return nil, FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, models.StepSummarize, "failed to produce document summary", err)
	}

	summary := &models.Summary{
		Language:        req.Language,
		DocumentSummary: documentSummary,
		TotalPages:      len(segments),
	}
	for _, seg := range segments {
		idx := seg.SegmentIndex
		summary.Pages = append(summary.Pages, models.PageSummary{
			Page:         idx,
			Description:  descriptions[idx],
			RelatedPages: relations[idx],
		})
		if err := f.store.UpdateSegmentFields(ctx, req.WorkflowID, idx, map[string]interface{}{
			"pageDescription": descriptions[idx],
			"relatedPages":    relations[idx],
			"status":          models.SegmentCompleted,
		}); err != nil {
			return nil, FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, models.StepSummarize, "failed to record page summary", err)
		}
	}

	if err := f.store.SaveSummary(ctx, req.WorkflowID, summary); err != nil {
		return nil, FailWorkflow(ctx, f.store, logCtx, req.WorkflowID, models.StepSummarize, "failed to save summary", err)
	}
	if err := f.store.StepComplete(ctx, req.WorkflowID, models.StepSummarize, ""); err != nil {
		return nil, err
	}
	if err := f.store.UpdateWorkflowStatus(ctx, req.WorkflowID, models.WorkflowCompleted, ""); err != nil {
		return nil, err
	}
	logCtx.Info("Document summary complete.", "totalPages", len(segments))
	f.emit(models.ProgressEvent{WorkflowID: req.WorkflowID, Step: models.StepSummarize, StepStatus: models.StepCompleted})
	return &models.SummarizeResponse{Status: "summarized", TotalPages: len(segments)}, nil
}

type pageDescription struct {
	Page        int    `json:"page"`
	Description string `json:"description"`
}

// describePages runs phase one: batched per-page descriptions. A failed batch
// costs only its own descriptions; every segment still gets an entry.
func (f *SummarizerFunction) describePages(ctx context.Context, logCtx *slog.Logger, segments []models.Segment) map[int]string {
	descriptions := make(map[int]string, len(segments))
	for _, seg := range segments {
		descriptions[seg.SegmentIndex] = ""
	}

	for start := 0; start < len(segments); start += descriptionBatchSize {
		end := start + descriptionBatchSize
		if end > len(segments) {
			end = len(segments)
		}
		batch := segments[start:end]

		var sb strings.Builder
		inBatch := make(map[int]bool, len(batch))
		for _, seg := range batch {
			inBatch[seg.SegmentIndex] = true
			sb.WriteString(fmt.Sprintf("Page %d:\n%s\n---\n", seg.SegmentIndex, pageContent(&seg)))
		}

		var out []pageDescription
		if err := f.model.GenerateJSON(ctx, gcp.PageDescriptionSystemPrompt, gcp.PageDescriptionUserPrompt+"\n\n"+sb.String(), &out); err != nil {
			logCtx.Warn("Page description batch failed, leaving descriptions empty.", "batchStart", start, "error", err)
			continue
		}
		for _, d := range out {
			if inBatch[d.Page] {
				descriptions[d.Page] = strings.TrimSpace(d.Description)
			}
		}
	}
	return descriptions
}

type pageRelations struct {
	Page         int   `json:"page"`
	RelatedPages []int `json:"relatedPages"`
}

// relatePages runs phase two: related-page detection over overlapping windows
// of descriptions, merged by set union across windows.
func (f *SummarizerFunction) relatePages(ctx context.Context, logCtx *slog.Logger, segments []models.Segment, descriptions map[int]string) map[int][]int {
	indices := make([]int, 0, len(segments))
	for _, seg := range segments {
		indices = append(indices, seg.SegmentIndex)
	}

	var windows []map[int][]int
	for _, bounds := range WindowsWithOverlap(len(indices), relationWindowSize, relationWindowOverlap) {
		window := indices[bounds[0]:bounds[1]]
		inWindow := make(map[int]bool, len(window))
		var sb strings.Builder
		for _, idx := range window {
			inWindow[idx] = true
			sb.WriteString(fmt.Sprintf("Page %d: %s\n", idx, descriptions[idx]))
		}

		var out []pageRelations
		if err := f.model.GenerateJSON(ctx, gcp.RelatedPagesSystemPrompt, gcp.RelatedPagesUserPrompt+"\n\n"+sb.String(), &out); err != nil {
			logCtx.Warn("Related pages window failed, skipping.", "windowStart", bounds[0], "error", err)
			continue
		}
		windowRel := make(map[int][]int)
		for _, r := range out {
			if !inWindow[r.Page] {
				continue
			}
			for _, related := range r.RelatedPages {
				// Relations must stay inside the window the model saw.
				if related != r.Page && inWindow[related] {
					windowRel[r.Page] = append(windowRel[r.Page], related)
				}
			}
		}
		windows = append(windows, windowRel)
	}
	return MergeRelations(len(indices), windows...)
}

// summarizeDocument runs phase three: the document summary, directly for
// small documents and through partial summaries plus a recursive merge for
// large ones.
func (f *SummarizerFunction) summarizeDocument(ctx context.Context, logCtx *slog.Logger, segments []models.Segment, descriptions map[int]string, language string) (string, error) {
	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		lines = append(lines, fmt.Sprintf("Page %d: %s", seg.SegmentIndex, descriptions[seg.SegmentIndex]))
	}

	languageHint := ""
	if language != "" {
		languageHint = fmt.Sprintf("\n\nRespond in %s.", language)
	}

	if len(lines) <= directSummaryPageLimit {
		return f.model.GenerateText(ctx, gcp.DocumentSummarySystemPrompt,
			gcp.DocumentSummaryUserPrompt+languageHint+"\n\n"+strings.Join(lines, "\n"))
	}

	var partials []string
	for start := 0; start < len(lines); start += directSummaryPageLimit {
		end := start + directSummaryPageLimit
		if end > len(lines) {
			end = len(lines)
		}
		partial, err := f.model.GenerateText(ctx, gcp.DocumentSummarySystemPrompt,
			gcp.DocumentSummaryUserPrompt+languageHint+"\n\n"+strings.Join(lines[start:end], "\n"))
		if err != nil {
			return "", fmt.Errorf("partial summary for pages %d-%d: %w", start, end-1, err)
		}
		partials = append(partials, partial)
	}
	logCtx.Info("Merging partial summaries.", "partials", len(partials))
	return f.mergeSummaries(ctx, partials, languageHint)
}

// mergeSummaries folds partial summaries together until one remains.
func (f *SummarizerFunction) mergeSummaries(ctx context.Context, partials []string, languageHint string) (string, error) {
	for len(partials) > 1 {
		var next []string
		for start := 0; start < len(partials); start += mergeGroupSize {
			end := start + mergeGroupSize
			if end > len(partials) {
				end = len(partials)
			}
			if end-start == 1 {
				next = append(next, partials[start])
				continue
			}
			merged, err := f.model.GenerateText(ctx, gcp.SummaryMergeSystemPrompt,
				gcp.SummaryMergeUserPrompt+languageHint+"\n\n"+strings.Join(partials[start:end], "\n\n---\n\n"))
			if err != nil {
				return "", fmt.Errorf("summary merge: %w", err)
			}
			next = append(next, merged)
		}
		partials = next
	}
	return partials[0], nil
}

// pageContent renders one segment's material for a summarization prompt,
// truncated so one huge page cannot crowd out its batch.
func pageContent(seg *models.Segment) string {
	var sb strings.Builder
	sb.WriteString(seg.ContextText())
	for _, entry := range seg.AIAnalysis {
		sb.WriteString("Q: ")
		sb.WriteString(entry.Query)
		sb.WriteString("\nA: ")
		sb.WriteString(entry.Content)
		sb.WriteString("\n")
	}
	content := sb.String()
	if len(content) > pageContentLimit {
		content = content[:pageContentLimit]
	}
	return content
}

// WindowsWithOverlap returns [start, end) bounds covering n items with
// fixed-size windows that overlap by the given amount. Every item is covered
// and consecutive windows share overlap items.
func WindowsWithOverlap(n, size, overlap int) [][2]int {
	if n <= 0 {
		return nil
	}
	if size <= 0 || overlap >= size {
		return [][2]int{{0, n}}
	}
	var windows [][2]int
	for start := 0; ; start += size - overlap {
		end := start + size
		if end > n {
			end = n
		}
		windows = append(windows, [2]int{start, end})
		if end == n {
			break
		}
	}
	return windows
}

// MergeRelations unions per-window relation maps. Self references and
// indices outside [0, total) are dropped, duplicates collapse, and each
// list comes back sorted.
func MergeRelations(total int, windows ...map[int][]int) map[int][]int {
	sets := make(map[int]map[int]bool)
	for _, window := range windows {
		for page, related := range window {
			if page < 0 || page >= total {
				continue
			}
			for _, r := range related {
				if r == page || r < 0 || r >= total {
					continue
				}
				if sets[page] == nil {
					sets[page] = make(map[int]bool)
				}
				sets[page][r] = true
			}
		}
	}
	merged := make(map[int][]int, len(sets))
	for page, set := range sets {
		list := make([]int, 0, len(set))
		for r := range set {
			list = append(list, r)
		}
		sort.Ints(list)
		merged[page] = list
	}
	return merged
}
