package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/kmaeshima/documentanalysisflow/internal/gcp"
	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

// StructureExtractor produces per-page layout markdown for documents via a
// Document AI layout processor, and chapter structure for videos via Video
// Intelligence shot annotation. It only fires when the project enables
// structure extraction.
type StructureExtractor struct {
	docai         *gcp.DocAIClient
	video         *gcp.VideoClient
	storageClient *storage.Client
	processorName string
	outputBucket  string
}

func NewStructureExtractor(docai *gcp.DocAIClient, video *gcp.VideoClient, storageClient *storage.Client, processorName, outputBucket string) *StructureExtractor {
	return &StructureExtractor{
		docai:         docai,
		video:         video,
		storageClient: storageClient,
		processorName: processorName,
		outputBucket:  outputBucket,
	}
}

func (e *StructureExtractor) Step() models.StepName { return models.StepStructureExtract }

func (e *StructureExtractor) Supports(mimeType string, kind models.FileKind) bool {
	switch kind {
	case models.FileDocument:
		return strings.EqualFold(mimeType, "application/pdf")
	case models.FileVideo:
		return strings.HasPrefix(strings.ToLower(mimeType), "video/")
	}
	return false
}

func (e *StructureExtractor) Submit(ctx context.Context, job Job) (string, error) {
	if job.FileType == models.FileVideo {
		handle, err := e.video.SubmitAnnotation(ctx, job.FileURI, job.Language)
		if err != nil {
			return "", err
		}
		return "video:" + handle, nil
	}
	handle, err := e.docai.SubmitBatch(ctx, e.processorName, job.FileURI, job.MimeType,
		RawPrefix(e.outputBucket, job.WorkflowID, models.StepStructureExtract))
	if err != nil {
		return "", err
	}
	return "docai:" + handle, nil
}

func (e *StructureExtractor) Poll(ctx context.Context, job Job, handle string) (JobStatus, error) {
	switch {
	case strings.HasPrefix(handle, "video:"):
		return e.pollVideo(ctx, job, strings.TrimPrefix(handle, "video:"))
	case strings.HasPrefix(handle, "docai:"):
		return e.pollDocument(ctx, job, strings.TrimPrefix(handle, "docai:"))
	}
	return JobStatus{}, fmt.Errorf("unrecognized job handle %q", handle)
}

func (e *StructureExtractor) pollDocument(ctx context.Context, job Job, opName string) (JobStatus, error) {
	done, err := e.docai.PollBatch(ctx, opName)
	if err != nil {
		return JobStatus{State: JobFailed, Failure: err.Error()}, nil
	}
	if !done {
		return JobStatus{State: JobRunning}, nil
	}

	shardURIs, err := listJSONObjects(ctx, e.storageClient, RawPrefix(e.outputBucket, job.WorkflowID, models.StepStructureExtract))
	if err != nil {
		return JobStatus{}, err
	}
	output := &StructureOutput{}
	for _, uri := range shardURIs {
		data, err := gcp.ReadGCSObject(ctx, e.storageClient, uri)
		if err != nil {
			return JobStatus{}, err
		}
		doc, err := gcp.ParseDocumentJSON(data)
		if err != nil {
			return JobStatus{}, fmt.Errorf("shard %s: %w", uri, err)
		}
		for _, page := range doc.GetPages() {
			output.Pages = append(output.Pages, StructurePage{
				Index:    int(page.GetPageNumber()) - 1,
				Markdown: gcp.PageText(doc, page),
			})
		}
	}
	sort.Slice(output.Pages, func(i, j int) bool { return output.Pages[i].Index < output.Pages[j].Index })

	outputURI := OutputURI(e.outputBucket, job.WorkflowID, models.StepStructureExtract)
	if err := gcp.WriteJSONObject(ctx, e.storageClient, outputURI, output); err != nil {
		return JobStatus{}, err
	}
	return JobStatus{State: JobSucceeded, OutputURI: outputURI}, nil
}

func (e *StructureExtractor) pollVideo(ctx context.Context, job Job, opName string) (JobStatus, error) {
	result, done, err := e.video.PollAnnotation(ctx, opName)
	if err != nil {
		return JobStatus{State: JobFailed, Failure: err.Error()}, nil
	}
	if !done {
		return JobStatus{State: JobRunning}, nil
	}

	output := &StructureOutput{
		Pages: []StructurePage{{Index: 0, Markdown: videoChapterMarkdown(result)}},
	}
	outputURI := OutputURI(e.outputBucket, job.WorkflowID, models.StepStructureExtract)
	if err := gcp.WriteJSONObject(ctx, e.storageClient, outputURI, output); err != nil {
		return JobStatus{}, err
	}
	return JobStatus{State: JobSucceeded, OutputURI: outputURI}, nil
}

// videoChapterMarkdown renders shot boundaries as a chapter outline.
func videoChapterMarkdown(result *gcp.VideoStructureResult) string {
	if result == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("# Video structure\n")
	for _, shot := range result.Shots {
		sb.WriteString(fmt.Sprintf("- Chapter %d: %.1fs - %.1fs\n", shot.Index+1, shot.Start, shot.End))
	}
	if result.Transcript != "" {
		sb.WriteString("\n## Detected speech\n")
		sb.WriteString(result.Transcript)
		sb.WriteString("\n")
	}
	return sb.String()
}
