package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/kmaeshima/documentanalysisflow/internal/gcp"
	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

// OCRExtractor submits documents and images to a Document AI batch OCR job
// and normalizes the resulting Document shards into per-page text and blocks.
type OCRExtractor struct {
	docai         *gcp.DocAIClient
	storageClient *storage.Client
	processorName string
	outputBucket  string
}

func NewOCRExtractor(docai *gcp.DocAIClient, storageClient *storage.Client, processorName, outputBucket string) *OCRExtractor {
	return &OCRExtractor{
		docai:         docai,
		storageClient: storageClient,
		processorName: processorName,
		outputBucket:  outputBucket,
	}
}

func (e *OCRExtractor) Step() models.StepName { return models.StepOCR }

func (e *OCRExtractor) Supports(mimeType string, kind models.FileKind) bool {
	mt := strings.ToLower(mimeType)
	return mt == "application/pdf" || strings.HasPrefix(mt, "image/")
}

func (e *OCRExtractor) Submit(ctx context.Context, job Job) (string, error) {
	return e.docai.SubmitBatch(ctx, e.processorName, job.FileURI, job.MimeType,
		RawPrefix(e.outputBucket, job.WorkflowID, models.StepOCR))
}

func (e *OCRExtractor) Poll(ctx context.Context, job Job, handle string) (JobStatus, error) {
	done, err := e.docai.PollBatch(ctx, handle)
	if err != nil {
		// The operation error is the job's own failure, not a poll problem.
		return JobStatus{State: JobFailed, Failure: err.Error()}, nil
	}
	if !done {
		return JobStatus{State: JobRunning}, nil
	}

	output, err := e.normalize(ctx, job)
	if err != nil {
		return JobStatus{}, err
	}
	outputURI := OutputURI(e.outputBucket, job.WorkflowID, models.StepOCR)
	if err := gcp.WriteJSONObject(ctx, e.storageClient, outputURI, output); err != nil {
		return JobStatus{}, err
	}
	return JobStatus{State: JobSucceeded, OutputURI: outputURI}, nil
}

// normalize reads every Document JSON shard the batch job wrote and flattens
// the pages into the canonical zero-based index space.
func (e *OCRExtractor) normalize(ctx context.Context, job Job) (*OCROutput, error) {
	shardURIs, err := listJSONObjects(ctx, e.storageClient, RawPrefix(e.outputBucket, job.WorkflowID, models.StepOCR))
	if err != nil {
		return nil, err
	}
	if len(shardURIs) == 0 {
		return nil, fmt.Errorf("OCR job produced no output shards")
	}

	output := &OCROutput{}
	for _, uri := range shardURIs {
		data, err := gcp.ReadGCSObject(ctx, e.storageClient, uri)
		if err != nil {
			return nil, err
		}
		doc, err := gcp.ParseDocumentJSON(data)
		if err != nil {
			return nil, fmt.Errorf("shard %s: %w", uri, err)
		}
		for _, page := range doc.GetPages() {
			output.Pages = append(output.Pages, OCRPage{
				// Document AI numbers pages from 1; segment indices from 0.
				Index:  int(page.GetPageNumber()) - 1,
				Text:   gcp.PageText(doc, page),
				Blocks: gcp.PageBlocks(doc, page),
			})
		}
	}
	sort.Slice(output.Pages, func(i, j int) bool { return output.Pages[i].Index < output.Pages[j].Index })
	return output, nil
}

func listJSONObjects(ctx context.Context, client *storage.Client, prefixURI string) ([]string, error) {
	bucket, prefix, err := gcp.ParseGCSURI(prefixURI)
	if err != nil {
		return nil, err
	}
	iter := client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var uris []string
	for {
		attrs, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefixURI, err)
		}
		if strings.HasSuffix(strings.ToLower(attrs.Name), ".json") {
			uris = append(uris, fmt.Sprintf("gs://%s/%s", bucket, attrs.Name))
		}
	}
	sort.Strings(uris)
	return uris, nil
}
