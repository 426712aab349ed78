package gcp

import (
	"context"
	"fmt"
	"strings"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

// DocAIClient wraps the Document AI batch API behind a submit/poll contract.
// Batch jobs write Document JSON shards to a GCS output prefix; the operation
// name is the job handle.
type DocAIClient struct {
	client *documentai.DocumentProcessorClient
}

// NewDocAIClient creates a Document AI client pinned to the given location.
func NewDocAIClient(ctx context.Context, location string) (*DocAIClient, error) {
	if location == "" {
		location = "us"
	}
	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)
	client, err := documentai.NewDocumentProcessorClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create Document AI client: %w", err)
	}
	return &DocAIClient{client: client}, nil
}

func (c *DocAIClient) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// SubmitBatch starts a batch processing job for one input document and
// returns the long-running operation name.
func (c *DocAIClient) SubmitBatch(ctx context.Context, processorName, inputURI, mimeType, outputPrefix string) (string, error) {
	if !strings.HasSuffix(outputPrefix, "/") {
		outputPrefix += "/"
	}
	req := &documentaipb.BatchProcessRequest{
		Name: processorName,
		InputDocuments: &documentaipb.BatchDocumentsInputConfig{
			Source: &documentaipb.BatchDocumentsInputConfig_GcsDocuments{
				GcsDocuments: &documentaipb.GcsDocuments{
					Documents: []*documentaipb.GcsDocument{
						{GcsUri: inputURI, MimeType: mimeType},
					},
				},
			},
		},
		DocumentOutputConfig: &documentaipb.DocumentOutputConfig{
			Destination: &documentaipb.DocumentOutputConfig_GcsOutputConfig_{
				GcsOutputConfig: &documentaipb.DocumentOutputConfig_GcsOutputConfig{
					GcsUri: outputPrefix,
				},
			},
		},
	}
	op, err := c.client.BatchProcessDocuments(ctx, req)
	if err != nil {
		return "", fmt.Errorf("documentai BatchProcessDocuments: %w", err)
	}
	return op.Name(), nil
}

// PollBatch checks the state of a batch job. It returns done=false while the
// operation is still running and an error when the job itself failed.
func (c *DocAIClient) PollBatch(ctx context.Context, opName string) (bool, error) {
	op := c.client.BatchProcessDocumentsOperation(opName)
	if _, err := op.Poll(ctx); err != nil {
		return false, fmt.Errorf("documentai batch poll: %w", err)
	}
	return op.Done(), nil
}

// ParseDocumentJSON decodes one Document JSON shard as written by a batch job.
func ParseDocumentJSON(data []byte) (*documentaipb.Document, error) {
	var doc documentaipb.Document
	unmarshaler := protojson.UnmarshalOptions{DiscardUnknown: true}
	if err := unmarshaler.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode Document AI output: %w", err)
	}
	return &doc, nil
}

// PageText extracts the full text of one page via its layout text anchor.
func PageText(doc *documentaipb.Document, page *documentaipb.Document_Page) string {
	if page == nil || page.Layout == nil {
		return ""
	}
	return strings.TrimSpace(textFromAnchor(doc.GetText(), page.Layout.TextAnchor))
}

// PageBlocks converts a page's blocks into normalized bounding-box records.
func PageBlocks(doc *documentaipb.Document, page *documentaipb.Document_Page) []models.OCRBlock {
	if page == nil {
		return nil
	}
	var blocks []models.OCRBlock
	for _, b := range page.Blocks {
		if b == nil || b.Layout == nil {
			continue
		}
		text := strings.TrimSpace(textFromAnchor(doc.GetText(), b.Layout.TextAnchor))
		if text == "" {
			continue
		}
		block := models.OCRBlock{Text: text}
		if poly := b.Layout.BoundingPoly; poly != nil && len(poly.NormalizedVertices) > 0 {
			minX, minY := 1.0, 1.0
			maxX, maxY := 0.0, 0.0
			for _, v := range poly.NormalizedVertices {
				x, y := float64(v.GetX()), float64(v.GetY())
				if x < minX {
					minX = x
				}
				if y < minY {
					minY = y
				}
				if x > maxX {
					maxX = x
				}
				if y > maxY {
					maxY = y
				}
			}
			block.X = minX
			block.Y = minY
			block.Width = maxX - minX
			block.Height = maxY - minY
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func textFromAnchor(full string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil || len(anchor.TextSegments) == 0 || full == "" {
		return ""
	}
	var sb strings.Builder
	for _, seg := range anchor.TextSegments {
		if seg == nil {
			continue
		}
		start := int(seg.StartIndex)
		end := int(seg.EndIndex)
		if start < 0 {
			start = 0
		}
		if end > len(full) {
			end = len(full)
		}
		if start >= end {
			continue
		}
		sb.WriteString(full[start:end])
	}
	return sb.String()
}
