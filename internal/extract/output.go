package extract

import (
	"fmt"
	"path"
	"strings"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

// Normalized coordinator outputs, written as JSON next to the raw vendor
// output. The segment index inside each output is the canonical index
// assigned at initial segmentation; the assembler drops anything outside
// that range instead of trusting positional alignment.

// OCRPage is one page of OCR output.
type OCRPage struct {
	Index  int               `json:"index"`
	Text   string            `json:"text"`
	Blocks []models.OCRBlock `json:"blocks,omitempty"`
}

// OCROutput is the normalized OCR coordinator output.
type OCROutput struct {
	Pages []OCRPage `json:"pages"`
}

// StructurePage is one page (or chapter) of structure-extraction output.
type StructurePage struct {
	Index     int      `json:"index"`
	Markdown  string   `json:"markdown"`
	ImageRefs []string `json:"imageRefs,omitempty"`
}

// StructureOutput is the normalized structure coordinator output.
type StructureOutput struct {
	Pages []StructurePage `json:"pages"`
}

// TranscriptOutput is the normalized transcription coordinator output. The
// transcript applies to every segment of a media file.
type TranscriptOutput struct {
	Transcript string                     `json:"transcript"`
	Segments   []models.TranscriptSegment `json:"segments,omitempty"`
}

// OutputURI returns the canonical location of a coordinator's normalized
// output for one workflow.
func OutputURI(bucket, workflowID string, step models.StepName) string {
	return fmt.Sprintf("gs://%s/%s/%s/output.json", bucket, workflowID, step)
}

// RawPrefix returns the GCS prefix where a coordinator's raw vendor output
// lands before normalization.
func RawPrefix(bucket, workflowID string, step models.StepName) string {
	return fmt.Sprintf("gs://%s/%s/%s/raw/", bucket, workflowID, step)
}

// ResolveImageRef turns a relative image reference from structure-extraction
// output into an absolute GCS URI. Relative refs resolve against the fixed
// images/ subdirectory next to the output location; absolute refs pass
// through unchanged.
func ResolveImageRef(outputURI, ref string) string {
	if ref == "" || strings.Contains(ref, "://") {
		return ref
	}
	dir := path.Dir(strings.TrimPrefix(outputURI, "gs://"))
	cleaned := strings.TrimPrefix(ref, "./")
	if !strings.HasPrefix(cleaned, "images/") {
		cleaned = "images/" + cleaned
	}
	return "gs://" + path.Join(dir, cleaned)
}
