package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

func TestClassifyMIME(t *testing.T) {
	tests := []struct {
		mimeType string
		fileName string
		want     models.FileKind
	}{
		{"application/pdf", "report.pdf", models.FileDocument},
		{"image/png", "scan.png", models.FileImage},
		{"image/jpeg", "photo.JPG", models.FileImage},
		{"video/mp4", "lecture.mp4", models.FileVideo},
		{"audio/mpeg", "interview.mp3", models.FileAudio},
		{"", "notes.pdf", models.FileDocument},
		{"application/octet-stream", "clip.mov", models.FileDocument},
		{"", "clip.MOV", models.FileVideo},
		{"", "track.flac", models.FileAudio},
		{"", "unknown.bin", models.FileDocument},
	}
	for _, tc := range tests {
		got := ClassifyMIME(tc.mimeType, tc.fileName)
		assert.Equal(t, tc.want, got, "mime=%q name=%q", tc.mimeType, tc.fileName)
	}
}

func TestRoutingApplicable(t *testing.T) {
	withStructure := Routing{StructureEnabled: true}
	withoutStructure := Routing{}

	assert.Equal(t,
		[]models.StepName{models.StepStructureExtract, models.StepOCR},
		withStructure.Applicable(models.FileDocument))
	assert.Equal(t,
		[]models.StepName{models.StepOCR},
		withoutStructure.Applicable(models.FileDocument))
	assert.Equal(t,
		[]models.StepName{models.StepOCR},
		withStructure.Applicable(models.FileImage),
		"structure never applies to still images")
	assert.Equal(t,
		[]models.StepName{models.StepStructureExtract, models.StepTranscribe},
		withStructure.Applicable(models.FileVideo))
	assert.Equal(t,
		[]models.StepName{models.StepTranscribe},
		withStructure.Applicable(models.FileAudio))
}

func TestRoutingRequiredNeverIncludesStructure(t *testing.T) {
	r := Routing{StructureEnabled: true}
	for _, kind := range []models.FileKind{models.FileDocument, models.FileImage, models.FileVideo, models.FileAudio} {
		for _, step := range r.Required(kind) {
			assert.NotEqual(t, models.StepStructureExtract, step, "kind=%s", kind)
		}
	}
	assert.Equal(t, []models.StepName{models.StepOCR}, r.Required(models.FileDocument))
	assert.Equal(t, []models.StepName{models.StepTranscribe}, r.Required(models.FileVideo))
}

func TestRoutingSkippedComplementsApplicable(t *testing.T) {
	r := Routing{StructureEnabled: false}
	skipped := r.Skipped(models.FileDocument)
	assert.ElementsMatch(t, []models.StepName{models.StepStructureExtract, models.StepTranscribe}, skipped)

	r = Routing{StructureEnabled: true}
	skipped = r.Skipped(models.FileAudio)
	assert.ElementsMatch(t, []models.StepName{models.StepStructureExtract, models.StepOCR}, skipped)
}

func TestSegmentTypeFor(t *testing.T) {
	assert.Equal(t, models.SegmentPage, SegmentTypeFor(models.FileDocument))
	assert.Equal(t, models.SegmentPage, SegmentTypeFor(models.FileImage))
	assert.Equal(t, models.SegmentVideo, SegmentTypeFor(models.FileVideo))
	assert.Equal(t, models.SegmentAudio, SegmentTypeFor(models.FileAudio))
	assert.Equal(t, models.SegmentUnknown, SegmentTypeFor(models.FileKind("weird")))
}

func TestResolveImageRef(t *testing.T) {
	outputURI := "gs://bucket/wf-1/structure-extract/output.json"

	assert.Equal(t,
		"gs://bucket/wf-1/structure-extract/images/page_0.png",
		ResolveImageRef(outputURI, "page_0.png"))
	assert.Equal(t,
		"gs://bucket/wf-1/structure-extract/images/page_0.png",
		ResolveImageRef(outputURI, "./images/page_0.png"))
	assert.Equal(t,
		"gs://other/abs.png",
		ResolveImageRef(outputURI, "gs://other/abs.png"),
		"absolute refs pass through")
	assert.Equal(t, "", ResolveImageRef(outputURI, ""))
}

func TestOutputURILayout(t *testing.T) {
	assert.Equal(t, "gs://b/wf/ocr/output.json", OutputURI("b", "wf", models.StepOCR))
	assert.Equal(t, "gs://b/wf/ocr/raw/", RawPrefix("b", "wf", models.StepOCR))
}
