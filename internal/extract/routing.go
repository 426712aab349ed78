package extract

import (
	"path/filepath"
	"strings"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

// documentMIMETypes are the declared types classified as documents.
var documentMIMETypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/plain":    true,
	"text/markdown": true,
}

// ClassifyMIME maps a declared MIME type (with the file name as a fallback for
// missing or generic types) to the coarse file kind that drives routing.
func ClassifyMIME(mimeType, fileName string) models.FileKind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case documentMIMETypes[mt]:
		return models.FileDocument
	case strings.HasPrefix(mt, "image/"):
		return models.FileImage
	case strings.HasPrefix(mt, "video/"):
		return models.FileVideo
	case strings.HasPrefix(mt, "audio/"):
		return models.FileAudio
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf", ".doc", ".docx", ".txt", ".md":
		return models.FileDocument
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".tif", ".tiff":
		return models.FileImage
	case ".mp4", ".mov", ".avi", ".mkv", ".webm":
		return models.FileVideo
	case ".mp3", ".wav", ".m4a", ".flac", ".ogg":
		return models.FileAudio
	}
	return models.FileDocument
}

// MIMEForKind returns a canonical MIME type when the upload declared none.
func MIMEForKind(kind models.FileKind, fileName string) string {
	switch kind {
	case models.FileImage:
		switch strings.ToLower(filepath.Ext(fileName)) {
		case ".png":
			return "image/png"
		default:
			return "image/jpeg"
		}
	case models.FileVideo:
		return "video/mp4"
	case models.FileAudio:
		return "audio/mpeg"
	default:
		return "application/pdf"
	}
}

// Routing is the fixed table deciding which extraction coordinators fire for
// a file. The dispatcher and the completion gate must derive the same answer
// from the same inputs.
type Routing struct {
	// StructureEnabled is a per-project flag; structure extraction never
	// fires without it.
	StructureEnabled bool
}

// Applicable returns the coordinator steps that run for the given file kind.
func (r Routing) Applicable(kind models.FileKind) []models.StepName {
	var steps []models.StepName
	if r.StructureEnabled && (kind == models.FileDocument || kind == models.FileVideo) {
		steps = append(steps, models.StepStructureExtract)
	}
	switch kind {
	case models.FileDocument, models.FileImage:
		steps = append(steps, models.StepOCR)
	case models.FileVideo, models.FileAudio:
		steps = append(steps, models.StepTranscribe)
	}
	return steps
}

// Required returns the subset of applicable coordinators whose failure fails
// the workflow. Structure extraction is always optional.
func (r Routing) Required(kind models.FileKind) []models.StepName {
	switch kind {
	case models.FileDocument, models.FileImage:
		return []models.StepName{models.StepOCR}
	case models.FileVideo, models.FileAudio:
		return []models.StepName{models.StepTranscribe}
	}
	return nil
}

// Skipped returns the coordinator steps that do not apply to the file kind;
// the dispatcher records these as skipped when the ledger is created.
func (r Routing) Skipped(kind models.FileKind) []models.StepName {
	applicable := make(map[models.StepName]bool)
	for _, s := range r.Applicable(kind) {
		applicable[s] = true
	}
	var skipped []models.StepName
	for _, s := range []models.StepName{models.StepStructureExtract, models.StepOCR, models.StepTranscribe} {
		if !applicable[s] {
			skipped = append(skipped, s)
		}
	}
	return skipped
}

// SegmentTypeFor returns the segment type created by initial segmentation.
func SegmentTypeFor(kind models.FileKind) models.SegmentType {
	switch kind {
	case models.FileDocument, models.FileImage:
		return models.SegmentPage
	case models.FileVideo:
		return models.SegmentVideo
	case models.FileAudio:
		return models.SegmentAudio
	}
	return models.SegmentUnknown
}
