package models

import "time"

// SegmentType is the unit of analysis a segment represents.
type SegmentType string

const (
	SegmentPage    SegmentType = "PAGE"
	SegmentVideo   SegmentType = "VIDEO"
	SegmentChapter SegmentType = "CHAPTER"
	SegmentAudio   SegmentType = "AUDIO"
	SegmentUnknown SegmentType = "UNKNOWN"
)

// SegmentStatus moves monotonically forward; a segment never leaves a
// terminal state except through a full reanalysis pass.
type SegmentStatus string

const (
	SegmentIndexing      SegmentStatus = "indexing"
	SegmentOCRProcessing SegmentStatus = "ocr_processing"
	SegmentParsing       SegmentStatus = "parsing"
	SegmentAnalyzing     SegmentStatus = "analyzing"
	SegmentFinalizing    SegmentStatus = "finalizing"
	SegmentCompleted     SegmentStatus = "completed"
	SegmentFailed        SegmentStatus = "failed"
)

// OCRBlock is one recognized text block with its bounding box, normalized to
// the page (0..1 on both axes).
type OCRBlock struct {
	Text   string  `firestore:"text" json:"text"`
	X      float64 `firestore:"x" json:"x"`
	Y      float64 `firestore:"y" json:"y"`
	Width  float64 `firestore:"width" json:"width"`
	Height float64 `firestore:"height" json:"height"`
}

// TranscriptSegment is one time-coded slice of a media transcript.
type TranscriptSegment struct {
	Text  string  `firestore:"text" json:"text"`
	Start float64 `firestore:"start" json:"start"`
	End   float64 `firestore:"end" json:"end"`
}

// AnalysisEntry is one question/answer pair produced by the segment analyzer.
type AnalysisEntry struct {
	Query   string `firestore:"query" json:"query"`
	Content string `firestore:"content" json:"content"`
}

// Segment is the per-page (or per-chapter, or whole-media-file) record. The
// index is the join key for every coordinator's output.
type Segment struct {
	SegmentIndex       int                 `firestore:"segmentIndex" json:"segmentIndex"`
	SegmentType        SegmentType         `firestore:"segmentType" json:"segmentType"`
	Status             SegmentStatus       `firestore:"status" json:"status"`
	ImageURI           string              `firestore:"imageUri,omitempty" json:"imageUri,omitempty"`
	FileURI            string              `firestore:"fileUri,omitempty" json:"fileUri,omitempty"`
	StructureText      string              `firestore:"structureText,omitempty" json:"structureText,omitempty"`
	OCRText            string              `firestore:"ocrText,omitempty" json:"ocrText,omitempty"`
	OCRBlocks          []OCRBlock          `firestore:"ocrBlocks,omitempty" json:"ocrBlocks,omitempty"`
	Transcript         string              `firestore:"transcript,omitempty" json:"transcript,omitempty"`
	TranscriptSegments []TranscriptSegment `firestore:"transcriptSegments,omitempty" json:"transcriptSegments,omitempty"`
	AIAnalysis         []AnalysisEntry     `firestore:"aiAnalysis,omitempty" json:"aiAnalysis,omitempty"`
	PageDescription    string              `firestore:"pageDescription,omitempty" json:"pageDescription,omitempty"`
	RelatedPages       []int               `firestore:"relatedPages,omitempty" json:"relatedPages,omitempty"`
	UpdatedAt          time.Time           `firestore:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// ContextText concatenates whatever extraction text exists for the segment,
// in a stable order, for use as model context. Empty sources are omitted.
func (s *Segment) ContextText() string {
	var out string
	if s.StructureText != "" {
		out += "## Document structure\n" + s.StructureText + "\n"
	}
	if s.OCRText != "" {
		out += "## OCR text\n" + s.OCRText + "\n"
	}
	if s.Transcript != "" {
		out += "## Transcript\n" + s.Transcript + "\n"
	}
	return out
}
