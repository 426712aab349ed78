package models

import "time"

// WorkflowStatus is the lifecycle state of one processing run for one file.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
)

// FileKind is the coarse classification of an uploaded file that drives
// routing to the extraction coordinators.
type FileKind string

const (
	FileDocument FileKind = "document"
	FileImage    FileKind = "image"
	FileVideo    FileKind = "video"
	FileAudio    FileKind = "audio"
)

// StepName identifies one pipeline stage in the step ledger.
type StepName string

const (
	StepPreprocess       StepName = "preprocess"
	StepStructureExtract StepName = "structure-extract"
	StepOCR              StepName = "ocr"
	StepTranscribe       StepName = "transcribe"
	StepSegmentBuild     StepName = "segment-build"
	StepSegmentAnalyze   StepName = "segment-analyze"
	StepSummarize        StepName = "summarize"
)

// StepOrder is the display order of the ledger. Control flow is driven by the
// routing table, never by this slice.
var StepOrder = []StepName{
	StepPreprocess,
	StepStructureExtract,
	StepOCR,
	StepTranscribe,
	StepSegmentBuild,
	StepSegmentAnalyze,
	StepSummarize,
}

// StepStatus is the state of a single ledger entry.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Terminal reports whether a step has reached a final state.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Step is one entry of the per-workflow step ledger.
type Step struct {
	Status    StepStatus `firestore:"status" json:"status"`
	StartedAt time.Time  `firestore:"startedAt,omitempty" json:"startedAt,omitempty"`
	EndedAt   time.Time  `firestore:"endedAt,omitempty" json:"endedAt,omitempty"`
	Error     string     `firestore:"error,omitempty" json:"error,omitempty"`
	// Reason explains a skipped step (e.g. unsupported MIME type).
	Reason string `firestore:"reason,omitempty" json:"reason,omitempty"`
	// OutputURI points at the extraction output for coordinator steps.
	OutputURI string `firestore:"outputUri,omitempty" json:"outputUri,omitempty"`
}

// StepLedger maps step name to its record. Firestore stores it as a map field
// on the workflow document so it can be read without touching segments.
type StepLedger struct {
	CurrentStep StepName          `firestore:"currentStep,omitempty" json:"currentStep,omitempty"`
	Steps       map[StepName]Step `firestore:"steps" json:"steps"`
}

// Workflow is the master record for one pipeline run over one uploaded file.
type Workflow struct {
	WorkflowID    string         `firestore:"-" json:"workflowId"`
	DocumentID    string         `firestore:"documentId,omitempty" json:"documentId"`
	ProjectID     string         `firestore:"projectId,omitempty" json:"projectId"`
	FileURI       string         `firestore:"fileUri,omitempty" json:"fileUri"`
	FileName      string         `firestore:"fileName,omitempty" json:"fileName"`
	FileHash      string         `firestore:"fileHash,omitempty" json:"fileHash,omitempty"`
	FileType      FileKind       `firestore:"fileType,omitempty" json:"fileType"`
	Status        WorkflowStatus `firestore:"status,omitempty" json:"status"`
	Language      string         `firestore:"language,omitempty" json:"language,omitempty"`
	TotalSegments int            `firestore:"totalSegments" json:"totalSegments"`
	ExecutionRef  string         `firestore:"executionRef,omitempty" json:"executionRef,omitempty"`
	CurrentStep   StepName       `firestore:"currentStep,omitempty" json:"currentStep,omitempty"`
	Steps         map[StepName]Step `firestore:"steps,omitempty" json:"steps,omitempty"`
	Summary       *Summary       `firestore:"summary,omitempty" json:"summary,omitempty"`
	CreatedAt     time.Time      `firestore:"createdAt,omitempty" json:"createdAt"`
	UpdatedAt     time.Time      `firestore:"updatedAt,omitempty" json:"updatedAt"`
}

// Ledger returns the step ledger view of the workflow.
func (w *Workflow) Ledger() StepLedger {
	return StepLedger{CurrentStep: w.CurrentStep, Steps: w.Steps}
}
