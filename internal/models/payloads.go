package models

// These structs define the JSON payloads exchanged between the Cloud Workflow
// orchestrator and the worker Cloud Functions. Every request carries the
// workflow id and the execution id for traceability.

// StageMessage is the common envelope enqueued per stage.
type StageMessage struct {
	WorkflowID string   `json:"workflowId"`
	DocumentID string   `json:"documentId"`
	ProjectID  string   `json:"projectId"`
	FileURI    string   `json:"fileUri"`
	FileType   FileKind `json:"fileType"`
	Processor  string   `json:"processor"`
}

// ExtractRequest is the input for the three extraction coordinator functions.
type ExtractRequest struct {
	WorkflowID  string   `json:"workflowId"`
	DocumentID  string   `json:"documentId"`
	FileURI     string   `json:"fileUri"`
	MimeType    string   `json:"mimeType"`
	FileType    FileKind `json:"fileType"`
	Language    string   `json:"language,omitempty"`
	ExecutionID string   `json:"executionId"`
}

// ExtractResponse is the output of an extraction coordinator function.
type ExtractResponse struct {
	Status    StepStatus `json:"status"`
	OutputURI string     `json:"outputUri,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// GateRequest is the input for the preprocess-gate function.
type GateRequest struct {
	WorkflowID string   `json:"workflowId"`
	FileType   FileKind `json:"fileType"`
	// StructureEnabled mirrors the dispatcher's routing decision so the gate
	// derives the same required set.
	StructureEnabled bool   `json:"structureEnabled"`
	ExecutionID      string `json:"executionId"`
}

// GateResponse reports the terminal state of every required coordinator.
type GateResponse struct {
	AllCompleted bool                    `json:"allCompleted"`
	AnyFailed    bool                    `json:"anyFailed"`
	Statuses     map[StepName]StepStatus `json:"statuses"`
}

// AssembleRequest is the input for the segment-assembler function.
type AssembleRequest struct {
	WorkflowID  string   `json:"workflowId"`
	FileType    FileKind `json:"fileType"`
	ExecutionID string   `json:"executionId"`
}

// AssembleResponse tells the workflow how many analyzer invocations to fan out.
type AssembleResponse struct {
	Status       string `json:"status"`
	SegmentCount int    `json:"segmentCount"`
	SegmentIDs   []int  `json:"segmentIds"`
}

// AnalyzeSegmentRequest is the input for one segment-analyzer invocation.
type AnalyzeSegmentRequest struct {
	WorkflowID   string `json:"workflowId"`
	SegmentIndex int    `json:"segmentIndex"`
	Language     string `json:"language,omitempty"`
	ExecutionID  string `json:"executionId"`
}

// AnalyzeSegmentResponse is the per-segment analyzer outcome. Failed is true
// for an isolated segment failure; the invocation itself still succeeds so
// sibling segments are unaffected.
type AnalyzeSegmentResponse struct {
	Status       SegmentStatus `json:"status"`
	SegmentIndex int           `json:"segmentIndex"`
	Entries      int           `json:"entries"`
	Failed       bool          `json:"failed"`
}

// SummarizeRequest is the input for the doc-summarizer function.
type SummarizeRequest struct {
	WorkflowID  string `json:"workflowId"`
	Language    string `json:"language,omitempty"`
	ExecutionID string `json:"executionId"`
}

// SummarizeResponse is the final output of the pipeline.
type SummarizeResponse struct {
	Status     string `json:"status"`
	TotalPages int    `json:"totalPages"`
}

// ProgressEvent is one best-effort notification fanned out to live viewers.
type ProgressEvent struct {
	WorkflowID   string        `json:"workflowId"`
	DocumentID   string        `json:"documentId,omitempty"`
	Step         StepName      `json:"step,omitempty"`
	StepStatus   StepStatus    `json:"stepStatus,omitempty"`
	SegmentIndex *int          `json:"segmentIndex,omitempty"`
	Segment      SegmentStatus `json:"segmentStatus,omitempty"`
	Message      string        `json:"message,omitempty"`
}
