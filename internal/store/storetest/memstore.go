// Package storetest provides an in-memory Store used by unit tests in place
// of Firestore.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
	"github.com/kmaeshima/documentanalysisflow/internal/store"
)

type MemStore struct {
	mu        sync.Mutex
	nextID    int
	Workflows map[string]*models.Workflow
	Segments  map[string]map[int]*models.Segment
	Summaries map[string]*models.Summary
}

var _ store.Store = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		Workflows: make(map[string]*models.Workflow),
		Segments:  make(map[string]map[int]*models.Segment),
		Summaries: make(map[string]*models.Summary),
	}
}

func (m *MemStore) CreateWorkflow(_ context.Context, w *models.Workflow) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.WorkflowID == "" {
		m.nextID++
		w.WorkflowID = fmt.Sprintf("wf-%04d", m.nextID)
	}
	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now
	cp := *w
	m.Workflows[w.WorkflowID] = &cp
	m.Segments[w.WorkflowID] = make(map[int]*models.Segment)
	return w.WorkflowID, nil
}

func (m *MemStore) GetWorkflow(_ context.Context, workflowID string) (*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Workflows[workflowID]
	if !ok {
		return nil, store.ErrWorkflowNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemStore) FindWorkflowByHash(_ context.Context, projectID, fileHash string) (*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.Workflows {
		if w.ProjectID == projectID && w.FileHash == fileHash {
			cp := *w
			return &cp, nil
		}
	}
	return nil, store.ErrWorkflowNotFound
}

func (m *MemStore) UpdateWorkflowStatus(_ context.Context, workflowID string, st models.WorkflowStatus, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Workflows[workflowID]
	if !ok {
		return store.ErrWorkflowNotFound
	}
	w.Status = st
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) SetTotalSegments(_ context.Context, workflowID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Workflows[workflowID]
	if !ok {
		return store.ErrWorkflowNotFound
	}
	w.TotalSegments = n
	return nil
}

func (m *MemStore) SetExecutionRef(_ context.Context, workflowID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Workflows[workflowID]
	if !ok {
		return store.ErrWorkflowNotFound
	}
	w.ExecutionRef = ref
	return nil
}

func (m *MemStore) setStep(workflowID string, step models.StepName, mutate func(*models.Step) models.StepStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Workflows[workflowID]
	if !ok {
		return store.ErrWorkflowNotFound
	}
	if w.Steps == nil {
		w.Steps = make(map[models.StepName]models.Step)
	}
	entry := w.Steps[step]
	to := mutate(&entry)
	if err := store.ValidateStepTransition(step, w.Steps[step].Status, to); err != nil {
		return err
	}
	entry.Status = to
	w.Steps[step] = entry
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) StepStart(_ context.Context, workflowID string, step models.StepName) error {
	err := m.setStep(workflowID, step, func(s *models.Step) models.StepStatus {
		s.StartedAt = time.Now()
		return models.StepInProgress
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.Workflows[workflowID].CurrentStep = step
	m.mu.Unlock()
	return nil
}

func (m *MemStore) StepComplete(_ context.Context, workflowID string, step models.StepName, outputURI string) error {
	return m.setStep(workflowID, step, func(s *models.Step) models.StepStatus {
		s.EndedAt = time.Now()
		if outputURI != "" {
			s.OutputURI = outputURI
		}
		return models.StepCompleted
	})
}

func (m *MemStore) StepFail(_ context.Context, workflowID string, step models.StepName, errMsg string) error {
	return m.setStep(workflowID, step, func(s *models.Step) models.StepStatus {
		s.EndedAt = time.Now()
		s.Error = errMsg
		return models.StepFailed
	})
}

func (m *MemStore) StepSkip(_ context.Context, workflowID string, step models.StepName, reason string) error {
	return m.setStep(workflowID, step, func(s *models.Step) models.StepStatus {
		s.Reason = reason
		return models.StepSkipped
	})
}

func (m *MemStore) StepReset(_ context.Context, workflowID string, step models.StepName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Workflows[workflowID]
	if !ok {
		return store.ErrWorkflowNotFound
	}
	if w.Steps == nil {
		w.Steps = make(map[models.StepName]models.Step)
	}
	w.Steps[step] = models.Step{Status: models.StepPending}
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) GetStepLedger(_ context.Context, workflowID string) (models.StepLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Workflows[workflowID]
	if !ok {
		return models.StepLedger{}, store.ErrWorkflowNotFound
	}
	steps := make(map[models.StepName]models.Step, len(w.Steps))
	for k, v := range w.Steps {
		steps[k] = v
	}
	return models.StepLedger{CurrentStep: w.CurrentStep, Steps: steps}, nil
}

func (m *MemStore) SaveSegment(_ context.Context, workflowID string, seg *models.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Segments[workflowID]; !ok {
		m.Segments[workflowID] = make(map[int]*models.Segment)
	}
	seg.UpdatedAt = time.Now()
	cp := *seg
	m.Segments[workflowID][seg.SegmentIndex] = &cp
	return nil
}

func (m *MemStore) UpdateSegmentFields(_ context.Context, workflowID string, segmentIndex int, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.Segments[workflowID][segmentIndex]
	if !ok {
		return store.ErrSegmentNotFound
	}
	for path, value := range fields {
		applySegmentField(seg, path, value)
	}
	seg.UpdatedAt = time.Now()
	return nil
}

// applySegmentField mirrors the Firestore field paths the pipeline writes.
func applySegmentField(seg *models.Segment, path string, value interface{}) {
	switch path {
	case "status":
		if v, ok := value.(models.SegmentStatus); ok {
			seg.Status = v
		}
	case "structureText":
		seg.StructureText, _ = value.(string)
	case "imageUri":
		seg.ImageURI, _ = value.(string)
	case "fileUri":
		seg.FileURI, _ = value.(string)
	case "ocrText":
		seg.OCRText, _ = value.(string)
	case "ocrBlocks":
		seg.OCRBlocks, _ = value.([]models.OCRBlock)
	case "transcript":
		seg.Transcript, _ = value.(string)
	case "transcriptSegments":
		seg.TranscriptSegments, _ = value.([]models.TranscriptSegment)
	case "aiAnalysis":
		if v, ok := value.([]models.AnalysisEntry); ok {
			seg.AIAnalysis = v
		} else {
			seg.AIAnalysis = nil
		}
	case "pageDescription":
		seg.PageDescription, _ = value.(string)
	case "relatedPages":
		if v, ok := value.([]int); ok {
			seg.RelatedPages = v
		} else {
			seg.RelatedPages = nil
		}
	}
}

func (m *MemStore) GetSegment(_ context.Context, workflowID string, segmentIndex int) (*models.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.Segments[workflowID][segmentIndex]
	if !ok {
		return nil, store.ErrSegmentNotFound
	}
	cp := *seg
	return &cp, nil
}

func (m *MemStore) GetAllSegments(_ context.Context, workflowID string) ([]models.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	segs := make([]models.Segment, 0, len(m.Segments[workflowID]))
	for _, seg := range m.Segments[workflowID] {
		segs = append(segs, *seg)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].SegmentIndex < segs[j].SegmentIndex })
	return segs, nil
}

func (m *MemStore) GetSegmentCount(_ context.Context, workflowID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Workflows[workflowID]
	if !ok {
		return 0, store.ErrWorkflowNotFound
	}
	return w.TotalSegments, nil
}

func (m *MemStore) ClearSegmentAnalyses(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seg := range m.Segments[workflowID] {
		seg.AIAnalysis = nil
		seg.PageDescription = ""
		seg.RelatedPages = nil
		seg.Status = models.SegmentIndexing
	}
	return nil
}

func (m *MemStore) SaveSummary(_ context.Context, workflowID string, summary *models.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Workflows[workflowID]
	if !ok {
		return store.ErrWorkflowNotFound
	}
	cp := *summary
	m.Summaries[workflowID] = &cp
	w.Summary = &cp
	return nil
}
