package api

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"learnly/internal/services"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusComplete   = "complete"
	JobStatusFailed     = "failed"

	FileStatusPending    = "pending"
	FileStatusProcessing = "processing"
	FileStatusComplete   = "complete"
	FileStatusError      = "error"
)

// finishedJobTTL is how long a finished job stays pollable.
const finishedJobTTL = time.Hour

// IndexJob tracks an asynchronous indexing request across multiple files.
type IndexJob struct {
	ID        string                  `json:"jobId"`
	Status    string                  `json:"status"`
	CreatedAt time.Time               `json:"createdAt"`
	UpdatedAt time.Time               `json:"updatedAt"`
	Files     []FileProgress          `json:"files"`
	Results   []services.IngestResult `json:"results,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// FileProgress captures per-file progress updates that clients poll.
type FileProgress struct {
	Index   int                    `json:"index"`
	Name    string                 `json:"name"`
	Status  string                 `json:"status"`
	Step    string                 `json:"step,omitempty"`
	Message string                 `json:"message,omitempty"`
	Percent int                    `json:"percent"`
	Result  *services.IngestResult `json:"result,omitempty"`
}

// JobManager keeps job state in memory. Snapshots handed out are copies.
type JobManager struct {
	mu   sync.RWMutex
	jobs map[string]*IndexJob
	now  func() time.Time
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*IndexJob),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *JobManager) CreateJob(fileNames []string) *IndexJob {
	files := make([]FileProgress, len(fileNames))
	for i, name := range fileNames {
		files[i] = FileProgress{Index: i, Name: name, Status: FileStatusPending}
	}
	now := m.now()
	job := &IndexJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Files:     files,
	}

	m.mu.Lock()
	m.pruneLocked(now)
	m.jobs[job.ID] = job
	m.mu.Unlock()

	return job.clone()
}

func (m *JobManager) GetJob(id string) (*IndexJob, bool) {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// pruneLocked drops finished jobs nobody has polled for finishedJobTTL.
func (m *JobManager) pruneLocked(now time.Time) {
	for id, job := range m.jobs {
		finished := job.Status == JobStatusComplete || job.Status == JobStatusFailed
		if finished && now.Sub(job.UpdatedAt) > finishedJobTTL {
			delete(m.jobs, id)
		}
	}
}

func (m *JobManager) MarkProcessing(id string) {
	m.withJob(id, func(job *IndexJob) {
		job.Status = JobStatusProcessing
	})
}

// MarkCompleted finishes the job. A job whose every file failed is marked failed.
func (m *JobManager) MarkCompleted(id string) {
	m.withJob(id, func(job *IndexJob) {
		job.Status = JobStatusComplete
		if len(job.Files) == 0 {
			return
		}
		for _, f := range job.Files {
			if f.Status != FileStatusError {
				return
			}
		}
		job.Status = JobStatusFailed
		job.Error = "no file could be indexed"
	})
}

func (m *JobManager) MarkFailed(id string, msg string) {
	m.withJob(id, func(job *IndexJob) {
		job.Status = JobStatusFailed
		job.Error = strings.TrimSpace(msg)
	})
}

func (m *JobManager) UpdateFileProgress(id string, index int, step, message string, current, total int) {
	m.withJob(id, func(job *IndexJob) {
		if file := job.file(index); file != nil {
			file.Status = FileStatusProcessing
			file.Step = step
			file.Message = message
			file.Percent = percent(current, total)
		}
	})
}

// FinishFile records the ingest result for one file. Duplicates count as complete.
func (m *JobManager) FinishFile(id string, index int, result services.IngestResult) {
	m.withJob(id, func(job *IndexJob) {
		if file := job.file(index); file != nil {
			file.Status = FileStatusComplete
			file.Step = result.Status
			file.Message = result.Message
			if result.Status == services.IngestError {
				file.Status = FileStatusError
			}
			file.Percent = 100
			res := result
			file.Result = &res
		}
		job.Results = append(job.Results, result)
	})
}

func (m *JobManager) withJob(id string, fn func(job *IndexJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = m.now()
}

func (job *IndexJob) file(index int) *FileProgress {
	if index < 0 || index >= len(job.Files) {
		return nil
	}
	return &job.Files[index]
}

func (job *IndexJob) clone() *IndexJob {
	cp := *job
	cp.Files = make([]FileProgress, len(job.Files))
	for i, f := range job.Files {
		cp.Files[i] = f
		if f.Result != nil {
			res := *f.Result
			cp.Files[i].Result = &res
		}
	}
	cp.Results = append([]services.IngestResult(nil), job.Results...)
	return &cp
}

func percent(current, total int) int {
	switch {
	case total <= 0 || current <= 0:
		return 0
	case current >= total:
		return 100
	}
	return current * 100 / total
}
