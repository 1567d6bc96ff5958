package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// PipelinePath records which path produced a job's analysis.
type PipelinePath string

const (
	PathFull       PipelinePath = "full"
	PathSimplified PipelinePath = "simplified"
)

// Job is the record of one submitted analysis.
type Job struct {
	ID           string              `json:"id"`
	FileName     string              `json:"file_name"`
	FileSize     int64               `json:"file_size"`
	UploadedAt   time.Time           `json:"uploaded_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Status       JobStatus           `json:"status"`
	UserPurpose  string              `json:"user_purpose"`
	Relationship RelationshipContext `json:"relationship"`

	Messages     []Message           `json:"messages,omitempty"`
	Stats        *Stats              `json:"stats,omitempty"`
	Charts       *Charts             `json:"charts,omitempty"`
	Insights     []Insight           `json:"insights,omitempty"`
	DeepAnalysis *DeepAnalysisResult `json:"deep_analysis,omitempty"`

	Path           PipelinePath `json:"path,omitempty"`
	Degraded       bool         `json:"degraded,omitempty"`
	DegradedReason string       `json:"degraded_reason,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// JobMeta is what is known about a job at submission time.
type JobMeta struct {
	FileName     string
	FileSize     int64
	UserPurpose  string
	Relationship RelationshipContext
}

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobFinalized = errors.New("job already in a terminal state")
)

// JobStore persists job records. Update applies fn to a copy of the current record and
// replaces the record with the result; records in a terminal state reject updates.
type JobStore interface {
	Create(ctx context.Context, meta JobMeta) (Job, error)
	Get(ctx context.Context, id string) (Job, bool, error)
	Update(ctx context.Context, id string, fn func(*Job)) (Job, error)
}

// MemoryJobStore is a process-local JobStore.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]Job),
		now:  time.Now,
	}
}

func (s *MemoryJobStore) Create(ctx context.Context, meta JobMeta) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	now := s.now().UTC()
	job := Job{
		ID:           uuid.NewString(),
		FileName:     meta.FileName,
		FileSize:     meta.FileSize,
		UploadedAt:   now,
		UpdatedAt:    now,
		Status:       JobProcessing,
		UserPurpose:  meta.UserPurpose,
		Relationship: meta.Relationship,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return job, nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) Update(ctx context.Context, id string, fn func(*Job)) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if cur.Status.Terminal() {
		return cur, ErrJobFinalized
	}
	next := cur
	fn(&next)
	next.ID = cur.ID
	next.UploadedAt = cur.UploadedAt
	next.UpdatedAt = s.now().UTC()
	s.jobs[id] = next
	return next, nil
}

// Len returns the number of stored jobs.
func (s *MemoryJobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
