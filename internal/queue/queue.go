// Package queue holds the in-memory job registry. Job state is ephemeral:
// the registry is the sole owner and mutator of job records, everything else
// goes through the transition helpers and only ever sees copies.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kotaro-t/mirage/internal/domain"
)

// ErrNoImages is returned when a completion carries no artifacts. A job can
// only reach completed with at least one image; callers that find an empty
// output manifest must fail the job instead.
var ErrNoImages = errors.New("completed job requires at least one image")

// Queue is a concurrency-safe registry of generation jobs.
type Queue struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// New creates an empty job registry.
func New() *Queue {
	return &Queue{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

// Create inserts a new job in the queued state.
// Parameters:
//   - id: unique job identifier.
//   - prompt: raw user prompt, directives included.
//   - options: explicit submission options, may be nil.
//
// Returns:
//   - domain.Job: snapshot of the created record.
//   - error: domain.ErrDuplicateJobID if the id is already registered.
func (q *Queue) Create(id, prompt string, options map[string]interface{}) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[id]; exists {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrDuplicateJobID, id)
	}

	now := q.now()
	job := &domain.Job{
		ID:        id,
		Prompt:    prompt,
		Options:   options,
		Status:    domain.JobStatusQueued,
		Progress:  0,
		Images:    []domain.ImageRef{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.jobs[id] = job
	return *job, nil
}

// update is the transition primitive: it applies fn to the live record under
// the write lock and stamps UpdatedAt. Terminal jobs are left untouched; the
// only thing that happens to them afterwards is pruning.
func (q *Queue) update(id string, fn func(*domain.Job) error) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if job.Status.Terminal() {
		return *job, nil
	}
	if err := fn(job); err != nil {
		return *job, err
	}
	job.UpdatedAt = q.now()
	return *job, nil
}

// SetProcessing marks a job as accepted by the backend and records the
// backend prompt id used to correlate later events and history lookups.
func (q *Queue) SetProcessing(id, comfyPromptID string) (domain.Job, error) {
	return q.update(id, func(j *domain.Job) error {
		j.Status = domain.JobStatusProcessing
		j.ComfyPromptID = comfyPromptID
		return nil
	})
}

// SetCompiledPrompt records the directive-stripped prompt text and the merged
// option set actually sent to the backend.
func (q *Queue) SetCompiledPrompt(id, compiled string, options map[string]interface{}) (domain.Job, error) {
	return q.update(id, func(j *domain.Job) error {
		j.CompiledPrompt = compiled
		j.Options = options
		return nil
	})
}

// UpdateProgress stores a progress value, clamped to [0,100]. Ordering is
// trusted to the backend channel; the registry only guards the range.
func (q *Queue) UpdateProgress(id string, progress int) (domain.Job, error) {
	return q.update(id, func(j *domain.Job) error {
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		j.Progress = progress
		return nil
	})
}

// SetCompleted finalizes a job with its produced images and forces progress
// to 100. Fails with ErrNoImages when images is empty.
func (q *Queue) SetCompleted(id string, images []domain.ImageRef) (domain.Job, error) {
	if len(images) == 0 {
		return domain.Job{}, ErrNoImages
	}
	return q.update(id, func(j *domain.Job) error {
		j.Status = domain.JobStatusCompleted
		j.Progress = 100
		j.Images = images
		return nil
	})
}

// SetFailed finalizes a job with a human-readable failure description.
func (q *Queue) SetFailed(id string, cause error) (domain.Job, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return q.update(id, func(j *domain.Job) error {
		j.Status = domain.JobStatusFailed
		j.Error = msg
		return nil
	})
}

// Get returns a snapshot of one job.
// Returns domain.ErrJobNotFound if the id has no entry.
func (q *Queue) Get(id string) (domain.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, ok := q.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return *job, nil
}

// List returns snapshots of all jobs, newest first.
func (q *Queue) List() []domain.Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]domain.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	sortNewestFirst(out)
	return out
}

// ListByStatus returns snapshots of jobs in the given state, newest first.
func (q *Queue) ListByStatus(status domain.JobStatus) []domain.Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]domain.Job, 0)
	for _, job := range q.jobs {
		if job.Status == status {
			out = append(out, *job)
		}
	}
	sortNewestFirst(out)
	return out
}

// PruneStale removes completed jobs whose UpdatedAt is older than maxAge and
// returns how many were removed. Failed and in-flight jobs are kept
// indefinitely; see the retention notes in DESIGN.md.
func (q *Queue) PruneStale(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	pruned := 0
	for id, job := range q.jobs {
		if job.Status == domain.JobStatusCompleted && job.UpdatedAt.Before(cutoff) {
			delete(q.jobs, id)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of registered jobs.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.jobs)
}

func sortNewestFirst(jobs []domain.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
