package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/types"
)

// memJobStore mirrors the conditional updates of storage.JobRepository
type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	subs map[string][]*models.URLSubmission

	// onUpdate runs after every progress write, outside the lock
	onUpdate func(job models.Job)
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs: make(map[string]*models.Job),
		subs: make(map[string][]*models.URLSubmission),
	}
}

func (s *memJobStore) addJob(id, userID string, urls int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.jobs[id] = &models.Job{
		ID:        id,
		UserID:    userID,
		Status:    types.JobStatusPending,
		TotalURLs: urls,
		CreatedAt: now.Add(time.Duration(len(s.jobs)) * time.Millisecond),
	}
	for i := 0; i < urls; i++ {
		s.subs[id] = append(s.subs[id], &models.URLSubmission{
			ID:        fmt.Sprintf("%s-sub-%02d", id, i),
			JobID:     id,
			URL:       fmt.Sprintf("https://example.com/%s/%d", id, i),
			Status:    types.SubmissionPending,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
	}
}

func (s *memJobStore) job(id string) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memJobStore) setStatus(id string, status types.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].Status = status
}

func (s *memJobStore) submissions(id string) []models.URLSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.URLSubmission, 0, len(s.subs[id]))
	for _, sub := range s.subs[id] {
		out = append(out, *sub)
	}
	return out
}

func (s *memJobStore) Claim(_ context.Context, jobID, token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	if j.LockedBy != nil && j.Status == types.JobStatusRunning {
		return false, nil
	}
	if j.Status != types.JobStatusPending && j.Status != types.JobStatusRunning {
		return false, nil
	}
	j.LockedBy = &token
	j.LockedAt = &now
	j.Status = types.JobStatusRunning
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	return true, nil
}

func (s *memJobStore) Release(_ context.Context, jobID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok && holds(j, token) {
		j.LockedBy = nil
		j.LockedAt = nil
	}
	return nil
}

func (s *memJobStore) GetByID(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrJobNotFound, jobID)
	}
	cp := *j
	return &cp, nil
}

func (s *memJobStore) GetStatus(_ context.Context, jobID string) (types.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return "", apperrors.ErrJobNotFound
	}
	return j.Status, nil
}

// holds reports whether token is the recorded lock holder
func holds(j *models.Job, token string) bool {
	return j.LockedBy != nil && *j.LockedBy == token
}

func (s *memJobStore) lockedRunning(job *models.Job) (*models.Job, error) {
	j, ok := s.jobs[job.ID]
	if !ok || j.Status != types.JobStatusRunning || job.LockedBy == nil || !holds(j, *job.LockedBy) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrLockLost, job.ID)
	}
	return j, nil
}

func (s *memJobStore) UpdateProgress(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	j, err := s.lockedRunning(job)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	now := time.Now()
	j.LockedAt = &now
	j.TotalURLs = job.TotalURLs
	j.ProcessedURLs = job.ProcessedURLs
	j.SuccessfulURLs = job.SuccessfulURLs
	j.FailedURLs = job.FailedURLs
	j.ProgressPercentage = job.ProgressPercentage
	snapshot := *j
	hook := s.onUpdate
	s.mu.Unlock()

	if hook != nil {
		hook(snapshot)
	}
	return nil
}

func (s *memJobStore) MarkCompleted(_ context.Context, job *models.Job, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lockedRunning(job)
	if err != nil {
		return err
	}
	j.Status = types.JobStatusCompleted
	j.ProcessedURLs = job.ProcessedURLs
	j.SuccessfulURLs = job.SuccessfulURLs
	j.FailedURLs = job.FailedURLs
	j.ProgressPercentage = job.ProgressPercentage
	j.ErrorMessage = nil
	j.LockedBy = nil
	j.LockedAt = nil
	j.CompletedAt = &now
	return nil
}

func (s *memJobStore) MarkFailed(_ context.Context, jobID, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status.IsTerminal() {
		return nil
	}
	j.Status = types.JobStatusFailed
	j.ErrorMessage = &message
	j.LockedBy = nil
	j.LockedAt = nil
	j.CompletedAt = &now
	return nil
}

func (s *memJobStore) ListPending(_ context.Context, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status == types.JobStatusPending {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memJobStore) ResetStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == types.JobStatusRunning && (j.LockedAt == nil || j.LockedAt.Before(cutoff)) {
			j.Status = types.JobStatusPending
			j.LockedBy = nil
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *memJobStore) ListPendingByJob(_ context.Context, jobID string) ([]*models.URLSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.URLSubmission
	for _, sub := range s.subs[jobID] {
		if sub.Status == types.SubmissionPending {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memJobStore) findSub(id string) *models.URLSubmission {
	for _, subs := range s.subs {
		for _, sub := range subs {
			if sub.ID == id {
				return sub
			}
		}
	}
	return nil
}

func (s *memJobStore) MarkSubmitted(_ context.Context, id, credentialID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.findSub(id)
	if sub == nil || sub.Status != types.SubmissionPending {
		return nil
	}
	sub.Status = types.SubmissionSubmitted
	sub.CredentialID = &credentialID
	sub.SubmittedAt = &at
	return nil
}

func (s *memJobStore) markSubmissionFailed(id string, status types.SubmissionStatus, credentialID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.findSub(id)
	if sub == nil || sub.Status != types.SubmissionPending {
		return
	}
	sub.Status = status
	sub.RetryCount++
	sub.CredentialID = &credentialID
	sub.ErrorMessage = &message
}

// memSubmissionStore adapts memJobStore to SubmissionStore (MarkFailed clashes with the job method)
type memSubmissionStore struct{ s *memJobStore }

func (m memSubmissionStore) ListPendingByJob(ctx context.Context, jobID string) ([]*models.URLSubmission, error) {
	return m.s.ListPendingByJob(ctx, jobID)
}

func (m memSubmissionStore) MarkSubmitted(ctx context.Context, id, credentialID string, at time.Time) error {
	return m.s.MarkSubmitted(ctx, id, credentialID, at)
}

func (m memSubmissionStore) MarkFailed(_ context.Context, id string, status types.SubmissionStatus, credentialID, message string) error {
	m.s.markSubmissionFailed(id, status, credentialID, message)
	return nil
}
