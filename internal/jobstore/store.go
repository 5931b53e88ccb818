// Package jobstore is the single entry point for job state. Every mutation is
// published to observers as a full job snapshot.
package jobstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ytdl-hub/internal/broadcast"
	"ytdl-hub/internal/model"
)

const interruptedReason = "Interrupted by service restart"

// History persists job records across restarts.
type History interface {
	Save(job model.Job) error
	Delete(id string) error
	LoadAll() ([]model.Job, error)
}

type Store struct {
	log     logrus.FieldLogger
	pub     broadcast.Publisher
	history History
	now     func() time.Time

	mu   sync.Mutex
	jobs map[string]*model.Job
}

// New creates a store. pub and history may be nil.
func New(log logrus.FieldLogger, pub broadcast.Publisher, history History) *Store {
	return &Store{
		log:     log,
		pub:     pub,
		history: history,
		now:     func() time.Time { return time.Now().UTC() },
		jobs:    make(map[string]*model.Job),
	}
}

// Register adds a job in the starting state.
func (s *Store) Register(job model.Job) (model.Job, error) {
	if job.ID == "" {
		return model.Job{}, fmt.Errorf("%w: job id is required", model.ErrInvalidSpec)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return model.Job{}, fmt.Errorf("%w: job %s", model.ErrAlreadyExists, job.ID)
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Status = ""
	if err := model.TransitionJobStatus(&job, model.StatusStarting, ""); err != nil {
		return model.Job{}, err
	}
	stored := job
	s.jobs[job.ID] = &stored
	s.persistLocked(stored)
	s.publishLocked(stored)
	return stored, nil
}

// Update applies mutate to the job. Unknown ids are a no-op, and so is a
// mutate that returns false. The id and creation time cannot be changed.
func (s *Store) Update(id string, mutate func(*model.Job) bool) (model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	next := *cur
	if mutate != nil && !mutate(&next) {
		return *cur, false
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	statusChanged := next.Status != cur.Status
	*cur = next
	if statusChanged {
		s.persistLocked(next)
	}
	s.publishLocked(next)
	return next, true
}

// Transition moves the job to status "to" through the allowed-transition
// table, then applies mutate.
func (s *Store) Transition(id, to, reason string, mutate func(*model.Job)) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	next := *cur
	if err := model.TransitionJobStatus(&next, to, reason); err != nil {
		return *cur, err
	}
	if mutate != nil {
		mutate(&next)
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	*cur = next
	s.persistLocked(next)
	s.publishLocked(next)
	return next, nil
}

func (s *Store) Get(id string) (model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return *j, true
}

// List returns every job, newest first.
func (s *Store) List() []model.Job {
	s.mu.Lock()
	out := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Delete drops the record. It reports whether the job existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	if s.history != nil {
		if err := s.history.Delete(id); err != nil {
			s.log.WithError(err).WithField("job", id).Warn("failed to delete job history")
		}
	}
	return true
}

// Restore loads recorded jobs. Jobs that were mid-flight when the previous
// process stopped come back as errors so they can be retried.
func (s *Store) Restore() (int, error) {
	if s.history == nil {
		return 0, nil
	}
	jobs, err := s.history.LoadAll()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for _, j := range jobs {
		if _, exists := s.jobs[j.ID]; exists {
			continue
		}
		if model.IsActive(j.Status) {
			j.Status = model.StatusError
			j.Error = interruptedReason
			j.Speed = ""
			j.ETA = ""
			j.UpdatedAt = s.now()
			s.persistLocked(j)
		}
		job := j
		s.jobs[j.ID] = &job
		restored++
	}
	return restored, nil
}

func (s *Store) persistLocked(job model.Job) {
	if s.history == nil {
		return
	}
	if err := s.history.Save(job); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Warn("failed to persist job history")
	}
}

func (s *Store) publishLocked(job model.Job) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(broadcast.NewProgressEvent(job))
}
