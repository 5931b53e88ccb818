// Package history keeps the durable job record in an embedded badger store.
package history

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/timshannon/badgerhold/v4"

	"ytdl-hub/internal/model"
)

type Store struct {
	db *badgerhold.Store
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open history store %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Save(job model.Job) error {
	if err := s.db.Upsert(job.ID, job); err != nil {
		return fmt.Errorf("%w: save job %s: %v", model.ErrPersistenceFailure, job.ID, err)
	}
	return nil
}

func (s *Store) Get(id string) (model.Job, error) {
	var job model.Job
	if err := s.db.Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return model.Job{}, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
		}
		return model.Job{}, fmt.Errorf("%w: load job %s: %v", model.ErrPersistenceFailure, id, err)
	}
	return job, nil
}

func (s *Store) Delete(id string) error {
	if err := s.db.Delete(id, &model.Job{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("%w: delete job %s: %v", model.ErrPersistenceFailure, id, err)
	}
	return nil
}

// LoadAll returns every recorded job, newest first.
func (s *Store) LoadAll() ([]model.Job, error) {
	var jobs []model.Job
	if err := s.db.Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("%w: load history: %v", model.ErrPersistenceFailure, err)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
