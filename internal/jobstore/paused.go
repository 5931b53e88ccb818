package jobstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"ytdl-hub/internal/docstore"
	"ytdl-hub/internal/model"
)

// PausedStore keeps the paused-downloads list in one JSON document.
type PausedStore struct {
	path      string
	backupDir string
	log       logrus.FieldLogger

	mu sync.Mutex
}

func NewPausedStore(path, backupDir string, log logrus.FieldLogger) *PausedStore {
	return &PausedStore{path: path, backupDir: backupDir, log: log}
}

// Upsert stores e, replacing the entry of the same job. A (source,
// destination) pair held by another job is refused with ErrAlreadyExists so
// that job stays resumable.
func (p *PausedStore) Upsert(e model.PausedEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := e.Key()
	entries := p.loadLocked()
	kept := make([]model.PausedEntry, 0, len(entries)+1)
	for _, cur := range entries {
		if cur.JobID == e.JobID {
			continue
		}
		if cur.Key() == key {
			return fmt.Errorf("%w: %s into %s is already paused as job %s", model.ErrAlreadyExists, key.Source, key.DestinationDir, cur.JobID)
		}
		kept = append(kept, cur)
	}
	kept = append(kept, e)
	return p.saveLocked(kept)
}

func (p *PausedStore) Get(key model.PausedKey) (model.PausedEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.loadLocked() {
		if e.Key() == key {
			return e, true
		}
	}
	return model.PausedEntry{}, false
}

func (p *PausedStore) FindByJob(jobID string) (model.PausedEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.loadLocked() {
		if e.JobID == jobID {
			return e, true
		}
	}
	return model.PausedEntry{}, false
}

func (p *PausedStore) List() []model.PausedEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked()
}

// Remove deletes the entry for key and reports whether one existed.
func (p *PausedStore) Remove(key model.PausedKey) (bool, error) {
	return p.removeWhere(func(e model.PausedEntry) bool { return e.Key() == key })
}

func (p *PausedStore) RemoveJob(jobID string) (bool, error) {
	return p.removeWhere(func(e model.PausedEntry) bool { return e.JobID == jobID })
}

// Clear empties the document and returns what it held.
func (p *PausedStore) Clear() ([]model.PausedEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.loadLocked()
	if err := p.saveLocked([]model.PausedEntry{}); err != nil {
		return nil, err
	}
	return entries, nil
}

func (p *PausedStore) removeWhere(match func(model.PausedEntry) bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.loadLocked()
	kept := entries[:0]
	removed := false
	for _, e := range entries {
		if match(e) {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return false, nil
	}
	return true, p.saveLocked(kept)
}

func (p *PausedStore) loadLocked() []model.PausedEntry {
	var entries []model.PausedEntry
	err := docstore.ReadJSON(p.path, &entries)
	switch {
	case err == nil:
		return entries
	case docstore.IsNotExist(err):
		return []model.PausedEntry{}
	case errors.Is(err, docstore.ErrCorrupt):
		target, qErr := docstore.Quarantine(p.path, p.backupDir, "paused_downloads")
		if qErr != nil {
			p.log.WithError(qErr).Error("failed to quarantine corrupt paused downloads document")
		} else {
			p.log.WithField("backup", target).Warn("quarantined corrupt paused downloads document")
		}
		return []model.PausedEntry{}
	default:
		p.log.WithError(err).Error("failed to read paused downloads document")
		return []model.PausedEntry{}
	}
}

func (p *PausedStore) saveLocked(entries []model.PausedEntry) error {
	if err := docstore.WriteJSON(p.path, entries); err != nil {
		return fmt.Errorf("%w: %v", model.ErrPersistenceFailure, err)
	}
	return nil
}
