package subscription

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ytdl-hub/internal/docstore"
	"ytdl-hub/internal/model"
)

// Ledger tracks discovered items per subscription, keyed by item id.
type Ledger struct {
	root      string
	backupDir string
	log       logrus.FieldLogger
	locks     docstore.KeyedMutex
	now       func() time.Time
}

func NewLedger(root, trashDir string, log logrus.FieldLogger) *Ledger {
	return &Ledger{
		root:      root,
		backupDir: filepath.Join(trashDir, "pending_corrupt_backup"),
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) docPath(name string) string {
	return filepath.Join(l.root, name, pendingFile)
}

// Upsert adds new items and refreshes the metadata of known ones. Status, job
// and discovery time of known items are kept. It reports how many were new.
func (l *Ledger) Upsert(name string, items []model.PendingItem) (int, error) {
	unlock := l.locks.Lock(name)
	defer unlock()
	if err := l.requireSubscription(name); err != nil {
		return 0, err
	}
	cur := l.loadLocked(name)
	index := make(map[string]int, len(cur))
	for i, it := range cur {
		index[it.ItemID] = i
	}

	now := l.now()
	added := 0
	for _, it := range items {
		it.ItemID = strings.TrimSpace(it.ItemID)
		if it.ItemID == "" {
			continue
		}
		if i, ok := index[it.ItemID]; ok {
			known := &cur[i]
			known.Title = it.Title
			known.URL = it.URL
			known.UploadDate = it.UploadDate
			known.Timestamp = it.Timestamp
			known.Thumbnail = it.Thumbnail
			known.UpdatedAt = now
			continue
		}
		if it.Status == "" {
			it.Status = model.ItemPending
		}
		it.DiscoveredAt = now
		it.UpdatedAt = now
		index[it.ItemID] = len(cur)
		cur = append(cur, it)
		added++
	}
	return added, l.saveLocked(name, cur)
}

func (l *Ledger) List(name string) ([]model.PendingItem, error) {
	unlock := l.locks.Lock(name)
	defer unlock()
	if err := l.requireSubscription(name); err != nil {
		return nil, err
	}
	return l.loadLocked(name), nil
}

func (l *Ledger) Get(name, itemID string) (model.PendingItem, error) {
	items, err := l.List(name)
	if err != nil {
		return model.PendingItem{}, err
	}
	for _, it := range items {
		if it.ItemID == itemID {
			return it, nil
		}
	}
	return model.PendingItem{}, fmt.Errorf("%w: item %s in %q", model.ErrNotFound, itemID, name)
}

// SetStatus records a status change for one item. jobID and errMsg replace
// the stored values.
func (l *Ledger) SetStatus(name, itemID, status, jobID, errMsg string) (model.PendingItem, error) {
	unlock := l.locks.Lock(name)
	defer unlock()
	items := l.loadLocked(name)
	for i := range items {
		if items[i].ItemID != itemID {
			continue
		}
		items[i].Status = status
		items[i].JobID = jobID
		items[i].Error = errMsg
		items[i].UpdatedAt = l.now()
		if err := l.saveLocked(name, items); err != nil {
			return model.PendingItem{}, err
		}
		return items[i], nil
	}
	return model.PendingItem{}, fmt.Errorf("%w: item %s in %q", model.ErrNotFound, itemID, name)
}

// Remove drops one item and returns it.
func (l *Ledger) Remove(name, itemID string) (model.PendingItem, error) {
	unlock := l.locks.Lock(name)
	defer unlock()
	items := l.loadLocked(name)
	for i, it := range items {
		if it.ItemID != itemID {
			continue
		}
		kept := append(items[:i:i], items[i+1:]...)
		if err := l.saveLocked(name, kept); err != nil {
			return model.PendingItem{}, err
		}
		return it, nil
	}
	return model.PendingItem{}, fmt.Errorf("%w: item %s in %q", model.ErrNotFound, itemID, name)
}

// FindByJob locates the item a job was started for.
func (l *Ledger) FindByJob(jobID string) (string, model.PendingItem, bool) {
	if jobID == "" {
		return "", model.PendingItem{}, false
	}
	for _, name := range l.names() {
		items, err := l.List(name)
		if err != nil {
			continue
		}
		for _, it := range items {
			if it.JobID == jobID {
				return name, it, true
			}
		}
	}
	return "", model.PendingItem{}, false
}

// Clear empties one ledger and returns what it held.
func (l *Ledger) Clear(name string) ([]model.PendingItem, error) {
	unlock := l.locks.Lock(name)
	defer unlock()
	items := l.loadLocked(name)
	if len(items) == 0 {
		return items, nil
	}
	if err := l.saveLocked(name, []model.PendingItem{}); err != nil {
		return nil, err
	}
	return items, nil
}

// ClearAll empties every ledger. The result maps subscription name to the
// items removed from it; empty ledgers are left out.
func (l *Ledger) ClearAll() (map[string][]model.PendingItem, error) {
	out := map[string][]model.PendingItem{}
	var errs []error
	for _, name := range l.names() {
		items, err := l.Clear(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(items) > 0 {
			out[name] = items
		}
	}
	return out, errors.Join(errs...)
}

func (l *Ledger) names() []string {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.WithError(err).Warn("failed to list subscription directories")
		}
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && model.IsValidSourceName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names
}

func (l *Ledger) requireSubscription(name string) error {
	if !model.IsValidSourceName(name) {
		return fmt.Errorf("%w: subscription name %q", model.ErrInvalidSpec, name)
	}
	if _, err := os.Stat(filepath.Join(l.root, name, subscriptionFile)); err != nil {
		return fmt.Errorf("%w: subscription %q", model.ErrNotFound, name)
	}
	return nil
}

func (l *Ledger) loadLocked(name string) []model.PendingItem {
	path := l.docPath(name)
	var items []model.PendingItem
	err := docstore.ReadJSON(path, &items)
	switch {
	case err == nil:
		if items == nil {
			items = []model.PendingItem{}
		}
		return items
	case docstore.IsNotExist(err):
		return []model.PendingItem{}
	case errors.Is(err, docstore.ErrCorrupt):
		target, qErr := docstore.Quarantine(path, l.backupDir, name)
		if qErr != nil {
			l.log.WithError(qErr).WithField("source", name).Error("failed to quarantine corrupt pending ledger")
		} else {
			l.log.WithFields(logrus.Fields{"source": name, "backup": target}).Warn("quarantined corrupt pending ledger")
		}
		return []model.PendingItem{}
	default:
		l.log.WithError(err).WithField("source", name).Error("failed to read pending ledger")
		return []model.PendingItem{}
	}
}

func (l *Ledger) saveLocked(name string, items []model.PendingItem) error {
	if err := docstore.WriteJSON(l.docPath(name), items); err != nil {
		return fmt.Errorf("%w: %v", model.ErrPersistenceFailure, err)
	}
	return nil
}
