// Package subscription stores per-source polling state and the ledger of
// discovered-but-not-downloaded items. Each source owns one directory under the
// subscriptions root; downloads for it land in the same directory.
package subscription

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ytdl-hub/internal/docstore"
	"ytdl-hub/internal/model"
)

const (
	subscriptionFile = ".subscription.json"
	pendingFile      = ".pending.json"

	DefaultQuality = "1080p"
)

type createRequest struct {
	Name    string `validate:"required,sourcename"`
	URL     string `validate:"required,url"`
	Quality string `validate:"omitempty,quality"`
}

type patchRequest struct {
	URL     *string `validate:"omitempty,url"`
	Quality *string `validate:"omitempty,quality"`
}

type Registry struct {
	root           string
	backupDir      string
	defaultQuality string
	log            logrus.FieldLogger
	locks          docstore.KeyedMutex
	now            func() time.Time
}

// NewRegistry keeps subscriptions under root. Corrupt documents are moved to
// <trashDir>/subscription_corrupt_backup.
func NewRegistry(root, trashDir, defaultQuality string, log logrus.FieldLogger) *Registry {
	if strings.TrimSpace(defaultQuality) == "" {
		defaultQuality = DefaultQuality
	}
	return &Registry{
		root:           root,
		backupDir:      filepath.Join(trashDir, "subscription_corrupt_backup"),
		defaultQuality: defaultQuality,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Dir is where the subscription's documents and downloads live.
func (r *Registry) Dir(name string) string {
	return filepath.Join(r.root, name)
}

func (r *Registry) docPath(name string) string {
	return filepath.Join(r.root, name, subscriptionFile)
}

func (r *Registry) Create(name, sourceURL, quality string) (model.Subscription, error) {
	req := createRequest{
		Name:    strings.TrimSpace(name),
		URL:     strings.TrimSpace(sourceURL),
		Quality: strings.TrimSpace(quality),
	}
	if err := model.Validate(req); err != nil {
		return model.Subscription{}, err
	}
	if req.Quality == "" {
		req.Quality = r.defaultQuality
	}

	unlock := r.locks.Lock(req.Name)
	defer unlock()
	if _, err := r.loadLocked(req.Name); err == nil {
		return model.Subscription{}, fmt.Errorf("%w: subscription %q", model.ErrAlreadyExists, req.Name)
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.Subscription{}, err
	}

	now := r.now()
	sub := model.Subscription{
		SourceName:      req.Name,
		SourceURL:       req.URL,
		SelectedQuality: req.Quality,
		AutoDownload:    true,
		LastChecked:     now,
		CreatedAt:       now,
	}
	if err := r.saveLocked(sub); err != nil {
		return model.Subscription{}, err
	}
	r.log.WithFields(logrus.Fields{"source": sub.SourceName, "url": sub.SourceURL}).Info("subscription created")
	return sub, nil
}

// Update merges the non-nil patch fields into the stored subscription.
func (r *Registry) Update(name string, patch model.SubscriptionPatch) (model.Subscription, error) {
	if err := model.Validate(patchRequest{URL: patch.SourceURL, Quality: patch.SelectedQuality}); err != nil {
		return model.Subscription{}, err
	}
	unlock := r.locks.Lock(name)
	defer unlock()
	sub, err := r.loadLocked(name)
	if err != nil {
		return model.Subscription{}, err
	}
	if patch.AutoDownload != nil && *patch.AutoDownload && !sub.AutoDownload && patch.RetryCount == nil {
		// Re-enabling starts a fresh retry budget.
		zero := 0
		patch.RetryCount = &zero
	}
	patch.Apply(&sub)
	if err := r.saveLocked(sub); err != nil {
		return model.Subscription{}, err
	}
	return sub, nil
}

// AdvanceLastChecked moves the watermark to at unless it is already at or
// past it. It reports whether the watermark moved.
func (r *Registry) AdvanceLastChecked(name string, at time.Time) (bool, error) {
	unlock := r.locks.Lock(name)
	defer unlock()
	sub, err := r.loadLocked(name)
	if err != nil {
		return false, err
	}
	if !at.After(sub.LastChecked) {
		return false, nil
	}
	sub.LastChecked = at
	if err := r.saveLocked(sub); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) Get(name string) (model.Subscription, error) {
	unlock := r.locks.Lock(name)
	defer unlock()
	return r.loadLocked(name)
}

// List returns every readable subscription sorted by name.
func (r *Registry) List() ([]model.Subscription, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.Subscription{}, nil
		}
		return nil, fmt.Errorf("list subscriptions in %s: %w", r.root, err)
	}
	out := make([]model.Subscription, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !model.IsValidSourceName(e.Name()) {
			continue
		}
		sub, err := r.Get(e.Name())
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				r.log.WithError(err).WithField("source", e.Name()).Warn("skipping unreadable subscription")
			}
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SourceName < out[k].SourceName })
	return out, nil
}

// Delete removes the subscription directory with everything in it.
func (r *Registry) Delete(name string) error {
	if !model.IsValidSourceName(name) {
		return fmt.Errorf("%w: subscription name %q", model.ErrInvalidSpec, name)
	}
	unlock := r.locks.Lock(name)
	defer unlock()
	dir := r.Dir(name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: subscription %q", model.ErrNotFound, name)
		}
		return fmt.Errorf("%w: stat %s: %v", model.ErrPersistenceFailure, dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: remove %s: %v", model.ErrPersistenceFailure, dir, err)
	}
	r.log.WithField("source", name).Info("subscription deleted")
	return nil
}

func (r *Registry) loadLocked(name string) (model.Subscription, error) {
	if !model.IsValidSourceName(name) {
		return model.Subscription{}, fmt.Errorf("%w: subscription name %q", model.ErrInvalidSpec, name)
	}
	path := r.docPath(name)
	var sub model.Subscription
	err := docstore.ReadJSON(path, &sub)
	switch {
	case err == nil:
		// The directory name is authoritative.
		sub.SourceName = name
		return sub, nil
	case docstore.IsNotExist(err):
		return model.Subscription{}, fmt.Errorf("%w: subscription %q", model.ErrNotFound, name)
	case errors.Is(err, docstore.ErrCorrupt):
		target, qErr := docstore.Quarantine(path, r.backupDir, name)
		if qErr != nil {
			r.log.WithError(qErr).WithField("source", name).Error("failed to quarantine corrupt subscription")
		} else {
			r.log.WithFields(logrus.Fields{"source": name, "backup": target}).Warn("quarantined corrupt subscription document")
		}
		return model.Subscription{}, fmt.Errorf("%w: subscription %q", model.ErrNotFound, name)
	default:
		return model.Subscription{}, fmt.Errorf("%w: %v", model.ErrPersistenceFailure, err)
	}
}

func (r *Registry) saveLocked(sub model.Subscription) error {
	if err := docstore.WriteJSON(r.docPath(sub.SourceName), sub); err != nil {
		return fmt.Errorf("%w: %v", model.ErrPersistenceFailure, err)
	}
	return nil
}
