// Package scheduler polls subscriptions for new items on a timer, records them
// in the pending ledger and hands them to the download engine while capacity
// is free.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"ytdl-hub/internal/broadcast"
	"ytdl-hub/internal/capacity"
	"ytdl-hub/internal/metrics"
	"ytdl-hub/internal/model"
	"ytdl-hub/internal/subscription"
	"ytdl-hub/internal/ytdlp"
)

const thumbnailFallback = "https://i.ytimg.com/vi/%s/hqdefault.jpg"

// Querier lists the items of a source.
type Querier interface {
	Query(ctx context.Context, opts ytdlp.QueryOptions) ([]ytdlp.Entry, error)
}

// Downloader starts download jobs.
type Downloader interface {
	Start(ctx context.Context, spec model.DownloadSpec) (model.Job, error)
}

type Options struct {
	Interval           time.Duration
	MinSpacing         time.Duration
	ClockSkew          time.Duration
	MaxRetries         int
	Backoff            []time.Duration
	MaxInFlightQueries int
}

func DefaultOptions() Options {
	return Options{
		Interval:           30 * time.Minute,
		MinSpacing:         time.Minute,
		ClockSkew:          24 * time.Hour,
		MaxRetries:         3,
		Backoff:            []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
		MaxInFlightQueries: 2,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.MinSpacing <= 0 {
		o.MinSpacing = d.MinSpacing
	}
	if o.ClockSkew <= 0 {
		o.ClockSkew = d.ClockSkew
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if len(o.Backoff) == 0 {
		o.Backoff = d.Backoff
	}
	if o.MaxInFlightQueries <= 0 {
		o.MaxInFlightQueries = d.MaxInFlightQueries
	}
	return o
}

// CheckResult summarizes one subscription check.
type CheckResult struct {
	SourceName string `json:"source_name"`
	Found      int    `json:"found"`
	New        int    `json:"new"`
	Queued     int    `json:"queued"`
	Error      string `json:"error,omitempty"`
}

type Scheduler struct {
	log    logrus.FieldLogger
	reg    *subscription.Registry
	ledger *subscription.Ledger
	query  Querier
	dl     Downloader
	slots  *capacity.Counter
	pub    broadcast.Publisher
	opts   Options
	now    func() time.Time

	limiter *rate.Limiter
	queries *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]bool
	cron     *cron.Cron

	// handoff serializes item hand-off with completion bookkeeping so a job
	// id is always recorded before its completion is processed.
	handoff sync.Mutex
}

func New(log logrus.FieldLogger, reg *subscription.Registry, ledger *subscription.Ledger, query Querier, dl Downloader, slots *capacity.Counter, pub broadcast.Publisher, opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		log:      log,
		reg:      reg,
		ledger:   ledger,
		query:    query,
		dl:       dl,
		slots:    slots,
		pub:      pub,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		limiter:  rate.NewLimiter(rate.Every(opts.MinSpacing), 1),
		queries:  semaphore.NewWeighted(int64(opts.MaxInFlightQueries)),
		inFlight: make(map[string]bool),
	}
}

// Start registers the periodic cycle and kicks off the startup retry pass.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("%w: scheduler already running", model.ErrInvalidState)
	}
	logger := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	spec := fmt.Sprintf("@every %s", s.opts.Interval)
	if _, err := c.AddFunc(spec, func() { s.runCycle(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.log.WithField("interval", s.opts.Interval.String()).Info("subscription scheduler started")

	go func() {
		if res := s.RetryFailed(ctx); len(res) > 0 {
			s.log.WithField("subscriptions", len(res)).Info("startup retry pass finished")
		}
	}()
	return nil
}

// Stop halts the timer and waits for a running cycle to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("subscription scheduler stopped")
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if !s.limiter.Allow() {
		s.log.Debug("skipping subscription cycle, previous one was too recent")
		return
	}
	results, err := s.CheckAll(ctx, nil)
	if err != nil {
		s.log.WithError(err).Warn("subscription cycle could not list subscriptions")
		return
	}
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	s.log.WithFields(logrus.Fields{"checked": len(results), "failed": failed}).Info("subscription cycle finished")
}

// CheckAll checks every auto-download subscription concurrently, bounded by
// the query ceiling. One failing subscription does not affect the others.
func (s *Scheduler) CheckAll(ctx context.Context, customDate *time.Time) ([]CheckResult, error) {
	subs, err := s.reg.List()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub.AutoDownload {
			names = append(names, sub.SourceName)
		}
	}
	return s.checkMany(ctx, names, customDate), nil
}

// RetryFailed re-checks subscriptions whose last check failed once their
// backoff delay has passed.
func (s *Scheduler) RetryFailed(ctx context.Context) []CheckResult {
	subs, err := s.reg.List()
	if err != nil {
		s.log.WithError(err).Warn("retry pass could not list subscriptions")
		return nil
	}
	now := s.now()
	names := []string{}
	for _, sub := range subs {
		if sub.LastError == "" || sub.RetryCount <= 0 || sub.RetryCount >= s.opts.MaxRetries {
			continue
		}
		delay := s.backoff(sub.RetryCount)
		if now.Sub(sub.LastChecked) < delay {
			s.log.WithFields(logrus.Fields{"source": sub.SourceName, "delay": delay.String()}).Debug("retry not due yet")
			continue
		}
		names = append(names, sub.SourceName)
	}
	return s.checkMany(ctx, names, nil)
}

func (s *Scheduler) backoff(retryCount int) time.Duration {
	i := retryCount - 1
	if i < 0 {
		i = 0
	}
	if i >= len(s.opts.Backoff) {
		i = len(s.opts.Backoff) - 1
	}
	return s.opts.Backoff[i]
}

func (s *Scheduler) checkMany(ctx context.Context, names []string, customDate *time.Time) []CheckResult {
	results := make([]CheckResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxInFlightQueries)
	for i, name := range names {
		g.Go(func() error {
			res, err := s.Check(gctx, name, customDate)
			if err != nil {
				res.SourceName = name
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Check polls one subscription. customDate, when set, replaces the stored
// watermark for this check.
func (s *Scheduler) Check(ctx context.Context, name string, customDate *time.Time) (CheckResult, error) {
	if !s.begin(name) {
		return CheckResult{}, fmt.Errorf("%w: subscription %q is already being checked", model.ErrInvalidState, name)
	}
	defer s.end(name)

	sub, err := s.reg.Get(name)
	if err != nil {
		return CheckResult{}, err
	}
	res := CheckResult{SourceName: name}
	entry := s.log.WithField("source", name)

	boundary := sub.LastChecked
	if customDate != nil {
		boundary = customDate.UTC()
	}
	s.emit(broadcast.NewCheckStatusEvent(name, broadcast.CheckChecking, broadcast.StepFetching, "Fetching source listing"))

	entries, err := s.fetch(ctx, sub.SourceURL, boundary.Add(-s.opts.ClockSkew))
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s.recordFailure(sub, err)
		s.emit(broadcast.NewCheckStatusEvent(name, broadcast.CheckError, broadcast.StepFailed, err.Error()))
		metrics.SourceChecks.WithLabelValues("error").Inc()
		entry.WithError(err).Warn("subscription check failed")
		return res, err
	}

	s.emit(broadcast.NewCheckStatusEvent(name, broadcast.CheckChecking, broadcast.StepFiltering, "Filtering new items").WithCount(len(entries)))
	items := newItems(entries, boundary, s.now())
	res.Found = len(items)

	added, err := s.ledger.Upsert(name, items)
	if err != nil {
		s.emit(broadcast.NewCheckStatusEvent(name, broadcast.CheckError, broadcast.StepFailed, err.Error()))
		return res, err
	}
	res.New = added
	metrics.ItemsDiscovered.Add(float64(added))

	if sub.AutoDownload {
		res.Queued = s.handOff(ctx, sub)
	}

	now := s.now()
	zero := 0
	empty := ""
	if _, err := s.reg.Update(name, model.SubscriptionPatch{
		LastChecked: &now,
		LastSuccess: &now,
		RetryCount:  &zero,
		LastError:   &empty,
	}); err != nil {
		s.emit(broadcast.NewCheckStatusEvent(name, broadcast.CheckError, broadcast.StepFailed, err.Error()))
		return res, err
	}

	msg := fmt.Sprintf("Found %d new item(s)", res.Found)
	s.emit(broadcast.NewCheckStatusEvent(name, broadcast.CheckComplete, broadcast.StepDone, msg).WithCount(res.Found))
	metrics.SourceChecks.WithLabelValues("ok").Inc()
	entry.WithFields(logrus.Fields{"found": res.Found, "new": res.New, "queued": res.Queued}).Info("subscription checked")
	return res, nil
}

func (s *Scheduler) fetch(ctx context.Context, sourceURL string, dateAfter time.Time) ([]ytdlp.Entry, error) {
	if err := s.queries.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSourceQueryFailure, err)
	}
	defer s.queries.Release(1)
	return s.query.Query(ctx, ytdlp.QueryOptions{SourceURL: sourceURL, DateAfter: dateAfter})
}

func (s *Scheduler) recordFailure(sub model.Subscription, cause error) {
	retries := sub.RetryCount + 1
	msg := cause.Error()
	patch := model.SubscriptionPatch{RetryCount: &retries, LastError: &msg}
	if retries >= s.opts.MaxRetries {
		off := false
		patch.AutoDownload = &off
		s.log.WithFields(logrus.Fields{"source": sub.SourceName, "retries": retries}).Warn("disabling auto-download after repeated failures")
	}
	if _, err := s.reg.Update(sub.SourceName, patch); err != nil {
		s.log.WithError(err).WithField("source", sub.SourceName).Error("failed to record check failure")
	}
}

// handOff starts pending items oldest first while capacity is free and
// returns how many were started.
func (s *Scheduler) handOff(ctx context.Context, sub model.Subscription) int {
	s.handoff.Lock()
	defer s.handoff.Unlock()

	items, err := s.ledger.List(sub.SourceName)
	if err != nil {
		s.log.WithError(err).WithField("source", sub.SourceName).Warn("could not read pending items")
		return 0
	}
	pending := make([]model.PendingItem, 0, len(items))
	for _, it := range items {
		if it.Status == model.ItemPending {
			pending = append(pending, it)
		}
	}
	sort.SliceStable(pending, func(i, k int) bool { return itemTime(pending[i]).Before(itemTime(pending[k])) })

	started := 0
	for i, it := range pending {
		if s.slots.Available() <= 0 {
			break
		}
		s.emit(broadcast.NewCheckStatusEvent(sub.SourceName, broadcast.CheckChecking, broadcast.StepQueueing, "Queueing downloads").WithProgress(i+1, len(pending)))
		if _, err := s.startItemLocked(ctx, sub, it); err != nil {
			continue
		}
		started++
	}
	return started
}

func (s *Scheduler) startItemLocked(ctx context.Context, sub model.Subscription, it model.PendingItem) (model.Job, error) {
	job, err := s.dl.Start(ctx, model.DownloadSpec{
		Source:         it.URL,
		DestinationDir: s.reg.Dir(sub.SourceName),
		Quality:        sub.SelectedQuality,
		Title:          it.Title,
		Thumbnail:      it.Thumbnail,
		BatchID:        sub.SourceName,
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"source": sub.SourceName, "item": it.ItemID}).Warn("could not start download")
		if _, sErr := s.ledger.SetStatus(sub.SourceName, it.ItemID, model.ItemError, "", err.Error()); sErr != nil {
			s.log.WithError(sErr).Warn("failed to record item error")
		}
		return model.Job{}, err
	}
	if _, err := s.ledger.SetStatus(sub.SourceName, it.ItemID, model.ItemDownloading, job.ID, ""); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Warn("failed to record item hand-off")
	}
	return job, nil
}

// DownloadItem hands one pending item to the download engine regardless of
// the subscription's auto-download setting.
func (s *Scheduler) DownloadItem(ctx context.Context, name, itemID string) (model.Job, error) {
	sub, err := s.reg.Get(name)
	if err != nil {
		return model.Job{}, err
	}
	s.handoff.Lock()
	defer s.handoff.Unlock()
	it, err := s.ledger.Get(name, itemID)
	if err != nil {
		return model.Job{}, err
	}
	if it.Status == model.ItemDownloading {
		return model.Job{}, fmt.Errorf("%w: item %s is already downloading (job %s)", model.ErrInvalidState, itemID, it.JobID)
	}
	return s.startItemLocked(ctx, sub, it)
}

// SkipItem drops a pending item. The watermark moves up to the item's date when
// it is behind it, so the item is not rediscovered.
func (s *Scheduler) SkipItem(name, itemID string) error {
	s.handoff.Lock()
	defer s.handoff.Unlock()
	it, err := s.ledger.Get(name, itemID)
	if err != nil {
		return err
	}
	if it.Status == model.ItemDownloading {
		return fmt.Errorf("%w: item %s is downloading; cancel job %s instead", model.ErrInvalidState, itemID, it.JobID)
	}
	if _, err := s.ledger.Remove(name, itemID); err != nil {
		return err
	}
	return s.advanceWatermark(name, itemTime(it))
}

// ClearPending empties every ledger. Each subscription's watermark moves up to
// the newest item it held. It returns the number of items removed.
func (s *Scheduler) ClearPending() (int, error) {
	s.handoff.Lock()
	defer s.handoff.Unlock()
	cleared, err := s.ledger.ClearAll()
	total := 0
	for name, items := range cleared {
		total += len(items)
		latest := time.Time{}
		for _, it := range items {
			if t := itemTime(it); t.After(latest) {
				latest = t
			}
		}
		if latest.IsZero() {
			latest = s.now()
		}
		if wErr := s.advanceWatermark(name, latest); wErr != nil {
			err = errors.Join(err, wErr)
		}
	}
	return total, err
}

// OnJobComplete keeps the ledger in step with jobs started for its items.
func (s *Scheduler) OnJobComplete(job model.Job) {
	s.handoff.Lock()
	defer s.handoff.Unlock()
	name, it, ok := s.ledger.FindByJob(job.ID)
	if !ok {
		return
	}
	entry := s.log.WithFields(logrus.Fields{"source": name, "item": it.ItemID, "job": job.ID})
	switch job.Status {
	case model.StatusFinished:
		if _, err := s.ledger.Remove(name, it.ItemID); err != nil {
			entry.WithError(err).Warn("failed to drop downloaded item")
		}
	case model.StatusError:
		if _, err := s.ledger.SetStatus(name, it.ItemID, model.ItemError, job.ID, job.Error); err != nil {
			entry.WithError(err).Warn("failed to record item failure")
		}
	case model.StatusCancelled:
		if _, err := s.ledger.Remove(name, it.ItemID); err != nil {
			entry.WithError(err).Warn("failed to drop cancelled item")
			return
		}
		if err := s.advanceWatermark(name, itemTime(it)); err != nil {
			entry.WithError(err).Warn("failed to advance watermark")
		}
	}
}

// advanceWatermark never moves a watermark backwards: an older item date would
// reopen the window and rediscover everything downloaded since.
func (s *Scheduler) advanceWatermark(name string, at time.Time) error {
	_, err := s.reg.AdvanceLastChecked(name, at)
	return err
}

func (s *Scheduler) begin(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[name] {
		return false
	}
	s.inFlight[name] = true
	return true
}

func (s *Scheduler) end(name string) {
	s.mu.Lock()
	delete(s.inFlight, name)
	s.mu.Unlock()
}

func (s *Scheduler) emit(ev broadcast.CheckStatusEvent) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}

// newItems applies the exact date filter to a coarse listing. Items with a
// timestamp must be newer than boundary; date-only items must not be older
// than boundary's calendar day.
func newItems(entries []ytdlp.Entry, boundary, now time.Time) []model.PendingItem {
	day := time.Date(boundary.Year(), boundary.Month(), boundary.Day(), 0, 0, 0, 0, time.UTC)
	out := make([]model.PendingItem, 0, len(entries))
	for _, e := range entries {
		if e.Timestamp > 0 {
			if !time.Unix(e.Timestamp, 0).After(boundary) {
				continue
			}
		} else if d, ok := parseUploadDate(e.UploadDate); ok && d.Before(day) {
			continue
		}
		out = append(out, model.PendingItem{
			ItemID:     e.ID,
			Title:      e.Title,
			URL:        itemURL(e.ID),
			UploadDate: normalizeUploadDate(e, now),
			Timestamp:  e.Timestamp,
			Thumbnail:  thumbnailFor(e),
			Status:     model.ItemPending,
		})
	}
	return out
}

func parseUploadDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func normalizeUploadDate(e ytdlp.Entry, now time.Time) string {
	if d, ok := parseUploadDate(e.UploadDate); ok {
		return d.Format("2006-01-02")
	}
	if e.Timestamp > 0 {
		return time.Unix(e.Timestamp, 0).UTC().Format("2006-01-02")
	}
	return now.UTC().Format("2006-01-02")
}

func thumbnailFor(e ytdlp.Entry) string {
	if strings.HasPrefix(e.Thumbnail, "http://") || strings.HasPrefix(e.Thumbnail, "https://") {
		return e.Thumbnail
	}
	return fmt.Sprintf(thumbnailFallback, e.ID)
}

func itemURL(id string) string {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return id
	}
	return "https://www.youtube.com/watch?v=" + id
}

// itemTime is the best known publication time of an item.
func itemTime(it model.PendingItem) time.Time {
	if it.Timestamp > 0 {
		return time.Unix(it.Timestamp, 0).UTC()
	}
	if d, ok := parseUploadDate(it.UploadDate); ok {
		return d
	}
	return it.DiscoveredAt
}
