// Package orchestrator drives download jobs through their lifecycle: admission
// against the shared capacity counter, process supervision, pause, resume,
// cancel and retry.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ytdl-hub/internal/capacity"
	"ytdl-hub/internal/jobstore"
	"ytdl-hub/internal/metrics"
	"ytdl-hub/internal/model"
	"ytdl-hub/internal/supervisor"
	"ytdl-hub/internal/ytdlp"
)

const cancelledReason = "Download cancelled by user"

var reMediaSuffix = regexp.MustCompile(`(\.f\d+|\.part|\.temp|\.mp4|\.webm|\.m4a|\.mkv|\.opus)+$`)

// CompletionListener is called once for every job that reaches finished,
// error or cancelled.
type CompletionListener func(job model.Job)

type queuedJob struct {
	id        string
	createdAt time.Time
}

// dyingProc is a terminated process whose slot has not been returned yet.
type dyingProc struct {
	h      *supervisor.Handle
	reaped chan struct{}
}

type Orchestrator struct {
	log    logrus.FieldLogger
	store  *jobstore.Store
	paused *jobstore.PausedStore
	sup    *supervisor.Supervisor
	slots  *capacity.Counter
	client ytdlp.Client
	newID  func() string

	mu     sync.Mutex
	queue  []queuedJob
	dying  map[string]*dyingProc
	closed bool

	lmu       sync.RWMutex
	listeners []CompletionListener
}

func New(log logrus.FieldLogger, store *jobstore.Store, paused *jobstore.PausedStore, sup *supervisor.Supervisor, slots *capacity.Counter, client ytdlp.Client) *Orchestrator {
	return &Orchestrator{
		log:    log,
		store:  store,
		paused: paused,
		sup:    sup,
		slots:  slots,
		client: client,
		newID:  uuid.NewString,
		dying:  make(map[string]*dyingProc),
	}
}

func (o *Orchestrator) AddCompletionListener(fn CompletionListener) {
	if fn == nil {
		return
	}
	o.lmu.Lock()
	o.listeners = append(o.listeners, fn)
	o.lmu.Unlock()
}

// Start registers a new job and either spawns it or queues it behind the
// capacity ceiling.
func (o *Orchestrator) Start(ctx context.Context, spec model.DownloadSpec) (model.Job, error) {
	if err := ctx.Err(); err != nil {
		return model.Job{}, err
	}
	spec.Source = strings.TrimSpace(spec.Source)
	spec.DestinationDir = strings.TrimSpace(spec.DestinationDir)
	if err := model.Validate(spec); err != nil {
		return model.Job{}, err
	}
	if _, err := o.client.DownloadArgs(ytdlp.DownloadOptions{URL: spec.Source, OutputDir: spec.DestinationDir, Quality: spec.Quality}); err != nil {
		return model.Job{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return model.Job{}, fmt.Errorf("%w: service is shutting down", model.ErrInvalidState)
	}
	job, err := o.store.Register(model.Job{
		ID:             o.newID(),
		Source:         spec.Source,
		DestinationDir: spec.DestinationDir,
		Quality:        spec.Quality,
		Title:          spec.Title,
		Thumbnail:      spec.Thumbnail,
		BatchID:        spec.BatchID,
	})
	if err != nil {
		return model.Job{}, err
	}
	o.log.WithFields(logrus.Fields{"job": job.ID, "source": job.Source, "quality": job.Quality}).Info("download requested")
	if err := o.admitLocked(job.ID, nil); err != nil {
		return model.Job{}, err
	}
	cur, _ := o.store.Get(job.ID)
	return cur, nil
}

// admitLocked spawns the job when a slot is free, otherwise queues it.
// mutate is applied together with the status change.
func (o *Orchestrator) admitLocked(id string, mutate func(*model.Job)) error {
	if o.closed {
		return fmt.Errorf("%w: service is shutting down", model.ErrInvalidState)
	}
	job, ok := o.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	if o.slots.TryAcquire() {
		if job.Status == model.StatusStarting {
			if mutate != nil {
				o.store.Update(id, func(j *model.Job) bool { mutate(j); return true })
			}
		} else if _, err := o.store.Transition(id, model.StatusStarting, "", mutate); err != nil {
			o.slots.Release()
			return err
		}
		o.spawnLocked(id)
		return nil
	}

	job, err := o.store.Transition(id, model.StatusQueued, "", mutate)
	if err != nil {
		return err
	}
	o.enqueueLocked(job)
	o.log.WithFields(logrus.Fields{"job": id, "queued": len(o.queue)}).Info("download queued, capacity reached")
	return nil
}

// spawnLocked starts the downloader for a job that already holds a slot. On
// failure the slot is returned and the job ends in error.
func (o *Orchestrator) spawnLocked(id string) {
	defer o.refreshGaugesLocked()
	job, ok := o.store.Get(id)
	if !ok {
		o.slots.Release()
		return
	}
	args, err := o.client.DownloadArgs(ytdlp.DownloadOptions{URL: job.Source, OutputDir: job.DestinationDir, Quality: job.Quality})
	if err == nil {
		_, err = o.sup.Spawn(id, supervisor.Command{Path: o.client.Path(), Args: args}, o.hooks())
	}
	if err != nil {
		o.slots.Release()
		o.log.WithError(err).WithField("job", id).Error("failed to start downloader")
		if failed, tErr := o.store.Transition(id, model.StatusError, err.Error(), clearRates); tErr == nil {
			o.complete(failed)
		}
		return
	}
	o.log.WithField("job", id).Debug("downloader started")
}

func (o *Orchestrator) hooks() supervisor.Hooks {
	return supervisor.Hooks{
		OnLine:   o.onLine,
		OnExit:   o.onExit,
		OnReaped: o.onReaped,
	}
}

func (o *Orchestrator) onLine(h *supervisor.Handle, _ ytdlp.OutputStream, line string) {
	if h.Cancelled() {
		return
	}
	if dest, ok := ytdlp.ParseDestination(line); ok {
		h.SetOutputPath(dest)
		o.store.Update(h.ID, func(j *model.Job) bool {
			if j.Title != "" || !isRunning(j.Status) {
				return false
			}
			j.Title = titleFromPath(dest)
			return j.Title != ""
		})
		return
	}
	p, ok := ytdlp.ParseProgress(line)
	if !ok {
		return
	}
	o.store.Update(h.ID, func(j *model.Job) bool {
		if !isRunning(j.Status) {
			return false
		}
		changed := false
		if j.Status == model.StatusStarting {
			if err := model.TransitionJobStatus(j, model.StatusDownloading, ""); err != nil {
				return false
			}
			changed = true
		}
		if p.HasPercent {
			// 100 is reserved for a successful exit; merging can still fail.
			pct := int(p.Percent)
			if pct > 99 {
				pct = 99
			}
			if pct > j.Progress {
				j.Progress = pct
				changed = true
			}
		}
		if p.Speed != "" && p.Speed != j.Speed {
			j.Speed = p.Speed
			changed = true
		}
		if p.ETA != "" && p.ETA != j.ETA {
			j.ETA = p.ETA
			changed = true
		}
		return changed
	})
}

func (o *Orchestrator) onExit(h *supervisor.Handle, success bool, detail string) {
	entry := o.log.WithField("job", h.ID)
	var (
		job model.Job
		err error
	)
	if success {
		job, err = o.store.Transition(h.ID, model.StatusFinished, "", func(j *model.Job) {
			j.Progress = 100
			clearRates(j)
		})
	} else {
		if strings.TrimSpace(detail) == "" {
			detail = "downloader exited with an error"
		}
		job, err = o.store.Transition(h.ID, model.StatusError, detail, clearRates)
	}
	if err != nil {
		entry.WithError(err).Debug("exit status not recorded")
		return
	}
	switch {
	case success:
		entry.Info("download finished")
	case ytdlp.IsDependencyError(detail):
		entry.Error("download failed: ffmpeg/ffprobe missing")
	case ytdlp.IsRetryable(detail):
		entry.Warn("download failed with a transient error; retry is likely to succeed")
	default:
		entry.WithField("detail", detail).Warn("download failed")
	}
	o.complete(job)
}

func (o *Orchestrator) onReaped(h *supervisor.Handle) {
	o.slots.Release()
	o.mu.Lock()
	defer o.mu.Unlock()
	if d, ok := o.dying[h.ID]; ok && d.h == h {
		close(d.reaped)
		delete(o.dying, h.ID)
	}
	o.promoteLocked()
	o.refreshGaugesLocked()
}

// promoteLocked moves queued jobs into free slots in createdAt order.
func (o *Orchestrator) promoteLocked() {
	for !o.closed && len(o.queue) > 0 {
		if !o.slots.TryAcquire() {
			return
		}
		next := o.queue[0]
		o.queue = o.queue[1:]
		if _, err := o.store.Transition(next.id, model.StatusStarting, "", nil); err != nil {
			o.slots.Release()
			o.log.WithError(err).WithField("job", next.id).Debug("skipping stale queue entry")
			continue
		}
		o.log.WithField("job", next.id).Info("promoting queued download")
		o.spawnLocked(next.id)
	}
}

func (o *Orchestrator) enqueueLocked(job model.Job) {
	o.dequeueLocked(job.ID)
	i := sort.Search(len(o.queue), func(i int) bool {
		return o.queue[i].createdAt.After(job.CreatedAt)
	})
	o.queue = append(o.queue, queuedJob{})
	copy(o.queue[i+1:], o.queue[i:])
	o.queue[i] = queuedJob{id: job.ID, createdAt: job.CreatedAt}
	o.refreshGaugesLocked()
}

func (o *Orchestrator) dequeueLocked(id string) bool {
	for i, q := range o.queue {
		if q.id == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.refreshGaugesLocked()
			return true
		}
	}
	return false
}

// Pause stops a running or queued job and records what is needed to resume it.
func (o *Orchestrator) Pause(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}

	if job.Status == model.StatusQueued {
		if err := o.paused.Upsert(pausedEntryFor(job, "")); err != nil {
			return err
		}
		o.dequeueLocked(id)
		if _, err := o.store.Transition(id, model.StatusPaused, "", clearRates); err != nil {
			o.dropPausedEntry(id)
			return err
		}
		o.log.WithField("job", id).Info("queued download paused")
		return nil
	}

	h := o.sup.Handle(id)
	if h == nil || h.Cancelled() {
		return fmt.Errorf("%w: job %s has no running download", model.ErrNotFound, id)
	}
	if err := o.paused.Upsert(pausedEntryFor(job, h.OutputPath())); err != nil {
		return err
	}
	o.terminateLocked(h)
	if _, err := o.store.Transition(id, model.StatusPaused, "", clearRates); err != nil {
		// The process finished on its own before the pause landed.
		o.dropPausedEntry(id)
		return err
	}
	o.log.WithFields(logrus.Fields{"job": id, "progress": job.Progress}).Info("download paused")
	return nil
}

// Resume re-admits a paused job under its original id with the captured
// source, destination and quality.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	entry, ok := o.paused.FindByJob(id)
	if !ok {
		return fmt.Errorf("%w: no paused download for job %s", model.ErrNotFound, id)
	}
	if err := o.waitDying(ctx, id); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	job, exists := o.store.Get(id)
	switch {
	case !exists:
		if _, err := o.store.Register(model.Job{
			ID:             entry.JobID,
			Source:         entry.Source,
			DestinationDir: entry.DestinationDir,
			Quality:        entry.Quality,
			Title:          entry.Title,
			Thumbnail:      entry.Thumbnail,
			BatchID:        entry.BatchID,
			Progress:       entry.Progress,
			CreatedAt:      entry.CreatedAt,
		}); err != nil {
			return err
		}
	case job.Status != model.StatusPaused:
		return fmt.Errorf("%w: job %s is %s, not paused", model.ErrInvalidState, id, job.Status)
	}

	err := o.admitLocked(id, func(j *model.Job) {
		j.Source = entry.Source
		j.DestinationDir = entry.DestinationDir
		j.Quality = entry.Quality
		if entry.Progress > j.Progress {
			j.Progress = entry.Progress
		}
		clearRates(j)
	})
	if err != nil {
		return err
	}
	if _, err := o.paused.Remove(entry.Key()); err != nil {
		o.log.WithError(err).WithField("job", id).Warn("resumed but failed to drop paused entry")
	}
	o.log.WithField("job", id).Info("download resumed")
	return nil
}

// Cancel stops the job for good. It reports false for unknown jobs and for
// jobs that already ended.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.store.Get(id)
	if !ok {
		return false
	}

	var (
		h       *supervisor.Handle
		partial string
	)
	switch job.Status {
	case model.StatusFinished, model.StatusError, model.StatusCancelled:
		return false
	case model.StatusQueued:
		o.dequeueLocked(id)
	case model.StatusPaused:
		if entry, found := o.paused.FindByJob(id); found {
			partial = entry.PartialPath
		}
		o.dropPausedEntry(id)
	default:
		if h = o.sup.Handle(id); h != nil {
			o.terminateLocked(h)
		}
	}

	cancelled, err := o.store.Transition(id, model.StatusCancelled, cancelledReason, clearRates)
	if err != nil {
		o.log.WithError(err).WithField("job", id).Warn("cancel rejected")
		return false
	}
	o.sweepArtifacts(h, partial)
	if h != nil {
		o.sup.Release(h)
	}
	o.log.WithField("job", id).Info("download cancelled")
	o.complete(cancelled)
	return true
}

// Retry re-admits a failed or cancelled job under the same id with its
// progress reset.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	job, ok := o.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	if !retryable(job.Status) {
		return fmt.Errorf("%w: job %s is %s", model.ErrInvalidState, id, job.Status)
	}
	if err := o.waitDying(ctx, id); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if job, ok = o.store.Get(id); !ok {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	if !retryable(job.Status) {
		return fmt.Errorf("%w: job %s is %s", model.ErrInvalidState, id, job.Status)
	}
	o.log.WithField("job", id).Info("retrying download")
	return o.admitLocked(id, func(j *model.Job) {
		j.Progress = 0
		clearRates(j)
	})
}

// Remove drops a finished, failed or cancelled job from the registry.
func (o *Orchestrator) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	if !model.IsTerminal(job.Status) {
		return fmt.Errorf("%w: job %s is %s; cancel it first", model.ErrInvalidState, id, job.Status)
	}
	o.store.Delete(id)
	return nil
}

// PauseAll pauses every running or queued job. Each job is attempted
// independently.
func (o *Orchestrator) PauseAll() model.BatchResult {
	ids := []string{}
	for _, j := range o.store.List() {
		if model.IsActive(j.Status) {
			ids = append(ids, j.ID)
		}
	}
	return o.batch(context.Background(), ids, func(_ context.Context, id string) error {
		return o.Pause(id)
	})
}

// ResumeAll resumes every paused entry.
func (o *Orchestrator) ResumeAll(ctx context.Context) model.BatchResult {
	entries := o.paused.List()
	sort.Slice(entries, func(i, k int) bool { return entries[i].CreatedAt.Before(entries[k].CreatedAt) })
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.JobID)
	}
	return o.batch(ctx, ids, o.Resume)
}

func (o *Orchestrator) batch(ctx context.Context, ids []string, fn func(context.Context, string) error) model.BatchResult {
	res := model.BatchResult{Succeeded: []string{}, Failed: map[string]string{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			err := fn(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[id] = err.Error()
			} else {
				res.Succeeded = append(res.Succeeded, id)
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Succeeded)
	return res
}

// ClearPaused drops every paused entry and cancels the jobs they belonged to.
// It returns the number of entries removed.
func (o *Orchestrator) ClearPaused() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.paused.Clear()
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		o.sweepArtifacts(nil, e.PartialPath)
		job, ok := o.store.Get(e.JobID)
		if !ok || job.Status != model.StatusPaused {
			continue
		}
		if cancelled, err := o.store.Transition(e.JobID, model.StatusCancelled, cancelledReason, clearRates); err == nil {
			o.complete(cancelled)
		}
	}
	o.log.WithField("count", len(entries)).Info("cleared paused downloads")
	return len(entries), nil
}

func (o *Orchestrator) List() []model.Job {
	return o.store.List()
}

func (o *Orchestrator) Get(id string) (model.Job, error) {
	job, ok := o.store.Get(id)
	if !ok {
		return model.Job{}, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	return job, nil
}

// PausedEntries lists the durable resume records.
func (o *Orchestrator) PausedEntries() []model.PausedEntry {
	return o.paused.List()
}

// QueueLength is the number of jobs waiting for a slot.
func (o *Orchestrator) QueueLength() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Shutdown pauses everything still active so it can be resumed by the next
// process, then waits for the downloaders to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	res := o.PauseAll()
	for id, msg := range res.Failed {
		o.log.WithField("job", id).WithField("error", msg).Warn("could not pause download during shutdown")
	}
	return o.sup.Shutdown(ctx)
}

func (o *Orchestrator) terminateLocked(h *supervisor.Handle) {
	h.MarkCancelled()
	o.sup.Terminate(h.ID)
	if _, ok := o.dying[h.ID]; !ok {
		o.dying[h.ID] = &dyingProc{h: h, reaped: make(chan struct{})}
	}
}

// waitDying blocks until a previously terminated process for id has exited
// and given back its slot.
func (o *Orchestrator) waitDying(ctx context.Context, id string) error {
	o.mu.Lock()
	d := o.dying[id]
	o.mu.Unlock()
	if d == nil {
		return nil
	}
	select {
	case <-d.reaped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweepArtifacts removes partial files once the writer is gone.
func (o *Orchestrator) sweepArtifacts(h *supervisor.Handle, partial string) {
	if h == nil {
		if partial != "" {
			o.sup.CleanupArtifacts(partial)
		}
		return
	}
	go func() {
		<-h.Done()
		path := h.OutputPath()
		if path == "" {
			path = partial
		}
		o.sup.CleanupArtifacts(path)
	}()
}

func (o *Orchestrator) dropPausedEntry(id string) {
	if _, err := o.paused.RemoveJob(id); err != nil {
		o.log.WithError(err).WithField("job", id).Warn("failed to drop paused entry")
	}
}

func (o *Orchestrator) complete(job model.Job) {
	metrics.JobsCompleted.WithLabelValues(job.Status).Inc()
	o.lmu.RLock()
	listeners := append([]CompletionListener(nil), o.listeners...)
	o.lmu.RUnlock()
	for _, fn := range listeners {
		go fn(job)
	}
}

func (o *Orchestrator) refreshGaugesLocked() {
	metrics.ActiveDownloads.Set(float64(o.slots.Active()))
	metrics.QueuedDownloads.Set(float64(len(o.queue)))
}

func pausedEntryFor(job model.Job, partial string) model.PausedEntry {
	return model.PausedEntry{
		JobID:          job.ID,
		Source:         job.Source,
		Quality:        job.Quality,
		DestinationDir: job.DestinationDir,
		PartialPath:    partial,
		Title:          job.Title,
		Thumbnail:      job.Thumbnail,
		BatchID:        job.BatchID,
		Progress:       job.Progress,
		CreatedAt:      job.CreatedAt,
		PausedAt:       time.Now().UTC(),
	}
}

func clearRates(j *model.Job) {
	j.Speed = ""
	j.ETA = ""
}

func isRunning(status string) bool {
	return status == model.StatusStarting || status == model.StatusDownloading
}

func retryable(status string) bool {
	return status == model.StatusError || status == model.StatusCancelled
}

func titleFromPath(path string) string {
	return strings.TrimSpace(reMediaSuffix.ReplaceAllString(filepath.Base(path), ""))
}
