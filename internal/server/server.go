// Package server exposes the download engine and the subscription scheduler
// over HTTP, plus a websocket event stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"ytdl-hub/internal/broadcast"
	"ytdl-hub/internal/metrics"
	"ytdl-hub/internal/model"
	"ytdl-hub/internal/scheduler"
)

// Downloads is the job command surface.
type Downloads interface {
	List() []model.Job
	Get(id string) (model.Job, error)
	Start(ctx context.Context, spec model.DownloadSpec) (model.Job, error)
	Pause(id string) error
	Resume(ctx context.Context, id string) error
	Cancel(id string) bool
	Retry(ctx context.Context, id string) error
	Remove(id string) error
	PauseAll() model.BatchResult
	ResumeAll(ctx context.Context) model.BatchResult
	PausedEntries() []model.PausedEntry
	ClearPaused() (int, error)
}

type Subscriptions interface {
	Create(name, sourceURL, quality string) (model.Subscription, error)
	Update(name string, patch model.SubscriptionPatch) (model.Subscription, error)
	Get(name string) (model.Subscription, error)
	List() ([]model.Subscription, error)
	Delete(name string) error
}

type PendingItems interface {
	List(name string) ([]model.PendingItem, error)
}

// Checker runs subscription checks and acts on pending items.
type Checker interface {
	Check(ctx context.Context, name string, customDate *time.Time) (scheduler.CheckResult, error)
	CheckAll(ctx context.Context, customDate *time.Time) ([]scheduler.CheckResult, error)
	DownloadItem(ctx context.Context, name, itemID string) (model.Job, error)
	SkipItem(name, itemID string) error
	ClearPending() (int, error)
}

type Deps struct {
	Downloads     Downloads
	Subscriptions Subscriptions
	Pending       PendingItems
	Checker       Checker
	Events        *broadcast.Broadcaster
}

type Server struct {
	log  logrus.FieldLogger
	deps Deps
	mux  *http.ServeMux
}

func New(log logrus.FieldLogger, deps Deps) *Server {
	s := &Server{log: log, deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/downloads", s.listDownloads)
	s.mux.HandleFunc("POST /api/downloads", s.startDownload)
	s.mux.HandleFunc("GET /api/downloads/{id}", s.getDownload)
	s.mux.HandleFunc("DELETE /api/downloads/{id}", s.removeDownload)
	s.mux.HandleFunc("POST /api/downloads/{id}/pause", s.pauseDownload)
	s.mux.HandleFunc("POST /api/downloads/{id}/resume", s.resumeDownload)
	s.mux.HandleFunc("POST /api/downloads/{id}/cancel", s.cancelDownload)
	s.mux.HandleFunc("POST /api/downloads/{id}/retry", s.retryDownload)
	s.mux.HandleFunc("POST /api/downloads/pause-all", s.pauseAll)
	s.mux.HandleFunc("POST /api/downloads/resume-all", s.resumeAll)
	s.mux.HandleFunc("GET /api/paused", s.listPaused)
	s.mux.HandleFunc("DELETE /api/paused", s.clearPaused)

	s.mux.HandleFunc("GET /api/subscriptions", s.listSubscriptions)
	s.mux.HandleFunc("POST /api/subscriptions", s.createSubscription)
	s.mux.HandleFunc("GET /api/subscriptions/{name}", s.getSubscription)
	s.mux.HandleFunc("PATCH /api/subscriptions/{name}", s.updateSubscription)
	s.mux.HandleFunc("DELETE /api/subscriptions/{name}", s.deleteSubscription)
	s.mux.HandleFunc("POST /api/subscriptions/{name}/check", s.checkSubscription)
	s.mux.HandleFunc("POST /api/subscriptions/check-all", s.checkAll)
	s.mux.HandleFunc("GET /api/subscriptions/{name}/pending", s.listPending)
	s.mux.HandleFunc("POST /api/subscriptions/{name}/pending/{itemId}/download", s.downloadPending)
	s.mux.HandleFunc("DELETE /api/subscriptions/{name}/pending/{itemId}", s.skipPending)
	s.mux.HandleFunc("DELETE /api/pending", s.clearPending)

	s.mux.HandleFunc("GET /ws", s.handleEvents)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /healthz", s.healthz)
}

func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	observers := 0
	if s.deps.Events != nil {
		observers = s.deps.Events.Count()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "observers": observers})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}
