package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ytdl-hub/internal/model"
	"ytdl-hub/internal/scheduler"
)

type errorBody struct {
	Error string     `json:"error"`
	Kind  model.Kind `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(kind model.Kind) int {
	switch kind {
	case model.KindInvalidSpec:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindAlreadyExists, model.KindInvalidState:
		return http.StatusConflict
	case model.KindProcessFailure, model.KindSourceQueryFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Warn("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: request body: %v", model.ErrInvalidSpec, err)
	}
	return nil
}

// customDate reads the optional customDate=YYYY-MM-DD query parameter.
func customDate(r *http.Request) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("customDate"))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("%w: customDate %q is not YYYY-MM-DD", model.ErrInvalidSpec, raw)
	}
	return &t, nil
}

func (s *Server) listDownloads(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Downloads.List())
}

func (s *Server) getDownload(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Downloads.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) startDownload(w http.ResponseWriter, r *http.Request) {
	var spec model.DownloadSpec
	if err := decodeBody(r, &spec); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.Downloads.Start(r.Context(), spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// jobAction runs a per-job command and answers with the job afterwards.
func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, action func(id string) error) {
	id := r.PathValue("id")
	if err := action(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.Downloads.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) pauseDownload(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.deps.Downloads.Pause)
}

func (s *Server) resumeDownload(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, func(id string) error { return s.deps.Downloads.Resume(r.Context(), id) })
}

func (s *Server) retryDownload(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, func(id string) error { return s.deps.Downloads.Retry(r.Context(), id) })
}

// cancelDownload is idempotent: a job that is already terminal answers
// cancelled=false with 200.
func (s *Server) cancelDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cancelled := s.deps.Downloads.Cancel(id)
	job, err := s.deps.Downloads.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled, "job": job})
}

func (s *Server) removeDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Downloads.Remove(r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Downloads.PauseAll())
}

func (s *Server) resumeAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Downloads.ResumeAll(r.Context()))
}

func (s *Server) listPaused(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Downloads.PausedEntries())
}

func (s *Server) clearPaused(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Downloads.ClearPaused()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

type createSubscriptionRequest struct {
	SourceName      string `json:"source_name"`
	SourceURL       string `json:"channel_url"`
	SelectedQuality string `json:"selected_quality"`
}

type updateSubscriptionRequest struct {
	SourceURL       *string `json:"channel_url"`
	SelectedQuality *string `json:"selected_quality"`
	AutoDownload    *bool   `json:"auto_download"`
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Subscriptions.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Subscriptions.Get(r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.deps.Subscriptions.Create(req.SourceName, req.SourceURL, req.SelectedQuality)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request) {
	var req updateSubscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.SourceURL == nil && req.SelectedQuality == nil && req.AutoDownload == nil {
		s.writeError(w, r, fmt.Errorf("%w: nothing to update", model.ErrInvalidSpec))
		return
	}
	sub, err := s.deps.Subscriptions.Update(r.PathValue("name"), model.SubscriptionPatch{
		SourceURL:       req.SourceURL,
		SelectedQuality: req.SelectedQuality,
		AutoDownload:    req.AutoDownload,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Subscriptions.Delete(r.PathValue("name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) checkSubscription(w http.ResponseWriter, r *http.Request) {
	date, err := customDate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Checker.Check(r.Context(), r.PathValue("name"), date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) checkAll(w http.ResponseWriter, r *http.Request) {
	date, err := customDate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	results, err := s.deps.Checker.CheckAll(r.Context(), date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []scheduler.CheckResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Pending.List(r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) downloadPending(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Checker.DownloadItem(r.Context(), r.PathValue("name"), r.PathValue("itemId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) skipPending(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Checker.SkipItem(r.PathValue("name"), r.PathValue("itemId")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearPending(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Checker.ClearPending()
	if err != nil && n == 0 {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{"cleared": n}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// errNoEvents is returned when the server was built without a broadcaster.
var errNoEvents = errors.New("event stream is not available")
