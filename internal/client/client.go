// Package client talks to a running ytdl-hub service over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ytdl-hub/internal/model"
	"ytdl-hub/internal/scheduler"
)

// APIError is a non-2xx answer from the service.
type APIError struct {
	Status  int
	Kind    model.Kind
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

type Client struct {
	base string
	http *http.Client
}

// New returns a client for the service at addr ("host:port" or a URL).
func New(addr string, timeout time.Duration) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact service at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var eb struct {
			Error string     `json:"error"`
			Kind  model.Kind `json:"kind"`
		}
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			apiErr.Message = eb.Error
			apiErr.Kind = eb.Kind
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) ListDownloads(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	return jobs, c.do(ctx, http.MethodGet, "/api/downloads", nil, &jobs)
}

func (c *Client) StartDownload(ctx context.Context, spec model.DownloadSpec) (model.Job, error) {
	var job model.Job
	return job, c.do(ctx, http.MethodPost, "/api/downloads", spec, &job)
}

// JobAction runs pause, resume or retry on one job.
func (c *Client) JobAction(ctx context.Context, id, action string) (model.Job, error) {
	switch action {
	case "pause", "resume", "retry":
	default:
		return model.Job{}, fmt.Errorf("unknown job action %q", action)
	}
	var job model.Job
	return job, c.do(ctx, http.MethodPost, "/api/downloads/"+url.PathEscape(id)+"/"+action, nil, &job)
}

// Cancel reports whether the call changed the job.
func (c *Client) Cancel(ctx context.Context, id string) (bool, model.Job, error) {
	var out struct {
		Cancelled bool      `json:"cancelled"`
		Job       model.Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, "/api/downloads/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out.Cancelled, out.Job, err
}

func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/downloads/"+url.PathEscape(id), nil, nil)
}

func (c *Client) PauseAll(ctx context.Context) (model.BatchResult, error) {
	var res model.BatchResult
	return res, c.do(ctx, http.MethodPost, "/api/downloads/pause-all", nil, &res)
}

func (c *Client) ResumeAll(ctx context.Context) (model.BatchResult, error) {
	var res model.BatchResult
	return res, c.do(ctx, http.MethodPost, "/api/downloads/resume-all", nil, &res)
}

func (c *Client) ClearPaused(ctx context.Context) (int, error) {
	var out struct {
		Cleared int `json:"cleared"`
	}
	return out.Cleared, c.do(ctx, http.MethodDelete, "/api/paused", nil, &out)
}

func (c *Client) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var subs []model.Subscription
	return subs, c.do(ctx, http.MethodGet, "/api/subscriptions", nil, &subs)
}

func (c *Client) CreateSubscription(ctx context.Context, name, sourceURL, quality string) (model.Subscription, error) {
	body := map[string]string{"source_name": name, "channel_url": sourceURL, "selected_quality": quality}
	var sub model.Subscription
	return sub, c.do(ctx, http.MethodPost, "/api/subscriptions", body, &sub)
}

// SubscriptionUpdate mirrors the patchable subscription fields.
type SubscriptionUpdate struct {
	SourceURL       *string `json:"channel_url,omitempty"`
	SelectedQuality *string `json:"selected_quality,omitempty"`
	AutoDownload    *bool   `json:"auto_download,omitempty"`
}

func (c *Client) UpdateSubscription(ctx context.Context, name string, upd SubscriptionUpdate) (model.Subscription, error) {
	var sub model.Subscription
	return sub, c.do(ctx, http.MethodPatch, "/api/subscriptions/"+url.PathEscape(name), upd, &sub)
}

func (c *Client) DeleteSubscription(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/subscriptions/"+url.PathEscape(name), nil, nil)
}

func dateQuery(customDate string) string {
	if strings.TrimSpace(customDate) == "" {
		return ""
	}
	return "?customDate=" + url.QueryEscape(strings.TrimSpace(customDate))
}

func (c *Client) Check(ctx context.Context, name, customDate string) (scheduler.CheckResult, error) {
	var res scheduler.CheckResult
	return res, c.do(ctx, http.MethodPost, "/api/subscriptions/"+url.PathEscape(name)+"/check"+dateQuery(customDate), nil, &res)
}

func (c *Client) CheckAll(ctx context.Context, customDate string) ([]scheduler.CheckResult, error) {
	var res []scheduler.CheckResult
	return res, c.do(ctx, http.MethodPost, "/api/subscriptions/check-all"+dateQuery(customDate), nil, &res)
}

func (c *Client) ListPending(ctx context.Context, name string) ([]model.PendingItem, error) {
	var items []model.PendingItem
	return items, c.do(ctx, http.MethodGet, "/api/subscriptions/"+url.PathEscape(name)+"/pending", nil, &items)
}

func (c *Client) DownloadPending(ctx context.Context, name, itemID string) (model.Job, error) {
	var job model.Job
	path := "/api/subscriptions/" + url.PathEscape(name) + "/pending/" + url.PathEscape(itemID) + "/download"
	return job, c.do(ctx, http.MethodPost, path, nil, &job)
}

func (c *Client) SkipPending(ctx context.Context, name, itemID string) error {
	return c.do(ctx, http.MethodDelete, "/api/subscriptions/"+url.PathEscape(name)+"/pending/"+url.PathEscape(itemID), nil, nil)
}

func (c *Client) ClearPending(ctx context.Context) (int, error) {
	var out struct {
		Cleared int `json:"cleared"`
	}
	return out.Cleared, c.do(ctx, http.MethodDelete, "/api/pending", nil, &out)
}

// Event is one frame of the event stream, decoded loosely so both progress
// and check-status frames fit.
type Event struct {
	Type string `json:"type"`
	model.Job
	SourceName string `json:"sourceName"`
	Step       string `json:"step"`
	Message    string `json:"message"`
	Current    *int   `json:"current"`
	Total      *int   `json:"total"`
	Count      *int   `json:"count"`
}

// Stream connects to the event stream and delivers frames until ctx is done
// or the connection drops. The channel is closed on return.
func (c *Client) Stream(ctx context.Context) (<-chan Event, error) {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect event stream: %w", err)
	}
	out := make(chan Event, 64)
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind model.Kind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}
