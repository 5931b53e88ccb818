package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdl-hub/internal/broadcast"
	"ytdl-hub/internal/model"
	"ytdl-hub/internal/scheduler"
	"ytdl-hub/internal/subscription"
)

type fakeDownloads struct {
	mu   sync.Mutex
	jobs map[string]model.Job
	next int
}

func (f *fakeDownloads) List() []model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.Job{}
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeDownloads) Get(id string) (model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	return j, nil
}

func (f *fakeDownloads) Start(_ context.Context, spec model.DownloadSpec) (model.Job, error) {
	if err := model.Validate(spec); err != nil {
		return model.Job{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	j := model.Job{ID: fmt.Sprintf("job-%d", f.next), Status: model.StatusStarting, Source: spec.Source, DestinationDir: spec.DestinationDir}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeDownloads) setStatus(id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	if err := model.TransitionJobStatus(&j, status, ""); err != nil {
		return err
	}
	f.jobs[id] = j
	return nil
}

func (f *fakeDownloads) Pause(id string) error { return f.setStatus(id, model.StatusPaused) }
func (f *fakeDownloads) Resume(_ context.Context, id string) error {
	return f.setStatus(id, model.StatusStarting)
}
func (f *fakeDownloads) Cancel(id string) bool { return f.setStatus(id, model.StatusCancelled) == nil }
func (f *fakeDownloads) Retry(_ context.Context, id string) error {
	return f.setStatus(id, model.StatusStarting)
}

func (f *fakeDownloads) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	if !model.IsTerminal(j.Status) {
		return fmt.Errorf("%w: job %s is %s", model.ErrInvalidState, id, j.Status)
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeDownloads) PauseAll() model.BatchResult {
	return model.BatchResult{Succeeded: []string{}}
}

func (f *fakeDownloads) ResumeAll(context.Context) model.BatchResult {
	return model.BatchResult{Succeeded: []string{}}
}
func (f *fakeDownloads) PausedEntries() []model.PausedEntry { return []model.PausedEntry{} }
func (f *fakeDownloads) ClearPaused() (int, error)          { return 0, nil }

type fakeChecker struct {
	mu    sync.Mutex
	dates []*time.Time
}

func (f *fakeChecker) Check(_ context.Context, name string, customDate *time.Time) (scheduler.CheckResult, error) {
	f.mu.Lock()
	f.dates = append(f.dates, customDate)
	f.mu.Unlock()
	if name == "broken" {
		return scheduler.CheckResult{}, fmt.Errorf("%w: HTTP Error 503", model.ErrSourceQueryFailure)
	}
	return scheduler.CheckResult{SourceName: name, Found: 2, New: 1}, nil
}

func (f *fakeChecker) CheckAll(context.Context, *time.Time) ([]scheduler.CheckResult, error) {
	return nil, nil
}

func (f *fakeChecker) DownloadItem(_ context.Context, name, itemID string) (model.Job, error) {
	return model.Job{ID: name + "/" + itemID, Status: model.StatusStarting}, nil
}

func (f *fakeChecker) SkipItem(_, itemID string) error {
	if itemID == "missing" {
		return fmt.Errorf("%w: item %s", model.ErrNotFound, itemID)
	}
	return nil
}

func (f *fakeChecker) ClearPending() (int, error) { return 3, nil }

type testEnv struct {
	srv     *httptest.Server
	dl      *fakeDownloads
	checker *fakeChecker
	events  *broadcast.Broadcaster
	ledger  *subscription.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log, _ := test.NewNullLogger()
	dir := t.TempDir()
	root := filepath.Join(dir, "subscriptions")
	trash := filepath.Join(dir, "trash")
	env := &testEnv{
		dl:      &fakeDownloads{jobs: map[string]model.Job{}},
		checker: &fakeChecker{},
		events:  broadcast.New(log),
		ledger:  subscription.NewLedger(root, trash, log),
	}
	s := New(log, Deps{
		Downloads:     env.dl,
		Subscriptions: subscription.NewRegistry(root, trash, "", log),
		Pending:       env.ledger,
		Checker:       env.checker,
		Events:        env.events,
	})
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeError(t *testing.T, body []byte) errorBody {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	return eb
}

func TestDownloads_StartAndErrors(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/downloads", map[string]string{"source": "https://example.com/v", "destinationDir": "/tmp/out"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var job model.Job
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, "job-1", job.ID)

	resp, body = env.do(t, http.MethodPost, "/api/downloads", map[string]string{"source": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.KindInvalidSpec, decodeError(t, body).Kind)

	resp, body = env.do(t, http.MethodPost, "/api/downloads", map[string]string{"unknown": "field"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.KindInvalidSpec, decodeError(t, body).Kind)

	resp, body = env.do(t, http.MethodDelete, "/api/downloads/job-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.KindInvalidState, decodeError(t, body).Kind)

	resp, body = env.do(t, http.MethodPost, "/api/downloads/missing/pause", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.KindNotFound, decodeError(t, body).Kind)
}

func TestDownloads_CancelIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.dl.Start(context.Background(), model.DownloadSpec{Source: "https://example.com/v", DestinationDir: "/tmp"})
	require.NoError(t, err)

	var out struct {
		Cancelled bool      `json:"cancelled"`
		Job       model.Job `json:"job"`
	}
	resp, body := env.do(t, http.MethodPost, "/api/downloads/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Cancelled)
	assert.Equal(t, model.StatusCancelled, out.Job.Status)

	resp, body = env.do(t, http.MethodPost, "/api/downloads/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.Cancelled)

	resp, _ = env.do(t, http.MethodDelete, "/api/downloads/"+job.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/downloads/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscriptions_CRUD(t *testing.T) {
	env := newTestEnv(t)
	create := map[string]string{"source_name": "Ch1", "channel_url": "https://example.com/@ch1"}

	resp, body := env.do(t, http.MethodPost, "/api/subscriptions", create)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sub model.Subscription
	require.NoError(t, json.Unmarshal(body, &sub))
	assert.True(t, sub.AutoDownload)
	assert.Equal(t, "1080p", sub.SelectedQuality)

	resp, body = env.do(t, http.MethodPost, "/api/subscriptions", create)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.KindAlreadyExists, decodeError(t, body).Kind)

	resp, body = env.do(t, http.MethodPatch, "/api/subscriptions/Ch1", map[string]any{"auto_download": false, "selected_quality": "720p"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &sub))
	assert.False(t, sub.AutoDownload)
	assert.Equal(t, "720p", sub.SelectedQuality)

	resp, _ = env.do(t, http.MethodPatch, "/api/subscriptions/Ch1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPatch, "/api/subscriptions/Ch1", map[string]any{"retry_count": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "internal fields are not patchable")

	resp, body = env.do(t, http.MethodGet, "/api/subscriptions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var subs []model.Subscription
	require.NoError(t, json.Unmarshal(body, &subs))
	assert.Len(t, subs, 1)

	_, err := env.ledger.Upsert("Ch1", []model.PendingItem{{ItemID: "v1", Title: "One"}})
	require.NoError(t, err)
	resp, body = env.do(t, http.MethodGet, "/api/subscriptions/Ch1/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []model.PendingItem
	require.NoError(t, json.Unmarshal(body, &items))
	require.Len(t, items, 1)
	assert.Equal(t, model.ItemPending, items[0].Status)

	resp, _ = env.do(t, http.MethodDelete, "/api/subscriptions/Ch1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/subscriptions/Ch1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheck_CustomDateAndErrors(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/subscriptions/Ch1/check?customDate=2024-02-30", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.KindInvalidSpec, decodeError(t, body).Kind)

	resp, body = env.do(t, http.MethodPost, "/api/subscriptions/Ch1/check?customDate=2024-02-01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res scheduler.CheckResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 1, res.New)
	require.Len(t, env.checker.dates, 1)
	require.NotNil(t, env.checker.dates[0])
	assert.Equal(t, "2024-02-01", env.checker.dates[0].Format("2006-01-02"))

	resp, body = env.do(t, http.MethodPost, "/api/subscriptions/broken/check", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, model.KindSourceQueryFailure, decodeError(t, body).Kind)

	resp, body = env.do(t, http.MethodPost, "/api/subscriptions/check-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestPendingActions(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/subscriptions/Ch1/pending/v1/download", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var job model.Job
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, "Ch1/v1", job.ID)

	resp, _ = env.do(t, http.MethodDelete, "/api/subscriptions/Ch1/pending/v1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/api/subscriptions/Ch1/pending/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, http.MethodDelete, "/api/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"cleared":3}`, string(body))
}

func TestStatusForKinds(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(model.KindInvalidSpec))
	assert.Equal(t, http.StatusConflict, statusFor(model.KindAlreadyExists))
	assert.Equal(t, http.StatusBadGateway, statusFor(model.KindProcessFailure))
	assert.Equal(t, http.StatusInternalServerError, statusFor(model.KindPersistenceFailure))
	assert.Equal(t, http.StatusInternalServerError, statusFor(model.KindInternal))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	resp, body = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ytdlhub_active_downloads")
}

func TestEvents_SnapshotThenLiveStream(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.dl.Start(context.Background(), model.DownloadSpec{Source: "https://example.com/v", DestinationDir: "/tmp"})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var snap map[string]any
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, broadcast.TypeProgress, snap["type"])
	assert.Equal(t, job.ID, snap["jobId"])

	require.Eventually(t, func() bool { return env.events.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	env.events.Publish(broadcast.NewCheckStatusEvent("Ch1", broadcast.CheckChecking, broadcast.StepQueueing, "Queueing downloads").WithProgress(1, 4))

	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, broadcast.TypeCheckStatus, ev["type"])
	assert.Equal(t, "Ch1", ev["sourceName"])
	assert.Equal(t, broadcast.StepQueueing, ev["step"])
	assert.EqualValues(t, 1, ev["current"])
	assert.EqualValues(t, 4, ev["total"])
}
