package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdl-hub/internal/model"
)

func TestNew_NormalizesAddress(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8765", New("127.0.0.1:8765", 0).base)
	assert.Equal(t, "https://hub.local", New(" https://hub.local/ ", 0).base)
}

func TestErrorsCarryKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/downloads/j1/pause":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found: job j1","kind":"NotFound"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()
	c := New(srv.URL, time.Second)

	_, err := c.JobAction(context.Background(), "j1", "pause")
	require.Error(t, err)
	assert.True(t, IsKind(err, model.KindNotFound))
	assert.Contains(t, err.Error(), "not found: job j1")

	err = c.Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream down", apiErr.Message)

	_, err = c.JobAction(context.Background(), "j1", "explode")
	assert.Error(t, err)
}

func TestRequestsReachTheRightRoutes(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/downloads":
			var spec model.DownloadSpec
			_ = json.NewDecoder(r.Body).Decode(&spec)
			_ = json.NewEncoder(w).Encode(model.Job{ID: "j1", Source: spec.Source})
		case strings.HasSuffix(r.URL.Path, "/cancel"):
			_, _ = w.Write([]byte(`{"cancelled":true,"job":{"jobId":"j1","status":"cancelled"}}`))
		case strings.HasSuffix(r.URL.Path, "/check"):
			_, _ = w.Write([]byte(`{"source_name":"My Channel","found":1}`))
		case r.URL.Path == "/api/pending":
			_, _ = w.Write([]byte(`{"cleared":4}`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()
	c := New(srv.URL, time.Second)
	ctx := context.Background()

	job, err := c.StartDownload(ctx, model.DownloadSpec{Source: "https://example.com/v", DestinationDir: "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v", job.Source)

	ok, job, err := c.Cancel(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.StatusCancelled, job.Status)

	n, err := c.ClearPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = c.Check(ctx, "My Channel", "2024-01-02")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /api/downloads",
		"POST /api/downloads/j1/cancel",
		"DELETE /api/pending",
		"POST /api/subscriptions/My%20Channel/check?customDate=2024-01-02",
	}, seen)
}

func TestStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "progress", "jobId": "j1", "status": "downloading", "progress": 40})
		_ = conn.WriteJSON(map[string]any{"type": "subscription_check_status", "sourceName": "Ch1", "step": "done", "count": 2})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := New(srv.URL, time.Second).Stream(ctx)
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, "progress", first.Type)
	assert.Equal(t, "j1", first.ID)
	assert.Equal(t, 40, first.Progress)

	second := <-events
	assert.Equal(t, "Ch1", second.SourceName)
	require.NotNil(t, second.Count)
	assert.Equal(t, 2, *second.Count)

	cancel()
	for range events {
	}
}
