package broadcast

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdl-hub/internal/model"
)

func TestPublish_DeliversInOrderToEveryObserver(t *testing.T) {
	log, _ := test.NewNullLogger()
	b := New(log)
	o1 := b.Subscribe(8)
	o2 := b.Subscribe(8)

	for i := 1; i <= 3; i++ {
		b.Publish(NewProgressEvent(model.Job{ID: "j1", Progress: i * 10}))
	}

	for _, o := range []*Observer{o1, o2} {
		for i := 1; i <= 3; i++ {
			ev := <-o.Events()
			pe, ok := ev.(ProgressEvent)
			require.True(t, ok)
			assert.Equal(t, i*10, pe.Progress)
		}
	}
}

func TestPublish_DropsSlowObserverWithoutBlocking(t *testing.T) {
	log, hook := test.NewNullLogger()
	b := New(log)
	slow := b.Subscribe(1)
	fast := b.Subscribe(4)

	b.Publish(NewCheckStatusEvent("Ch1", CheckChecking, StepFetching, "a"))
	b.Publish(NewCheckStatusEvent("Ch1", CheckChecking, StepFiltering, "b"))

	assert.Equal(t, 1, b.Count())
	assert.EqualValues(t, 1, b.Dropped())
	require.NotNil(t, hook.LastEntry())

	// slow keeps what it buffered, then sees the close
	_, ok := <-slow.Events()
	assert.True(t, ok)
	_, ok = <-slow.Events()
	assert.False(t, ok)

	assert.Len(t, fast.Events(), 2)
}

func TestObserverClose_Unsubscribes(t *testing.T) {
	b := New(nil)
	o := b.Subscribe(0)
	assert.Equal(t, 1, b.Count())
	o.Close()
	o.Close()
	assert.Equal(t, 0, b.Count())
	b.Publish(NewProgressEvent(model.Job{ID: "x"}))
}

func TestEventJSONShape(t *testing.T) {
	data, err := json.Marshal(NewProgressEvent(model.Job{ID: "j1", Status: model.StatusDownloading, Progress: 42}))
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "progress", got["type"])
	assert.Equal(t, "j1", got["jobId"])
	assert.EqualValues(t, 42, got["progress"])

	data, err = json.Marshal(NewCheckStatusEvent("Ch1", CheckComplete, StepDone, "ok").WithCount(2))
	require.NoError(t, err)
	got = map[string]any{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "subscription_check_status", got["type"])
	assert.Equal(t, "Ch1", got["sourceName"])
	assert.EqualValues(t, 2, got["count"])
	_, hasCurrent := got["current"]
	assert.False(t, hasCurrent)
}
