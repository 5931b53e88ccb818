package history

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdl-hub/internal/model"
)

func TestStore_SaveLoadDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	older := model.Job{ID: "a", Status: model.StatusFinished, Progress: 100, Source: "https://example/a", CreatedAt: time.Now().Add(-time.Hour).UTC()}
	newer := model.Job{ID: "b", Status: model.StatusPaused, Progress: 40, Source: "https://example/b", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Save(older))
	require.NoError(t, store.Save(newer))

	newer.Progress = 55
	require.NoError(t, store.Save(newer))

	jobs, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)
	assert.Equal(t, 55, jobs[0].Progress)

	require.NoError(t, store.Delete("a"))
	require.NoError(t, store.Delete("missing"))
	_, err = store.Get("a")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	require.NoError(t, store.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get("b")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, got.Status)
}
