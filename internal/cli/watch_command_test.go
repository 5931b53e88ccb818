package cli

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"ytdl-hub/internal/client"
	"ytdl-hub/internal/model"
)

type fakeActor struct {
	actions []string
	fail    error
}

func (f *fakeActor) JobAction(_ context.Context, id, action string) (model.Job, error) {
	f.actions = append(f.actions, action+":"+id)
	if f.fail != nil {
		return model.Job{}, f.fail
	}
	return model.Job{ID: id, Status: model.StatusPaused}, nil
}

func (f *fakeActor) Cancel(_ context.Context, id string) (bool, model.Job, error) {
	f.actions = append(f.actions, "cancel:"+id)
	return false, model.Job{ID: id, Status: model.StatusFinished}, nil
}

func newTestWatch(actor jobActor) watchModel {
	return newWatchModel(actor, make(chan client.Event), func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), time.Second)
	})
}

func progressEvent(id, status string, progress int, created time.Time) watchEventMsg {
	return watchEventMsg{ok: true, event: client.Event{
		Type: "progress",
		Job:  model.Job{ID: id, Status: status, Progress: progress, Title: "title " + id, CreatedAt: created},
	}}
}

func TestWatchModelOrdersActiveJobsFirst(t *testing.T) {
	m := newTestWatch(&fakeActor{})
	base := time.Now()

	next, _ := m.Update(progressEvent("done-1", model.StatusFinished, 100, base))
	next, _ = next.(watchModel).Update(progressEvent("live-1", model.StatusDownloading, 40, base.Add(-time.Minute)))
	next, _ = next.(watchModel).Update(progressEvent("wait-1", model.StatusQueued, 0, base))
	wm := next.(watchModel)

	want := []string{"live-1", "wait-1", "done-1"}
	if strings.Join(wm.order, ",") != strings.Join(want, ",") {
		t.Fatalf("expected order %v, got %v", want, wm.order)
	}

	// An update replaces the job in place instead of adding a row.
	next, _ = wm.Update(progressEvent("live-1", model.StatusDownloading, 80, base.Add(-time.Minute)))
	wm = next.(watchModel)
	if len(wm.order) != 3 || wm.jobs["live-1"].Progress != 80 {
		t.Fatalf("expected in-place update, got %v %+v", wm.order, wm.jobs["live-1"])
	}

	view := wm.View()
	for _, s := range []string{"ytdl-hub watch", "title live-1", "80%"} {
		if !strings.Contains(view, s) {
			t.Fatalf("view missing %q:\n%s", s, view)
		}
	}
}

func TestWatchModelKeepsRecentCheckLines(t *testing.T) {
	m := newTestWatch(&fakeActor{})
	var next tea.Model = m
	for i := 0; i < maxCheckLines+3; i++ {
		cur, total := i+1, maxCheckLines+3
		next, _ = next.(watchModel).Update(watchEventMsg{ok: true, event: client.Event{
			Type: "subscription_check_status", SourceName: "chan", Step: "queueing", Message: "Queueing downloads",
			Current: &cur, Total: &total,
		}})
	}
	wm := next.(watchModel)
	if len(wm.checks) != maxCheckLines {
		t.Fatalf("expected %d check lines, got %d", maxCheckLines, len(wm.checks))
	}
	if !strings.Contains(wm.checks[len(wm.checks)-1], "(9/9)") {
		t.Fatalf("last line should be the newest, got %q", wm.checks[len(wm.checks)-1])
	}
	if !strings.Contains(wm.View(), "subscription checks") {
		t.Fatal("view should include the checks panel")
	}
}

func TestWatchModelKeysDriveActions(t *testing.T) {
	actor := &fakeActor{}
	m := newTestWatch(actor)
	next, _ := m.Update(progressEvent("a", model.StatusDownloading, 10, time.Now()))
	next, _ = next.(watchModel).Update(progressEvent("b", model.StatusQueued, 0, time.Now()))
	wm := next.(watchModel)

	next, _ = wm.Update(tea.KeyMsg{Type: tea.KeyDown})
	wm = next.(watchModel)
	if wm.cursor != 1 {
		t.Fatalf("expected cursor 1, got %d", wm.cursor)
	}

	next, cmd := wm.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'p'}})
	if cmd == nil {
		t.Fatal("expected an action command")
	}
	msg := cmd()
	if len(actor.actions) != 1 || actor.actions[0] != "pause:b" {
		t.Fatalf("unexpected actions: %v", actor.actions)
	}
	next, _ = next.(watchModel).Update(msg)
	if got := next.(watchModel).status; got != "b: paused" {
		t.Fatalf("unexpected status %q", got)
	}

	_, cmd = next.(watchModel).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}})
	msg = cmd()
	next, _ = next.(watchModel).Update(msg)
	if got := next.(watchModel).status; got != "b already finished" {
		t.Fatalf("unexpected status %q", got)
	}
}

func TestWatchModelActionErrorAndStreamClose(t *testing.T) {
	actor := &fakeActor{fail: errors.New("boom")}
	m := newTestWatch(actor)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	if cmd != nil || next.(watchModel).status != "no download selected" {
		t.Fatalf("expected no-op without jobs, got %q", next.(watchModel).status)
	}

	next, _ = next.(watchModel).Update(progressEvent("a", model.StatusPaused, 30, time.Now()))
	_, cmd = next.(watchModel).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	next, _ = next.(watchModel).Update(cmd())
	if !strings.HasPrefix(next.(watchModel).status, "error: boom") {
		t.Fatalf("expected error status, got %q", next.(watchModel).status)
	}

	next, cmd = next.(watchModel).Update(watchEventMsg{ok: false})
	if cmd != nil || !next.(watchModel).closed {
		t.Fatal("closed stream should stop waiting for events")
	}

	_, cmd = next.(watchModel).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q should produce a quit message")
	}
}
