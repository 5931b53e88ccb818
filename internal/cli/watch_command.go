package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ytdl-hub/internal/client"
	"ytdl-hub/internal/model"
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	watchPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	watchSelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
)

const maxCheckLines = 6

// jobActor is the subset of the client the dashboard drives.
type jobActor interface {
	JobAction(ctx context.Context, id, action string) (model.Job, error)
	Cancel(ctx context.Context, id string) (bool, model.Job, error)
}

type watchModel struct {
	actor    jobActor
	events   <-chan client.Event
	jobs     map[string]model.Job
	order    []string
	checks   []string
	cursor   int
	width    int
	status   string
	closed   bool
	spin     spinner.Model
	bar      progress.Model
	timeoutF func() (context.Context, context.CancelFunc)
}

type watchEventMsg struct {
	event client.Event
	ok    bool
}

type watchActionMsg struct {
	message string
	err     error
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	cf := addClientFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !stdinIsTTY() {
		return errors.New("watch requires an interactive terminal (TTY)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := cf.client()
	events, err := c.Stream(ctx)
	if err != nil {
		return err
	}

	m := newWatchModel(c, events, cf.context)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "tty") {
			return errors.New("watch requires an interactive terminal (TTY)")
		}
		return err
	}
	return nil
}

func newWatchModel(actor jobActor, events <-chan client.Event, timeoutF func() (context.Context, context.CancelFunc)) watchModel {
	return watchModel{
		actor:    actor,
		events:   events,
		jobs:     map[string]model.Job{},
		spin:     spinner.New(spinner.WithSpinner(spinner.Dot)),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		timeoutF: timeoutF,
	}
}

func waitForEvent(events <-chan client.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		return watchEventMsg{event: ev, ok: ok}
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), m.spin.Tick)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = clampInt(msg.Width/3, 10, 40)
		return m, nil
	case watchEventMsg:
		if !msg.ok {
			m.closed = true
			m.status = "event stream closed"
			return m, nil
		}
		m.apply(msg.event)
		return m, waitForEvent(m.events)
	case watchActionMsg:
		if msg.err != nil {
			m.status = "error: " + msg.err.Error()
		} else {
			m.status = msg.message
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m *watchModel) apply(ev client.Event) {
	switch ev.Type {
	case "subscription_check_status":
		line := fmt.Sprintf("%s [%s] %s", ev.SourceName, ev.Step, ev.Message)
		if ev.Current != nil && ev.Total != nil {
			line += fmt.Sprintf(" (%d/%d)", *ev.Current, *ev.Total)
		}
		m.checks = append(m.checks, line)
		if len(m.checks) > maxCheckLines {
			m.checks = m.checks[len(m.checks)-maxCheckLines:]
		}
	default:
		if ev.ID == "" {
			return
		}
		if _, seen := m.jobs[ev.ID]; !seen {
			m.order = append(m.order, ev.ID)
		}
		m.jobs[ev.ID] = ev.Job
		m.sortJobs()
	}
}

// sortJobs keeps active jobs on top, newest first within a group.
func (m *watchModel) sortJobs() {
	selected := ""
	if m.cursor < len(m.order) {
		selected = m.order[m.cursor]
	}
	sort.SliceStable(m.order, func(i, j int) bool {
		a, b := m.jobs[m.order[i]], m.jobs[m.order[j]]
		ra, rb := statusRank(a.Status), statusRank(b.Status)
		if ra != rb {
			return ra < rb
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	for i, id := range m.order {
		if id == selected {
			m.cursor = i
			break
		}
	}
}

func statusRank(status string) int {
	switch status {
	case model.StatusDownloading, model.StatusStarting:
		return 0
	case model.StatusQueued:
		return 1
	case model.StatusPaused:
		return 2
	default:
		return 3
	}
}

func (m watchModel) selected() (model.Job, bool) {
	if m.cursor < 0 || m.cursor >= len(m.order) {
		return model.Job{}, false
	}
	return m.jobs[m.order[m.cursor]], true
}

func (m watchModel) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.order)-1 {
			m.cursor++
		}
		return m, nil
	case "p", "r", "c", "t":
		job, ok := m.selected()
		if !ok {
			m.status = "no download selected"
			return m, nil
		}
		action := map[string]string{"p": "pause", "r": "resume", "c": "cancel", "t": "retry"}[msg.String()]
		m.status = fmt.Sprintf("%s %s...", action, job.ID)
		return m, m.actionCmd(action, job.ID)
	}
	return m, nil
}

func (m watchModel) actionCmd(action, id string) tea.Cmd {
	actor := m.actor
	timeoutF := m.timeoutF
	return func() tea.Msg {
		ctx, cancel := timeoutF()
		defer cancel()
		if action == "cancel" {
			cancelled, job, err := actor.Cancel(ctx, id)
			if err != nil {
				return watchActionMsg{err: err}
			}
			if !cancelled {
				return watchActionMsg{message: fmt.Sprintf("%s already %s", id, job.Status)}
			}
			return watchActionMsg{message: "cancelled " + id}
		}
		job, err := actor.JobAction(ctx, id, action)
		if err != nil {
			return watchActionMsg{err: err}
		}
		return watchActionMsg{message: fmt.Sprintf("%s: %s", job.ID, job.Status)}
	}
}

func (m watchModel) View() string {
	width := m.width
	if width <= 0 {
		width = 100
	}
	header := watchTitleStyle.Render("ytdl-hub watch") + "\n" +
		watchMutedStyle.Render("up/down: move | p: pause | r: resume | c: cancel | t: retry | q: quit")

	var rows []string
	if len(m.order) == 0 {
		rows = append(rows, watchMutedStyle.Render(m.spin.View()+" waiting for downloads"))
	}
	for i, id := range m.order {
		row := m.renderJob(m.jobs[id], width-4)
		if i == m.cursor {
			row = watchSelStyle.Render(row)
		}
		rows = append(rows, row)
	}
	jobs := watchPanelStyle.Width(width - 2).Render(strings.Join(rows, "\n"))

	parts := []string{header, jobs}
	if len(m.checks) > 0 {
		parts = append(parts, watchPanelStyle.Width(width-2).Render(
			watchTitleStyle.Render("subscription checks")+"\n"+strings.Join(m.checks, "\n")))
	}
	parts = append(parts, m.renderStatusLine())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m watchModel) renderJob(j model.Job, width int) string {
	title := j.Title
	if title == "" {
		title = j.Source
	}
	state := fmt.Sprintf("%-11s", j.Status)
	switch j.Status {
	case model.StatusFinished:
		state = watchOKStyle.Render(state)
	case model.StatusError:
		state = watchErrorStyle.Render(state)
	}
	line := fmt.Sprintf("%-8s %s %s %3d%%", truncateRunes(j.ID, 8), state, m.bar.ViewAs(float64(j.Progress)/100), j.Progress)
	if j.Speed != "" || j.ETA != "" {
		line += fmt.Sprintf(" %s eta %s", orDash(j.Speed), orDash(j.ETA))
	}
	tail := title
	if j.Error != "" {
		tail += "  " + j.Error
	}
	room := width - lipgloss.Width(line) - 2
	if room < 8 {
		return line
	}
	return line + "  " + truncateRunes(tail, room)
}

func (m watchModel) renderStatusLine() string {
	switch {
	case strings.HasPrefix(m.status, "error:"):
		return watchErrorStyle.Render(m.status)
	case m.closed:
		return watchErrorStyle.Render(m.status + " (q to quit)")
	case m.status != "":
		return watchMutedStyle.Render(m.status)
	default:
		return watchMutedStyle.Render(fmt.Sprintf("%d download(s)", len(m.order)))
	}
}
