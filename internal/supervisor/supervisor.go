// Package supervisor binds job ids to live downloader processes.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ytdl-hub/internal/model"
	"ytdl-hub/internal/ytdlp"
)

const DefaultGracePeriod = 3 * time.Second

type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Hooks are invoked from the process goroutines. OnLine is called once per
// line, in emission order per stream. OnExit is skipped for cancelled handles;
// OnReaped always runs once the process is gone.
type Hooks struct {
	OnLine   func(h *Handle, stream ytdlp.OutputStream, line string)
	OnExit   func(h *Handle, success bool, detail string)
	OnReaped func(h *Handle)
}

type Handle struct {
	ID        string
	StartedAt time.Time

	cmd        *exec.Cmd
	cancelled  atomic.Bool
	mu         sync.Mutex
	outputPath string
	done       chan struct{}
}

// MarkCancelled sets the flag once; later calls report false.
func (h *Handle) MarkCancelled() bool {
	return h.cancelled.CompareAndSwap(false, true)
}

func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

func (h *Handle) OutputPath() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outputPath
}

func (h *Handle) SetOutputPath(path string) {
	h.mu.Lock()
	h.outputPath = path
	h.mu.Unlock()
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

type Supervisor struct {
	log   logrus.FieldLogger
	grace time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
}

func New(log logrus.FieldLogger, grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Supervisor{
		log:     log,
		grace:   grace,
		handles: make(map[string]*Handle),
	}
}

// Spawn starts cmd for id. It fails while id still has a live handle.
func (s *Supervisor) Spawn(id string, command Command, hooks Hooks) (*Handle, error) {
	if strings.TrimSpace(command.Path) == "" {
		return nil, fmt.Errorf("%w: empty command for job %s", model.ErrInvalidSpec, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[id]; ok {
		return nil, fmt.Errorf("%w: job %s already has a live process", model.ErrAlreadyExists, id)
	}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = command.Env
	}
	setProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: setup stdout pipe: %v", model.ErrProcessFailure, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: setup stderr pipe: %v", model.ErrProcessFailure, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", model.ErrProcessFailure, command.Path, err)
	}

	h := &Handle{
		ID:        id,
		StartedAt: time.Now().UTC(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	s.handles[id] = h
	s.log.WithFields(logrus.Fields{"job": id, "pid": cmd.Process.Pid}).Debug("process started")

	go s.wait(h, stdoutPipe, stderrPipe, hooks)
	return h, nil
}

func (s *Supervisor) wait(h *Handle, stdout, stderr io.Reader, hooks Hooks) {
	var errBuf strings.Builder
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(stream ytdlp.OutputStream, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			if stream == ytdlp.StreamStderr {
				mu.Lock()
				appendLimited(&errBuf, line)
				mu.Unlock()
			}
			if hooks.OnLine != nil {
				hooks.OnLine(h, stream, line)
			}
		}
	}

	wg.Add(2)
	go read(ytdlp.StreamStdout, stdout)
	go read(ytdlp.StreamStderr, stderr)
	wg.Wait()

	waitErr := h.cmd.Wait()
	s.release(h)
	close(h.done)

	success := waitErr == nil
	detail := ""
	if !success {
		mu.Lock()
		detail = ytdlp.FailureDetail(errBuf.String())
		mu.Unlock()
		if detail == "" {
			detail = waitErr.Error()
		}
	}

	entry := s.log.WithFields(logrus.Fields{"job": h.ID, "success": success, "cancelled": h.Cancelled()})
	if h.Cancelled() {
		entry.Debug("process exited after termination request")
	} else {
		entry.Debug("process exited")
		if hooks.OnExit != nil {
			hooks.OnExit(h, success, detail)
		}
	}
	if hooks.OnReaped != nil {
		hooks.OnReaped(h)
	}
}

// Terminate marks the handle cancelled and asks its process group to exit,
// force-killing it after the grace period. It does not wait.
func (s *Supervisor) Terminate(id string) bool {
	h := s.Handle(id)
	if h == nil {
		return false
	}
	h.MarkCancelled()
	if err := signalTerminate(h.cmd.Process); err != nil && !errors.Is(err, errProcessDone) {
		s.log.WithError(err).WithField("job", id).Warn("graceful termination signal failed")
	}
	go func() {
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			s.log.WithField("job", id).Warn("process ignored termination, killing")
			if err := signalKill(h.cmd.Process); err != nil && !errors.Is(err, errProcessDone) {
				s.log.WithError(err).WithField("job", id).Error("kill failed")
			}
		}
	}()
	return true
}

// Release drops the handle for id if h is still the registered one.
func (s *Supervisor) Release(h *Handle) {
	if h != nil {
		s.release(h)
	}
}

func (s *Supervisor) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.handles[h.ID]; ok && cur == h {
		delete(s.handles, h.ID)
	}
}

func (s *Supervisor) Handle(id string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

func (s *Supervisor) Live(id string) bool {
	return s.Handle(id) != nil
}

func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Shutdown terminates every live process and waits for them or ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.Terminate(h.ID)
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(b *strings.Builder, line string) {
	const maxKeep = 8192
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	remain := maxKeep - b.Len()
	if len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}
