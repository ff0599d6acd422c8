package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"scribe/internal/apperr"
)

const (
	workerStopGrace = 5 * time.Second
	stderrTailBytes = 8 << 10
)

// workerSpec is how to launch one worker process.
type workerSpec struct {
	Key     Key
	Command string
	Args    []string
	Env     []string
	// Package is what to pip install when the engine's module is missing.
	Package string
}

type workerEvent struct {
	Event   string `json:"event"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Package string `json:"package"`
}

type workerRequest struct {
	ID   uint64 `json:"id"`
	Call any    `json:"call"`
}

type workerResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *workerError    `json:"error"`
}

// workerError is a failure reported by the worker for one call. Kind
// "call_shape" means the engine rejected the arguments before running.
type workerError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *workerError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

const callShapeError = "call_shape"

// worker owns one long-lived engine process and serializes calls to it. A
// process that dies or is abandoned mid-call is restarted on the next call.
type worker struct {
	spec   workerSpec
	logger *slog.Logger

	mu   sync.Mutex
	proc *workerProcess
	seq  uint64
}

type workerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
	done   chan struct{}
	stderr *tailBuffer
}

func newWorker(spec workerSpec, logger *slog.Logger) *worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &worker{spec: spec, logger: logger}
}

// start launches the process and waits for its ready line. Callers hold w.mu.
func (w *worker) start(ctx context.Context) error {
	// #nosec G204 - interpreter and script come from config
	cmd := exec.Command(w.spec.Command, w.spec.Args...)
	if len(w.spec.Env) > 0 {
		cmd.Env = w.spec.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	tail := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return apperr.Environment("backend.load",
				fmt.Sprintf("python interpreter %q not found", w.spec.Command),
				"install Python 3 or set PYTHON_BIN", err)
		}
		return fmt.Errorf("start worker: %w", err)
	}

	p := &workerProcess{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan []byte, 1),
		done:   make(chan struct{}),
		stderr: tail,
	}
	go p.read(stdout)

	w.logger.Info("backend worker started", "key", w.spec.Key.String(), "pid", cmd.Process.Pid)

	var line []byte
	select {
	case l, ok := <-p.lines:
		if !ok {
			p.wait()
			return apperr.Backend("backend.load",
				"worker exited before becoming ready: "+p.stderr.LastLine("no output"), nil)
		}
		line = l
	case <-ctx.Done():
		p.kill()
		return ctx.Err()
	}

	var ev workerEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		p.kill()
		return apperr.Backend("backend.load", "unreadable worker handshake", err)
	}
	switch ev.Event {
	case "ready":
		w.proc = p
		return nil
	case "error":
		p.kill()
		if ev.Kind == "missing_dependency" {
			pkg := ev.Package
			if pkg == "" {
				pkg = w.spec.Package
			}
			return apperr.Environment("backend.load", ev.Message,
				fmt.Sprintf("run `pip install %s` for %s", pkg, w.spec.Command), nil)
		}
		return apperr.Backend("backend.load", ev.Message, nil)
	default:
		p.kill()
		return apperr.Backend("backend.load", fmt.Sprintf("unexpected worker event %q", ev.Event), nil)
	}
}

// call sends one request and waits for its response.
func (w *worker) call(ctx context.Context, payload any) (json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.proc == nil || w.proc.exited() {
		w.proc = nil
		if err := w.start(ctx); err != nil {
			return nil, err
		}
	}
	p := w.proc

	w.seq++
	id := w.seq
	body, err := json.Marshal(workerRequest{ID: id, Call: payload})
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}
	if _, err := p.stdin.Write(append(body, '\n')); err != nil {
		w.abandon()
		return nil, apperr.Backend("backend.invoke", "worker is not accepting requests", err)
	}

	for {
		select {
		case line, ok := <-p.lines:
			if !ok {
				p.wait()
				w.proc = nil
				return nil, apperr.Backend("backend.invoke",
					"worker exited: "+p.stderr.LastLine("no output"), nil)
			}
			var resp workerResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				w.logger.Debug("ignoring worker output", "key", w.spec.Key.String(), "line", string(line))
				continue
			}
			if resp.ID != id {
				continue
			}
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		case <-ctx.Done():
			// The engine cannot be interrupted mid-call; drop the process so the
			// next call does not read this call's late response.
			w.abandon()
			return nil, ctx.Err()
		}
	}
}

func (w *worker) abandon() {
	if w.proc != nil {
		w.logger.Warn("stopping backend worker", "key", w.spec.Key.String())
		w.proc.kill()
		w.proc = nil
	}
}

func (w *worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc == nil {
		return nil
	}
	p := w.proc
	w.proc = nil

	// EOF on stdin asks the worker to exit.
	_ = p.stdin.Close()
	timer := time.NewTimer(workerStopGrace)
	defer timer.Stop()
	lines := p.lines
	for {
		select {
		case <-p.done:
			return nil
		case _, ok := <-lines:
			if !ok {
				lines = nil
			}
		case <-timer.C:
			p.kill()
			return nil
		}
	}
}

// ensureStarted launches the process if it is not running.
func (w *worker) ensureStarted(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc != nil && !w.proc.exited() {
		return nil
	}
	w.proc = nil
	return w.start(ctx)
}

func (p *workerProcess) read(stdout io.Reader) {
	r := bufio.NewReader(stdout)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := strings.TrimSpace(string(line)); trimmed != "" {
			p.lines <- []byte(trimmed)
		}
		if err != nil {
			break
		}
	}
	close(p.lines)
	_ = p.cmd.Wait()
	close(p.done)
}

func (p *workerProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *workerProcess) kill() {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.wait()
}

// wait drains unread output so the reader goroutine can reach cmd.Wait.
func (p *workerProcess) wait() {
	for {
		select {
		case <-p.done:
			return
		case _, ok := <-p.lines:
			if !ok {
				<-p.done
				return
			}
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) LastLine(fallback string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := strings.Split(strings.TrimSpace(string(t.buf)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return fallback
}
