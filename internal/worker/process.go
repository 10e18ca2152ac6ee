package worker

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/vanpelt/runbridge/internal/logger"
)

var (
	ErrNotRunning     = errors.New("worker is not running")
	ErrAlreadyRunning = errors.New("worker is already running")
	// ErrInputFull means the worker has stopped reading its terminal and the
	// pending input queue is full. The input is dropped.
	ErrInputFull = errors.New("worker input queue is full")
)

// drainGrace bounds how long a naturally exited worker's remaining pty
// output is drained before the master side is closed.
const drainGrace = 2 * time.Second

// inputQueueSize is the number of writes that may wait for a worker that is
// not reading its terminal.
const inputQueueSize = 256

// SpawnOptions describes one worker launch.
type SpawnOptions struct {
	Path string
	Args []string
	Dir  string
	// Env entries (KEY=VALUE) are appended after the inherited environment
	// and therefore take precedence over it.
	Env  []string
	Cols uint16
	Rows uint16
}

// Exit describes a terminated worker. Crashes and clean exits are reported
// the same way; interpreting them is up to the caller.
type Exit struct {
	PID    int
	Code   int
	Signal string
	Err    error
}

// Manager runs at most one worker process at a time inside a pseudo-terminal.
// Output and exit are reported through the callbacks given to New; both are
// invoked from Manager goroutines without any Manager lock held.
type Manager struct {
	onData func([]byte)
	onExit func(Exit)

	mu   sync.Mutex
	cmd  *exec.Cmd
	ptmx *os.File
	// input feeds the writer goroutine of the current worker; stop ends it.
	input chan []byte
	stop  chan struct{}
}

// New creates a Manager. Either callback may be nil.
func New(onData func([]byte), onExit func(Exit)) *Manager {
	if onData == nil {
		onData = func([]byte) {}
	}
	if onExit == nil {
		onExit = func(Exit) {}
	}
	return &Manager{onData: onData, onExit: onExit}
}

// Spawn starts the worker and returns its pid.
func (m *Manager) Spawn(opts SpawnOptions) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ptmx != nil {
		return 0, ErrAlreadyRunning
	}
	if opts.Path == "" {
		return 0, fmt.Errorf("worker command is empty")
	}

	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(opts)

	size := &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}
	if size.Cols == 0 || size.Rows == 0 {
		size = &pty.Winsize{Cols: 80, Rows: 24}
	}

	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return 0, fmt.Errorf("failed to start worker in pty: %w", err)
	}

	m.cmd = cmd
	m.ptmx = ptmx
	m.input = make(chan []byte, inputQueueSize)
	m.stop = make(chan struct{})
	pid := cmd.Process.Pid

	readDone := make(chan struct{})
	go m.readLoop(ptmx, readDone)
	go m.writeLoop(ptmx, m.input, m.stop)
	go m.wait(cmd, ptmx, readDone)

	logger.Debugf("🚀 Worker started: pid=%d cmd=%s dir=%s size=%dx%d", pid, opts.Path, opts.Dir, size.Cols, size.Rows)
	return pid, nil
}

func buildEnv(opts SpawnOptions) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)
	if opts.Cols > 0 && opts.Rows > 0 {
		env = append(env,
			"COLUMNS="+strconv.Itoa(int(opts.Cols)),
			"LINES="+strconv.Itoa(int(opts.Rows)),
		)
	}
	return append(env, opts.Env...)
}

func (m *Manager) readLoop(ptmx *os.File, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("❌ Recovered from panic in worker read loop: %v", r)
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 && m.isCurrent(ptmx) {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.onData(chunk)
		}
		if err != nil {
			return
		}
	}
}

// writeLoop is the only writer of ptmx. A blocked write holds no Manager
// lock, so Kill can always close the terminal underneath it.
func (m *Manager) writeLoop(ptmx *os.File, input <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case p := <-input:
			if _, err := ptmx.Write(p); err != nil {
				logger.Debugf("⚠️ Worker input write failed: %v", err)
				return
			}
		}
	}
}

func (m *Manager) wait(cmd *exec.Cmd, ptmx *os.File, readDone <-chan struct{}) {
	err := cmd.Wait()

	exit := Exit{PID: cmd.Process.Pid}
	if cmd.ProcessState != nil {
		exit.Code = cmd.ProcessState.ExitCode()
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signal = ws.Signal().String()
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		exit.Err = err
	}

	// Let the reader drain whatever the process wrote before it exited.
	select {
	case <-readDone:
	case <-time.After(drainGrace):
	}

	m.mu.Lock()
	if m.ptmx == ptmx {
		m.releaseLocked()
	}
	m.mu.Unlock()

	logger.Debugf("🛑 Worker exited: pid=%d code=%d signal=%s", exit.PID, exit.Code, exit.Signal)
	m.onExit(exit)
}

func (m *Manager) isCurrent(ptmx *os.File) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ptmx == ptmx
}

// Write queues p for the worker's terminal input and returns without waiting
// for the worker to read it. Writes are delivered in order.
func (m *Manager) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ptmx == nil {
		return ErrNotRunning
	}
	select {
	case m.input <- append([]byte(nil), p...):
		return nil
	default:
		return ErrInputFull
	}
}

// Resize changes the pty geometry. It is a no-op when nothing is running.
func (m *Manager) Resize(cols, rows uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ptmx == nil || cols == 0 || rows == 0 {
		return nil
	}
	return pty.Setsize(m.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill signals the worker's process group and releases the pty. Errors are
// swallowed: the process may already be gone. The exit callback still fires
// once the process has been reaped.
func (m *Manager) Kill() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd == nil {
		return
	}
	if proc := m.cmd.Process; proc != nil {
		// pty.Start puts the worker in its own session, so its pid is also
		// its process group id.
		_ = syscall.Kill(-proc.Pid, syscall.SIGKILL)
		_ = proc.Kill()
	}
	m.releaseLocked()
}

// releaseLocked closes the terminal, which also fails any write the writer
// goroutine is blocked in.
func (m *Manager) releaseLocked() {
	if m.stop != nil {
		close(m.stop)
	}
	if m.ptmx != nil {
		_ = m.ptmx.Close()
	}
	m.ptmx = nil
	m.cmd = nil
	m.input = nil
	m.stop = nil
}

// Running reports whether a worker process is currently attached.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ptmx != nil
}

// PID returns the running worker's pid, or 0.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}
