package worker

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	out   bytes.Buffer
	exits chan Exit
}

func newRecorder() *recorder {
	return &recorder{exits: make(chan Exit, 4)}
}

func (r *recorder) onData(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Write(p)
}

func (r *recorder) onExit(e Exit) {
	r.exits <- e
}

func (r *recorder) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.String()
}

func (r *recorder) waitExit(t *testing.T) Exit {
	t.Helper()
	select {
	case e := <-r.exits:
		return e
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for worker exit")
		return Exit{}
	}
}

func TestManagerReportsOutputAndExit(t *testing.T) {
	rec := newRecorder()
	m := New(rec.onData, rec.onExit)

	pid, err := m.Spawn(SpawnOptions{
		Path: "/bin/sh",
		Args: []string{"-c", `printf "socket=%s" "$RUNBRIDGE_CONTROL_SOCKET"; exit 3`},
		Dir:  t.TempDir(),
		Env:  []string{"RUNBRIDGE_CONTROL_SOCKET=/tmp/control.sock"},
		Cols: 100,
		Rows: 30,
	})
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	exit := rec.waitExit(t)
	assert.Equal(t, pid, exit.PID)
	assert.Equal(t, 3, exit.Code)
	assert.Contains(t, rec.output(), "socket=/tmp/control.sock")
	assert.False(t, m.Running())
	assert.Zero(t, m.PID())
}

func TestManagerWriteEchoesThroughTerminal(t *testing.T) {
	rec := newRecorder()
	m := New(rec.onData, rec.onExit)

	_, err := m.Spawn(SpawnOptions{Path: "/bin/cat"})
	require.NoError(t, err)
	t.Cleanup(m.Kill)

	require.NoError(t, m.Write([]byte("ping\n")))
	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(rec.output()), []byte("ping"))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManagerRejectsSecondSpawn(t *testing.T) {
	rec := newRecorder()
	m := New(rec.onData, rec.onExit)

	_, err := m.Spawn(SpawnOptions{Path: "/bin/cat"})
	require.NoError(t, err)
	t.Cleanup(m.Kill)

	_, err = m.Spawn(SpawnOptions{Path: "/bin/cat"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestManagerKillIsBestEffort(t *testing.T) {
	rec := newRecorder()
	m := New(rec.onData, rec.onExit)

	pid, err := m.Spawn(SpawnOptions{Path: "/bin/sleep", Args: []string{"30"}})
	require.NoError(t, err)
	assert.Equal(t, pid, m.PID())

	m.Kill()
	assert.False(t, m.Running())

	exit := rec.waitExit(t)
	assert.Equal(t, pid, exit.PID)
	assert.NotEmpty(t, exit.Signal)

	// Killing again, writing and resizing without a process must not panic.
	m.Kill()
	assert.ErrorIs(t, m.Write([]byte("x")), ErrNotRunning)
	assert.NoError(t, m.Resize(120, 40))
}

func TestManagerResizePropagates(t *testing.T) {
	rec := newRecorder()
	m := New(rec.onData, rec.onExit)

	_, err := m.Spawn(SpawnOptions{
		Path: "/bin/sh",
		Args: []string{"-c", "sleep 0.3; stty size"},
		Cols: 80,
		Rows: 24,
	})
	require.NoError(t, err)
	require.NoError(t, m.Resize(132, 43))

	rec.waitExit(t)
	assert.Contains(t, rec.output(), "43 132")
}

func TestManagerSpawnFailure(t *testing.T) {
	m := New(nil, nil)
	_, err := m.Spawn(SpawnOptions{Path: "/definitely/not/a/binary"})
	assert.Error(t, err)
	assert.False(t, m.Running())

	_, err = m.Spawn(SpawnOptions{})
	assert.Error(t, err)
}

func TestManagerKillWithStalledInput(t *testing.T) {
	rec := newRecorder()
	m := New(rec.onData, rec.onExit)

	pid, err := m.Spawn(SpawnOptions{Path: "/bin/sh", Args: []string{"-c", "stty raw -echo; sleep 30"}})
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	// Far more than the terminal buffers; the worker never reads it.
	big := bytes.Repeat([]byte("x"), 1<<20)
	written := make(chan error, 1)
	go func() { written <- m.Write(big) }()
	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Write blocked on a worker that is not reading")
	}

	full := false
	for i := 0; i < 2*inputQueueSize && !full; i++ {
		full = errors.Is(m.Write([]byte("y")), ErrInputFull)
	}
	assert.True(t, full, "queue should report a stalled worker")

	killed := make(chan struct{})
	go func() {
		m.Kill()
		close(killed)
	}()
	select {
	case <-killed:
	case <-time.After(3 * time.Second):
		t.Fatal("Kill blocked behind pending terminal input")
	}

	exit := rec.waitExit(t)
	assert.Equal(t, pid, exit.PID)
	assert.False(t, m.Running())
}
