package handlers

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vanpelt/runbridge/internal/auth"
	"github.com/vanpelt/runbridge/internal/broker"
	"github.com/vanpelt/runbridge/internal/worker"
)

// stubProcess stands in for a PTY worker. Output is injected with emit.
type stubProcess struct {
	mu     sync.Mutex
	onData func([]byte)
	writes []byte
}

func (p *stubProcess) Spawn(worker.SpawnOptions) (int, error) { return 4242, nil }

func (p *stubProcess) Write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, b...)
	return nil
}

func (p *stubProcess) Resize(cols, rows uint16) error { return nil }
func (p *stubProcess) Kill()                          {}

func (p *stubProcess) emit(s string) { p.onData([]byte(s)) }

func (p *stubProcess) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.writes)
}

type stubFactory struct {
	mu    sync.Mutex
	procs []*stubProcess
}

func (f *stubFactory) New(onData func([]byte), onExit func(worker.Exit)) broker.Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &stubProcess{onData: onData}
	f.procs = append(f.procs, p)
	return p
}

func (f *stubFactory) last() *stubProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

func newTestRegistry(t *testing.T) (*broker.Registry, *stubFactory) {
	t.Helper()
	return newTestRegistryWith(t, func(*broker.Options) {})
}

func newTestRegistryWith(t *testing.T, tweak func(*broker.Options)) (*broker.Registry, *stubFactory) {
	t.Helper()
	f := &stubFactory{}
	opts := broker.Options{
		Command:     "stub",
		Local:       true,
		Cols:        80,
		Rows:        24,
		IdleTimeout: time.Minute,
		TempDir:     t.TempDir(),
		NewProcess:  f.New,
	}
	tweak(&opts)
	reg := broker.NewRegistry(opts)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, f
}

// startSession creates id and waits for its worker to be running.
func startSession(t *testing.T, reg *broker.Registry, id string) *broker.Session {
	t.Helper()
	s, err := reg.GetOrCreate(id)
	require.NoError(t, err)
	require.NoError(t, s.Restart())
	require.Eventually(t, func() bool { return s.Phase() == broker.PhaseRunning },
		2*time.Second, 5*time.Millisecond)
	return s
}

type memCreds struct {
	mu   sync.Mutex
	cred *auth.Credential
	err  error
}

func (c *memCreds) Load() (*auth.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil {
		return nil, c.err
	}
	cp := *c.cred
	return &cp, c.err
}

func (c *memCreds) set(cred *auth.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = cred
}
