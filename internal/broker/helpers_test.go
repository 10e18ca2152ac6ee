package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vanpelt/runbridge/internal/auth"
	"github.com/vanpelt/runbridge/internal/protocol"
	"github.com/vanpelt/runbridge/internal/worker"
)

type fakeProcess struct {
	onData func([]byte)
	onExit func(worker.Exit)

	mu      sync.Mutex
	opts    worker.SpawnOptions
	pid     int
	spawned bool
	killed  bool
	exited  bool
	writes  strings.Builder
	resizes [][2]uint16
	err     error
}

func (p *fakeProcess) Spawn(opts worker.SpawnOptions) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.opts = opts
	p.spawned = true
	return p.pid, nil
}

func (p *fakeProcess) Write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes.Write(b)
	return nil
}

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]uint16{cols, rows})
	return nil
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
}

func (p *fakeProcess) emit(s string) {
	p.onData([]byte(s))
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	p.exited = true
	pid := p.pid
	p.mu.Unlock()
	p.onExit(worker.Exit{PID: pid, Code: code})
}

func (p *fakeProcess) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes.String()
}

func (p *fakeProcess) live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawned && !p.killed && !p.exited
}

func (p *fakeProcess) env(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, kv := range p.opts.Env {
		if strings.HasPrefix(kv, key+"=") {
			return strings.TrimPrefix(kv, key+"=")
		}
	}
	return ""
}

type fakeFactory struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	spawnErr error
}

func (f *fakeFactory) New(onData func([]byte), onExit func(worker.Exit)) Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProcess{onData: onData, onExit: onExit, pid: 1000 + len(f.procs), err: f.spawnErr}
	f.procs = append(f.procs, p)
	return p
}

func (f *fakeFactory) spawned() []*fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeProcess
	for _, p := range f.procs {
		p.mu.Lock()
		ok := p.spawned
		p.mu.Unlock()
		if ok {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeFactory) live() int {
	n := 0
	for _, p := range f.spawned() {
		if p.live() {
			n++
		}
	}
	return n
}

func (f *fakeFactory) last(t *testing.T) *fakeProcess {
	t.Helper()
	procs := f.spawned()
	require.NotEmpty(t, procs, "no worker was spawned")
	return procs[len(procs)-1]
}

type fakeViewer struct {
	id string

	mu     sync.Mutex
	frames []protocol.Message
	closed bool
}

var viewerSeq atomic.Int64

func newViewer() *fakeViewer {
	return &fakeViewer{id: fmt.Sprintf("viewer-%d", viewerSeq.Add(1))}
}

func (v *fakeViewer) ID() string { return v.id }

func (v *fakeViewer) Send(frame []byte) error {
	msg, err := protocol.Parse(frame)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frames = append(v.frames, msg)
	return nil
}

func (v *fakeViewer) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

func (v *fakeViewer) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *fakeViewer) ofType(typ string) []protocol.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []protocol.Message
	for _, m := range v.frames {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (v *fakeViewer) terminal() string {
	var b strings.Builder
	for _, m := range v.ofType(protocol.TypeTerminalData) {
		b.WriteString(m.Data)
	}
	return b.String()
}

func (v *fakeViewer) lastUIState(t *testing.T) protocol.UIState {
	t.Helper()
	msgs := v.ofType(protocol.TypeUIState)
	require.NotEmpty(t, msgs)
	var st protocol.UIState
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].State, &st))
	return st
}

type staticCreds struct {
	mu   sync.Mutex
	cred *auth.Credential
	err  error
}

func (c *staticCreds) Load() (*auth.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil {
		return nil, c.err
	}
	cp := *c.cred
	return &cp, c.err
}

func (c *staticCreds) set(cred *auth.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = cred
}

type fakeValidator struct {
	calls  atomic.Int32
	delay  time.Duration
	result auth.Result
}

func (v *fakeValidator) Validate(ctx context.Context, endpoint, token string) auth.Result {
	v.calls.Add(1)
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return auth.Result{Message: "validation cancelled"}
		}
	}
	return v.result
}

func validCred() *auth.Credential {
	return &auth.Credential{Endpoint: "https://api.example.com", AccessToken: "tok-123", DeviceID: "dev"}
}

// newTestSession builds a session with a fake worker factory. It is closed
// when the test ends.
func newTestSession(t *testing.T, mutate func(*Options)) (*Session, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	opts := Options{
		Command:     "runner",
		Local:       true,
		IdleTimeout: time.Hour,
		NewProcess:  factory.New,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := NewSession("test", opts)
	t.Cleanup(func() { _ = s.Close() })
	return s, factory
}

func waitPhase(t *testing.T, s *Session, phase Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Phase() == phase }, 3*time.Second, 5*time.Millisecond,
		"session never reached phase %s", phase)
}

// controlPeer connects to the worker control socket the way a real worker
// would, using the path from its environment.
type controlPeer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialControl(t *testing.T, s *Session, p *fakeProcess) *controlPeer {
	t.Helper()
	path := p.env(EnvControlSocket)
	require.NotEmpty(t, path)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return s.Status().ControlConnected }, 3*time.Second, 5*time.Millisecond)
	return &controlPeer{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *controlPeer) send(t *testing.T, v interface{}) {
	t.Helper()
	frame, err := protocol.Encode(v)
	require.NoError(t, err)
	_, err = c.conn.Write(frame)
	require.NoError(t, err)
}

func (c *controlPeer) read(t *testing.T) protocol.Message {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(t, err)
	msg, err := protocol.Parse(line)
	require.NoError(t, err)
	return msg
}

func frame(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
