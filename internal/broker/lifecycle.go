package broker

import (
	"fmt"
	"os"
	"strings"

	"github.com/vanpelt/runbridge/internal/auth"
	"github.com/vanpelt/runbridge/internal/control"
	"github.com/vanpelt/runbridge/internal/protocol"
	"github.com/vanpelt/runbridge/internal/recovery"
	"github.com/vanpelt/runbridge/internal/worker"
)

// Environment handed to every worker.
const (
	EnvControlSocket = "RUNBRIDGE_CONTROL_SOCKET"
	EnvToken         = "RUNBRIDGE_TOKEN"
	EnvEndpoint      = "RUNBRIDGE_ENDPOINT"
)

const diagnosticPrefix = "\x1b[2m[runbridge]\x1b[0m "

// resources is everything one worker lifetime holds. teardown releases them
// in a fixed order and carries on past individual failures.
type resources struct {
	gen      uint64
	dir      string
	listener *control.Listener
	proc     Process
	pid      int
}

func (r *resources) teardown() {
	if r.listener != nil {
		_ = r.listener.ClosePeer()
		_ = r.listener.Close()
	}
	if r.proc != nil {
		r.proc.Kill()
	}
	if r.dir != "" {
		_ = os.RemoveAll(r.dir)
	}
}

// startLocked moves an idle session to starting and launches the start
// sequence. The generation captured here lets the sequence detect that a
// restart or stop overtook it.
func (s *Session) startLocked() {
	if s.closed || s.phase != PhaseIdle {
		return
	}
	s.gen++
	s.phase = PhaseStarting

	gen, skipValidation := s.gen, s.authValidated
	go func() {
		if recovery.Run("session start "+s.id, func() { s.start(gen, skipValidation) }, nil) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.current(gen) {
				s.failStartLocked(fmt.Errorf("internal error during start"))
			}
		}
	}()
}

// stopLocked tears down the current worker, abandons any in-flight start and
// returns the session to idle.
func (s *Session) stopLocked() {
	s.gen++
	if s.res != nil {
		s.log.Info().Int("pid", s.res.pid).Msg("🛑 stopping worker")
		s.res.teardown()
		s.res = nil
	}
	s.carry.Reset()
	s.phase = PhaseIdle
}

func (s *Session) current(gen uint64) bool {
	return !s.closed && s.gen == gen && s.phase == PhaseStarting
}

func (s *Session) start(gen uint64, skipValidation bool) {
	cred, endpoint, ok := s.checkCredentials(gen, skipValidation)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(gen) {
		return
	}
	if err := s.spawnLocked(gen, cred, endpoint); err != nil {
		s.failStartLocked(err)
	}
}

// checkCredentials runs outside the session lock since validation makes a
// network call. A false result means the start was refused or overtaken.
func (s *Session) checkCredentials(gen uint64, skipValidation bool) (*auth.Credential, string, bool) {
	var cred *auth.Credential
	var loadErr error
	if s.opts.Credentials != nil {
		cred, loadErr = s.opts.Credentials.Load()
	}
	endpoint := s.opts.Endpoint
	if endpoint == "" && cred != nil {
		endpoint = cred.Endpoint
	}

	if s.opts.Local {
		// Local workers may still use a token when one happens to exist.
		return cred, endpoint, true
	}

	switch {
	case loadErr != nil:
		return nil, "", s.refuseStart(gen, fmt.Sprintf("could not read credentials: %v", loadErr))
	case cred == nil:
		return nil, "", s.refuseStart(gen, "not authenticated: run `runbridge login` and restart the session")
	case cred.Expired(timeNow()):
		return nil, "", s.refuseStart(gen, "stored credential has expired: run `runbridge login` and restart the session")
	case endpoint == "" || skipValidation:
		return cred, endpoint, true
	}

	if s.opts.Validator == nil {
		return cred, endpoint, true
	}
	res := s.opts.Validator.Validate(s.ctx, endpoint, cred.AccessToken)
	if !res.OK {
		return nil, "", s.refuseStart(gen, "authentication failed: "+res.Message)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(gen) {
		return nil, "", false
	}
	s.authValidated = true
	return cred, endpoint, true
}

// refuseStart reports a precondition failure. It is a diagnostic line only;
// no session.error is sent because nothing was spawned.
func (s *Session) refuseStart(gen uint64, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(gen) {
		return false
	}
	s.log.Warn().Str("reason", reason).Msg("🔒 worker start refused")
	s.authBlocked = true
	s.authValidated = false
	s.phase = PhaseIdle
	s.diagnosticLocked(reason)
	return false
}

func (s *Session) failStartLocked(err error) {
	s.log.Error().Err(err).Msg("❌ worker start failed")
	s.phase = PhaseIdle
	s.diagnosticLocked("failed to start worker: " + err.Error())
	s.broadcastLocked(protocol.SessionError(err.Error()))
}

func (s *Session) spawnLocked(gen uint64, cred *auth.Credential, endpoint string) error {
	res := &resources{gen: gen}

	dir, err := os.MkdirTemp(s.opts.TempDir, "runbridge-")
	if err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	res.dir = dir

	ln, err := control.Listen(dir, control.Handlers{
		OnMessage:    func(msg protocol.Message) { s.handleControl(gen, msg) },
		OnConnect:    func() { s.log.Info().Msg("📡 worker connected to control channel") },
		OnDisconnect: func() { s.log.Info().Msg("📡 worker disconnected from control channel") },
	})
	if err != nil {
		res.teardown()
		return err
	}
	res.listener = ln

	env := []string{EnvControlSocket + "=" + ln.Path()}
	if cred != nil {
		env = append(env, EnvToken+"="+cred.AccessToken)
	}
	if endpoint != "" {
		env = append(env, EnvEndpoint+"="+endpoint)
	}

	proc := s.opts.NewProcess(
		func(p []byte) { s.handleOutput(gen, p) },
		func(e worker.Exit) { s.handleExit(gen, e) },
	)
	pid, err := proc.Spawn(worker.SpawnOptions{
		Path: s.opts.Command,
		Args: s.opts.Args,
		Dir:  s.opts.Dir,
		Env:  env,
		Cols: s.cols,
		Rows: s.rows,
	})
	if err != nil {
		res.teardown()
		return err
	}
	res.proc = proc
	res.pid = pid

	s.res = res
	s.phase = PhaseRunning
	s.authBlocked = false
	s.log.Info().Int("pid", pid).Str("socket", ln.Path()).Msg("🚀 worker running")
	return nil
}

func (s *Session) handleOutput(gen uint64, p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.res == nil || s.res.gen != gen {
		return
	}
	s.appendTerminalLocked(s.carry.Complete(p))
}

// handleExit treats every exit the same way: the worker's own log output is
// expected to explain abnormal ones.
func (s *Session) handleExit(gen uint64, e worker.Exit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.res == nil || s.res.gen != gen {
		return
	}
	s.log.Info().Int("pid", e.PID).Int("code", e.Code).Str("signal", e.Signal).Msg("worker exited")

	s.res.teardown()
	s.res = nil
	s.carry.Reset()
	s.phase = PhaseIdle

	detail := fmt.Sprintf("code %d", e.Code)
	if e.Signal != "" {
		detail = e.Signal
	}
	s.diagnosticLocked("worker exited (" + detail + ")")
}

func (s *Session) appendTerminalLocked(p []byte) {
	if len(p) == 0 {
		return
	}
	s.backlog.Append(p)
	s.broadcastLocked(protocol.TerminalData(string(p)))
}

func (s *Session) diagnosticLocked(text string) {
	s.appendTerminalLocked([]byte("\r\n" + diagnosticPrefix + crlf(text) + "\r\n"))
}

func crlf(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\n", "\r\n")
}
