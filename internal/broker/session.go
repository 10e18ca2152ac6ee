package broker

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/vanpelt/runbridge/internal/auth"
	"github.com/vanpelt/runbridge/internal/config"
	"github.com/vanpelt/runbridge/internal/logger"
	"github.com/vanpelt/runbridge/internal/protocol"
	"github.com/vanpelt/runbridge/internal/worker"
)

// ErrClosed is returned by operations on a disposed Session or Registry.
var ErrClosed = errors.New("session is closed")

// Phase is the externally observable lifecycle state of a Session.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
)

// Process is the pty-backed worker a Session drives. worker.Manager is the
// production implementation. Spawn must not invoke the callbacks it was
// created with synchronously.
type Process interface {
	Spawn(opts worker.SpawnOptions) (int, error)
	Write(p []byte) error
	Resize(cols, rows uint16) error
	Kill()
}

// ProcessFactory builds a Process whose output and exit are reported through
// the given callbacks.
type ProcessFactory func(onData func([]byte), onExit func(worker.Exit)) Process

// NewWorkerProcess is the default ProcessFactory.
func NewWorkerProcess(onData func([]byte), onExit func(worker.Exit)) Process {
	return worker.New(onData, onExit)
}

// Viewer is one attached transport connection. Send must not block: the
// Session calls it while holding its lock.
type Viewer interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// CredentialSource yields the stored credential, or nil when there is none.
type CredentialSource interface {
	Load() (*auth.Credential, error)
}

// Options configures every Session created from them.
type Options struct {
	Command string
	Args    []string
	Dir     string
	// Local workers are spawned without consulting credentials.
	Local bool
	// Endpoint, when set, takes precedence over the credential's endpoint.
	Endpoint string
	Cols     uint16
	Rows     uint16

	IdleTimeout      time.Duration
	BacklogBytes     int
	ReplayChunkBytes int
	// TempDir is the parent for per-start directories; "" means os.TempDir.
	TempDir string
	// MaxSessions is read by Registry only.
	MaxSessions int

	Credentials CredentialSource
	Validator   auth.Validator
	NewProcess  ProcessFactory
}

// OptionsFromConfig maps the broker configuration onto session options.
// Collaborators (credentials, validator) are left for the caller to set.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Command:          cfg.Worker.Command,
		Args:             cfg.Worker.Args,
		Dir:              cfg.Worker.Dir,
		Local:            cfg.Worker.Local,
		Endpoint:         cfg.Auth.Endpoint,
		Cols:             cfg.Worker.Cols,
		Rows:             cfg.Worker.Rows,
		IdleTimeout:      cfg.Session.IdleTimeout,
		BacklogBytes:     cfg.Session.BacklogBytes,
		ReplayChunkBytes: cfg.Session.ReplayChunkBytes,
		MaxSessions:      cfg.Session.MaxSessions,
	}
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = config.DefaultIdleTimeout
	}
	if o.BacklogBytes <= 0 {
		o.BacklogBytes = config.DefaultBacklogBytes
	}
	if o.ReplayChunkBytes <= 0 {
		o.ReplayChunkBytes = config.DefaultReplayChunkBytes
	}
	if o.Cols == 0 || o.Rows == 0 {
		o.Cols, o.Rows = config.DefaultCols, config.DefaultRows
	}
	if o.NewProcess == nil {
		o.NewProcess = NewWorkerProcess
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = config.DefaultMaxSessions
	}
	return o
}

// MaxReplayFrames bounds the number of terminal.data frames one attach
// replays. A chunk cut back to a rune boundary loses at most utf8.UTFMax
// bytes.
func (o Options) MaxReplayFrames() int {
	o = o.withDefaults()
	per := o.ReplayChunkBytes - utf8.UTFMax
	if per < 1 {
		per = 1
	}
	return (o.BacklogBytes+per-1)/per + 1
}

// Status is a point-in-time summary of a Session.
type Status struct {
	ID               string `json:"id"`
	Phase            Phase  `json:"phase"`
	Viewers          int    `json:"viewers"`
	PID              int    `json:"pid,omitempty"`
	ControlConnected bool   `json:"controlConnected"`
	AuthBlocked      bool   `json:"authBlocked"`
	BacklogBytes     int    `json:"backlogBytes"`
}

// Session owns one worker lifecycle and everything a viewer needs to catch
// up: the terminal backlog, the last UI state and the tool UI cache. All
// state changes and the broadcasts they cause happen under mu, so viewers
// never observe a partial update.
type Session struct {
	id   string
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	phase   Phase
	closed  bool
	gen     uint64
	res     *resources
	backlog *backlog
	carry   utf8Carry
	uiState protocol.UIState
	toolUI  map[string]protocol.ToolUIState
	viewers map[string]Viewer

	idleTimer *time.Timer
	idleSeq   uint64

	cols, rows uint16

	// authValidated is set once a validation passed in the current cycle;
	// restarts reuse it instead of probing again.
	authValidated bool
	// authBlocked records that the last start stopped at the credential
	// check, so a credential change can retry it.
	authBlocked bool
}

// NewSession creates an idle session. Nothing is spawned until a viewer
// attaches.
func NewSession(id string, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		opts:    opts,
		log:     logger.ForSession(id),
		ctx:     ctx,
		cancel:  cancel,
		phase:   PhaseIdle,
		backlog: newBacklog(opts.BacklogBytes),
		uiState: protocol.EmptyUIState(),
		toolUI:  make(map[string]protocol.ToolUIState),
		viewers: make(map[string]Viewer),
		cols:    opts.Cols,
		rows:    opts.Rows,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Attach registers v and brings it up to date: backlog replay in bounded
// chunks, then the UI state, then every cached tool UI state. An idle
// session is started afterwards.
func (s *Session) Attach(v Viewer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		_ = v.Close()
		return ErrClosed
	}

	s.cancelIdleTimerLocked()
	s.viewers[v.ID()] = v
	s.log.Info().Str("viewer", v.ID()).Int("viewers", len(s.viewers)).Msg("🔗 viewer attached")

	for _, chunk := range s.backlog.Chunks(s.opts.ReplayChunkBytes) {
		s.sendLocked(v, protocol.TerminalData(string(chunk)))
	}
	if msg, err := protocol.UIStateMessage(s.uiState); err == nil {
		s.sendLocked(v, msg)
	}
	for _, st := range s.toolUI {
		s.sendLocked(v, protocol.ToolUIStateMessage(st))
	}

	if s.phase == PhaseIdle {
		s.startLocked()
	}
	return nil
}

// Detach removes the viewer with the given id. When the last viewer leaves,
// the idle timer is armed.
func (s *Session) Detach(viewerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.viewers[viewerID]; !ok {
		return
	}
	delete(s.viewers, viewerID)
	s.log.Info().Str("viewer", viewerID).Int("viewers", len(s.viewers)).Msg("🔌 viewer detached")

	if len(s.viewers) == 0 && s.idleTimer == nil && !s.closed {
		s.armIdleTimerLocked()
	}
}

func (s *Session) armIdleTimerLocked() {
	s.idleSeq++
	seq := s.idleSeq
	s.idleTimer = time.AfterFunc(s.opts.IdleTimeout, func() { s.idleExpired(seq) })
	s.log.Debug().Dur("timeout", s.opts.IdleTimeout).Msg("⏲️ idle timer armed")
}

func (s *Session) cancelIdleTimerLocked() {
	if s.idleTimer == nil {
		return
	}
	s.idleTimer.Stop()
	s.idleTimer = nil
	s.idleSeq++
}

func (s *Session) idleExpired(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.idleSeq != seq || s.idleTimer == nil || len(s.viewers) > 0 {
		return
	}
	s.idleTimer = nil
	s.log.Info().Msg("🧹 idle timeout reached, stopping worker and clearing state")

	s.stopLocked()
	s.backlog.Reset()
	s.uiState = protocol.EmptyUIState()
	s.toolUI = make(map[string]protocol.ToolUIState)
	s.authValidated = false
	s.authBlocked = false
}

// Restart tears down any running worker and starts a new one. Credential
// validation is skipped when it already passed in this cycle.
func (s *Session) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.log.Info().Str("phase", string(s.phase)).Msg("🔄 restart requested")
	s.stopLocked()
	s.startLocked()
	return nil
}

// Stop tears down the worker and leaves the session idle. Cached state is
// kept.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// CredentialsChanged forgets any earlier validation and, when the last start
// was blocked by the credential check and viewers are waiting, starts again.
func (s *Session) CredentialsChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authValidated = false
	if s.closed || !s.authBlocked || len(s.viewers) == 0 {
		return
	}
	s.authBlocked = false
	s.log.Info().Msg("🔑 credentials changed, retrying start")
	s.stopLocked()
	s.startLocked()
}

// Close disposes of the session: the worker is stopped and every viewer is
// closed. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	s.cancelIdleTimerLocked()
	s.stopLocked()

	viewers := make([]Viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.viewers = make(map[string]Viewer)
	s.mu.Unlock()

	for _, v := range viewers {
		_ = v.Close()
	}
	s.log.Info().Int("viewers", len(viewers)).Msg("🛑 session closed")
	return nil
}

// Status reports the session's current phase and counters.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:           s.id,
		Phase:        s.phase,
		Viewers:      len(s.viewers),
		AuthBlocked:  s.authBlocked,
		BacklogBytes: s.backlog.Len(),
	}
	if s.res != nil {
		st.PID = s.res.pid
		st.ControlConnected = s.res.listener != nil && s.res.listener.Connected()
	}
	return st
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Backlog returns a copy of the retained terminal output.
func (s *Session) Backlog() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog.Bytes()
}

// UIState returns the last UI state received from the worker.
func (s *Session) UIState() protocol.UIState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uiState.Normalize()
}

// ToolUIStates returns a copy of the tool UI cache.
func (s *Session) ToolUIStates() map[string]protocol.ToolUIState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]protocol.ToolUIState, len(s.toolUI))
	for k, v := range s.toolUI {
		out[k] = v
	}
	return out
}

// Geometry is the terminal size used for the next spawn.
func (s *Session) Geometry() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

func (s *Session) sendLocked(v Viewer, msg protocol.Message) {
	frame, err := msg.Marshal()
	if err != nil {
		s.log.Warn().Err(err).Str("type", msg.Type).Msg("failed to encode viewer frame")
		return
	}
	if err := v.Send(frame); err != nil {
		s.log.Debug().Err(err).Str("viewer", v.ID()).Msg("viewer send failed")
	}
}

func (s *Session) broadcastLocked(msg protocol.Message) {
	if len(s.viewers) == 0 {
		return
	}
	frame, err := msg.Marshal()
	if err != nil {
		s.log.Warn().Err(err).Str("type", msg.Type).Msg("failed to encode viewer frame")
		return
	}
	for id, v := range s.viewers {
		if err := v.Send(frame); err != nil {
			s.log.Debug().Err(err).Str("viewer", id).Msg("viewer send failed")
		}
	}
}
