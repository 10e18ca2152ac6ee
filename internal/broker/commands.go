package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vanpelt/runbridge/internal/control"
	"github.com/vanpelt/runbridge/internal/protocol"
)

var timeNow = time.Now

// HandleViewerMessage applies one command frame from a viewer. Commands are
// at-most-once: anything malformed, unknown or not applicable in the current
// phase is dropped.
func (s *Session) HandleViewerMessage(raw []byte) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping malformed viewer frame")
		return
	}

	switch msg.Type {
	case protocol.TypeSessionRestart:
		_ = s.Restart()
	case protocol.TypeTerminalResize:
		s.resize(msg.Cols, msg.Rows)
	case protocol.TypeTerminalKey:
		if proc := s.process(); proc != nil && msg.Data != "" {
			_ = proc.Write([]byte(msg.Data))
		}
	case protocol.TypeInputSubmit:
		s.submit(msg.Text)
	case protocol.TypeUIAction:
		if len(msg.Action) == 0 {
			return
		}
		s.sendControl(protocol.RunnerUIAction(msg.Action))
	case protocol.TypeToolUIEvent:
		if msg.ToolCallID == "" {
			return
		}
		s.sendControl(protocol.RunnerToolUIEvent(msg.ToolCallID, msg.Event))
	default:
		s.log.Debug().Str("type", msg.Type).Msg("ignoring unknown viewer command")
	}
}

func (s *Session) process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res == nil {
		return nil
	}
	return s.res.proc
}

func (s *Session) controlListener() *control.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res == nil {
		return nil
	}
	return s.res.listener
}

// resize remembers the geometry for the next spawn and forwards it to a
// running worker.
func (s *Session) resize(cols, rows uint16) {
	if cols == 0 || rows == 0 {
		return
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	var proc Process
	if s.res != nil {
		proc = s.res.proc
	}
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Resize(cols, rows); err != nil {
			s.log.Debug().Err(err).Msg("worker resize failed")
		}
	}
}

// submit prefers the control channel. A worker that has not connected it yet
// still accepts the text typed into its terminal followed by a carriage
// return.
func (s *Session) submit(text string) {
	if ln := s.controlListener(); ln != nil && ln.Connected() {
		err := ln.Send(protocol.RunnerSubmit(text))
		if err == nil {
			return
		}
		if !errors.Is(err, control.ErrNoPeer) {
			s.log.Debug().Err(err).Msg("control submit failed")
			return
		}
	}
	if proc := s.process(); proc != nil {
		_ = proc.Write([]byte(text + "\r"))
	}
}

// sendControl forwards a structured message to the worker. There is no
// fallback: without a control peer the message is dropped.
func (s *Session) sendControl(msg protocol.Message) {
	ln := s.controlListener()
	if ln == nil {
		return
	}
	if err := ln.Send(msg); err != nil && !errors.Is(err, control.ErrNoPeer) {
		s.log.Debug().Err(err).Str("type", msg.Type).Msg("control send failed")
	}
}

// handleControl applies a message from the worker of generation gen.
func (s *Session) handleControl(gen uint64, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.res == nil || s.res.gen != gen {
		return
	}

	switch msg.Type {
	case protocol.TypeRunnerReady:
		s.log.Debug().Int("pid", msg.PID).Msg("worker ready")
		s.broadcastUIStateLocked()
	case protocol.TypeRunnerUIState:
		state, err := protocol.DecodeUIState(msg.State)
		if err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed ui state")
			return
		}
		s.uiState = state
		s.pruneToolUILocked(state.CurrentApprovalID())
		s.broadcastUIStateLocked()
	case protocol.TypeRunnerToolUIState:
		if msg.ToolCallID == "" {
			return
		}
		st := protocol.ToolUIState{ToolCallID: msg.ToolCallID, ToolName: msg.ToolName, State: msg.State}
		s.toolUI[st.ToolCallID] = st
		s.broadcastLocked(protocol.ToolUIStateMessage(st))
	case protocol.TypeRunnerLog:
		s.appendTerminalLocked([]byte(formatLogLine(msg.Level, msg.Message)))
	default:
		s.log.Debug().Str("type", msg.Type).Msg("ignoring unknown control message")
	}
}

// pruneToolUILocked drops tool UI states that no longer belong to the
// current approval.
func (s *Session) pruneToolUILocked(currentID string) {
	for id := range s.toolUI {
		if id != currentID {
			delete(s.toolUI, id)
		}
	}
}

func (s *Session) broadcastUIStateLocked() {
	msg, err := protocol.UIStateMessage(s.uiState)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to encode ui state")
		return
	}
	s.broadcastLocked(msg)
}

var levelColors = map[string]string{
	"error": "\x1b[31m",
	"warn":  "\x1b[33m",
	"debug": "\x1b[2m",
}

// formatLogLine renders a worker log message as a terminal line so it lands
// in the same scrollback as process output.
func formatLogLine(level, message string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "":
		level = "info"
	case "warning":
		level = "warn"
	}

	tag := fmt.Sprintf("[runner:%s]", level)
	if color, ok := levelColors[level]; ok {
		tag = color + tag + "\x1b[0m"
	}
	return tag + " " + crlf(strings.TrimRight(message, "\r\n")) + "\r\n"
}
