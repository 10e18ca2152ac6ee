// Package devrunner is a stand-in worker for local development and tests. It
// speaks the control protocol without doing any real work: it announces
// itself, publishes a UI snapshot and echoes whatever it is given.
package devrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vanpelt/runbridge/internal/protocol"
)

// Prompt is written after every reply.
const Prompt = "\x1b[1m> \x1b[0m"

var models = []protocol.SelectOption{
	{ID: "echo-small", Label: "Echo (small)", Selected: true},
	{ID: "echo-large", Label: "Echo (large)"},
}

// Runner drives one control connection and one terminal.
type Runner struct {
	conn net.Conn
	out  io.Writer

	mu      sync.Mutex
	writeMu sync.Mutex
	outMu   sync.Mutex
	pending []protocol.ApprovalRequest
	calls   int
}

// Run connects to socketPath and serves until ctx is done, in reaches EOF or
// the broker hangs up.
func Run(ctx context.Context, socketPath string, in io.Reader, out io.Writer) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to control socket: %w", err)
	}
	defer conn.Close()

	r := &Runner{conn: conn, out: out}

	fmt.Fprint(out, "\x1b]0;devrunner\x07devrunner ready. Type a line, or \"approve\" to request a tool call.\r\n"+Prompt)
	if err := r.send(protocol.Message{Type: protocol.TypeRunnerReady}); err != nil {
		return err
	}
	if err := r.publishUIState(); err != nil {
		return err
	}
	_ = r.log("info", "devrunner started")

	errCh := make(chan error, 2)
	go func() { errCh <- r.readControl() }()
	go func() { errCh <- r.readTerminal(in) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (r *Runner) send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = r.conn.Write(frame)
	return err
}

func (r *Runner) printf(format string, args ...interface{}) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *Runner) log(level, message string) error {
	return r.send(protocol.Message{Type: protocol.TypeRunnerLog, Level: level, Message: message})
}

func (r *Runner) publishUIState() error {
	r.mu.Lock()
	state := protocol.EmptyUIState()
	state.Models = models
	state.PendingApprovals = append(state.PendingApprovals, r.pending...)
	if len(r.pending) > 0 {
		o := protocol.OverlayApproval
		state.ActiveOverlay = &o
	}
	r.mu.Unlock()

	raw, err := json.Marshal(state.Normalize())
	if err != nil {
		return err
	}
	return r.send(protocol.Message{Type: protocol.TypeRunnerUIState, State: raw})
}

func (r *Runner) readTerminal(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := r.handleLine(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (r *Runner) readControl() error {
	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			var handleErr error
			dec.Feed(buf[:n], func(raw json.RawMessage) {
				msg, perr := protocol.Parse(raw)
				if perr != nil || handleErr != nil {
					return
				}
				handleErr = r.handleControl(msg)
			})
			if handleErr != nil {
				return handleErr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (r *Runner) handleControl(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeRunnerSubmit:
		return r.handleLine(msg.Text)
	case protocol.TypeRunnerUIAction:
		var action struct {
			Type       string `json:"type"`
			ToolCallID string `json:"toolCallId"`
		}
		if err := json.Unmarshal(msg.Action, &action); err != nil {
			return r.log("warn", "unreadable ui action")
		}
		return r.resolve(action.ToolCallID, action.Type)
	case protocol.TypeRunnerToolUIEvent:
		return r.log("debug", "tool event for "+msg.ToolCallID)
	}
	return nil
}

func (r *Runner) handleLine(line string) error {
	if line == "approve" {
		r.mu.Lock()
		r.calls++
		req := protocol.ApprovalRequest{
			ToolCallID: fmt.Sprintf("call-%d", r.calls),
			ToolName:   "echo",
			Args:       `{"text":"hello"}`,
		}
		r.pending = append(r.pending, req)
		r.mu.Unlock()

		r.printf("\r\nwaiting for approval of %s\r\n", req.ToolCallID)
		if err := r.publishUIState(); err != nil {
			return err
		}
		state, _ := json.Marshal(map[string]string{"kind": "pending"})
		return r.send(protocol.Message{
			Type:       protocol.TypeRunnerToolUIState,
			ToolCallID: req.ToolCallID,
			ToolName:   req.ToolName,
			State:      state,
		})
	}

	r.printf("\r\necho: %s\r\n%s", line, Prompt)
	return nil
}

// resolve removes an approval, reporting how it ended.
func (r *Runner) resolve(toolCallID, decision string) error {
	r.mu.Lock()
	found := false
	for i, p := range r.pending {
		if p.ToolCallID == toolCallID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			found = true
			break
		}
	}
	r.mu.Unlock()
	if !found {
		return r.log("warn", "no pending approval "+toolCallID)
	}

	r.printf("\r\n%s: %s\r\n%s", toolCallID, decision, Prompt)
	if err := r.publishUIState(); err != nil {
		return err
	}
	state, _ := json.Marshal(map[string]string{"kind": "done", "decision": decision})
	return r.send(protocol.Message{
		Type:       protocol.TypeRunnerToolUIState,
		ToolCallID: toolCallID,
		ToolName:   "echo",
		State:      state,
	})
}
