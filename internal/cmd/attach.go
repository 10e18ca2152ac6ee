package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vanpelt/runbridge/internal/broker"
	"github.com/vanpelt/runbridge/internal/protocol"
	"github.com/vanpelt/runbridge/internal/viewer"
	"golang.org/x/term"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

var attachCmd = &cobra.Command{
	Use:   "attach [session]",
	Short: "👀 Attach this terminal to a session as a viewer",
	Long: `# 👀 Attach

**Watch and drive a session** from this terminal. The session's backlog is
replayed first, then live output follows. Keystrokes are forwarded to the
worker and the terminal size is kept in sync.

Press **Ctrl-]** to detach. The worker keeps running for other viewers.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	sessionID := broker.DefaultSessionID
	if len(args) == 1 {
		sessionID = args[0]
	}

	client := viewer.NewClient(sessionID, apiToken)
	client.SetMessageHandler(func(msg protocol.Message) {
		switch msg.Type {
		case protocol.TypeTerminalData:
			_, _ = io.WriteString(os.Stdout, msg.Data)
		case protocol.TypeSessionError:
			fmt.Fprintf(os.Stderr, "\r\n%s\r\n", errorStyle.Render("session error: "+msg.Message))
		}
	})
	var readErr error
	client.SetErrorHandler(func(err error) { readErr = err })

	if err := client.Connect(serverURL); err != nil {
		return err
	}
	defer client.Close()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to make stdin raw: %w", err)
		}
		defer func() {
			if err := term.Restore(fd, oldState); err != nil {
				fmt.Fprintf(os.Stderr, "attach: failed to restore terminal: %v\n", err)
			}
		}()

		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGWINCH)
		defer signal.Stop(ch)
		go func() {
			for range ch {
				if cols, rows, err := term.GetSize(fd); err == nil {
					_ = client.Resize(uint16(cols), uint16(rows))
				}
			}
		}()
		ch <- syscall.SIGWINCH // Initial resize
	}

	detached := make(chan struct{})
	go func() {
		defer close(detached)
		forwardKeys(os.Stdin, client)
	}()

	select {
	case <-client.Done():
		if readErr != nil {
			return fmt.Errorf("connection lost: %w", readErr)
		}
	case <-detached:
	}
	return nil
}

// forwardKeys copies input to the session until EOF or the detach key.
func forwardKeys(r io.Reader, client *viewer.Client) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]
			for i, b := range data {
				if b == detachKey {
					if i > 0 {
						_ = client.SendKeys(data[:i])
					}
					return
				}
			}
			if client.SendKeys(data) != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
