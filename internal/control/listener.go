package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vanpelt/runbridge/internal/logger"
	"github.com/vanpelt/runbridge/internal/protocol"
)

// SocketName is the file created inside the per-start directory.
const SocketName = "control.sock"

var (
	ErrNoPeer = errors.New("no worker connected to control channel")
	ErrClosed = errors.New("control listener closed")
)

// Handlers receive control channel events. They are called from the
// listener's goroutines; OnMessage calls for one peer are sequential.
type Handlers struct {
	OnMessage    func(protocol.Message)
	OnConnect    func()
	OnDisconnect func()
}

// Listener accepts exactly one worker connection at a time on a unix socket.
// Further connection attempts while a peer is attached are closed at once,
// since two peers would make message attribution ambiguous.
type Listener struct {
	path     string
	ln       net.Listener
	handlers Handlers
	log      zerolog.Logger

	mu      sync.Mutex
	peer    net.Conn
	closed  bool
	writeMu sync.Mutex
}

// Listen creates the socket inside dir and starts accepting.
func Listen(dir string, h Handlers) (*Listener, error) {
	path := filepath.Join(dir, SocketName)
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on control socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		logger.Debugf("⚠️ Failed to restrict control socket permissions: %v", err)
	}

	if h.OnMessage == nil {
		h.OnMessage = func(protocol.Message) {}
	}
	if h.OnConnect == nil {
		h.OnConnect = func() {}
	}
	if h.OnDisconnect == nil {
		h.OnDisconnect = func() {}
	}

	l := &Listener{
		path:     path,
		ln:       ln,
		handlers: h,
		log:      logger.WithField("control", path),
	}
	go l.acceptLoop()
	return l, nil
}

// Path is the socket address handed to the worker.
func (l *Listener) Path() string {
	return l.path
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				l.log.Warn().Err(err).Msg("control accept failed, listener stopping")
			}
			return
		}

		l.mu.Lock()
		if l.closed || l.peer != nil {
			l.mu.Unlock()
			l.log.Warn().Msg("rejecting extra control connection")
			_ = conn.Close()
			continue
		}
		l.peer = conn
		l.mu.Unlock()

		l.log.Debug().Msg("worker connected to control channel")
		l.handlers.OnConnect()
		go l.readLoop(conn)
	}
}

func (l *Listener) readLoop(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("recovered from panic in control read loop")
		}
		l.dropPeer(conn)
	}()

	dec := protocol.NewDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n], func(frame json.RawMessage) {
				msg, perr := protocol.Parse(frame)
				if perr != nil {
					l.log.Debug().Err(perr).Msg("dropping malformed control frame")
					return
				}
				l.handlers.OnMessage(msg)
			})
		}
		if err != nil {
			return
		}
	}
}

// dropPeer forgets conn if it is still the active peer. Listening continues.
func (l *Listener) dropPeer(conn net.Conn) {
	l.mu.Lock()
	wasPeer := l.peer == conn
	if wasPeer {
		l.peer = nil
	}
	closed := l.closed
	l.mu.Unlock()

	_ = conn.Close()
	if wasPeer && !closed {
		l.log.Debug().Msg("worker disconnected from control channel")
		l.handlers.OnDisconnect()
	}
}

// Connected reports whether a worker peer is attached.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer != nil
}

// Send encodes msg as one frame and writes it to the peer.
func (l *Listener) Send(msg protocol.Message) error {
	l.mu.Lock()
	peer := l.peer
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if peer == nil {
		return ErrNoPeer
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := peer.Write(frame); err != nil {
		return fmt.Errorf("failed to write control message: %w", err)
	}
	return nil
}

// ClosePeer closes the active worker connection, if any, without stopping
// the listener.
func (l *Listener) ClosePeer() error {
	l.mu.Lock()
	peer := l.peer
	l.peer = nil
	l.mu.Unlock()

	if peer == nil {
		return nil
	}
	return peer.Close()
}

// Close stops accepting, closes the peer and removes the socket file. It is
// safe to call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	peer := l.peer
	l.peer = nil
	l.mu.Unlock()

	if peer != nil {
		_ = peer.Close()
	}
	err := l.ln.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
