package viewer

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vanpelt/runbridge/internal/protocol"
)

// Client is a viewer connection to a broker session.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	token     string
	mu        sync.Mutex
	onMessage func(protocol.Message)
	onError   func(error)
	done      chan struct{}
}

func NewClient(sessionID, token string) *Client {
	return &Client{
		sessionID: sessionID,
		token:     token,
		done:      make(chan struct{}),
	}
}

// URL turns a broker base URL into the viewer WebSocket URL.
func URL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u.Path = "/v1/ws"
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the broker. Handlers must be set before calling it.
func (c *Client) Connect(baseURL string) error {
	target, err := URL(baseURL, c.sessionID)
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn, _, err = websocket.DefaultDialer.Dial(target, header)
	if err != nil {
		return fmt.Errorf("failed to connect to session: %w", err)
	}

	go c.readLoop(c.conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if c.onError != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.onError(err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *Client) send(msg protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendKeys forwards raw keystrokes to the worker.
func (c *Client) SendKeys(data []byte) error {
	return c.send(protocol.Message{Type: protocol.TypeTerminalKey, Data: string(data)})
}

func (c *Client) Submit(text string) error {
	return c.send(protocol.Message{Type: protocol.TypeInputSubmit, Text: text})
}

func (c *Client) Resize(cols, rows uint16) error {
	return c.send(protocol.Message{Type: protocol.TypeTerminalResize, Cols: cols, Rows: rows})
}

func (c *Client) Restart() error {
	return c.send(protocol.Message{Type: protocol.TypeSessionRestart})
}

// Close sends a close frame and drops the connection. The read loop exits
// shortly after, releasing Wait.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) SetMessageHandler(handler func(protocol.Message)) {
	c.onMessage = handler
}

func (c *Client) SetErrorHandler(handler func(error)) {
	c.onError = handler
}

// Wait blocks until the read loop ends.
func (c *Client) Wait() {
	<-c.done
}

// Done is closed when the read loop ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
