package viewer

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/runbridge/internal/protocol"
)

func TestURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:6380", "ws://127.0.0.1:6380/v1/ws?session=default"},
		{"https://broker.example.com", "wss://broker.example.com/v1/ws?session=default"},
		{"ws://localhost:1/ignored", "ws://localhost:1/v1/ws?session=default"},
	}
	for _, tt := range tests {
		got, err := URL(tt.base, "default")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

// echoBroker sends one terminal.data frame on connect and records every
// frame it receives.
type echoBroker struct {
	mu       sync.Mutex
	received []protocol.Message
	auth     string
	session  string
}

func (b *echoBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.auth = r.Header.Get("Authorization")
	b.session = r.URL.Query().Get("session")
	b.mu.Unlock()

	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	frame, _ := protocol.TerminalData("welcome").Marshal()
	_ = conn.WriteMessage(websocket.TextMessage, frame)
	_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			continue
		}
		b.mu.Lock()
		b.received = append(b.received, msg)
		b.mu.Unlock()
	}
}

func (b *echoBroker) messages() []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Message(nil), b.received...)
}

func TestClientRoundTrip(t *testing.T) {
	b := &echoBroker{}
	srv := httptest.NewServer(b)
	defer srv.Close()

	got := make(chan protocol.Message, 4)
	c := NewClient("work", "tok")
	c.SetMessageHandler(func(m protocol.Message) { got <- m })
	require.NoError(t, c.Connect(srv.URL))

	select {
	case m := <-got:
		assert.Equal(t, protocol.TypeTerminalData, m.Type)
		assert.Equal(t, "welcome", m.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	require.NoError(t, c.SendKeys([]byte("q")))
	require.NoError(t, c.Resize(100, 40))
	require.NoError(t, c.Submit("hi"))

	require.Eventually(t, func() bool { return len(b.messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	msgs := b.messages()
	assert.Equal(t, protocol.Message{Type: protocol.TypeTerminalKey, Data: "q"}, msgs[0])
	assert.Equal(t, protocol.Message{Type: protocol.TypeTerminalResize, Cols: 100, Rows: 40}, msgs[1])
	assert.Equal(t, protocol.Message{Type: protocol.TypeInputSubmit, Text: "hi"}, msgs[2])

	b.mu.Lock()
	assert.Equal(t, "Bearer tok", b.auth)
	assert.Equal(t, "work", b.session)
	b.mu.Unlock()

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
	assert.Error(t, c.Restart())
}
