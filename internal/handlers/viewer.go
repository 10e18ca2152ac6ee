package handlers

import (
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/vanpelt/runbridge/internal/broker"
	"github.com/vanpelt/runbridge/internal/logger"
)

const (
	// viewerQueueSlack is the queue space left for live traffic on top of
	// the largest possible backlog replay.
	viewerQueueSlack = 1024
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

var (
	errViewerClosed = errors.New("viewer connection closed")
	errViewerSlow   = errors.New("viewer outbound queue full")
)

// ViewerHandler attaches WebSocket viewers to broker sessions
type ViewerHandler struct {
	registry *broker.Registry
}

// NewViewerHandler creates a new viewer handler
func NewViewerHandler(registry *broker.Registry) *ViewerHandler {
	return &ViewerHandler{registry: registry}
}

// HandleWebSocket upgrades the request and attaches it as a viewer
// @Summary Attach viewer
// @Description Upgrades to a WebSocket carrying the viewer protocol for one session
// @Tags sessions
// @Param session query string false "Session ID" default(default)
// @Failure 503 {object} map[string]string
// @Router /v1/ws [get]
func (h *ViewerHandler) HandleWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	sessionID := broker.SanitizeSessionID(c.Query("session", broker.DefaultSessionID))
	session, err := h.registry.GetOrCreate(sessionID)
	if err != nil {
		logger.Warnf("❌ Refusing viewer for session %s: %v", sessionID, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	}
	queueSize := h.registry.MaxReplayFrames() + viewerQueueSlack
	return websocket.New(func(conn *websocket.Conn) {
		h.handleViewerConnection(conn, session, queueSize)
	})(c)
}

func (h *ViewerHandler) handleViewerConnection(conn *websocket.Conn, session *broker.Session, queueSize int) {
	v := newWSViewer(conn, queueSize)
	log := logger.ForSession(session.ID()).With().Str("viewer", v.id).Logger()
	go v.writeLoop()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("❌ recovered from panic in viewer connection")
		}
		_ = v.Close()
		<-v.writerDone
	}()

	if err := session.Attach(v); err != nil {
		log.Warn().Err(err).Msg("❌ failed to attach viewer")
		return
	}
	defer session.Detach(v.id)

	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("📡 viewer connected")
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("viewer read error")
			}
			break
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		session.HandleViewerMessage(data)
	}
	log.Info().Msg("🔌 viewer disconnected")
}

// wsViewer adapts a WebSocket connection to broker.Viewer. Frames are queued
// and written by a single writer goroutine so Send never blocks the session.
type wsViewer struct {
	id         string
	conn       *websocket.Conn
	queue      chan []byte
	done       chan struct{}
	writerDone chan struct{}
	once       sync.Once
}

func newWSViewer(conn *websocket.Conn, queueSize int) *wsViewer {
	return &wsViewer{
		id:         uuid.NewString(),
		conn:       conn,
		queue:      make(chan []byte, queueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (v *wsViewer) ID() string {
	return v.id
}

// Send queues a frame. A viewer that cannot keep up is disconnected rather
// than allowed to stall the session; it can reattach and replay the backlog.
func (v *wsViewer) Send(frame []byte) error {
	select {
	case <-v.done:
		return errViewerClosed
	default:
	}

	select {
	case v.queue <- frame:
		return nil
	default:
		_ = v.Close()
		return errViewerSlow
	}
}

func (v *wsViewer) Close() error {
	v.once.Do(func() { close(v.done) })
	return nil
}

func (v *wsViewer) writeLoop() {
	defer close(v.writerDone)
	defer func() { _ = v.conn.Close() }()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case frame := <-v.queue:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = v.Close()
				return
			}
		case <-ping.C:
			if err := v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = v.Close()
				return
			}
		case <-v.done:
			v.flush()
			_ = v.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// flush writes whatever was queued before the viewer was closed.
func (v *wsViewer) flush() {
	for {
		select {
		case frame := <-v.queue:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
