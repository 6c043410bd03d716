package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ecologicaleaving/startapp-sub002/subscription"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	streamBacklog  = 16
	maxClientFrame = 512
)

// Stream message types
const (
	StreamHello  = "hello"
	StreamEvents = "events"
)

// StreamMessage is one frame on /ws/status.
type StreamMessage struct {
	Type   string                           `json:"type"`
	Status *subscription.Status             `json:"status,omitempty"`
	Events []subscription.StatusChangeEvent `json:"events,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamHub signals open streams to close on shutdown.
type streamHub struct {
	logger  *slog.Logger
	closing chan struct{}
	once    sync.Once

	mu    sync.Mutex
	count int
}

func newStreamHub(logger *slog.Logger) *streamHub {
	return &streamHub{logger: logger, closing: make(chan struct{})}
}

func (h *streamHub) add() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	return h.count
}

func (h *streamHub) done() {
	h.mu.Lock()
	h.count--
	h.mu.Unlock()
}

func (h *streamHub) closeAll() {
	h.once.Do(func() { close(h.closing) })
}

// handleStatusStream registers a listener for the lifetime of the
// connection. Batches that arrive while the client is behind by more than
// streamBacklog frames are dropped.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	open := s.streams.add()
	defer s.streams.done()

	done := make(chan struct{})
	out := make(chan []subscription.StatusChangeEvent, streamBacklog)
	listenerID := s.subs.AddStatusListener(func(batch []subscription.StatusChangeEvent) {
		select {
		case out <- batch:
		case <-done:
		default:
			s.logger.Warn("Status stream is behind, dropping batch", "events", len(batch))
		}
	})
	defer s.subs.RemoveStatusListener(listenerID)
	s.logger.Info("Status stream opened", "remote", r.RemoteAddr, "streams", open)

	go func() {
		defer close(done)
		conn.SetReadLimit(maxClientFrame)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	status := s.subs.SubscriptionStatus()
	if err := s.writeFrame(conn, StreamMessage{Type: StreamHello, Status: &status}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case batch := <-out:
			if err := s.writeFrame(conn, StreamMessage{Type: StreamEvents, Events: batch}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.streams.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-done:
			s.logger.Info("Status stream closed", "remote", r.RemoteAddr)
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("Status stream write failed", "error", err)
		return err
	}
	return nil
}
