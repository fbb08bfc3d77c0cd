package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/sentrypulse/sentrypulse/internal/eventbus"
)

// AlertStreamMessage is one lifecycle transition pushed to connected
// operators over the read-only alert feed (supplemented feature: spec.md §6
// covers only request/response shapes, not a push feed for the externally
// observable alert lifecycle).
type AlertStreamMessage struct {
	Topic     string `json:"topic"`
	Timestamp int64  `json:"timestamp"`
	Alert     any    `json:"alert"`
}

type streamClient struct {
	conn   *websocket.Conn
	send   chan AlertStreamMessage
	logger *zap.Logger
}

// streamHub fans out lifecycle events to every connected WebSocket client.
// Adapted directly from the teacher's internal/ws.Hub, generalized from
// network-scan events to alert lifecycle events.
type streamHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	logger  *zap.Logger
}

func newStreamHub(logger *zap.Logger) *streamHub {
	return &streamHub{clients: make(map[*streamClient]struct{}), logger: logger}
}

func (h *streamHub) register(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *streamHub) unregister(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *streamHub) broadcast(msg AlertStreamMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("alert stream client buffer full, dropping message")
		}
	}
}

func (h *streamHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *streamClient) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c.conn, msg)
			cancel()
			if err != nil {
				c.logger.Debug("alert stream write error", zap.Error(err))
				return
			}
		}
	}
}

func (c *streamClient) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

// subscribeStreamToBus wires the hub to the lifecycle topics the bus carries.
func subscribeStreamToBus(hub *streamHub, bus *eventbus.Bus) {
	if bus == nil {
		return
	}
	topics := []string{
		eventbus.TopicAlertTriggered,
		eventbus.TopicAlertAcknowledged,
		eventbus.TopicAlertEscalated,
		eventbus.TopicAlertResolved,
		eventbus.TopicAlertSuppressed,
	}
	for _, topic := range topics {
		t := topic
		bus.Subscribe(t, func(_ context.Context, event eventbus.Event) {
			hub.broadcast(AlertStreamMessage{Topic: t, Timestamp: event.Timestamp, Alert: event.Payload})
		})
	}
}

// handleAlertStream upgrades the connection to a read-only WebSocket feed of
// alert lifecycle transitions.
func (a *apiHandlers) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error("alert stream accept failed", zap.Error(err))
		return
	}

	client := &streamClient{conn: conn, send: make(chan AlertStreamMessage, 64), logger: a.logger}
	a.hub.register(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	client.readPump(ctx)

	a.hub.unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}
