package httptransport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"antigravity-manager/internal/domain/eventbus"
	"antigravity-manager/internal/platform/logging"
)

// EventFrame is one message on the /api/events stream.
type EventFrame struct {
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
	At    time.Time   `json:"at"`
}

// EventFeed bridges the in-process event bus onto websocket clients so the
// desktop UI can follow switches live.
type EventFeed struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	conn *websocket.Conn
	send chan EventFrame
}

func NewEventFeed(logger *logging.Logger) *EventFeed {
	feed := &EventFeed{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback service; the UI runs on a different origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*feedClient]struct{}{},
	}
	feed.subscribe()
	return feed
}

func (f *EventFeed) subscribe() {
	_ = eventbus.SubscribeAsync(eventbus.EventSwitchStarted, func(data eventbus.SwitchEventData) {
		f.broadcast(eventbus.EventSwitchStarted, data)
	})
	_ = eventbus.SubscribeAsync(eventbus.EventSwitchCompleted, func(data eventbus.SwitchEventData) {
		f.broadcast(eventbus.EventSwitchCompleted, data)
	})
	_ = eventbus.SubscribeAsync(eventbus.EventSwitchFailed, func(data eventbus.SwitchEventData) {
		f.broadcast(eventbus.EventSwitchFailed, data)
	})
	_ = eventbus.SubscribeAsync(eventbus.EventAccountAdded, func(data eventbus.AccountEventData) {
		f.broadcast(eventbus.EventAccountAdded, data)
	})
	_ = eventbus.SubscribeAsync(eventbus.EventAccountRemoved, func(data eventbus.AccountEventData) {
		f.broadcast(eventbus.EventAccountRemoved, data)
	})
	_ = eventbus.SubscribeAsync(eventbus.EventAccountRefreshed, func(data eventbus.AccountEventData) {
		f.broadcast(eventbus.EventAccountRefreshed, data)
	})
	_ = eventbus.SubscribeAsync(eventbus.EventProfileApplied, func(data eventbus.IdentityEventData) {
		f.broadcast(eventbus.EventProfileApplied, data)
	})
	_ = eventbus.SubscribeAsync(eventbus.EventProfileSafeMode, func(data eventbus.IdentityEventData) {
		f.broadcast(eventbus.EventProfileSafeMode, data)
	})
}

func (f *EventFeed) broadcast(topic string, data interface{}) {
	frame := EventFrame{Topic: topic, Data: data, At: time.Now()}
	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		select {
		case client.send <- frame:
		default:
			// Slow consumer; drop the frame rather than stall the feed.
		}
	}
}

// Handler upgrades the request and streams frames until the client leaves.
func (f *EventFeed) Handler(c *gin.Context) {
	conn, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.WarnTag("http", "event feed upgrade failed: %v", err)
		return
	}

	client := &feedClient{conn: conn, send: make(chan EventFrame, 64)}
	f.mu.Lock()
	f.clients[client] = struct{}{}
	f.mu.Unlock()

	go f.writeLoop(client)
	f.readLoop(client)
}

func (f *EventFeed) writeLoop(client *feedClient) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case frame, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ping.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client messages and tears the client down on error.
func (f *EventFeed) readLoop(client *feedClient) {
	defer func() {
		f.mu.Lock()
		delete(f.clients, client)
		f.mu.Unlock()
		close(client.send)
		client.conn.Close()
	}()
	client.conn.SetReadLimit(4096)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
