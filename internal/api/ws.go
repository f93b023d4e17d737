package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"kbarstore/internal/barsvc"
	"kbarstore/internal/market"
	"kbarstore/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 16
)

// Event is one frame pushed to every connected websocket client.
type Event struct {
	Type    string             `json:"type"`
	Session string             `json:"session,omitempty"`
	Bars    []BarPayload       `json:"bars,omitempty"`
	Status  *barsvc.StatusInfo `json:"status,omitempty"`
}

// NewBarsEvent builds the push frame for freshly refreshed bars.
func NewBarsEvent(session market.Session, bars []market.Bar, status *barsvc.StatusInfo) Event {
	return Event{
		Type:    "bars",
		Session: string(session),
		Bars:    toBarPayloads(bars),
		Status:  status,
	}
}

// Hub fans push events out to websocket subscribers. All client bookkeeping
// happens on the Run goroutine, so handler goroutines never touch the client
// set directly.
type Hub struct {
	logger *zap.Logger
	rec    *metrics.Recorder

	upgrader   websocket.Upgrader
	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	done       chan struct{}
	count      atomic.Int32
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger *zap.Logger, rec *metrics.Recorder) *Hub {
	return &Hub{
		logger: logger,
		rec:    rec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Same open policy as the HTTP API's CORS.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 8),
		done:       make(chan struct{}),
	}
}

// Run owns the client set. Call it in its own goroutine before serving; it
// returns when ctx is done, disconnecting every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for cl := range h.clients {
				h.drop(cl)
			}
			return
		case cl := <-h.register:
			h.clients[cl] = struct{}{}
			h.count.Store(int32(len(h.clients)))
			h.rec.WSClientConnected()
			h.logger.Info("websocket client connected",
				zap.String("remote", cl.conn.RemoteAddr().String()))
		case cl := <-h.unregister:
			if _, ok := h.clients[cl]; ok {
				h.drop(cl)
			}
		case msg := <-h.broadcast:
			for cl := range h.clients {
				select {
				case cl.send <- msg:
				default:
					// Send buffer full; shed the slow client.
					h.drop(cl)
				}
			}
		}
	}
}

func (h *Hub) drop(cl *wsClient) {
	delete(h.clients, cl)
	close(cl.send)
	h.count.Store(int32(len(h.clients)))
	h.rec.WSClientDisconnected()
}

// Broadcast queues one event for every connected client. It never blocks;
// the frame is dropped if the hub is backed up.
func (h *Hub) Broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to encode push event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("push queue full, dropping event")
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Serve upgrades the request and holds the connection until the peer leaves.
func (h *Hub) Serve(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return nil
	}

	cl := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	select {
	case h.register <- cl:
	case <-h.done:
		conn.Close()
		return nil
	}

	go h.writePump(cl)
	h.readPump(cl)
	return nil
}

// readPump drains the connection. The stream is push-only, so inbound frames
// only matter for close and pong handling.
func (h *Hub) readPump(cl *wsClient) {
	defer func() {
		select {
		case h.unregister <- cl:
		case <-h.done:
		}
		cl.conn.Close()
	}()

	cl.conn.SetReadLimit(512)
	cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(cl *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
