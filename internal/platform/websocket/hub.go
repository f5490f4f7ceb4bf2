// Package websocket bridges live document subscriptions to WebSocket
// clients. Each client may hold many named subscriptions; every one of them
// is cancelled when the client unsubscribes or disconnects.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/auth"
	"github.com/rhu/healthrecords/internal/platform/metrics"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Frame types sent to clients.
const (
	FrameSnapshot     = "snapshot"
	FrameAccessDenied = "access_denied"
	FrameError        = "error"
	FrameUnsubscribed = "unsubscribed"
)

const (
	sendBuffer     = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// ClientMessage is an inbound subscription request. ID is chosen by the
// client and names the subscription in every frame sent back for it.
type ClientMessage struct {
	Action     string `json:"action"`
	ID         string `json:"id"`
	Collection string `json:"collection,omitempty"`
	PatientID  string `json:"patientId,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// Frame is an outbound message. A snapshot frame carries the complete
// current result, possibly an empty array; clients replace, never merge.
type Frame struct {
	Type       string            `json:"type"`
	ID         string            `json:"id,omitempty"`
	Collection string            `json:"collection,omitempty"`
	Docs       []json.RawMessage `json:"docs"`
	Message    string            `json:"message,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Feed turns a subscription request into a stream of frames. The stream
// must close once ctx is done.
type Feed interface {
	Open(ctx context.Context, actor policy.Actor, msg ClientMessage) (<-chan Frame, error)
}

type subscription struct {
	cancel context.CancelFunc
}

// Client represents a single WebSocket connection.
type Client struct {
	ID    string
	Actor policy.Actor
	Send  chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

func newClient(parent context.Context, actor policy.Actor) *Client {
	ctx, cancel := context.WithCancel(parent)
	return &Client{
		ID:     uuid.NewString(),
		Actor:  actor,
		Send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}
}

// deliver queues data without blocking. A client that cannot keep up is
// disconnected rather than shown stale data.
func (c *Client) deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		c.cancel()
		return false
	}
}

// Hub tracks connected clients and routes their subscription requests to a
// Feed.
type Hub struct {
	feed   Feed
	logger zerolog.Logger

	mu  sync.RWMutex
	all map[*Client]struct{}
}

func NewHub(feed Feed, logger zerolog.Logger) *Hub {
	return &Hub{
		feed:   feed,
		logger: logger.With().Str("component", "websocket").Logger(),
		all:    make(map[*Client]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

// Unregister cancels every subscription of the client, removes it from the
// hub and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.all[client]
	delete(h.all, client)
	h.mu.Unlock()
	if !ok {
		return
	}

	client.cancel()
	client.mu.Lock()
	for id, sub := range client.subs {
		sub.cancel()
		delete(client.subs, id)
		metrics.SubscriptionClosed()
	}
	client.closed = true
	close(client.Send)
	client.mu.Unlock()
}

func (h *Hub) send(client *Client, f Frame) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error().Err(err).Str("client", client.ID).Msg("marshal frame")
		return
	}
	if !client.deliver(data) {
		h.logger.Debug().Str("client", client.ID).Str("frame", f.Type).Msg("frame not delivered")
	}
}

func errorFrame(msg ClientMessage, err error) Frame {
	f := Frame{Type: FrameError, ID: msg.ID, Collection: msg.Collection, Message: err.Error()}
	if apperr.Is(err, apperr.KindAccessDenied) {
		f.Type = FrameAccessDenied
		f.Message = "access denied"
	}
	return f
}

// ProcessMessage handles one inbound message.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	msg.ID = strings.TrimSpace(msg.ID)
	if msg.ID == "" {
		h.send(client, Frame{Type: FrameError, Message: "subscription id is required"})
		return
	}

	switch msg.Action {
	case ActionSubscribe:
		h.Subscribe(client, msg)
	case ActionUnsubscribe:
		h.Unsubscribe(client, msg.ID)
		h.send(client, Frame{Type: FrameUnsubscribed, ID: msg.ID})
	default:
		h.send(client, Frame{Type: FrameError, ID: msg.ID, Message: "unknown action " + msg.Action})
	}
}

// Subscribe opens msg on the feed, replacing any subscription with the same
// id.
func (h *Hub) Subscribe(client *Client, msg ClientMessage) {
	h.Unsubscribe(client, msg.ID)

	ctx, cancel := context.WithCancel(client.ctx)
	frames, err := h.feed.Open(ctx, client.Actor, msg)
	if err != nil {
		cancel()
		h.send(client, errorFrame(msg, err))
		return
	}

	sub := &subscription{cancel: cancel}
	client.mu.Lock()
	if client.closed {
		client.mu.Unlock()
		cancel()
		return
	}
	client.subs[msg.ID] = sub
	client.mu.Unlock()
	metrics.SubscriptionOpened()

	go func() {
		for f := range frames {
			f.ID = msg.ID
			h.send(client, f)
		}
		h.release(client, msg.ID, sub)
	}()
}

// Unsubscribe cancels the named subscription if it exists.
func (h *Hub) Unsubscribe(client *Client, id string) {
	client.mu.Lock()
	sub, ok := client.subs[id]
	if ok {
		delete(client.subs, id)
	}
	client.mu.Unlock()
	if ok {
		sub.cancel()
		metrics.SubscriptionClosed()
	}
}

// release drops a subscription whose stream ended on its own.
func (h *Hub) release(client *Client, id string, sub *subscription) {
	client.mu.Lock()
	current, ok := client.subs[id]
	if ok && current == sub {
		delete(client.subs, id)
	}
	client.mu.Unlock()
	if ok && current == sub {
		sub.cancel()
		metrics.SubscriptionClosed()
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// SubscriptionCount returns the number of open subscriptions of a client.
func (h *Hub) SubscriptionCount(client *Client) int {
	client.mu.Lock()
	defer client.mu.Unlock()
	return len(client.subs)
}

// ---------------------------------------------------------------------------
// WebSocketHandler: Echo HTTP handler for WebSocket connections
// ---------------------------------------------------------------------------

// WebSocketHandler handles HTTP-to-WebSocket upgrades and message routing.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler creates a handler bound to hub. Browser connections are
// accepted only from allowedOrigins; "*" allows any origin.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string) *WebSocketHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins["*"] || origins[origin]
			},
		},
	}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades an authenticated request and starts the pumps. The
// actor is fixed for the life of the connection, but every snapshot is
// re-authorized by the feed.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	actor, err := auth.RequireActor(c)
	if err != nil {
		return err
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := newClient(context.WithoutCancel(c.Request().Context()), actor)
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

// readPump reads messages from the WebSocket connection and processes them.
func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			wsh.hub.send(client, Frame{Type: FrameError, Message: "malformed message"})
			continue
		}

		wsh.hub.ProcessMessage(client, msg)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.ctx.Done():
			// Slow consumer or shutdown; closing the socket ends readPump,
			// which unregisters the client.
			_ = ws.WriteControl(gorillawebsocket.CloseMessage,
				gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// CloseAll disconnects every client; used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.cancel()
	}
}
