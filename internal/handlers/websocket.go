package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"casino-table-engine/internal/games"
	"casino-table-engine/internal/models"
	"casino-table-engine/internal/services"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is the websocket envelope in both directions.
type Message struct {
	Type    string      `json:"type"`
	TableID string      `json:"table_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Client struct {
	UserID string
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	tables map[string]struct{}
}

func (cl *Client) subscribed() []string {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make([]string, 0, len(cl.tables))
	for id := range cl.tables {
		out = append(out, id)
	}
	return out
}

// Hub fans table events out to websocket clients. Events reach it through
// Redis pub/sub, so a client sees every table event whichever process
// produced it.
type Hub struct {
	redis  *services.RedisService
	logger *zap.Logger

	mu     sync.RWMutex
	tables map[string]map[*Client]struct{}

	ready chan struct{}
}

func NewHub(redisService *services.RedisService, logger *zap.Logger) *Hub {
	return &Hub{
		redis:  redisService,
		logger: logger.Named("hub"),
		tables: make(map[string]map[*Client]struct{}),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the pattern subscription is confirmed.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// Run consumes table events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	pubsub := h.redis.Client().PSubscribe(ctx, services.ChannelTablePattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	close(h.ready)
	h.logger.Info("subscribed to table events", zap.String("pattern", services.ChannelTablePattern))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.dispatch([]byte(msg.Payload))
		}
	}
}

// private events only go to the seat they are addressed to.
var private = map[models.EventType]bool{
	models.EventCardsDealt: true,
}

func (h *Hub) dispatch(payload []byte) {
	var eff models.Effect
	if err := json.Unmarshal(payload, &eff); err != nil {
		h.logger.Warn("dropping malformed event", zap.Error(err))
		return
	}
	data, err := json.Marshal(Message{Type: string(eff.Type), TableID: eff.TableID, Data: eff})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.tables[eff.TableID] {
		if private[eff.Type] && eff.UserID != "" && eff.UserID != cl.UserID {
			continue
		}
		select {
		case cl.send <- data:
		default:
			h.logger.Warn("client too slow, dropping event", zap.String("user", cl.UserID), zap.String("table", eff.TableID))
		}
	}
}

func (h *Hub) subscribe(cl *Client, tableID string) {
	h.mu.Lock()
	if h.tables[tableID] == nil {
		h.tables[tableID] = make(map[*Client]struct{})
	}
	h.tables[tableID][cl] = struct{}{}
	h.mu.Unlock()

	cl.mu.Lock()
	cl.tables[tableID] = struct{}{}
	cl.mu.Unlock()
}

func (h *Hub) unsubscribe(cl *Client, tableID string) {
	h.mu.Lock()
	if subs := h.tables[tableID]; subs != nil {
		delete(subs, cl)
		if len(subs) == 0 {
			delete(h.tables, tableID)
		}
	}
	h.mu.Unlock()

	cl.mu.Lock()
	delete(cl.tables, tableID)
	cl.mu.Unlock()
}

type WebSocketHandler struct {
	hub      *Hub
	registry *games.Registry
	logger   *zap.Logger
}

func NewWebSocketHandler(hub *Hub, registry *games.Registry, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		registry: registry,
		logger:   logger.Named("ws"),
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade to websocket", zap.Error(err))
		return
	}

	client := &Client{
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		tables: make(map[string]struct{}),
	}

	done := make(chan struct{})
	go h.writePump(client, done)

	defer func() {
		for _, tableID := range client.subscribed() {
			h.leave(client, tableID)
		}
		close(done)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed", zap.String("user", userID), zap.Error(err))
			}
			break
		}

		h.handleMessage(client, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(client *Client, msg *Message) {
	switch msg.Type {
	case "PING":
		h.reply(client, Message{Type: "PONG", Data: gin.H{"timestamp": time.Now().Unix()}})
	case "SUBSCRIBE":
		h.join(client, msg.TableID)
	case "UNSUBSCRIBE":
		h.leave(client, msg.TableID)
		h.reply(client, Message{Type: "UNSUBSCRIBED", TableID: msg.TableID})
	default:
		h.reply(client, Message{Type: "ERROR", Data: gin.H{"error": "unknown message type"}})
	}
}

// join subscribes the client to a table and marks its seats connected.
func (h *WebSocketHandler) join(client *Client, tableID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine, err := h.registry.Get(ctx, tableID)
	if err != nil {
		h.reply(client, Message{Type: "ERROR", TableID: tableID, Data: gin.H{"error": err.Error()}})
		return
	}
	h.hub.subscribe(client, tableID)
	if err := engine.SetConnected(ctx, client.UserID, true); err != nil {
		h.logger.Debug("failed to mark connected", zap.String("table", tableID), zap.Error(err))
	}

	snap, err := engine.Snapshot(ctx)
	if err != nil {
		snap = nil
	}
	h.reply(client, Message{Type: "SUBSCRIBED", TableID: tableID, Data: snap})
}

func (h *WebSocketHandler) leave(client *Client, tableID string) {
	h.hub.unsubscribe(client, tableID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	engine, err := h.registry.Get(ctx, tableID)
	if err != nil {
		return
	}
	if err := engine.SetConnected(ctx, client.UserID, false); err != nil {
		h.logger.Debug("failed to mark disconnected", zap.String("table", tableID), zap.Error(err))
	}
}

func (h *WebSocketHandler) reply(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// writePump owns every write to the connection.
func (h *WebSocketHandler) writePump(client *Client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case data := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
