package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"exec-alpha-go/infrastructure/monitor"
	"exec-alpha-go/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[events.Type]bool // 为空表示全部
}

func (c *wsClient) wants(t events.Type) bool {
	return len(c.types) == 0 || c.types[t]
}

// Hub 订阅事件总线，把事件以 JSON 文本帧推送给 websocket 客户端。
// 客户端缓冲满时丢弃，不阻塞总线。
type Hub struct {
	bus     *events.Bus
	buffer  int
	logger  *zap.Logger
	monitor *monitor.Monitor

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub 创建 websocket 广播中心
func NewHub(bus *events.Bus, buffer int, logger *zap.Logger, mon *monitor.Monitor) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		bus:     bus,
		buffer:  buffer,
		logger:  logger.Named("ws"),
		monitor: mon,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run 从总线读取事件并广播，ctx 结束时断开所有客户端。
func (h *Hub) Run(ctx context.Context) error {
	ch, cancel := h.bus.Subscribe(h.buffer)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				h.closeAll()
				return nil
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("marshal event failed", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(ev.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Debug("dropping event for slow client", zap.String("type", string(ev.Type)))
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP 升级为 websocket；?type=a&type=b 过滤事件类型。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, h.buffer)}
	if ts := r.URL.Query()["type"]; len(ts) > 0 {
		c.types = make(map[events.Type]bool, len(ts))
		for _, t := range ts {
			c.types[events.Type(t)] = true
		}
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.monitor.AddWSClients(1)
	h.logger.Info("client connected", zap.String("remote", r.RemoteAddr))

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.monitor.AddWSClients(-1)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		h.monitor.AddWSClients(-1)
	}
}

// readPump 只处理控制帧，连接断开时注销客户端。
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("unexpected close", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
