package panel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message 推送到面板的统一消息结构
type Message struct {
	Type  string      `json:"type"`            // event / hello
	Event string      `json:"event,omitempty"` // settings / peers / session / wifi / ota / notice
	Data  interface{} `json:"data,omitempty"`
	TS    string      `json:"ts"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub 面板 websocket 广播
type Hub struct {
	mu sync.RWMutex

	clients    map[*hubClient]struct{}
	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[*hubClient]struct{}),
		register:   make(chan *hubClient, 64),
		unregister: make(chan *hubClient, 64),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			var slow []*hubClient
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			// 客户端写入慢：踢掉
			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Close 停止广播并断开所有面板连接
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(conn *websocket.Conn) *hubClient {
	c := &hubClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
	return c
}

func (h *Hub) remove(c *hubClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast 推送事件；队列满时丢弃，避免拖慢会话
func (h *Hub) Broadcast(event string, data interface{}) {
	b, _ := json.Marshal(Message{
		Type:  "event",
		Event: event,
		Data:  data,
		TS:    time.Now().Format(time.RFC3339),
	})
	select {
	case h.broadcast <- b:
	default:
	}
}
