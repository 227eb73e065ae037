package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Sbollman011/brewski-sub000/internal/auth"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // 必须小于pongWait
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Client 一条已认证的WebSocket连接
// 不持有缓存数据，只读共享缓存；出站消息经带缓冲send channel
// send的关闭权归hub独有；readPump侧的enqueue经closed标记拦截
type Client struct {
	ID     string
	Claims *auth.Claims

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// enqueue 非阻塞投递一帧（慢客户端直接丢弃，不阻塞其他连接）
// hub丢弃该连接后投递直接拒绝，避免向已关闭channel发送
func (c *Client) enqueue(frame ServerFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend 关闭出站channel（仅hub调用，幂等）
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump 读取客户端命令直到连接关闭
// 格式不合法的帧静默忽略，不致命
func (c *Client) readPump() {
	defer func() {
		// hub事件循环已退出时注销无人接收，经done放行
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error",
					zap.String("connection_id", c.ID),
					zap.Error(err),
				)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		c.hub.handleCommand(c, frame)
	}
}

// writePump 将send channel中的帧写出，并周期性发ping保活
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
