package ws

import (
	"context"
	"sort"

	"github.com/Sbollman011/brewski-sub000/internal/cache"
	"github.com/Sbollman011/brewski-sub000/internal/models"

	"go.uber.org/zap"
)

// Publisher broker出站发布能力（connection manager实现）
type Publisher interface {
	Publish(topic string, payload string, retain bool) error
	BrokerState() string
}

// Hub 管理全部WebSocket连接
// register时同步完成水合，保证新连接先收到缓存快照再收到live消息
type Hub struct {
	cache            *cache.Store
	publisher        Publisher
	configuredTopics []string
	logger           *zap.Logger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan models.Message
	done       chan struct{} // Run退出时关闭，放行迟到的注销
}

// NewHub 创建hub
func NewHub(cacheStore *cache.Store, publisher Publisher, configuredTopics []string, logger *zap.Logger) *Hub {
	return &Hub{
		cache:            cacheStore,
		publisher:        publisher,
		configuredTopics: configuredTopics,
		logger:           logger,
		clients:          make(map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan models.Message, 256),
		done:             make(chan struct{}),
	}
}

// Run hub事件循环：注册/注销/广播在单goroutine内串行处理
// 水合帧在register分支内入队，天然先于后续live广播
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for client := range h.clients {
				client.closeSend()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.hydrate(client)
			h.logger.Info("WebSocket connection registered",
				zap.String("connection_id", client.ID),
				zap.Int("connections", len(h.clients)),
			)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				h.logger.Info("WebSocket connection released",
					zap.String("connection_id", client.ID),
					zap.Int("connections", len(h.clients)),
				)
			}

		case msg := <-h.broadcast:
			frame := newFrame(TypeMQTTMessage)
			frame.Topic = msg.Topic
			frame.Payload = strPtr(msg.Payload)
			frame.Retained = msg.Retained
			frame.Seq = msg.Seq
			for client := range h.clients {
				if !client.enqueue(frame) {
					// 慢客户端：丢弃其连接，绝不拖慢其余广播
					h.logger.Warn("Client send buffer full, dropping connection",
						zap.String("connection_id", client.ID),
					)
					delete(h.clients, client)
					client.closeSend()
				}
			}
		}
	}
}

// Broadcast 投递一条live消息给所有连接（由manager订阅goroutine调用）
func (h *Hub) Broadcast(msg models.Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Debug("Hub broadcast backlogged, dropping message",
			zap.String("topic", msg.Topic),
		)
	}
}

// hydrate 新连接水合，固定顺序：
// status → topics → grouped-inventory(如有) → current×N → recent-messages
func (h *Hub) hydrate(client *Client) {
	status := newFrame(TypeStatus)
	status.ConnectionID = client.ID
	if client.Claims != nil {
		status.UserID = client.Claims.UserID
	}
	status.Broker = h.publisher.BrokerState()
	client.enqueue(status)

	// 已配置 ∪ 已观测主题
	seen := make(map[string]bool)
	var allTopics []string
	for _, t := range h.configuredTopics {
		if !seen[t] {
			seen[t] = true
			allTopics = append(allTopics, t)
		}
	}
	for _, t := range h.cache.Topics() {
		if !seen[t] {
			seen[t] = true
			allTopics = append(allTopics, t)
		}
	}
	sort.Strings(allTopics)
	topicsFrame := newFrame(TypeTopics)
	topicsFrame.Topics = allTopics
	client.enqueue(topicsFrame)

	if groups := h.cache.Groups(); len(groups) > 0 {
		groupedFrame := newFrame(TypeGroupedInventory)
		groupedFrame.Groups = groups
		client.enqueue(groupedFrame)
	}

	current := h.cache.CurrentRetainedWorthy()
	currentTopics := make([]string, 0, len(current))
	for t := range current {
		currentTopics = append(currentTopics, t)
	}
	sort.Strings(currentTopics)
	for _, t := range currentTopics {
		frame := newFrame(TypeCurrent)
		frame.Topic = t
		frame.Payload = strPtr(current[t])
		frame.Retained = h.cache.Retained(t)
		client.enqueue(frame)
	}

	recentFrame := newFrame(TypeRecentMessages)
	recentFrame.Messages = h.cache.Recent()
	client.enqueue(recentFrame)
}

// handleCommand 处理客户端命令（在该连接的readPump goroutine内执行）
func (h *Hub) handleCommand(client *Client, cmd ClientFrame) {
	switch cmd.Type {
	case CmdPublish:
		if cmd.Topic == "" {
			return
		}
		result := newFrame(TypePublishResult)
		result.ID = cmd.ID
		result.Topic = cmd.Topic
		if err := h.publisher.Publish(cmd.Topic, cmd.Payload, cmd.Retain); err != nil {
			result.OK = boolPtr(false)
			result.Error = err.Error()
			h.logger.Warn("Client publish failed",
				zap.String("connection_id", client.ID),
				zap.String("topic", cmd.Topic),
				zap.Error(err),
			)
		} else {
			h.cache.ApplyPublish(cmd.Topic, cmd.Payload, cmd.Retain)
			result.OK = boolPtr(true)
		}
		client.enqueue(result)

	case CmdGet:
		if cmd.Topic == "" {
			return
		}
		frame := newFrame(TypeCurrent)
		frame.ID = cmd.ID
		frame.Topic = cmd.Topic
		if payload, ok := h.cache.Latest(cmd.Topic); ok {
			frame.Payload = strPtr(payload)
			frame.Retained = h.cache.Retained(cmd.Topic)
		}
		client.enqueue(frame)

	case CmdInventory:
		frame := newFrame(TypeInventory)
		frame.ID = cmd.ID
		frame.Inventory = h.cache.CurrentRetainedWorthy()
		client.enqueue(frame)

	default:
		// 未知命令静默忽略
	}
}
