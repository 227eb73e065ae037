package ws

import (
	"time"

	"github.com/Sbollman011/brewski-sub000/internal/models"
)

// 服务端→客户端帧类型
const (
	TypeStatus           = "status"
	TypeTopics           = "topics"
	TypeGroupedInventory = "grouped-inventory"
	TypeCurrent          = "current"
	TypeRecentMessages   = "recent-messages"
	TypeMQTTMessage      = "mqtt-message"
	TypePublishResult    = "publish-result"
	TypeInventory        = "inventory"
)

// 客户端→服务端命令类型
const (
	CmdPublish   = "publish"
	CmdGet       = "get"
	CmdInventory = "inventory"
)

// ServerFrame 服务端下行帧（JSON文本帧，字段按类型选用）
type ServerFrame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`           // 服务端分配，epoch ms
	ID   string `json:"id,omitempty"` // 回显客户端请求id

	// status
	ConnectionID string `json:"connectionId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	Broker       string `json:"broker,omitempty"` // broker连接状态

	// topics
	Topics []string `json:"topics,omitempty"`

	// grouped-inventory
	Groups map[string]models.GroupSnapshot `json:"groups,omitempty"`

	// current / mqtt-message / publish-result
	Topic    string  `json:"topic,omitempty"`
	Payload  *string `json:"payload,omitempty"`
	Retained bool    `json:"retained,omitempty"`
	Seq      uint64  `json:"seq,omitempty"`

	// recent-messages
	Messages []models.RecentEntry `json:"messages,omitempty"`

	// inventory
	Inventory map[string]string `json:"inventory,omitempty"`

	// publish-result
	OK    *bool  `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// ClientFrame 客户端上行命令帧
type ClientFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload string `json:"payload,omitempty"`
	Retain  bool   `json:"retain,omitempty"`
}

func newFrame(frameType string) ServerFrame {
	return ServerFrame{
		Type: frameType,
		TS:   time.Now().UnixMilli(),
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func strPtr(s string) *string {
	return &s
}
