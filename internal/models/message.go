package models

import "time"

// Message broker入站消息（connection manager分发给各订阅者）
type Message struct {
	Topic    string
	Payload  string
	Retained bool
	Seq      uint64 // 全局单调递增序号，接收时分配
	TS       time.Time
}

// RecentEntry 最近消息环中的一条记录
type RecentEntry struct {
	Topic    string    `json:"topic"`
	Payload  string    `json:"payload"`
	Seq      uint64    `json:"seq"`
	TS       time.Time `json:"ts"`
	Retained bool      `json:"retained"`
}

// GroupSnapshot 分组索引的只读快照
type GroupSnapshot struct {
	Latest       map[string]string `json:"latest"`
	Recent       []RecentEntry     `json:"recent"`
	MessageCount int64             `json:"messageCount"`
}
