package models

// Sensor 传感器身份与最近读数缓存（持久化于sensors表）
type Sensor struct {
	ID         int64
	CustomerID int64
	Key        string // canonical base，如 "RAIL/BREWHOUSE"
	TopicKey   string // 首次发现时的原始主题键
	Type       string // 如 "Temperature"、"POWER1"
	Unit       string
	LastValue  *float64
	LastTS     int64 // epoch ms
	LastRaw    string
}

// Notification 阈值报警通知载荷
type Notification struct {
	Kind  string  `json:"kind"` // "breach" | "restore"
	Topic string  `json:"topic"`
	Label string  `json:"label"`
	Value float64 `json:"value"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	TS    int64   `json:"ts"` // epoch ms
}
