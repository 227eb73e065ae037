package cache

import (
	"sync"

	"github.com/Sbollman011/brewski-sub000/internal/config"
	"github.com/Sbollman011/brewski-sub000/internal/models"
	"github.com/Sbollman011/brewski-sub000/internal/topics"

	"go.uber.org/zap"
)

// groupBucket 单个分组的索引数据
type groupBucket struct {
	latest map[string]string
	recent []models.RecentEntry
	count  int64
}

// Store 共享缓存层：最新值、保留标记、最近消息环、分组索引、电源状态
// 所有map由读写锁保护，broker分发与各WebSocket连接并发访问安全
type Store struct {
	mu       sync.RWMutex
	latest   map[string]string
	retained map[string]bool
	seq      uint64 // 本地写入（ApplyPublish）的序号来源
	ring     []models.RecentEntry
	groups   map[string]*groupBucket
	power    map[string]map[string]bool // canonical base → POWER键 → 开关

	maxRecent    int
	groupSegment int

	snap   *snapshotter
	logger *zap.Logger
}

// NewStore 创建缓存层
func NewStore(cfg *config.CacheConfig, logger *zap.Logger) *Store {
	s := &Store{
		latest:       make(map[string]string),
		retained:     make(map[string]bool),
		groups:       make(map[string]*groupBucket),
		power:        make(map[string]map[string]bool),
		maxRecent:    cfg.MaxRecent,
		groupSegment: cfg.GroupSegment,
		logger:       logger,
	}
	if cfg.SnapshotPath != "" {
		s.snap = newSnapshotter(cfg.SnapshotPath, cfg.SnapshotDelay, s, logger)
	}
	return s
}

// OnMessage 处理一条broker入站消息
func (s *Store) OnMessage(msg models.Message) {
	seq := msg.Seq
	meta := topics.ParseTopic(msg.Topic)

	s.mu.Lock()
	if seq == 0 {
		s.seq++
		seq = s.seq
	} else if seq > s.seq {
		s.seq = seq
	}

	s.latest[msg.Topic] = msg.Payload
	s.retained[msg.Topic] = msg.Retained

	entry := models.RecentEntry{
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		Seq:      seq,
		TS:       msg.TS,
		Retained: msg.Retained,
	}
	s.ring = prepend(s.ring, entry, s.maxRecent)

	if group := topics.GroupOf(msg.Topic, s.groupSegment); group != "" {
		b, ok := s.groups[group]
		if !ok {
			b = &groupBucket{latest: make(map[string]string)}
			s.groups[group] = b
		}
		b.latest[msg.Topic] = msg.Payload
		b.recent = prepend(b.recent, entry, s.maxRecent)
		b.count++
	}
	s.mu.Unlock()

	if meta != nil && (meta.Kind == topics.KindSensor || meta.Kind == topics.KindTarget) {
		if s.snap != nil {
			s.snap.schedule()
		}
	}
}

// ApplyPublish 出站发布成功后的即时缓存更新
// Target类主题在broker确认前就写入缓存，保证dashboard一致性
func (s *Store) ApplyPublish(topic, payload string, retain bool) {
	s.mu.Lock()
	s.seq++
	s.latest[topic] = payload
	if retain {
		s.retained[topic] = true
	}
	s.mu.Unlock()

	if meta := topics.ParseTopic(topic); meta != nil && meta.Kind == topics.KindTarget {
		if s.snap != nil {
			s.snap.schedule()
		}
	}
}

// Latest 查询主题的最新载荷
func (s *Store) Latest(topic string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.latest[topic]
	return v, ok
}

// Retained 查询主题的保留标记
func (s *Store) Retained(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retained[topic]
}

// Topics 返回所有已观测主题
func (s *Store) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.latest))
	for t := range s.latest {
		out = append(out, t)
	}
	return out
}

// CurrentRetainedWorthy 返回末段为Sensor/Target的缓存主题及载荷
// 用于新连接的current水合与inventory命令
func (s *Store) CurrentRetainedWorthy() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for t, v := range s.latest {
		meta := topics.ParseTopic(t)
		if meta != nil && (meta.Kind == topics.KindSensor || meta.Kind == topics.KindTarget) {
			out[t] = v
		}
	}
	return out
}

// Recent 返回最近消息环的副本（最新在前）
func (s *Store) Recent() []models.RecentEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RecentEntry, len(s.ring))
	copy(out, s.ring)
	return out
}

// Groups 返回分组索引快照
func (s *Store) Groups() map[string]models.GroupSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.GroupSnapshot, len(s.groups))
	for name, b := range s.groups {
		latest := make(map[string]string, len(b.latest))
		for t, v := range b.latest {
			latest[t] = v
		}
		recent := make([]models.RecentEntry, len(b.recent))
		copy(recent, b.recent)
		out[name] = models.GroupSnapshot{
			Latest:       latest,
			Recent:       recent,
			MessageCount: b.count,
		}
	}
	return out
}

// MergePower 合并电源状态（保留未覆盖的既有键）
func (s *Store) MergePower(base string, states map[string]bool) {
	if base == "" || len(states) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.power[base]
	if !ok {
		existing = make(map[string]bool, len(states))
		s.power[base] = existing
	}
	for k, v := range states {
		existing[k] = v
	}
}

// PowerState 查询canonical base的电源状态副本
func (s *Store) PowerState(base string) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states, ok := s.power[base]
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(states))
	for k, v := range states {
		out[k] = v
	}
	return out
}

// LoadSnapshot 启动时从快照文件预热缓存（缺失或损坏非致命）
func (s *Store) LoadSnapshot() {
	if s.snap == nil {
		return
	}
	entries, err := s.snap.load()
	if err != nil {
		s.logger.Warn("Failed to load retained snapshot, starting with empty cache",
			zap.String("path", s.snap.path),
			zap.Error(err),
		)
		return
	}
	if len(entries) == 0 {
		return
	}

	s.mu.Lock()
	for topic, payload := range entries {
		s.latest[topic] = payload
		s.retained[topic] = true
	}
	s.mu.Unlock()

	s.logger.Info("Pre-warmed cache from retained snapshot",
		zap.String("path", s.snap.path),
		zap.Int("topics", len(entries)),
	)
}

// Close 停止快照定时器并落盘一次
func (s *Store) Close() {
	if s.snap != nil {
		s.snap.close()
	}
}

// prepend 头插并按容量淘汰最旧条目
func prepend(ring []models.RecentEntry, entry models.RecentEntry, max int) []models.RecentEntry {
	ring = append([]models.RecentEntry{entry}, ring...)
	if len(ring) > max {
		ring = ring[:max]
	}
	return ring
}
