package cache

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// snapshotter 去抖的保留值快照写入器
// 快照文件为扁平JSON对象 topic → 最后载荷，仅用于重启预热
type snapshotter struct {
	path   string
	delay  time.Duration
	store  *Store
	logger *zap.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

func newSnapshotter(path string, delay time.Duration, store *Store, logger *zap.Logger) *snapshotter {
	return &snapshotter{
		path:   path,
		delay:  delay,
		store:  store,
		logger: logger,
	}
}

// schedule 安排一次去抖写入（已有pending写入时合并）
func (sn *snapshotter) schedule() {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if sn.closed || sn.timer != nil {
		return
	}
	sn.timer = time.AfterFunc(sn.delay, func() {
		sn.mu.Lock()
		sn.timer = nil
		sn.mu.Unlock()
		sn.write()
	})
}

// write 落盘一次快照（tmp+rename原子写，I/O失败只记日志）
func (sn *snapshotter) write() {
	entries := sn.store.CurrentRetainedWorthy()
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		sn.logger.Error("Failed to marshal retained snapshot", zap.Error(err))
		return
	}

	tmp := sn.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		sn.logger.Warn("Failed to write retained snapshot", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, sn.path); err != nil {
		sn.logger.Warn("Failed to replace retained snapshot", zap.Error(err))
		return
	}

	sn.logger.Debug("Retained snapshot written",
		zap.String("path", sn.path),
		zap.Int("topics", len(entries)),
	)
}

// load 读取快照文件
func (sn *snapshotter) load() (map[string]string, error) {
	data, err := os.ReadFile(sn.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	entries := make(map[string]string)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// close 取消pending定时器并同步落盘一次
func (sn *snapshotter) close() {
	sn.mu.Lock()
	sn.closed = true
	if sn.timer != nil {
		sn.timer.Stop()
		sn.timer = nil
	}
	sn.mu.Unlock()
	sn.write()
}
