package notify

import (
	"context"

	"github.com/Sbollman011/brewski-sub000/internal/models"

	"go.uber.org/zap"
)

// Notifier 通知下沉接口
type Notifier interface {
	Send(ctx context.Context, n models.Notification) error
}

// Multi 组合通知器：逐个尽力送达，单个失败不阻断其余
type Multi struct {
	sinks  []Notifier
	logger *zap.Logger
}

// NewMulti 创建组合通知器
func NewMulti(logger *zap.Logger, sinks ...Notifier) *Multi {
	return &Multi{sinks: sinks, logger: logger}
}

// Send 依次分发到所有下沉
func (m *Multi) Send(ctx context.Context, n models.Notification) error {
	for _, sink := range m.sinks {
		if err := sink.Send(ctx, n); err != nil {
			m.logger.Error("Notification sink failed", zap.Error(err))
		}
	}
	return nil
}
