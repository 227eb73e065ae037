package alert

import (
	"context"
	"sync"
	"time"

	"github.com/Sbollman011/brewski-sub000/internal/config"
	"github.com/Sbollman011/brewski-sub000/internal/models"

	"go.uber.org/zap"
)

// Notifier 通知下沉接口（webhook、Redis Streams等，尽力送达）
type Notifier interface {
	Send(ctx context.Context, n models.Notification) error
}

// alertState 单主题的越界状态
type alertState struct {
	inRange     bool
	hasPrior    bool
	lastValue   float64
	lastTS      int64
	lastBreach  time.Time
	lastRestore time.Time
}

// Alerter 阈值报警状态机
// 跟踪每个主题的in-range状态，越界/恢复转换触发通知（各自独立冷却窗口）
type Alerter struct {
	rules    *Rules
	notifier Notifier
	logger   *zap.Logger

	breachCooldown  time.Duration
	restoreCooldown time.Duration

	mu     sync.Mutex
	states map[string]*alertState

	now func() time.Time // 测试注入
}

// NewAlerter 创建报警器
func NewAlerter(rules *Rules, notifier Notifier, cfg *config.AlertConfig, logger *zap.Logger) *Alerter {
	return &Alerter{
		rules:           rules,
		notifier:        notifier,
		logger:          logger,
		breachCooldown:  cfg.BreachCooldown,
		restoreCooldown: cfg.RestoreCooldown,
		states:          make(map[string]*alertState),
		now:             time.Now,
	}
}

// Evaluate 评估一条数值读数
// 无可解析规则时不做任何事；通知失败只记日志，不影响入库与缓存
func (a *Alerter) Evaluate(ctx context.Context, topic, base string, value float64, ts int64) {
	rule, ok := a.rules.Resolve(base)
	if !ok {
		return
	}

	inRange := value >= rule.Min && value <= rule.Max
	now := a.now()

	a.mu.Lock()
	state, ok := a.states[topic]
	if !ok {
		// 首条读数视先前为in-range：上来就越界也要响一次
		state = &alertState{inRange: true}
		a.states[topic] = state
	}
	prevInRange := state.inRange
	state.inRange = inRange
	state.lastValue = value
	state.lastTS = ts
	state.hasPrior = true

	var kind string
	switch {
	case prevInRange && !inRange:
		if now.Sub(state.lastBreach) >= a.breachCooldown {
			state.lastBreach = now
			kind = "breach"
		}
	case !prevInRange && inRange:
		if now.Sub(state.lastRestore) >= a.restoreCooldown {
			state.lastRestore = now
			kind = "restore"
		}
	}
	a.mu.Unlock()

	if kind == "" {
		return
	}

	n := models.Notification{
		Kind:  kind,
		Topic: topic,
		Label: rule.Label,
		Value: value,
		Min:   rule.Min,
		Max:   rule.Max,
		TS:    ts,
	}

	a.logger.Info("Threshold transition",
		zap.String("kind", kind),
		zap.String("topic", topic),
		zap.Float64("value", value),
		zap.Float64("min", rule.Min),
		zap.Float64("max", rule.Max),
	)

	if a.notifier == nil {
		return
	}
	if err := a.notifier.Send(ctx, n); err != nil {
		a.logger.Error("Failed to send alert notification",
			zap.String("topic", topic),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}
