package ingest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Sbollman011/brewski-sub000/internal/cache"
	"github.com/Sbollman011/brewski-sub000/internal/config"
	"github.com/Sbollman011/brewski-sub000/internal/models"
	"github.com/Sbollman011/brewski-sub000/internal/topics"

	"go.uber.org/zap"
)

// SensorStore 传感器持久化接口（由repository实现）
type SensorStore interface {
	// ResolveOrCreateSensor 按(customerID, key)解析或懒创建传感器
	// 查找顺序：精确key → 忽略大小写key → topicKey
	ResolveOrCreateSensor(ctx context.Context, customerID int64, key, topicKey, sensorType, unit string) (*models.Sensor, error)
	// InsertTelemetry 追加一条遥测记录
	InsertTelemetry(ctx context.Context, sensorID int64, ts int64, value float64, raw string) error
	// UpdateLatest 更新传感器缓存字段（ts早于已存储值时为no-op）
	UpdateLatest(ctx context.Context, sensorID int64, value float64, ts int64, raw string) error
	// ResolveCustomerBySlug 按站点slug解析客户ID
	ResolveCustomerBySlug(ctx context.Context, slug string) (int64, error)
}

// 入库结果原因
const (
	ReasonNonNumeric = "NonNumeric"
	ReasonThrottled  = "Throttled"
	ReasonDisabled   = "Disabled"
	ReasonStoreError = "StoreError"
)

// Request IngestNumeric 请求
type Request struct {
	CustomerID int64
	Key        string // canonical base
	TopicKey   string // 原始主题（首见时记录）
	Type       string
	Unit       string
	Value      *float64 // nil 视为 NonNumeric
	Raw        string
	TS         int64 // epoch ms
}

// Result IngestNumeric 结果
type Result struct {
	OK       bool
	SensorID int64
	Inserted bool
	Reason   string
}

// Reading 引擎处理出的一条数值读数（供阈值报警评估）
type Reading struct {
	Topic string
	Base  string
	Type  string
	Value float64
	TS    int64
}

// accepted 上次被接受入库的读数（节流判断依据）
type accepted struct {
	value    float64
	ts       int64
	latestTS int64 // 已写入UpdateLatest的最大ts
	hasPrior bool
}

// Engine 入库节流引擎
// 决定一条读数是否落库，并无条件维护传感器的last known字段
type Engine struct {
	store  SensorStore
	cache  *cache.Store
	canon  *topics.Canonicalizer
	cfg    *config.IngestConfig
	logger *zap.Logger

	mu        sync.Mutex
	last      map[int64]*accepted
	customers map[string]int64 // 站点slug → customerID
}

// NewEngine 创建入库引擎
func NewEngine(
	store SensorStore,
	cacheStore *cache.Store,
	canon *topics.Canonicalizer,
	cfg *config.IngestConfig,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		store:     store,
		cache:     cacheStore,
		canon:     canon,
		cfg:       cfg,
		logger:    logger,
		last:      make(map[int64]*accepted),
		customers: make(map[string]int64),
	}
}

// IngestNumeric 处理一条数值读数
// 节流规则：无先例、间隔≥MinInterval或增量≥MinDelta时落库，否则只更新缓存字段
func (e *Engine) IngestNumeric(ctx context.Context, req Request) Result {
	if req.Value == nil {
		return Result{OK: false, Reason: ReasonNonNumeric}
	}
	value := *req.Value

	sensor, err := e.store.ResolveOrCreateSensor(ctx, req.CustomerID, req.Key, req.TopicKey, req.Type, req.Unit)
	if err != nil {
		e.logger.Error("Failed to resolve sensor",
			zap.String("key", req.Key),
			zap.Int64("customer_id", req.CustomerID),
			zap.Error(err),
		)
		return Result{OK: false, Reason: ReasonStoreError}
	}

	e.mu.Lock()
	state, ok := e.last[sensor.ID]
	if !ok {
		state = &accepted{}
		e.last[sensor.ID] = state
	}
	acceptWrite := !state.hasPrior ||
		req.TS-state.ts >= e.cfg.MinInterval.Milliseconds() ||
		abs(value-state.value) >= e.cfg.MinDelta
	updateLatest := !state.hasPrior || req.TS >= state.latestTS
	e.mu.Unlock()

	result := Result{OK: true, SensorID: sensor.ID}

	switch {
	case !acceptWrite:
		result.Reason = ReasonThrottled
	case e.cfg.Disabled:
		result.Reason = ReasonDisabled
	default:
		if err := e.store.InsertTelemetry(ctx, sensor.ID, req.TS, value, req.Raw); err != nil {
			// 落库失败不更新节流状态，下一条读数重试持久化
			e.logger.Error("Failed to insert telemetry",
				zap.Int64("sensor_id", sensor.ID),
				zap.Error(err),
			)
			result.Reason = ReasonStoreError
		} else {
			result.Inserted = true
			e.mu.Lock()
			state.value = value
			state.ts = req.TS
			state.hasPrior = true
			e.mu.Unlock()
		}
	}

	// 缓存字段无条件更新（仅当ts不回退），与节流结果无关
	if updateLatest {
		e.mu.Lock()
		state.latestTS = req.TS
		state.hasPrior = true
		e.mu.Unlock()
		if err := e.store.UpdateLatest(ctx, sensor.ID, value, req.TS, req.Raw); err != nil {
			e.logger.Warn("Failed to update sensor latest fields",
				zap.Int64("sensor_id", sensor.ID),
				zap.Error(err),
			)
		}
	}

	return result
}

// HandleMessage 处理一条broker消息的持久化管线
// 返回本条消息产出的数值读数（供阈值报警）
func (e *Engine) HandleMessage(ctx context.Context, msg models.Message) []Reading {
	meta := topics.ParseTopic(msg.Topic)
	if meta == nil {
		return nil
	}

	e.canon.Observe(meta)
	base, ok := e.canon.CanonicalBase(meta)
	if !ok {
		// 站点不可解析：只缓存/广播，不猜测租户入库
		e.logger.Warn("Unresolved site for topic, skipping persistence",
			zap.String("topic", msg.Topic),
		)
		return nil
	}

	customerID, err := e.resolveCustomer(ctx, siteOf(base))
	if err != nil {
		e.logger.Error("Failed to resolve customer for site",
			zap.String("site", siteOf(base)),
			zap.Error(err),
		)
		return nil
	}

	ts := msg.TS.UnixMilli()
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}

	switch meta.Kind {
	case topics.KindSensor:
		parsed := ParsePayload(msg.Payload)
		switch parsed.Kind {
		case PayloadNumeric:
			v := parsed.Numeric
			sensorType := meta.Metric
			if sensorType == "" {
				sensorType = "Sensor"
			}
			e.IngestNumeric(ctx, Request{
				CustomerID: customerID,
				Key:        base,
				TopicKey:   msg.Topic,
				Type:       sensorType,
				Value:      &v,
				Raw:        msg.Payload,
				TS:         ts,
			})
			return []Reading{{Topic: msg.Topic, Base: base, Type: sensorType, Value: v, TS: ts}}
		case PayloadPower:
			return e.ingestPowerState(ctx, customerID, base, msg.Topic, parsed.Power, msg.Payload, ts)
		default:
			e.logger.Debug("Non-numeric sensor payload stored unstructured",
				zap.String("topic", msg.Topic),
			)
		}

	case topics.KindState, topics.KindResult:
		parsed := ParsePayload(msg.Payload)
		if parsed.Kind == PayloadPower {
			return e.ingestPowerState(ctx, customerID, base, msg.Topic, parsed.Power, msg.Payload, ts)
		}
		e.logger.Debug("State payload without power keys stored unstructured",
			zap.String("topic", msg.Topic),
		)

	case topics.KindPower:
		// stat/.../POWER<n> 单键命令响应，载荷为裸 ON/OFF/1/0
		if on, ok := NormalizeBool(msg.Payload); ok {
			return e.ingestPowerState(ctx, customerID, base, msg.Topic,
				map[string]bool{meta.PowerKey(): on}, msg.Payload, ts)
		}
	}

	return nil
}

// ingestPowerState 合并电源状态并将每个键转发为0/1数值入库
func (e *Engine) ingestPowerState(
	ctx context.Context,
	customerID int64,
	base, topic string,
	states map[string]bool,
	raw string,
	ts int64,
) []Reading {
	// base可能含metric段，电源状态归属 SITE/DEVICE
	deviceBase := deviceBaseOf(base)
	e.cache.MergePower(deviceBase, states)

	readings := make([]Reading, 0, len(states))
	for key, on := range states {
		v := 0.0
		if on {
			v = 1.0
		}
		e.IngestNumeric(ctx, Request{
			CustomerID: customerID,
			Key:        deviceBase,
			TopicKey:   topic,
			Type:       key,
			Value:      &v,
			Raw:        raw,
			TS:         ts,
		})
		readings = append(readings, Reading{Topic: topic, Base: deviceBase, Type: key, Value: v, TS: ts})
	}
	return readings
}

// resolveCustomer 解析并缓存站点slug对应的客户ID
func (e *Engine) resolveCustomer(ctx context.Context, site string) (int64, error) {
	e.mu.Lock()
	id, ok := e.customers[site]
	e.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := e.store.ResolveCustomerBySlug(ctx, site)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.customers[site] = id
	e.mu.Unlock()
	return id, nil
}

func siteOf(base string) string {
	if i := strings.Index(base, "/"); i >= 0 {
		return base[:i]
	}
	return base
}

// deviceBaseOf 截取 SITE/DEVICE 前两段
func deviceBaseOf(base string) string {
	parts := strings.Split(base, "/")
	if len(parts) <= 2 {
		return base
	}
	return parts[0] + "/" + parts[1]
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
