package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sbollman011/brewski-sub000/internal/config"
	"github.com/Sbollman011/brewski-sub000/internal/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// State 连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String 状态名
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// subscriber 下游订阅者（缓存层、入库引擎、报警器、WS桥）
type subscriber struct {
	name string
	ch   chan models.Message
}

// Manager broker连接管理器
// 持有唯一的broker连接与订阅集，断线后按指数退避重连
// 入站消息经带缓冲channel非阻塞分发给下游，绝不阻塞读循环
type Manager struct {
	cfg    *config.MQTTConfig
	logger *zap.Logger

	seq uint64 // 全局消息序号（原子递增）

	mu          sync.Mutex
	state       State
	client      mqtt.Client
	failures    int // 连续失败计数，成功连接后清零
	brokerIdx   int // fallback模式下当前尝试的broker下标
	subscribers []*subscriber
	timer       *time.Timer // pending重连定时器
	closed      bool
}

// NewManager 创建连接管理器（调用Start前不发起连接）
func NewManager(cfg *config.MQTTConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
	}
}

// Subscribe 注册一个下游订阅者，返回其消息channel
// channel满时丢弃最新消息（drop-newest），须在Start前调用
func (m *Manager) Subscribe(name string, buffer int) <-chan models.Message {
	ch := make(chan models.Message, buffer)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, &subscriber{name: name, ch: ch})
	m.mu.Unlock()
	return ch
}

// Start 发起首次连接（异步，失败进入重连流程）
func (m *Manager) Start() {
	go m.connect()
}

// State 当前连接状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BrokerState 当前连接状态名（供WS桥status帧使用）
func (m *Manager) BrokerState() string {
	return m.State().String()
}

// Publish 同步发布一条消息（等待broker确认）
func (m *Manager) Publish(topic string, payload string, retain bool) error {
	m.mu.Lock()
	client := m.client
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || client == nil {
		return fmt.Errorf("not connected to broker")
	}

	token := client.Publish(topic, m.cfg.QoS, retain, payload)
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close 关闭连接并取消pending重连
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	client := m.client
	m.client = nil
	m.state = StateDisconnected
	subs := m.subscribers
	m.subscribers = nil
	m.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	for _, sub := range subs {
		close(sub.ch)
	}
}

// currentBroker 返回本次尝试的broker配置
func (m *Manager) currentBroker() config.BrokerConfig {
	if len(m.cfg.Fallbacks) == 0 {
		return m.cfg.Broker
	}
	configs := append([]config.BrokerConfig{m.cfg.Broker}, m.cfg.Fallbacks...)
	return configs[m.brokerIdx%len(configs)]
}

// connect 发起一次连接尝试
func (m *Manager) connect() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	broker := m.currentBroker()
	m.mu.Unlock()

	m.logger.Info("Connecting to MQTT broker",
		zap.String("broker", broker.URL),
		zap.String("client_id", m.cfg.ClientID),
	)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker.URL)
	opts.SetClientID(m.cfg.ClientID)
	if broker.Username != "" {
		opts.SetUsername(broker.Username)
	}
	if broker.Password != "" {
		opts.SetPassword(broker.Password)
	}
	if broker.CAFile != "" {
		tlsConfig, err := buildTLSConfig(&broker)
		if err != nil {
			m.logger.Error("Failed to load TLS material", zap.Error(err))
			m.onFailure()
			return
		}
		opts.SetTLSConfig(tlsConfig)
	}

	// 重连策略由Manager自己实现，禁用paho内建的
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("MQTT connection lost", zap.Error(err))
		m.onDisconnect()
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout + time.Second) {
		m.logger.Error("MQTT connect attempt timed out", zap.String("broker", broker.URL))
		m.onFailure()
		return
	}
	if err := token.Error(); err != nil {
		m.logger.Error("Failed to connect to MQTT broker",
			zap.String("broker", broker.URL),
			zap.Error(err),
		)
		m.onFailure()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		client.Disconnect(250)
		return
	}
	m.client = client
	m.state = StateConnected
	m.failures = 0
	m.brokerIdx = 0
	m.mu.Unlock()

	m.logger.Info("Connected to MQTT broker", zap.String("broker", broker.URL))

	// 每次Connected转换都重新下发全部订阅
	for _, topic := range m.cfg.Topics {
		if token := client.Subscribe(topic, m.cfg.QoS, m.handleMessage); token.Wait() && token.Error() != nil {
			m.logger.Error("Failed to subscribe",
				zap.String("topic", topic),
				zap.Error(token.Error()),
			)
		}
	}
}

// handleMessage paho读循环回调：打序号后非阻塞分发
func (m *Manager) handleMessage(_ mqtt.Client, raw mqtt.Message) {
	msg := models.Message{
		Topic:    raw.Topic(),
		Payload:  string(raw.Payload()),
		Retained: raw.Retained(),
		Seq:      atomic.AddUint64(&m.seq, 1),
		TS:       time.Now(),
	}

	m.mu.Lock()
	subs := m.subscribers
	m.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			// 订阅者积压时丢弃最新消息，保护broker读循环
			m.logger.Debug("Subscriber backlogged, dropping message",
				zap.String("subscriber", sub.name),
				zap.String("topic", msg.Topic),
			)
		}
	}
}

// onDisconnect 连接断开后的状态迁移
func (m *Manager) onDisconnect() {
	m.mu.Lock()
	m.client = nil
	m.state = StateDisconnected
	m.mu.Unlock()
	m.onFailure()
}

// onFailure 失败计数并调度重连
// fallback模式：按序尝试所有配置后放弃；单配置模式：无限重试
func (m *Manager) onFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.state = StateDisconnected
	m.failures++

	if len(m.cfg.Fallbacks) > 0 {
		m.brokerIdx++
		if m.brokerIdx > len(m.cfg.Fallbacks) {
			m.logger.Error("All fallback brokers exhausted, giving up",
				zap.Int("attempts", m.failures),
			)
			return
		}
	}

	delay := BackoffDelay(m.cfg.MinBackoff, m.cfg.MaxBackoff, m.failures)
	m.logger.Info("Scheduling MQTT reconnect",
		zap.Duration("delay", delay),
		zap.Int("consecutive_failures", m.failures),
	)
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.timer = nil
		m.mu.Unlock()
		m.connect()
	})
}

// BackoffDelay 第n次连续失败后的重连延迟: min(max, min * 2^(n-1))
func BackoffDelay(min, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := min
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// buildTLSConfig 从证书材料构建TLS配置
func buildTLSConfig(broker *config.BrokerConfig) (*tls.Config, error) {
	caCert, err := os.ReadFile(broker.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig := &tls.Config{RootCAs: caCertPool}
	if broker.CertFile != "" && broker.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(broker.CertFile, broker.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
