package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BrokerConfig 单个MQTT broker的连接配置
type BrokerConfig struct {
	URL      string // 如 "tcp://host:1883" 或 "ssl://host:8883"
	Username string
	Password string
	CAFile   string
	CertFile string
	KeyFile  string
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker         BrokerConfig
	Fallbacks      []BrokerConfig // 非空时启用fallback模式：按序尝试后放弃
	ClientID       string
	QoS            byte
	Topics         []string // 订阅主题列表
	ConnectTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
}

// CacheConfig 缓存层配置
type CacheConfig struct {
	MaxRecent     int           // 最近消息环容量
	GroupSegment  int           // 分组索引使用的主题段下标
	SnapshotPath  string        // 快照文件路径（空则禁用快照）
	SnapshotDelay time.Duration // 快照写入去抖延迟
}

// IngestConfig 入库节流配置
type IngestConfig struct {
	MinInterval  time.Duration // 低于该间隔且低于MinDelta的读数不入库
	MinDelta     float64
	Disabled     bool   // 干跑模式：解析sensor身份但不写telemetry
	CustomerSlug string // 运行时默认站点slug（无法从主题解析site时的最后回退）
}

// AlertConfig 阈值报警配置
type AlertConfig struct {
	BreachCooldown  time.Duration
	RestoreCooldown time.Duration
	WebhookURL      string // 空则禁用webhook通知
	Stream          string // 空则禁用Redis Streams通知
	RulesFile       string // 静态阈值规则JSON文件（空则无静态规则）
}

// BridgeConfig WebSocket桥接配置
type BridgeConfig struct {
	ListenAddr string
	Token      string // 共享密钥，等价于通过用户令牌验证
}

// Config brewski-bridge 服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig
	Cache    CacheConfig
	Ingest   IngestConfig
	Alert    AlertConfig
	Bridge   BridgeConfig

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "brewski")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker.URL = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.Broker.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Broker.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Broker.CAFile = getEnv("MQTT_CA_FILE", "")
	cfg.MQTT.Broker.CertFile = getEnv("MQTT_CERT_FILE", "")
	cfg.MQTT.Broker.KeyFile = getEnv("MQTT_KEY_FILE", "")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "brewski-bridge")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 0))
	cfg.MQTT.Topics = splitList(getEnv("MQTT_TOPICS", "tele/#,stat/#"))
	cfg.MQTT.ConnectTimeout = getEnvDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second)
	cfg.MQTT.MinBackoff = getEnvDuration("MQTT_MIN_BACKOFF", 750*time.Millisecond)
	cfg.MQTT.MaxBackoff = getEnvDuration("MQTT_MAX_BACKOFF", 15*time.Second)

	// fallback broker列表：逗号分隔URL，凭证沿用主broker
	for _, url := range splitList(getEnv("MQTT_FALLBACK_BROKERS", "")) {
		fb := cfg.MQTT.Broker
		fb.URL = url
		cfg.MQTT.Fallbacks = append(cfg.MQTT.Fallbacks, fb)
	}

	cfg.Cache.MaxRecent = getEnvInt("CACHE_MAX_RECENT", 200)
	cfg.Cache.GroupSegment = getEnvInt("CACHE_GROUP_SEGMENT", 1)
	cfg.Cache.SnapshotPath = getEnv("CACHE_SNAPSHOT_PATH", "retained-snapshot.json")
	cfg.Cache.SnapshotDelay = getEnvDuration("CACHE_SNAPSHOT_DELAY", 5*time.Second)

	cfg.Ingest.MinInterval = getEnvDuration("INGEST_MIN_INTERVAL", 5*time.Second)
	cfg.Ingest.MinDelta = getEnvFloat("INGEST_MIN_DELTA", 0.05)
	cfg.Ingest.Disabled = getEnv("INGEST_DISABLED", "") == "true"
	cfg.Ingest.CustomerSlug = getEnv("CUSTOMER_SLUG", "")

	cfg.Alert.BreachCooldown = getEnvDuration("ALERT_BREACH_COOLDOWN", 30*time.Minute)
	cfg.Alert.RestoreCooldown = getEnvDuration("ALERT_RESTORE_COOLDOWN", 5*time.Minute)
	cfg.Alert.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")
	cfg.Alert.Stream = getEnv("ALERT_STREAM", "brewski:alerts:stream")
	cfg.Alert.RulesFile = getEnv("ALERT_RULES_FILE", "")

	cfg.Bridge.ListenAddr = getEnv("BRIDGE_LISTEN_ADDR", ":8080")
	cfg.Bridge.Token = getEnv("BRIDGE_TOKEN", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.MQTT.Broker.URL == "" {
		return nil, fmt.Errorf("MQTT_BROKER is required")
	}
	if cfg.Cache.MaxRecent <= 0 {
		return nil, fmt.Errorf("CACHE_MAX_RECENT must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
