package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Sbollman011/brewski-sub000/internal/alert"
	"github.com/Sbollman011/brewski-sub000/internal/auth"
	"github.com/Sbollman011/brewski-sub000/internal/cache"
	"github.com/Sbollman011/brewski-sub000/internal/config"
	"github.com/Sbollman011/brewski-sub000/internal/database"
	"github.com/Sbollman011/brewski-sub000/internal/ingest"
	"github.com/Sbollman011/brewski-sub000/internal/models"
	"github.com/Sbollman011/brewski-sub000/internal/mqtt"
	"github.com/Sbollman011/brewski-sub000/internal/notify"
	rediscommon "github.com/Sbollman011/brewski-sub000/internal/redis"
	"github.com/Sbollman011/brewski-sub000/internal/repository"
	"github.com/Sbollman011/brewski-sub000/internal/topics"
	"github.com/Sbollman011/brewski-sub000/internal/ws"

	"go.uber.org/zap"
)

// BridgeService brewski-bridge 服务
// 一次构造持有全部组件，显式Start/Stop生命周期，无包级单例
type BridgeService struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *rediscommon.Client
	store       *cache.Store
	engine      *ingest.Engine
	alerter     *alert.Alerter
	manager     *mqtt.Manager
	hub         *ws.Hub
	httpServer  *http.Server

	cacheCh  <-chan models.Message
	ingestCh <-chan models.Message
	bridgeCh <-chan models.Message
}

// NewBridgeService 创建并装配服务
func NewBridgeService(cfg *config.Config, verifier auth.Verifier, logger *zap.Logger) (*BridgeService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	var redisClient *rediscommon.Client
	if cfg.Alert.Stream != "" {
		redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rediscommon.Ping(ctx, redisClient); err != nil {
			// stream通知降级，不阻止启动
			logger.Warn("Redis unreachable, stream notifications disabled", zap.Error(err))
			redisClient.Close()
			redisClient = nil
		}
	}

	sensorRepo := repository.NewSensorRepository(db, logger)

	store := cache.NewStore(&cfg.Cache, logger)
	store.LoadSnapshot()

	canon := topics.NewCanonicalizer(cfg.Ingest.CustomerSlug)
	engine := ingest.NewEngine(sensorRepo, store, canon, &cfg.Ingest, logger)

	var sinks []notify.Notifier
	if cfg.Alert.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.Alert.WebhookURL, logger))
	}
	if redisClient != nil {
		sinks = append(sinks, notify.NewStreamNotifier(redisClient, cfg.Alert.Stream, logger))
	}

	staticRules, err := loadStaticRules(cfg.Alert.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert rules: %w", err)
	}
	rules := alert.NewRules(staticRules)
	alerter := alert.NewAlerter(rules, notify.NewMulti(logger, sinks...), &cfg.Alert, logger)

	manager := mqtt.NewManager(&cfg.MQTT, logger)
	hub := ws.NewHub(store, manager, cfg.MQTT.Topics, logger)

	s := &BridgeService{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		store:       store,
		engine:      engine,
		alerter:     alerter,
		manager:     manager,
		hub:         hub,
		cacheCh:     manager.Subscribe("cache", 512),
		ingestCh:    manager.Subscribe("ingest", 512),
		bridgeCh:    manager.Subscribe("bridge", 512),
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewHandler(hub, verifier, cfg.Bridge.Token, logger))
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.httpServer = &http.Server{
		Addr:    cfg.Bridge.ListenAddr,
		Handler: mux,
	}

	return s, nil
}

// Start 启动服务并阻塞到上下文取消
func (s *BridgeService) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	go func() {
		for msg := range s.cacheCh {
			s.store.OnMessage(msg)
		}
	}()

	go func() {
		for msg := range s.ingestCh {
			readings := s.engine.HandleMessage(ctx, msg)
			for _, r := range readings {
				s.alerter.Evaluate(ctx, r.Topic, r.Base, r.Value, r.TS)
			}
		}
	}()

	go func() {
		for msg := range s.bridgeCh {
			s.hub.Broadcast(msg)
		}
	}()

	s.manager.Start()

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("Bridge listening",
			zap.String("addr", s.cfg.Bridge.ListenAddr),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErr:
		return fmt.Errorf("http server error: %w", err)
	}
}

// Stop 有序关闭全部组件
func (s *BridgeService) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	s.manager.Close()
	s.store.Close()

	if s.redisClient != nil {
		rediscommon.Close(s.redisClient)
	}
	database.Close(s.db)

	s.logger.Info("Bridge service stopped")
}

// handleHealthz 健康检查
func (s *BridgeService) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"broker": s.manager.BrokerState(),
	})
}

// loadStaticRules 读取启动时编译的静态阈值规则
func loadStaticRules(path string) ([]alert.Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rules []alert.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return rules, nil
}
