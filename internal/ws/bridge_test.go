package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sbollman011/brewski-sub000/internal/auth"
	"github.com/Sbollman011/brewski-sub000/internal/cache"
	"github.com/Sbollman011/brewski-sub000/internal/config"
	"github.com/Sbollman011/brewski-sub000/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePublisher 记录publish调用
type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMsg
	err       error
}

type publishedMsg struct {
	topic   string
	payload string
	retain  bool
}

func (f *fakePublisher) Publish(topic, payload string, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMsg{topic: topic, payload: payload, retain: retain})
	return nil
}

func (f *fakePublisher) BrokerState() string {
	return "connected"
}

// fakeVerifier 只接受固定令牌
type fakeVerifier struct{}

func (fakeVerifier) VerifyToken(token string) (*auth.Claims, error) {
	if token == "user-token" {
		return &auth.Claims{UserID: "user-1", CustomerSlug: "rail"}, nil
	}
	return nil, fmt.Errorf("invalid token")
}

func (fakeVerifier) FindUserByID(string) (*auth.User, error) {
	return nil, nil
}

type bridgeFixture struct {
	store     *cache.Store
	publisher *fakePublisher
	hub       *Hub
	server    *httptest.Server
}

func setupBridge(t *testing.T) *bridgeFixture {
	t.Helper()

	store := cache.NewStore(&config.CacheConfig{MaxRecent: 10, GroupSegment: 1}, zap.NewNop())
	publisher := &fakePublisher{}
	hub := NewHub(store, publisher, []string{"tele/#", "stat/#"}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	handler := NewHandler(hub, fakeVerifier{}, "bridge-secret", zap.NewNop())
	server := httptest.NewServer(handler)

	t.Cleanup(func() {
		server.Close()
		cancel()
	})

	return &bridgeFixture{store: store, publisher: publisher, hub: hub, server: server}
}

func (f *bridgeFixture) wsURL(query string) string {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	return url
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame ServerFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestUpgrade_RejectsUnauthenticatedWith401(t *testing.T) {
	f := setupBridge(t)

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(""), nil)

	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpgrade_RejectsBadToken(t *testing.T) {
	f := setupBridge(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("token=wrong"), nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpgrade_AcceptsBridgeToken(t *testing.T) {
	f := setupBridge(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("token=bridge-secret"), nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := readFrame(t, conn)
	assert.Equal(t, TypeStatus, frame.Type)
	assert.Equal(t, "bridge", frame.UserID)
}

func TestUpgrade_AcceptsVerifiedUserToken(t *testing.T) {
	f := setupBridge(t)

	header := http.Header{"Authorization": {"Bearer user-token"}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(""), header)
	require.NoError(t, err)
	defer conn.Close()

	frame := readFrame(t, conn)
	assert.Equal(t, TypeStatus, frame.Type)
	assert.Equal(t, "user-1", frame.UserID)
}

func TestHydration_FixedOrderBeforeLiveBroadcast(t *testing.T) {
	f := setupBridge(t)

	// 缓存预置：一个retained Sensor主题 + 三条最近消息
	f.store.OnMessage(models.Message{
		Topic: "tele/RAIL/BREWHOUSE/Sensor", Payload: "20.5", Retained: true, Seq: 1, TS: time.Now(),
	})
	f.store.OnMessage(models.Message{
		Topic: "stat/RAIL/BREWHOUSE/Result", Payload: `{"POWER1":"ON"}`, Seq: 2, TS: time.Now(),
	})
	f.store.OnMessage(models.Message{
		Topic: "stat/RAIL/BREWHOUSE/POWER1", Payload: "ON", Seq: 3, TS: time.Now(),
	})

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("token=bridge-secret"), nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readFrame(t, conn)
	assert.Equal(t, TypeStatus, status.Type)
	assert.Equal(t, "connected", status.Broker)
	assert.NotZero(t, status.TS)

	topicsFrame := readFrame(t, conn)
	assert.Equal(t, TypeTopics, topicsFrame.Type)
	assert.Contains(t, topicsFrame.Topics, "tele/#")
	assert.Contains(t, topicsFrame.Topics, "tele/RAIL/BREWHOUSE/Sensor")

	grouped := readFrame(t, conn)
	require.Equal(t, TypeGroupedInventory, grouped.Type)
	assert.Contains(t, grouped.Groups, "RAIL")

	current := readFrame(t, conn)
	require.Equal(t, TypeCurrent, current.Type)
	assert.Equal(t, "tele/RAIL/BREWHOUSE/Sensor", current.Topic)
	require.NotNil(t, current.Payload)
	assert.Equal(t, "20.5", *current.Payload)

	recent := readFrame(t, conn)
	require.Equal(t, TypeRecentMessages, recent.Type)
	require.Len(t, recent.Messages, 3)
	assert.Equal(t, uint64(3), recent.Messages[0].Seq) // 最新在前

	// 水合完成后才收到live消息
	f.hub.Broadcast(models.Message{
		Topic: "tele/RAIL/CELLAR/Sensor", Payload: "18.2", Seq: 4, TS: time.Now(),
	})
	live := readFrame(t, conn)
	assert.Equal(t, TypeMQTTMessage, live.Type)
	assert.Equal(t, "tele/RAIL/CELLAR/Sensor", live.Topic)
	require.NotNil(t, live.Payload)
	assert.Equal(t, "18.2", *live.Payload)
}

func TestCommand_PublishRoundTrip(t *testing.T) {
	f := setupBridge(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("token=bridge-secret"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// 跳过水合帧（status、topics、recent-messages；缓存为空无current/grouped）
	for i := 0; i < 3; i++ {
		readFrame(t, conn)
	}

	cmd := ClientFrame{Type: CmdPublish, ID: "req-1", Topic: "RAIL/BREWHOUSE/Target", Payload: "65.0", Retain: true}
	require.NoError(t, conn.WriteJSON(cmd))

	result := readFrame(t, conn)
	assert.Equal(t, TypePublishResult, result.Type)
	assert.Equal(t, "req-1", result.ID)
	require.NotNil(t, result.OK)
	assert.True(t, *result.OK)

	f.publisher.mu.Lock()
	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, publishedMsg{topic: "RAIL/BREWHOUSE/Target", payload: "65.0", retain: true}, f.publisher.published[0])
	f.publisher.mu.Unlock()

	// 发布立即回写缓存，无需等broker回环
	payload, ok := f.store.Latest("RAIL/BREWHOUSE/Target")
	require.True(t, ok)
	assert.Equal(t, "65.0", payload)
}

func TestCommand_PublishFailureReported(t *testing.T) {
	f := setupBridge(t)
	f.publisher.err = fmt.Errorf("not connected to broker")

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("token=bridge-secret"), nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		readFrame(t, conn)
	}

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: CmdPublish, ID: "req-2", Topic: "RAIL/BREWHOUSE/Target", Payload: "65.0"}))

	result := readFrame(t, conn)
	assert.Equal(t, TypePublishResult, result.Type)
	require.NotNil(t, result.OK)
	assert.False(t, *result.OK)
	assert.Contains(t, result.Error, "not connected")

	// 失败发布不得污染缓存
	_, ok := f.store.Latest("RAIL/BREWHOUSE/Target")
	assert.False(t, ok)
}

func TestCommand_GetReturnsCachedAndMissing(t *testing.T) {
	f := setupBridge(t)
	f.store.OnMessage(models.Message{Topic: "tele/RAIL/BREWHOUSE/Sensor", Payload: "20.5", Seq: 1, TS: time.Now()})

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("token=bridge-secret"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// status、topics、grouped-inventory、current、recent-messages
	for i := 0; i < 5; i++ {
		readFrame(t, conn)
	}

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: CmdGet, ID: "g-1", Topic: "tele/RAIL/BREWHOUSE/Sensor"}))
	hit := readFrame(t, conn)
	assert.Equal(t, TypeCurrent, hit.Type)
	assert.Equal(t, "g-1", hit.ID)
	require.NotNil(t, hit.Payload)
	assert.Equal(t, "20.5", *hit.Payload)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: CmdGet, ID: "g-2", Topic: "tele/RAIL/NOPE/Sensor"}))
	miss := readFrame(t, conn)
	assert.Equal(t, TypeCurrent, miss.Type)
	assert.Equal(t, "g-2", miss.ID)
	assert.Nil(t, miss.Payload)
}

func TestCommand_MalformedJSONIgnored(t *testing.T) {
	f := setupBridge(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("token=bridge-secret"), nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		readFrame(t, conn)
	}

	// 畸形帧静默丢弃，连接保持可用
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(ClientFrame{Type: CmdInventory, ID: "inv-1"}))

	frame := readFrame(t, conn)
	assert.Equal(t, TypeInventory, frame.Type)
	assert.Equal(t, "inv-1", frame.ID)
}

func TestHub_SlowClientDropSafeAgainstConcurrentCommands(t *testing.T) {
	f := setupBridge(t)

	// 无pump的慢客户端，send容量极小，广播很快将其打满
	client := &Client{
		ID:     "slow",
		hub:    f.hub,
		send:   make(chan []byte, 4),
		logger: zap.NewNop(),
	}
	f.hub.register <- client

	// readPump侧并发enqueue：hub丢弃该连接时不得向已关闭channel发送
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			f.hub.handleCommand(client, ClientFrame{Type: CmdGet, ID: "g", Topic: "tele/RAIL/BREWHOUSE/Sensor"})
		}
	}()

	for i := 0; i < 200; i++ {
		f.hub.Broadcast(models.Message{
			Topic: "tele/RAIL/BREWHOUSE/Sensor", Payload: "20.5", Seq: uint64(i + 1), TS: time.Now(),
		})
	}
	<-done

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.closed
	}, 2*time.Second, 10*time.Millisecond, "backlogged client was never dropped")

	// 丢弃后的投递必须拒绝而非panic
	assert.False(t, client.enqueue(newFrame(TypeStatus)))
}

func TestHub_ShutdownReleasesPendingUnregister(t *testing.T) {
	store := cache.NewStore(&config.CacheConfig{MaxRecent: 10, GroupSegment: 1}, zap.NewNop())
	hub := NewHub(store, &fakePublisher{}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := &Client{ID: "c", hub: hub, send: make(chan []byte, 8), logger: zap.NewNop()}
	hub.register <- client

	cancel()

	// 事件循环退出后，迟到的注销不得永久阻塞
	released := make(chan struct{})
	go func() {
		select {
		case hub.unregister <- client:
		case <-hub.done:
		}
		close(released)
	}()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("unregister blocked after hub shutdown")
	}
}

func TestExtractToken_Precedence(t *testing.T) {
	newReq := func(mutate func(*http.Request)) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		mutate(r)
		return r
	}

	token, fromProtocol := extractToken(newReq(func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer header-token")
		r.URL.RawQuery = "token=query-token"
	}))
	assert.Equal(t, "header-token", token)
	assert.False(t, fromProtocol)

	token, fromProtocol = extractToken(newReq(func(r *http.Request) {
		r.URL.RawQuery = "token=query-token"
		r.Header.Set("Sec-WebSocket-Protocol", "bearer, proto-token")
	}))
	assert.Equal(t, "query-token", token)
	assert.False(t, fromProtocol)

	token, fromProtocol = extractToken(newReq(func(r *http.Request) {
		r.Header.Set("Sec-WebSocket-Protocol", "bearer, proto-token")
	}))
	assert.Equal(t, "proto-token", token)
	assert.True(t, fromProtocol)

	token, fromProtocol = extractToken(newReq(func(*http.Request) {}))
	assert.Equal(t, "", token)
	assert.False(t, fromProtocol)
}
