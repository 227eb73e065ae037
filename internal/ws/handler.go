package ws

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/Sbollman011/brewski-sub000/internal/auth"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler WebSocket升级入口
// 认证失败时在完成握手前以HTTP 401终止，绝不升级未认证连接
type Handler struct {
	hub         *Hub
	verifier    auth.Verifier
	bridgeToken string // 共享密钥，等价于通过令牌验证的服务级访问
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// NewHandler 创建升级handler
func NewHandler(hub *Hub, verifier auth.Verifier, bridgeToken string, logger *zap.Logger) *Handler {
	return &Handler{
		hub:         hub,
		verifier:    verifier,
		bridgeToken: bridgeToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP 处理升级请求
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, fromProtocol := extractToken(r)
	claims, ok := h.authenticate(token)
	if !ok {
		h.logger.Warn("WebSocket upgrade rejected",
			zap.String("remote_addr", r.RemoteAddr),
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// 凭证经子协议传递时需协商回显，否则部分客户端会断开
	var responseHeader http.Header
	if fromProtocol {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {"bearer"}}
	}

	conn, err := h.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		Claims: claims,
		hub:    h.hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: h.logger,
	}

	h.hub.register <- client
	go client.writePump()
	go client.readPump()
}

// authenticate 验证凭证：bridge共享密钥或外部verifier
func (h *Handler) authenticate(token string) (*auth.Claims, bool) {
	if token == "" {
		return nil, false
	}

	if h.bridgeToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(h.bridgeToken)) == 1 {
		return &auth.Claims{UserID: "bridge", Role: "service"}, true
	}

	if h.verifier != nil {
		claims, err := h.verifier.VerifyToken(token)
		if err == nil && claims != nil {
			return claims, true
		}
	}
	return nil, false
}

// extractToken 按优先级提取凭证：
// Authorization头 → token查询参数 → Sec-WebSocket-Protocol子协议
func extractToken(r *http.Request) (token string, fromProtocol bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), false
	}

	if q := r.URL.Query().Get("token"); q != "" {
		return q, false
	}

	// 子协议形如 "bearer, <token>"
	for _, proto := range websocket.Subprotocols(r) {
		if proto != "bearer" && proto != "" {
			return proto, true
		}
	}

	return "", false
}
