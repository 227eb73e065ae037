package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/Sbollman011/brewski-sub000/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookNotifier HTTP推送通知器
// 将报警载荷POST到外部推送网关（重试由resty处理）
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhookNotifier 创建webhook通知器
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1*time.Second).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookNotifier{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// Send 推送一条通知
func (w *WebhookNotifier) Send(ctx context.Context, n models.Notification) error {
	resp, err := w.httpClient.R().
		SetContext(ctx).
		SetBody(n).
		Post(w.url)

	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode())
	}

	w.logger.Debug("Notification delivered via webhook",
		zap.String("topic", n.Topic),
		zap.String("kind", n.Kind),
	)
	return nil
}
