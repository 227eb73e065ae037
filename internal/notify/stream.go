package notify

import (
	"context"
	"fmt"

	"github.com/Sbollman011/brewski-sub000/internal/models"
	rediscommon "github.com/Sbollman011/brewski-sub000/internal/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamNotifier Redis Streams通知器
// 每条报警XADD到固定stream，供下游消费者（短信、邮件、审计）订阅
type StreamNotifier struct {
	redisClient *redis.Client
	stream      string
	logger      *zap.Logger
}

// NewStreamNotifier 创建streams通知器
func NewStreamNotifier(redisClient *redis.Client, stream string, logger *zap.Logger) *StreamNotifier {
	return &StreamNotifier{
		redisClient: redisClient,
		stream:      stream,
		logger:      logger,
	}
}

// Send 发布一条通知到stream
func (s *StreamNotifier) Send(ctx context.Context, n models.Notification) error {
	streamID, err := rediscommon.PublishJSONToStream(ctx, s.redisClient, s.stream, n)
	if err != nil {
		return fmt.Errorf("failed to publish notification to stream: %w", err)
	}

	s.logger.Debug("Notification published to stream",
		zap.String("stream", s.stream),
		zap.String("stream_id", streamID),
		zap.String("topic", n.Topic),
	)
	return nil
}
