package outbox

import (
	"context"
	"time"

	"veo-messaging/internal/storage/models"
)

// Message 交给 Dispatcher 的消息，与 stored_events 的一行一一对应
type Message struct {
	ID         uint64
	RoutingKey string
	Content    []byte
	Timestamp  time.Time
}

// MessagesFrom 将领取到的行转换为消息，不做任何其他变换
func MessagesFrom(rows []models.StoredEvent) []Message {
	messages := make([]Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, Message{
			ID:         row.ID,
			RoutingKey: row.RoutingKey,
			Content:    row.Payload,
			Timestamp:  row.CreatedAt,
		})
	}
	return messages
}

// AckCallback 在 broker 确认某个消息后被调用，可能来自其他 goroutine
type AckCallback func(id uint64)

// Dispatcher 异步地把一批消息发送到目标，并通过回调报告确认
type Dispatcher interface {
	// Send 不等待 broker 的往返即返回
	Send(ctx context.Context, destination string, messages []Message)
	// AddAckCallback 在启动时注册一次
	AddAckCallback(fn AckCallback)
}

// Lease 集群范围的短期租约，只用于减少实例之间的冲突
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
