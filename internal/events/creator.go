package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"veo-messaging/internal/logger"
	"veo-messaging/internal/outbox"
	"veo-messaging/internal/storage/models"
)

// Creator 在业务事务中写入出站事件。路由键会加上统一的前缀，载荷编码为JSON。
type Creator struct {
	store  outbox.Store
	prefix string
	logger zerolog.Logger
}

// NewCreator 创建事件写入器
func NewCreator(store outbox.Store, routingKeyPrefix string) *Creator {
	return &Creator{
		store:  store,
		prefix: routingKeyPrefix,
		logger: logger.Component("event-creator"),
	}
}

// Create 在 tx 中写入一条事件，tx 为 nil 时使用独立的写入。
// 事件随业务事务一起提交或回滚。
func (c *Creator) Create(ctx context.Context, tx *gorm.DB, routingKey string, payload any) (*models.StoredEvent, error) {
	if routingKey == "" {
		return nil, outbox.ErrEmptyRoutingKey
	}

	var body []byte
	switch p := payload.(type) {
	case json.RawMessage:
		body = p
	default:
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s event: %w", routingKey, err)
		}
	}

	store := c.store
	if tx != nil {
		store = store.WithTx(tx)
	}
	row, err := store.Insert(ctx, c.prefix+routingKey, body)
	if err != nil {
		return nil, fmt.Errorf("store %s event: %w", routingKey, err)
	}
	c.logger.Debug().
		Uint64("event_id", row.ID).
		Str("routing_key", row.RoutingKey).
		Msg("stored event")
	return row, nil
}

// EntityRevision 写入实体版本变更事件
func (c *Creator) EntityRevision(ctx context.Context, tx *gorm.DB, rev EntityRevision) (*models.StoredEvent, error) {
	if rev.Type == RevisionHardDeletion {
		rev.Content = nil
	}
	rev.Time = rev.Time.UTC()
	return c.Create(ctx, tx, RoutingKeyEntityRevision, rev)
}

// DomainCreation 写入领域创建事件
func (c *Creator) DomainCreation(ctx context.Context, tx *gorm.DB, ev DomainCreation) (*models.StoredEvent, error) {
	return c.Create(ctx, tx, RoutingKeyDomainCreation, ev)
}

// ElementTypeDefinitionUpdate 写入元素类型定义更新事件
func (c *Creator) ElementTypeDefinitionUpdate(ctx context.Context, tx *gorm.DB, ev ElementTypeDefinitionUpdate) (*models.StoredEvent, error) {
	ev.EventType = RoutingKeyElementTypeDefinitionUpdate
	return c.Create(ctx, tx, RoutingKeyElementTypeDefinitionUpdate, ev)
}

// ClientChange 写入客户端生命周期事件
func (c *Creator) ClientChange(ctx context.Context, tx *gorm.DB, ev ClientChange) (*models.StoredEvent, error) {
	ev.EventType = RoutingKeyClientChange
	return c.Create(ctx, tx, RoutingKeyClientChange, ev)
}
