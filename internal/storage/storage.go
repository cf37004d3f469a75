package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"veo-messaging/internal/config"
	"veo-messaging/internal/logger"
)

// Storage 存储管理器，聚合出站事件管道依赖的外部资源
type Storage struct {
	// 关系型数据库，保存 stored_events
	MySQL *MySQL

	// 消息队列，作为 Dispatcher
	RabbitMQ *RabbitMQ

	// 键值存储，可选，用于发布租约
	Redis *Redis

	// 本实例标识，作为AMQP消息的 AppId
	InstanceID string
}

// NewStorage 创建存储管理器。MySQL 与 RabbitMQ 是必需的，Redis 只在配置了地址时初始化。
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	instanceID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("生成实例标识失败: %w", err)
	}
	s := &Storage{InstanceID: instanceID.String()}
	log := logger.Component("storage")

	log.Info().Str("host", cfg.MySQL.Host).Msg("初始化MySQL...")
	s.MySQL, err = NewMySQL(&cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("初始化MySQL失败: %w", err)
	}

	log.Info().Msg("初始化RabbitMQ...")
	s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ, cfg.Messaging.DispatchQueueSize, s.InstanceID)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("初始化RabbitMQ失败: %w", err)
	}

	switch {
	case cfg.Redis.Address != "":
		log.Info().Str("address", cfg.Redis.Address).Msg("初始化Redis...")
		s.Redis, err = NewRedisAdapter(&cfg.Redis)
		if err != nil {
			if cfg.Messaging.Lease.Enabled {
				s.Close()
				return nil, fmt.Errorf("初始化Redis失败: %w", err)
			}
			// 租约未启用时Redis不是必需的
			log.Warn().Err(err).Msg("初始化Redis失败, 继续运行")
		}
	case cfg.Messaging.Lease.Enabled:
		s.Close()
		return nil, fmt.Errorf("messaging.lease.enabled 需要配置 redis.address")
	default:
		log.Info().Msg("Redis未配置, 跳过初始化.")
	}

	if err := ctx.Err(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Ping 检查所有已初始化的组件，返回各组件的错误
func (s *Storage) Ping(ctx context.Context) map[string]error {
	results := make(map[string]error, 3)
	if s.MySQL != nil {
		results["mysql"] = s.MySQL.Ping(ctx)
	}
	if s.RabbitMQ != nil {
		results["rabbitmq"] = s.RabbitMQ.Ping(ctx)
	}
	if s.Redis != nil {
		results["redis"] = s.Redis.Ping(ctx)
	}
	return results
}

// Close 关闭所有连接。RabbitMQ 先关闭，停止确认回调后再关闭数据库。
func (s *Storage) Close() error {
	var errs []error
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭RabbitMQ连接失败: %w", err))
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭Redis连接失败: %w", err))
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭MySQL连接失败: %w", err))
		}
	}
	return errors.Join(errs...)
}
