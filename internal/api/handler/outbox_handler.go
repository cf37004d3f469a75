package handler

import (
	"context"
	"fmt"
	"time"

	"veo-messaging/internal/outbox"
)

// StatsSource 提供出站表统计
type StatsSource interface {
	Stats(ctx context.Context, maxLockAge time.Duration, now time.Time) (outbox.Stats, error)
}

// OutboxHandler 出站事件表的运维接口
type OutboxHandler struct {
	store          StatsSource
	acks           *outbox.AckCollector
	lockExpiration time.Duration
	now            func() time.Time
}

// NewOutboxHandler 创建处理器，acks 可以为 nil
func NewOutboxHandler(store StatsSource, acks *outbox.AckCollector, lockExpiration time.Duration) *OutboxHandler {
	return &OutboxHandler{
		store:          store,
		acks:           acks,
		lockExpiration: lockExpiration,
		now:            time.Now,
	}
}

// OutboxStatsResponse 统计响应
type OutboxStatsResponse struct {
	outbox.Stats
	PendingAcks    int    `json:"pending_acks"`
	LockExpiration string `json:"lock_expiration"`
}

// HandleStats 查询当前的出站表统计
func (h *OutboxHandler) HandleStats(ctx context.Context) (*OutboxStatsResponse, error) {
	stats, err := h.store.Stats(ctx, h.lockExpiration, h.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("查询出站表统计失败: %w", err)
	}
	resp := &OutboxStatsResponse{
		Stats:          stats,
		LockExpiration: h.lockExpiration.String(),
	}
	if h.acks != nil {
		resp.PendingAcks = h.acks.Len()
	}
	return resp, nil
}
