package handler

import (
	"context"
	"sort"
	"time"

	"veo-messaging/internal/logger"
)

// Pinger 可被健康检查的组件
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler 检查外部依赖的连通性
type HealthHandler struct {
	components map[string]Pinger
	timeout    time.Duration
}

// NewHealthHandler 创建健康检查处理器，nil 组件会被忽略
func NewHealthHandler(components map[string]Pinger, timeout time.Duration) *HealthHandler {
	filtered := make(map[string]Pinger, len(components))
	for name, c := range components {
		if c != nil {
			filtered[name] = c
		}
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthHandler{components: filtered, timeout: timeout}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Check 依次 ping 每个组件，任一失败时返回 healthy=false
func (h *HealthHandler) Check(ctx context.Context) (HealthResponse, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "ok", Components: make(map[string]string, len(names))}
	healthy := true
	for _, name := range names {
		if err := h.components[name].Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("component", name).Msg("健康检查失败")
			resp.Components[name] = err.Error()
			healthy = false
			continue
		}
		resp.Components[name] = "ok"
	}
	if !healthy {
		resp.Status = "degraded"
	}
	return resp, healthy
}
