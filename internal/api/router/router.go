package router

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veo-messaging/internal/api/handler"
)

// RegisterRoutes 注册运维 API 路由
func RegisterRoutes(h *server.Hertz, health *handler.HealthHandler, outboxHandler *handler.OutboxHandler, gatherer prometheus.Gatherer) {
	api := h.Group("/api/v1")

	// 健康检查
	api.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		resp, healthy := health.Check(c)
		if !healthy {
			ctx.JSON(consts.StatusServiceUnavailable, resp)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	// 出站事件表统计
	api.GET("/outbox/stats", func(c context.Context, ctx *app.RequestContext) {
		resp, err := outboxHandler.HandleStats(c)
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	if gatherer != nil {
		h.GET("/metrics", adaptor.HertzHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}
