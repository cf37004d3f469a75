package outbox

import (
	"time"

	"github.com/rs/zerolog"

	"veo-messaging/internal/logger"
)

type options struct {
	now     func() time.Time
	logger  *zerolog.Logger
	metrics *Metrics
	lease   Lease
}

// Option 配置 Retriever、PublicationJob 与 DeletionJob 的公共依赖
type Option func(*options)

// WithClock 替换当前时间的来源
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger 指定日志，组件会在其上追加 component 字段
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// WithMetrics 指定 Prometheus 指标
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLease 发布前先获取集群租约，只对 PublicationJob 生效
func WithLease(l Lease) Option {
	return func(o *options) {
		o.lease = l
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		l := logger.Component(component)
		o.logger = &l
	} else {
		l := o.logger.With().Str("component", component).Logger()
		o.logger = &l
	}
	return o
}
