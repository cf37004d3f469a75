package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"veo-messaging/internal/tracing"
)

// PublicationJob 定期领取事件并交给 Dispatcher 发送
type PublicationJob struct {
	retriever   *Retriever
	dispatcher  Dispatcher
	destination string
	lease       Lease
	logger      zerolog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	loop        *fixedDelayLoop
}

// NewPublicationJob 创建发布任务，destination 为交换机名称
func NewPublicationJob(retriever *Retriever, dispatcher Dispatcher, destination string, delay time.Duration, opts ...Option) *PublicationJob {
	o := buildOptions("outbox-publication", opts)
	return &PublicationJob{
		retriever:   retriever,
		dispatcher:  dispatcher,
		destination: destination,
		lease:       o.lease,
		logger:      *o.logger,
		metrics:     o.metrics,
		tracer:      otel.Tracer(tracing.TracerName),
		loop: &fixedDelayLoop{
			name:   "PublicationJob",
			delay:  delay,
			logger: *o.logger,
		},
	}
}

// Start 在后台开始轮询，ctx 取消或调用 Stop 后退出
func (j *PublicationJob) Start(ctx context.Context) {
	j.loop.start(ctx, func(ctx context.Context) {
		_, _ = j.RunOnce(ctx) // 错误已在内部记录，本轮跳过
	})
}

// Stop 停止轮询并等待当前这一轮结束
func (j *PublicationJob) Stop() {
	j.loop.stop()
}

// RunOnce 执行一轮发布，返回交给 Dispatcher 的消息数
func (j *PublicationJob) RunOnce(ctx context.Context) (int, error) {
	if j.lease != nil {
		acquired, err := j.lease.Acquire(ctx)
		switch {
		case err != nil:
			// 租约只是优化，获取失败时照常执行
			j.logger.Warn().Err(err).Msg("failed to acquire publication lease, publishing without it")
		case !acquired:
			return 0, nil
		default:
			defer func() {
				if err := j.lease.Release(context.WithoutCancel(ctx)); err != nil {
					j.logger.Warn().Err(err).Msg("failed to release publication lease")
				}
			}()
		}
	}

	rows, err := j.retriever.Retrieve(ctx)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	// 仅在有消息时创建追踪Span
	ctx, span := j.tracer.Start(ctx, "outbox.PublishBatch",
		trace.WithAttributes(
			attribute.Int("messaging.batch.message_count", len(rows)),
			attribute.String("messaging.destination.name", j.destination),
		),
	)
	defer span.End()

	messages := MessagesFrom(rows)
	j.dispatcher.Send(ctx, j.destination, messages)
	j.metrics.addDispatched(len(messages))

	j.logger.Info().
		Int("count", len(messages)).
		Uint64("first_id", messages[0].ID).
		Uint64("last_id", messages[len(messages)-1].ID).
		Msg("dispatched stored events")
	return len(messages), nil
}
