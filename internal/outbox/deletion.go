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

// DeleteChunkSize 单条 DELETE 语句最多携带的id数，低于 MySQL 预处理语句与 SQLite 的占位符上限
const DeleteChunkSize = 1000

// DeletionJob 定期删除已被确认的事件
type DeletionJob struct {
	store   Store
	acks    *AckCollector
	logger  zerolog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	loop    *fixedDelayLoop
}

// NewDeletionJob 创建删除任务
func NewDeletionJob(store Store, acks *AckCollector, delay time.Duration, opts ...Option) *DeletionJob {
	o := buildOptions("outbox-deletion", opts)
	return &DeletionJob{
		store:   store,
		acks:    acks,
		logger:  *o.logger,
		metrics: o.metrics,
		tracer:  otel.Tracer(tracing.TracerName),
		loop: &fixedDelayLoop{
			name:   "DeletionJob",
			delay:  delay,
			logger: *o.logger,
		},
	}
}

// Start 在后台开始定期删除
func (j *DeletionJob) Start(ctx context.Context) {
	j.loop.start(ctx, func(ctx context.Context) {
		_, _ = j.RunOnce(ctx)
	})
}

// Stop 停止并等待当前这一轮结束
func (j *DeletionJob) Stop() {
	j.loop.stop()
}

// RunOnce 删除当前快照中的id，返回实际删除的行数。
// 快照按 DeleteChunkSize 分批删除，每批在独立事务中执行，成功后立即从 AckCollector 移除。
// 某一批失败时，该批及之后的id保留在 AckCollector 中，下一轮重试。
func (j *DeletionJob) RunOnce(ctx context.Context) (int64, error) {
	ids := j.acks.Snapshot()
	if len(ids) == 0 {
		return 0, nil
	}

	ctx, span := j.tracer.Start(ctx, "outbox.DeleteAcknowledged",
		trace.WithAttributes(attribute.Int("outbox.ack_count", len(ids))),
	)
	defer span.End()

	var total int64
	for start := 0; start < len(ids); start += DeleteChunkSize {
		end := start + DeleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		var deleted int64
		err := j.store.Transaction(ctx, func(tx Store) error {
			n, err := tx.DeleteByIDs(ctx, chunk)
			deleted = n
			return err
		})
		if err != nil {
			j.metrics.incDeletionFailed()
			tracing.RecordError(span, err, tracing.ErrorTypeDB)
			j.logger.Warn().Err(err).
				Int("count", len(ids)).
				Int("pending", len(ids)-start).
				Int64("deleted", total).
				Msg("failed to delete acknowledged events, will retry")
			return total, err
		}

		j.acks.Remove(chunk...)
		j.metrics.addDeleted(deleted)
		total += deleted
	}

	j.logger.Debug().
		Int("acked", len(ids)).
		Int64("deleted", total).
		Msg("deleted acknowledged events")
	return total, nil
}
