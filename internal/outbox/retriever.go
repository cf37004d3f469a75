package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"veo-messaging/internal/storage/models"
	"veo-messaging/internal/tracing"
)

// RetrieverConfig 领取参数
type RetrieverConfig struct {
	ChunkSize      int
	LockExpiration time.Duration
	Retry          RetryPolicy
}

// Retriever 在可串行化事务中领取一批可发布的事件并标记锁定
type Retriever struct {
	store   Store
	cfg     RetrieverConfig
	now     func() time.Time
	logger  zerolog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// NewRetriever 创建 Retriever
func NewRetriever(store Store, cfg RetrieverConfig, opts ...Option) *Retriever {
	o := buildOptions("outbox-retriever", opts)
	return &Retriever{
		store:   store,
		cfg:     cfg,
		now:     o.now,
		logger:  *o.logger,
		metrics: o.metrics,
		tracer:  otel.Tracer(tracing.TracerName),
	}
}

// Retrieve 领取最多 ChunkSize 条事件。没有可领取的事件时返回空切片。
func (r *Retriever) Retrieve(ctx context.Context) ([]models.StoredEvent, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.RetrieveEvents",
		trace.WithAttributes(attribute.Int("outbox.chunk_size", r.cfg.ChunkSize)),
	)
	defer span.End()

	attempts := 1
	rows, err := Retry(ctx, r.cfg.Retry, r.retrieveOnce, func(attempt int, err error, wait time.Duration) {
		attempts++
		r.metrics.incRetrievalRetry()
		r.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("retrieval conflicted, retrying")
	})
	span.SetAttributes(attribute.Int("outbox.retrieve_attempts", attempts))
	if err != nil {
		// 冲突类错误说明重试已耗尽
		errType := tracing.ErrorTypeDB
		if IsTransient(err) {
			errType = tracing.ErrorTypeContention
		}
		tracing.RecordError(span, err, errType)
		r.metrics.incRetrievalFailed()
		r.logger.Error().Err(err).Int("attempts", attempts).Msg("failed to retrieve stored events")
		return nil, fmt.Errorf("retrieve stored events: %w", err)
	}
	span.SetAttributes(attribute.Int("outbox.claimed_count", len(rows)))
	r.metrics.addClaimed(len(rows))
	return rows, nil
}

func (r *Retriever) retrieveOnce(ctx context.Context) ([]models.StoredEvent, error) {
	now := r.now().UTC()
	var rows []models.StoredEvent
	err := r.store.Serializable(ctx, func(tx Store) error {
		var err error
		rows, err = tx.FindEligible(ctx, r.cfg.LockExpiration, now, r.cfg.ChunkSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		r.logger.Debug().
			Time("max_lock_time", now.Add(-r.cfg.LockExpiration)).
			Time("now", now).
			Int("count", len(rows)).
			Msg("locking stored events")
		return tx.MarkLocked(ctx, rows, now)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
