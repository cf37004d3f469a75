package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"veo-messaging/internal/config"
)

// RetryPolicy 描述领取事务在冲突时的重试方式
type RetryPolicy struct {
	MaxAttempts     int // 包含第一次执行
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Retryable 判断错误是否值得重试，为空时使用 IsTransient
	Retryable func(error) bool
	// NewTimer 用于测试时替换等待计时器
	NewTimer func() backoff.Timer
}

// DefaultRetryPolicy 5次尝试，250ms 起按2倍增长，上限1s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     config.DefaultRetryMaxAttempts,
		InitialInterval: config.DefaultRetryInitial,
		MaxInterval:     config.DefaultRetryMaxInterval,
		Multiplier:      config.DefaultRetryMultiplier,
		Retryable:       IsTransient,
	}
}

// RetryPolicyFromConfig 从配置构造重试策略
func RetryPolicyFromConfig(cfg config.MessagingConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.RetryInitialInterval(),
		MaxInterval:     cfg.RetryMaxInterval(),
		Multiplier:      cfg.Retry.Multiplier,
		Retryable:       IsTransient,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Retry 执行 op，可重试的错误按策略等待后重试，其余错误立即返回。
// notify 在每次等待之前被调用，attempt 从1开始。
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error), notify func(attempt int, err error, wait time.Duration)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	var timer backoff.Timer
	if p.NewTimer != nil {
		timer = p.NewTimer()
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err != nil && !retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	}

	return backoff.RetryNotifyWithTimerAndData(operation, p.backOff(ctx), onRetry, timer)
}
