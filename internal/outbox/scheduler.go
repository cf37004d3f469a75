package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// fixedDelayLoop 以固定延迟重复执行 tick：下一次在上一次结束后 delay 才开始
type fixedDelayLoop struct {
	name   string
	delay  time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
}

func (l *fixedDelayLoop) start(ctx context.Context, tick func(context.Context)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return // 已经启动
	}
	l.done = make(chan struct{})
	l.stopped = make(chan struct{})
	go l.run(ctx, l.done, l.stopped, tick)
}

func (l *fixedDelayLoop) run(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}, tick func(context.Context)) {
	defer close(stopped)
	l.logger.Info().Dur("delay", l.delay).Msgf("%s starting", l.name)

	timer := time.NewTimer(l.delay)
	defer timer.Stop()
	for {
		select {
		case <-done:
			l.logger.Info().Msgf("%s stopped", l.name)
			return
		case <-ctx.Done():
			l.logger.Info().Msgf("%s stopped: %v", l.name, ctx.Err())
			return
		case <-timer.C:
			l.safeTick(ctx, tick)
			timer.Reset(l.delay)
		}
	}
}

// safeTick 单次执行中的 panic 不应终止调度
func (l *fixedDelayLoop) safeTick(ctx context.Context, tick func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msgf("%s tick panicked", l.name)
		}
	}()
	tick(ctx)
}

// stop 通知后台 goroutine 退出并等待其结束
func (l *fixedDelayLoop) stop() {
	l.mu.Lock()
	done, stopped := l.done, l.stopped
	l.done, l.stopped = nil, nil
	l.mu.Unlock()
	if done == nil {
		return
	}
	l.logger.Info().Msgf("%s stopping...", l.name)
	close(done)
	<-stopped
}
