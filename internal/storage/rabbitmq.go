package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"veo-messaging/internal/config"
	"veo-messaging/internal/logger"
	"veo-messaging/internal/outbox"
	"veo-messaging/internal/tracing"
)

var rabbitTracer = otel.Tracer("veo-messaging/storage/rabbitmq")

// 确保RabbitMQ实现了Dispatcher接口
var _ outbox.Dispatcher = (*RabbitMQ)(nil)

// confirmation 等待broker对单条消息的确认
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// publisher 是确认模式通道的最小抽象
type publisher interface {
	DeclareExchange(name string) error
	Publish(ctx context.Context, exchange string, msg amqp.Publishing, routingKey string) (confirmation, error)
	Close() error
}

type batch struct {
	ctx         context.Context
	destination string
	messages    []outbox.Message
}

type pendingConfirm struct {
	ctx        context.Context
	id         uint64
	routingKey string
	confirm    confirmation
}

// RabbitMQ 基于确认模式通道的异步 Dispatcher
type RabbitMQ struct {
	conn           *amqp.Connection
	pub            publisher
	appID          string
	contentType    string
	confirmTimeout time.Duration
	logger         zerolog.Logger

	exchangeMu  sync.Mutex
	exchangeMap map[string]bool // 记录已声明的exchange

	callbacksMu sync.RWMutex
	callbacks   []outbox.AckCallback

	queue     chan batch
	confirms  chan pendingConfirm
	done      chan struct{}
	ctx       context.Context // Close 时取消，终止正在等待的确认
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRabbitMQ 连接broker并启动发布与确认的后台goroutine
func NewRabbitMQ(cfg *config.RabbitMQConfig, queueSize int, appID string) (*RabbitMQ, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL配置不能为空")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("无法连接到RabbitMQ服务器: %w", err)
	}

	pub, err := newAMQPPublisher(conn, cfg.ExchangeType, cfg.ExchangeDurable)
	if err != nil {
		conn.Close()
		return nil, err
	}

	r := newDispatcher(pub, queueSize, appID, config.GetDuration(cfg.ConfirmTimeout, 30*time.Second))
	r.conn = conn
	r.contentType = cfg.ContentType
	r.logger.Info().Str("app_id", appID).Msg("成功连接到RabbitMQ服务器")
	return r, nil
}

func newDispatcher(pub publisher, queueSize int, appID string, confirmTimeout time.Duration) *RabbitMQ {
	if queueSize <= 0 {
		queueSize = config.DefaultDispatchQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &RabbitMQ{
		ctx:            ctx,
		cancel:         cancel,
		pub:            pub,
		appID:          appID,
		confirmTimeout: confirmTimeout,
		logger:         logger.Component("rabbitmq-dispatcher"),
		exchangeMap:    make(map[string]bool),
		queue:          make(chan batch, queueSize),
		confirms:       make(chan pendingConfirm, 1024),
		done:           make(chan struct{}),
	}
	r.wg.Add(2)
	go r.publishLoop()
	go r.confirmLoop()
	return r
}

// AddAckCallback implements outbox.Dispatcher.
func (r *RabbitMQ) AddAckCallback(fn outbox.AckCallback) {
	r.callbacksMu.Lock()
	defer r.callbacksMu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Send implements outbox.Dispatcher. 队列已满时丢弃整批消息，对应的行会在锁过期后被重新发布。
func (r *RabbitMQ) Send(ctx context.Context, destination string, messages []outbox.Message) {
	if len(messages) == 0 {
		return
	}
	select {
	case <-r.done:
		r.logger.Warn().Int("count", len(messages)).Msg("dispatcher closed, dropping batch")
		return
	default:
	}

	select {
	case r.queue <- batch{ctx: context.WithoutCancel(ctx), destination: destination, messages: messages}:
	default:
		r.logger.Warn().
			Int("count", len(messages)).
			Int("queue_size", cap(r.queue)).
			Msg("dispatch queue full, dropping batch until lock expiry")
	}
}

// EnsureExchange 确保exchange存在
func (r *RabbitMQ) EnsureExchange(exchangeName string) error {
	if exchangeName == "" {
		return fmt.Errorf("exchange名称不能为空")
	}
	// 防止尝试声明默认交换机
	if exchangeName == "amq.default" || exchangeName == "default" {
		return fmt.Errorf("不能声明默认交换机 '%s'", exchangeName)
	}

	r.exchangeMu.Lock()
	defer r.exchangeMu.Unlock()
	if r.exchangeMap[exchangeName] {
		return nil
	}
	if err := r.pub.DeclareExchange(exchangeName); err != nil {
		return fmt.Errorf("声明exchange失败: %w", err)
	}
	r.exchangeMap[exchangeName] = true
	r.logger.Info().Str("exchange", exchangeName).Msg("已确保exchange存在")
	return nil
}

func (r *RabbitMQ) publishLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case b := <-r.queue:
			r.publishBatch(b)
		}
	}
}

func (r *RabbitMQ) publishBatch(b batch) {
	if err := r.EnsureExchange(b.destination); err != nil {
		r.logger.Error().Err(err).Str("exchange", b.destination).Int("count", len(b.messages)).Msg("cannot publish batch")
		return
	}

	for i, msg := range b.messages {
		publishing := amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  r.contentType,
			MessageId:    strconv.FormatUint(msg.ID, 10),
			Timestamp:    msg.Timestamp,
			AppId:        r.appID,
			Body:         msg.Content,
		}
		confirm, err := r.pub.Publish(b.ctx, b.destination, publishing, msg.RoutingKey)
		if err != nil {
			// 剩余消息保持锁定，等锁过期后重新发布
			r.logger.Error().Err(err).
				Uint64("event_id", msg.ID).
				Int("skipped", len(b.messages)-i).
				Msg("failed to publish event")
			return
		}

		select {
		case r.confirms <- pendingConfirm{ctx: b.ctx, id: msg.ID, routingKey: msg.RoutingKey, confirm: confirm}:
		case <-r.done:
			return
		}
	}
}

func (r *RabbitMQ) confirmLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case p := <-r.confirms:
			r.awaitConfirm(p)
		}
	}
}

func (r *RabbitMQ) awaitConfirm(p pendingConfirm) {
	ctx, cancel := context.WithTimeout(r.ctx, r.confirmTimeout)
	defer cancel()

	acked, err := p.confirm.WaitContext(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Uint64("event_id", p.id).Msg("no confirmation received for event")
		return
	}
	if !acked {
		_, span := rabbitTracer.Start(p.ctx, "rabbitmq.Nack")
		tracing.RecordRabbitMQNack(span, p.id, p.routingKey)
		span.End()
		r.logger.Warn().Uint64("event_id", p.id).Str("routing_key", p.routingKey).Msg("event nacked by broker")
		return
	}

	r.callbacksMu.RLock()
	callbacks := r.callbacks
	r.callbacksMu.RUnlock()
	for _, cb := range callbacks {
		cb(p.id)
	}
}

// Close 停止后台goroutine并关闭连接。未确认的消息会在锁过期后重新发布。
func (r *RabbitMQ) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.cancel()
		r.wg.Wait()
		err = r.pub.Close()
		if r.conn != nil {
			err = errors.Join(err, r.conn.Close())
		}
	})
	return err
}

// Ping 检查连接状态
func (r *RabbitMQ) Ping(context.Context) error {
	if r.conn == nil || r.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

// amqpPublisher 使用确认模式的 amqp091 通道，通道关闭后在下一次发布时重新打开
type amqpPublisher struct {
	conn         *amqp.Connection
	exchangeType string
	durable      bool

	mu sync.Mutex
	ch *amqp.Channel
}

func newAMQPPublisher(conn *amqp.Connection, exchangeType string, durable bool) (*amqpPublisher, error) {
	p := &amqpPublisher{conn: conn, exchangeType: exchangeType, durable: durable}
	if _, err := p.channel(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *amqpPublisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("无法创建RabbitMQ通道: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("开启确认模式失败: %w", err)
	}
	p.ch = ch
	return ch, nil
}

func (p *amqpPublisher) DeclareExchange(name string) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	return ch.ExchangeDeclare(
		name,           // exchange名称
		p.exchangeType, // exchange类型
		p.durable,      // 持久化
		false,          // 自动删除
		false,          // 内部专用
		false,          // 非阻塞
		nil,            // 参数
	)
}

func (p *amqpPublisher) Publish(ctx context.Context, exchange string, msg amqp.Publishing, routingKey string) (confirmation, error) {
	ch, err := p.channel()
	if err != nil {
		return nil, err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, fmt.Errorf("RabbitMQ通道未处于确认模式")
	}
	return dc, nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}
