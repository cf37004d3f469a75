package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veo-messaging/internal/config"
	"veo-messaging/internal/outbox"
)

type fakeConfirmation struct {
	acked bool
	err   error
	block bool
}

func (c fakeConfirmation) WaitContext(ctx context.Context) (bool, error) {
	if c.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return c.acked, c.err
}

// fakePublisher 记录发布的消息，可按消息ID决定确认结果
type fakePublisher struct {
	mu        sync.Mutex
	declared  []string
	published []amqp.Publishing
	keys      []string

	declareErr error
	publishErr map[string]error // MessageId -> 错误
	nacked     map[string]bool  // MessageId -> nack
	blocking   map[string]bool  // MessageId -> 永不确认
	gate       chan struct{}    // 非空时每次 Publish 前等待
	started    chan struct{}    // 每次 Publish 开始时通知
	closed     bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		publishErr: make(map[string]error),
		nacked:     make(map[string]bool),
		blocking:   make(map[string]bool),
	}
}

func (p *fakePublisher) DeclareExchange(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declareErr != nil {
		return p.declareErr
	}
	p.declared = append(p.declared, name)
	return nil
}

func (p *fakePublisher) Publish(ctx context.Context, exchange string, msg amqp.Publishing, routingKey string) (confirmation, error) {
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.publishErr[msg.MessageId]; err != nil {
		return nil, err
	}
	p.published = append(p.published, msg)
	p.keys = append(p.keys, routingKey)
	return fakeConfirmation{
		acked: !p.nacked[msg.MessageId],
		block: p.blocking[msg.MessageId],
	}, nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) Published() []amqp.Publishing {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]amqp.Publishing(nil), p.published...)
}

// ackRecorder 收集回调报告的ID
type ackRecorder struct {
	mu  sync.Mutex
	ids []uint64
}

func (r *ackRecorder) add(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *ackRecorder) IDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.ids...)
}

func testMessages(ids ...uint64) []outbox.Message {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	messages := make([]outbox.Message, 0, len(ids))
	for _, id := range ids {
		messages = append(messages, outbox.Message{
			ID:         id,
			RoutingKey: "veo.client_change",
			Content:    []byte(`{"id":1}`),
			Timestamp:  ts,
		})
	}
	return messages
}

func TestRabbitMQDispatcher_AcksInvokeCallbacks(t *testing.T) {
	pub := newFakePublisher()
	d := newDispatcher(pub, 4, "instance-1", time.Second)
	defer d.Close()

	first, second := &ackRecorder{}, &ackRecorder{}
	d.AddAckCallback(first.add)
	d.AddAckCallback(second.add)

	d.Send(context.Background(), "veo", testMessages(1, 2, 3))

	require.Eventually(t, func() bool { return len(first.IDs()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3}, first.IDs())
	assert.Equal(t, []uint64{1, 2, 3}, second.IDs())

	published := pub.Published()
	require.Len(t, published, 3)
	assert.Equal(t, "1", published[0].MessageId)
	assert.Equal(t, "instance-1", published[0].AppId)
	assert.Equal(t, amqp.Persistent, published[0].DeliveryMode)
	assert.Equal(t, []byte(`{"id":1}`), published[0].Body)
	assert.Empty(t, published[0].ContentType, "未配置时不设置content-type")
	assert.Equal(t, []string{"veo"}, pub.declared)
}

func TestRabbitMQDispatcher_ConfiguredContentType(t *testing.T) {
	pub := newFakePublisher()
	d := newDispatcher(pub, 4, "instance-1", time.Second)
	d.contentType = "application/json"
	defer d.Close()

	acks := &ackRecorder{}
	d.AddAckCallback(acks.add)
	d.Send(context.Background(), "veo", testMessages(1))

	require.Eventually(t, func() bool { return len(acks.IDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	published := pub.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "application/json", published[0].ContentType)
}

func TestRabbitMQDispatcher_NackNotReported(t *testing.T) {
	pub := newFakePublisher()
	pub.nacked["2"] = true
	d := newDispatcher(pub, 4, "instance-1", time.Second)
	defer d.Close()

	acks := &ackRecorder{}
	d.AddAckCallback(acks.add)
	d.Send(context.Background(), "veo", testMessages(1, 2, 3))

	require.Eventually(t, func() bool { return len(acks.IDs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 3}, acks.IDs())
}

func TestRabbitMQDispatcher_ConfirmTimeout(t *testing.T) {
	pub := newFakePublisher()
	pub.blocking["1"] = true
	d := newDispatcher(pub, 4, "instance-1", 20*time.Millisecond)
	defer d.Close()

	acks := &ackRecorder{}
	d.AddAckCallback(acks.add)
	d.Send(context.Background(), "veo", testMessages(1, 2))

	// 超时的消息不会被确认，后面的消息照常确认
	require.Eventually(t, func() bool { return len(acks.IDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{2}, acks.IDs())
}

func TestRabbitMQDispatcher_PublishErrorSkipsRestOfBatch(t *testing.T) {
	pub := newFakePublisher()
	pub.publishErr["2"] = errors.New("channel closed")
	d := newDispatcher(pub, 4, "instance-1", time.Second)
	defer d.Close()

	acks := &ackRecorder{}
	d.AddAckCallback(acks.add)
	d.Send(context.Background(), "veo", testMessages(1, 2, 3))
	d.Send(context.Background(), "veo", testMessages(4))

	require.Eventually(t, func() bool { return len(acks.IDs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 4}, acks.IDs())
}

func TestRabbitMQDispatcher_DeclareErrorDropsBatch(t *testing.T) {
	pub := newFakePublisher()
	pub.declareErr = errors.New("access refused")
	d := newDispatcher(pub, 4, "instance-1", time.Second)
	defer d.Close()

	d.Send(context.Background(), "veo", testMessages(1))
	assert.Never(t, func() bool { return len(pub.Published()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRabbitMQDispatcher_FullQueueDropsBatch(t *testing.T) {
	pub := newFakePublisher()
	pub.gate = make(chan struct{})
	pub.started = make(chan struct{}, 8)
	d := newDispatcher(pub, 1, "instance-1", time.Second)
	defer d.Close()

	acks := &ackRecorder{}
	d.AddAckCallback(acks.add)

	d.Send(context.Background(), "veo", testMessages(1))
	<-pub.started // 第一批已出队，发布循环阻塞在 Publish

	d.Send(context.Background(), "veo", testMessages(2)) // 占满队列
	d.Send(context.Background(), "veo", testMessages(3)) // 被丢弃

	close(pub.gate)
	require.Eventually(t, func() bool { return len(acks.IDs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(acks.IDs()) > 2 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2}, acks.IDs())
}

func TestRabbitMQDispatcher_SendAfterClose(t *testing.T) {
	pub := newFakePublisher()
	d := newDispatcher(pub, 4, "instance-1", time.Second)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, pub.closed)

	d.Send(context.Background(), "veo", testMessages(1))
	assert.Empty(t, pub.Published())
	assert.Error(t, d.Ping(context.Background()))
}

func TestRabbitMQDispatcher_EnsureExchange(t *testing.T) {
	pub := newFakePublisher()
	d := newDispatcher(pub, 4, "instance-1", time.Second)
	defer d.Close()

	require.NoError(t, d.EnsureExchange("veo"))
	require.NoError(t, d.EnsureExchange("veo"))
	assert.Equal(t, []string{"veo"}, pub.declared, "已声明的exchange应被缓存")

	assert.Error(t, d.EnsureExchange(""))
	assert.Error(t, d.EnsureExchange("amq.default"))
}

func TestNewRabbitMQ_InvalidConfig(t *testing.T) {
	_, err := NewRabbitMQ(nil, 4, "x")
	assert.Error(t, err)

	_, err = NewRabbitMQ(&config.RabbitMQConfig{}, 4, "x")
	assert.Error(t, err)
}
