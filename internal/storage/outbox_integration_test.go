//go:build integration

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"

	"veo-messaging/internal/config"
	"veo-messaging/internal/outbox"
	"veo-messaging/internal/storage/models"
)

const (
	testMySQLImage    = "mysql:8.0"
	testRabbitMQImage = "rabbitmq:3-management-alpine"
	testExchange      = "veo.integration"
)

func setupMySQLContainer(t *testing.T) *MySQL {
	t.Helper()
	ctx := context.Background()

	container, err := tcmysql.Run(ctx,
		testMySQLImage,
		tcmysql.WithDatabase("veo"),
		tcmysql.WithUsername("veo"),
		tcmysql.WithPassword("veo"),
	)
	require.NoError(t, err, "failed to start MySQL container")
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "parseTime=true", "loc=UTC")
	require.NoError(t, err)

	m, err := OpenDatabase(mysql.Open(dsn), "mysql", "veo", 1)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func setupRabbitMQContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcrabbit.Run(ctx,
		testRabbitMQImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start RabbitMQ container")
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)
	return url
}

// bindTestQueue 声明一个绑定到 exchange 的独占队列
func bindTestQueue(t *testing.T, url string) <-chan amqp.Delivery {
	t.Helper()
	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.ExchangeDeclare(testExchange, "topic", true, false, false, false, nil))
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, "veo.#", testExchange, false, nil))

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)
	return deliveries
}

func TestIntegration_MySQL_ConcurrentRetrieversClaimDisjointRows(t *testing.T) {
	m := setupMySQLContainer(t)
	ctx := context.Background()
	store := outbox.NewGormStore(m.DB())

	for i := 0; i < 200; i++ {
		_, err := store.Insert(ctx, "veo.client_change", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	retriever := outbox.NewRetriever(store, outbox.RetrieverConfig{
		ChunkSize:      25,
		LockExpiration: time.Minute,
		Retry:          outbox.DefaultRetryPolicy(),
	})

	var mu sync.Mutex
	seen := make(map[uint64]int)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for {
				rows, err := retriever.Retrieve(gctx)
				if err != nil {
					return err
				}
				if len(rows) == 0 {
					return nil
				}
				mu.Lock()
				for _, row := range rows {
					seen[row.ID]++
				}
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, seen, 200)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %d claimed more than once", id)
	}
}

func TestIntegration_PublishAckDelete(t *testing.T) {
	m := setupMySQLContainer(t)
	url := setupRabbitMQContainer(t)
	deliveries := bindTestQueue(t, url)
	ctx := context.Background()

	dispatcher, err := NewRabbitMQ(&config.RabbitMQConfig{
		URL:             url,
		ExchangeType:    "topic",
		ExchangeDurable: true,
		ConfirmTimeout:  "10s",
	}, 8, "integration")
	require.NoError(t, err)
	t.Cleanup(func() { dispatcher.Close() })

	store := outbox.NewGormStore(m.DB())
	acks := outbox.NewAckCollector()
	dispatcher.AddAckCallback(acks.Add)

	for i := 0; i < 10; i++ {
		_, err := store.Insert(ctx, "veo.client_change", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	retriever := outbox.NewRetriever(store, outbox.RetrieverConfig{
		ChunkSize:      100,
		LockExpiration: time.Minute,
		Retry:          outbox.DefaultRetryPolicy(),
	})
	publication := outbox.NewPublicationJob(retriever, dispatcher, testExchange, time.Second)
	deletion := outbox.NewDeletionJob(store, acks, time.Second)

	n, err := publication.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	received := 0
	timeout := time.After(15 * time.Second)
	for received < 10 {
		select {
		case d := <-deliveries:
			assert.Equal(t, "veo.client_change", d.RoutingKey)
			assert.Equal(t, "integration", d.AppId)
			received++
		case <-timeout:
			t.Fatalf("received %d of 10 messages", received)
		}
	}

	require.Eventually(t, func() bool { return acks.Len() == 10 }, 10*time.Second, 50*time.Millisecond)

	deleted, err := deletion.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), deleted)
	assert.Equal(t, 0, acks.Len())

	var remaining int64
	require.NoError(t, m.DB().Model(&models.StoredEvent{}).Count(&remaining).Error)
	assert.Zero(t, remaining)
}
