package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"veo-messaging/internal/storage/models"
)

func sqliteDSN(t *testing.T) string {
	return filepath.Join(t.TempDir(), "outbox.db") + "?_pragma=busy_timeout(10000)&_txlock=immediate"
}

func TestOpenDatabase_MigratesStoredEvents(t *testing.T) {
	m, err := OpenDatabase(sqlite.Open(sqliteDSN(t)), "sqlite", "outbox", 1)
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, m.DB().Migrator().HasTable(&models.StoredEvent{}))
	assert.True(t, m.DB().Migrator().HasIndex(&models.StoredEvent{}, "idx_stored_events_locked_created"))
	assert.NoError(t, m.Ping(context.Background()))
}

func TestGormLogLevel(t *testing.T) {
	assert.Equal(t, logger.Silent, gormLogLevel(1))
	assert.Equal(t, logger.Error, gormLogLevel(2))
	assert.Equal(t, logger.Warn, gormLogLevel(3))
	assert.Equal(t, logger.Info, gormLogLevel(4))
	assert.Equal(t, logger.Warn, gormLogLevel(0))
}

func TestGormTracingPlugin(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	db, err := gorm.Open(sqlite.Open(sqliteDSN(t)), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.Use(NewGormTracingPlugin("sqlite", "outbox").WithTracer(tp.Tracer("test"))))
	require.NoError(t, db.AutoMigrate(&models.StoredEvent{}))

	t.Run("no parent span", func(t *testing.T) {
		var count int64
		require.NoError(t, db.WithContext(context.Background()).Model(&models.StoredEvent{}).Count(&count).Error)
		assert.Empty(t, recorder.Ended(), "没有上层span时不应产生追踪")
	})

	t.Run("child spans", func(t *testing.T) {
		ctx, parent := tp.Tracer("test").Start(context.Background(), "parent")
		row := models.StoredEvent{RoutingKey: "veo.client_change", Payload: []byte(`{}`)}
		require.NoError(t, db.WithContext(ctx).Create(&row).Error)

		var found []models.StoredEvent
		require.NoError(t, db.WithContext(ctx).Where("id = ?", row.ID).Find(&found).Error)
		parent.End()

		var names []string
		for _, s := range recorder.Ended() {
			names = append(names, s.Name())
		}
		assert.Contains(t, names, "INSERT stored_events")
		assert.Contains(t, names, "SELECT stored_events")

		for _, s := range recorder.Ended() {
			if s.Name() != "INSERT stored_events" {
				continue
			}
			assert.Equal(t, parent.SpanContext().TraceID(), s.SpanContext().TraceID())
			assert.Equal(t, codes.Ok, s.Status().Code)
			assert.Contains(t, s.Attributes(), attribute.String("db.system", "sqlite"))
			assert.Contains(t, s.Attributes(), attribute.Int64("db.rows_affected", 1))
		}
	})

	t.Run("error recorded", func(t *testing.T) {
		ctx, parent := tp.Tracer("test").Start(context.Background(), "parent")
		err := db.WithContext(ctx).Exec("SELECT * FROM missing_table").Error
		parent.End()
		require.Error(t, err)

		var failed bool
		for _, s := range recorder.Ended() {
			if s.Name() == "RAW unknown" && s.Status().Code == codes.Error {
				failed = true
			}
		}
		assert.True(t, failed)
	})
}
