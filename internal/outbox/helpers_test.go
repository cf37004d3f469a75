package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"veo-messaging/internal/storage/models"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock 手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testStart}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTimer 记录等待时长并立即触发
type fakeTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{c: make(chan time.Time, 1)}
}

func (f *fakeTimer) Start(d time.Duration) {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	f.mu.Unlock()
	f.c <- time.Time{}
}

func (f *fakeTimer) Stop() {}

func (f *fakeTimer) C() <-chan time.Time { return f.c }

func (f *fakeTimer) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}

// testPolicy 默认策略，但不真正等待
func testPolicy(timer *fakeTimer) RetryPolicy {
	p := DefaultRetryPolicy()
	p.NewTimer = func() backoff.Timer { return timer }
	return p
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "outbox.db") + "?_pragma=busy_timeout(10000)&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.StoredEvent{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestStore(t *testing.T) (*GormStore, *gorm.DB, *fakeClock) {
	t.Helper()
	db := newTestDB(t)
	clock := newFakeClock()
	store := NewGormStore(db, WithStoreClock(clock.Now), WithStoreLogger(zerolog.Nop()))
	return store, db, clock
}

// insertEvents 每条事件间隔1ms插入，保证 created_at 有序
func insertEvents(t *testing.T, store *GormStore, clock *fakeClock, n int) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		event, err := store.Insert(context.Background(), "veo.versioning_event", []byte(`{"n":1}`))
		require.NoError(t, err)
		ids = append(ids, event.ID)
		clock.Advance(time.Millisecond)
	}
	return ids
}

func countRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.StoredEvent{}).Count(&n).Error)
	return n
}

func idsOf(rows []models.StoredEvent) []uint64 {
	out := make([]uint64, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ID)
	}
	return out
}

// mockDispatcher 基于 testify/mock 的 Dispatcher
type mockDispatcher struct {
	mock.Mock
	mu        sync.Mutex
	callbacks []AckCallback
}

func (m *mockDispatcher) Send(ctx context.Context, destination string, messages []Message) {
	m.Called(ctx, destination, messages)
}

func (m *mockDispatcher) AddAckCallback(fn AckCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

func (m *mockDispatcher) ack(ids ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		for _, cb := range m.callbacks {
			cb(id)
		}
	}
}

// stubStore 只覆盖需要的方法，其余调用会因 nil 接口而 panic
type stubStore struct {
	Store
	serializable func(ctx context.Context, fn func(Store) error) error
	transaction  func(ctx context.Context, fn func(Store) error) error
}

func (s *stubStore) Serializable(ctx context.Context, fn func(Store) error) error {
	return s.serializable(ctx, fn)
}

func (s *stubStore) Transaction(ctx context.Context, fn func(Store) error) error {
	return s.transaction(ctx, fn)
}

// fakeLease 可控的租约
type fakeLease struct {
	acquire  bool
	err      error
	released int
}

func (l *fakeLease) Acquire(context.Context) (bool, error) { return l.acquire, l.err }

func (l *fakeLease) Release(context.Context) error {
	l.released++
	return nil
}
