package outbox // 事务性发件箱：存储、领取、发布与确认后删除

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"veo-messaging/internal/logger"
	"veo-messaging/internal/storage/models"
)

// Store 是 stored_events 表的访问接口
type Store interface {
	// Insert 在当前事务中追加一条事件
	Insert(ctx context.Context, routingKey string, payload []byte) (*models.StoredEvent, error)
	// WithTx 返回绑定到调用方事务的 Store
	WithTx(tx *gorm.DB) Store
	// FindEligible 查询未锁定或锁已过期的事件，按创建时间升序
	FindEligible(ctx context.Context, maxLockAge time.Duration, now time.Time, limit int) ([]models.StoredEvent, error)
	// MarkLocked 将给定的行标记为在 now 时刻锁定
	MarkLocked(ctx context.Context, rows []models.StoredEvent, now time.Time) error
	// DeleteByIDs 批量删除，未知的id不视为错误
	DeleteByIDs(ctx context.Context, ids []uint64) (int64, error)
	// Serializable 在可串行化隔离级别的事务中执行 fn
	Serializable(ctx context.Context, fn func(Store) error) error
	// Transaction 在默认隔离级别的新事务中执行 fn
	Transaction(ctx context.Context, fn func(Store) error) error
	// Stats 统计发件箱当前状态
	Stats(ctx context.Context, maxLockAge time.Duration, now time.Time) (Stats, error)
}

// Stats 发件箱的运维统计
type Stats struct {
	Total           int64         `json:"total"`
	Eligible        int64         `json:"eligible"`
	Locked          int64         `json:"locked"`
	OldestCreatedAt *time.Time    `json:"oldest_created_at,omitempty"`
	OldestAge       time.Duration `json:"oldest_age_ns"`
}

// GormStore 基于 GORM 的 Store 实现，同时支持 MySQL 与 SQLite
type GormStore struct {
	db     *gorm.DB
	now    func() time.Time
	logger zerolog.Logger
}

// StoreOption 配置 GormStore
type StoreOption func(*GormStore)

// WithStoreClock 替换写入 created_at 时使用的时钟
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *GormStore) {
		s.now = now
	}
}

// WithStoreLogger 指定日志
func WithStoreLogger(l zerolog.Logger) StoreOption {
	return func(s *GormStore) {
		s.logger = l
	}
}

// NewGormStore 创建 GormStore
func NewGormStore(db *gorm.DB, opts ...StoreOption) *GormStore {
	s := &GormStore{
		db:     db,
		now:    time.Now,
		logger: logger.Component("outbox-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx implements Store.
func (s *GormStore) WithTx(tx *gorm.DB) Store {
	return &GormStore{db: tx, now: s.now, logger: s.logger}
}

// Insert implements Store.
func (s *GormStore) Insert(ctx context.Context, routingKey string, payload []byte) (*models.StoredEvent, error) {
	if routingKey == "" {
		return nil, ErrEmptyRoutingKey
	}
	if payload == nil {
		payload = []byte{}
	}
	event := &models.StoredEvent{
		CreatedAt:  s.now().UTC(),
		RoutingKey: routingKey,
		Payload:    payload,
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, fmt.Errorf("insert stored event (%s): %w", routingKey, err)
	}
	return event, nil
}

// FindEligible implements Store.
func (s *GormStore) FindEligible(ctx context.Context, maxLockAge time.Duration, now time.Time, limit int) ([]models.StoredEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []models.StoredEvent
	err := s.eligible(s.db.WithContext(ctx), maxLockAge, now).
		Order("created_at asc").
		Order("id asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find eligible stored events: %w", err)
	}
	return rows, nil
}

func (s *GormStore) eligible(db *gorm.DB, maxLockAge time.Duration, now time.Time) *gorm.DB {
	maxLockTime := now.UTC().Add(-maxLockAge)
	return db.Model(&models.StoredEvent{}).
		Where("locked_at IS NULL OR locked_at < ?", maxLockTime)
}

// MarkLocked implements Store. 按版本号分组更新，任何一行的版本号已变化都返回 ErrVersionConflict。
func (s *GormStore) MarkLocked(ctx context.Context, rows []models.StoredEvent, now time.Time) error {
	if len(rows) == 0 {
		return nil
	}
	lockedAt := now.UTC()

	byVersion := make(map[uint64][]uint64)
	for _, row := range rows {
		if row.LockedAt != nil {
			s.logger.Warn().
				Uint64("event_id", row.ID).
				Time("previous_locked_at", *row.LockedAt).
				Msg("relocking stored event whose lock expired, it may have been published before")
		}
		byVersion[row.Version] = append(byVersion[row.Version], row.ID)
	}
	versions := make([]uint64, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	db := s.db.WithContext(ctx)
	for _, version := range versions {
		ids := byVersion[version]
		res := db.Model(&models.StoredEvent{}).
			Where("id IN ? AND version = ?", ids, version).
			Updates(map[string]interface{}{
				"locked_at": lockedAt,
				"version":   gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return fmt.Errorf("mark stored events locked: %w", res.Error)
		}
		if res.RowsAffected != int64(len(ids)) {
			return fmt.Errorf("locked %d of %d events at version %d: %w",
				res.RowsAffected, len(ids), version, ErrVersionConflict)
		}
	}

	for i := range rows {
		t := lockedAt
		rows[i].LockedAt = &t
		rows[i].Version++
	}
	return nil
}

// DeleteByIDs implements Store.
func (s *GormStore) DeleteByIDs(ctx context.Context, ids []uint64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.StoredEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete %d stored events: %w", len(ids), res.Error)
	}
	return res.RowsAffected, nil
}

// Serializable implements Store.
func (s *GormStore) Serializable(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// Transaction implements Store.
func (s *GormStore) Transaction(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	})
}

// Stats implements Store.
func (s *GormStore) Stats(ctx context.Context, maxLockAge time.Duration, now time.Time) (Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.StoredEvent{}).Count(&stats.Total).Error; err != nil {
		return stats, fmt.Errorf("count stored events: %w", err)
	}
	if err := s.eligible(db, maxLockAge, now).Count(&stats.Eligible).Error; err != nil {
		return stats, fmt.Errorf("count eligible stored events: %w", err)
	}
	stats.Locked = stats.Total - stats.Eligible

	var oldest []models.StoredEvent
	err := db.Select("id", "created_at").
		Order("created_at asc").
		Order("id asc").
		Limit(1).
		Find(&oldest).Error
	if err != nil {
		return stats, fmt.Errorf("find oldest stored event: %w", err)
	}
	if len(oldest) == 1 {
		created := oldest[0].CreatedAt
		stats.OldestCreatedAt = &created
		stats.OldestAge = now.Sub(created)
	}
	return stats, nil
}
