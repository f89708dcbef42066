// Package gormrepo 基于 GORM 的目录存储：站点、用户、故障工单。
// 核心分配路径不经过本包，这里承载低频的 CRUD 与后台查询。
package gormrepo

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taoyao-code/ev-charge-server/internal/storage"
	"github.com/taoyao-code/ev-charge-server/internal/storage/models"
)

// Repository 目录存储实现。
// 使用 isTx 标记区分事务上下文，避免嵌套事务重复 Begin/Commit。
type Repository struct {
	db   *gorm.DB
	isTx bool
}

var _ storage.StationDirectory = (*Repository)(nil)

// Open 建立 GORM 连接（复用 pgx 的 DSN）
func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

// New 返回一个使用给定 *gorm.DB 的目录存储实例。
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx 复用现有事务或开启新事务执行 fn。
func (r *Repository) WithTx(ctx context.Context, fn func(*Repository) error) error {
	if r.isTx {
		return fn(r)
	}

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	child := &Repository{db: tx, isTx: true}
	if err := fn(child); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// ---------- 站点 ----------

// GetStation 读取站点目录视图，不存在返回 (nil, nil)。
func (r *Repository) GetStation(ctx context.Context, stationID int64) (*storage.StationInfo, error) {
	var s models.Station
	err := r.db.WithContext(ctx).Where("id = ?", stationID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.StationInfo{
		ID:        s.ID,
		Name:      s.Name,
		Active:    s.Active,
		PileCount: int(s.PileCount),
	}, nil
}

// SetStationAvailable 回写站点可用桩数缓存。
func (r *Repository) SetStationAvailable(ctx context.Context, stationID int64, available int) error {
	return r.db.WithContext(ctx).Model(&models.Station{}).
		Where("id = ?", stationID).
		Update("available_count", available).Error
}

// ListStations 分页返回营业中站点，按 id 升序。
func (r *Repository) ListStations(ctx context.Context, limit, offset int) ([]models.Station, error) {
	var stations []models.Station
	q := r.db.WithContext(ctx).Where("active = ?", true).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&stations).Error; err != nil {
		return nil, err
	}
	return stations, nil
}

// GetStationRecord 读取站点完整记录（后台接口用）。
func (r *Repository) GetStationRecord(ctx context.Context, stationID int64) (*models.Station, error) {
	var s models.Station
	err := r.db.WithContext(ctx).Where("id = ?", stationID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ---------- 用户 ----------

// GetUser 按 ID 查询用户。
func (r *Repository) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var u models.User
	err := r.db.WithContext(ctx).Where("id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByUsername 按用户名查询用户。
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser 创建用户。
func (r *Repository) CreateUser(ctx context.Context, u *models.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

// AddCarbonCredits 累加用户碳积分。
func (r *Repository) AddCarbonCredits(ctx context.Context, userID, credits int64) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("carbon_credits", gorm.Expr("carbon_credits + ?", credits)).Error
}

// ---------- 故障工单 ----------

// CreateFaultRecord 创建故障上报记录。
func (r *Repository) CreateFaultRecord(ctx context.Context, f *models.FaultRecord) error {
	return r.db.WithContext(ctx).Create(f).Error
}

// ListOpenFaults 未处理故障，按上报时间倒序。
func (r *Repository) ListOpenFaults(ctx context.Context, limit int) ([]models.FaultRecord, error) {
	var faults []models.FaultRecord
	q := r.db.WithContext(ctx).Where("resolved = ?", false).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&faults).Error; err != nil {
		return nil, err
	}
	return faults, nil
}

// ResolveFault 关闭故障工单。
func (r *Repository) ResolveFault(ctx context.Context, faultID int64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.FaultRecord{}).
		Where("id = ? AND resolved = ?", faultID, false).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": at,
		}).Error
}
