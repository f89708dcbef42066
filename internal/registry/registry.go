// Package registry 实现充电桩状态登记表。
// 桩状态的所有流转都经由本组件，单桩单写者：条件流转使用存储层 CAS，
// 竞争失败直接以业务错误返回，不做循环重试。
package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/cerr"
	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
	"github.com/taoyao-code/ev-charge-server/internal/metrics"
	"github.com/taoyao-code/ev-charge-server/internal/storage"
)

// AvailableCache 站点可用桩数缓存（见 storage/redis）。
// 缓存缺失或过期时由调用方重新计算回填，允许最终一致。
type AvailableCache interface {
	GetAvailable(ctx context.Context, stationID int64) (int, bool, error)
	SetAvailable(ctx context.Context, stationID int64, n int) error
	Invalidate(ctx context.Context, stationID int64) error
}

// PileRegistry 充电桩状态登记表
type PileRegistry struct {
	repo    storage.CoreRepo
	dir     storage.StationDirectory // 可为 nil
	cache   AvailableCache           // 可为 nil
	metrics *metrics.AppMetrics      // 可为 nil
	logger  *zap.Logger
}

// New 创建登记表。dir/cache/m 均可为 nil（相应副作用降级为空操作）。
func New(repo storage.CoreRepo, dir storage.StationDirectory, cache AvailableCache, m *metrics.AppMetrics, logger *zap.Logger) *PileRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PileRegistry{repo: repo, dir: dir, cache: cache, metrics: m, logger: logger}
}

// Get 读取充电桩
func (r *PileRegistry) Get(ctx context.Context, pileID int64) (*coremodel.Pile, error) {
	p, err := r.repo.GetPile(ctx, pileID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, cerr.ErrPileNotFound
	}
	return p, nil
}

// TryReserve 仅当桩处于空闲时原子流转为预约中，否则返回 ErrPileUnavailable
func (r *PileRegistry) TryReserve(ctx context.Context, pileID int64) error {
	p, err := r.Get(ctx, pileID)
	if err != nil {
		return err
	}
	ok, err := r.repo.CASPileStatus(ctx, pileID, coremodel.PileStatusIdle, coremodel.PileStatusReserved)
	if err != nil {
		return err
	}
	if !ok {
		return cerr.ErrPileUnavailable
	}
	r.afterTransition(ctx, p.StationID, coremodel.PileStatusReserved)
	return nil
}

// ClaimReserved 被叫号用户接受时原子流转 预约中→充电中；
// 预约已被过号清理回收时返回 ErrPileUnavailable。
func (r *PileRegistry) ClaimReserved(ctx context.Context, pileID int64) error {
	p, err := r.Get(ctx, pileID)
	if err != nil {
		return err
	}
	ok, err := r.repo.CASPileStatus(ctx, pileID, coremodel.PileStatusReserved, coremodel.PileStatusCharging)
	if err != nil {
		return err
	}
	if !ok {
		return cerr.ErrPileUnavailable
	}
	r.afterTransition(ctx, p.StationID, coremodel.PileStatusCharging)
	return nil
}

// ReleaseIfReserved 预约中→空闲 的条件释放（队列空或过号后回收预约）
func (r *PileRegistry) ReleaseIfReserved(ctx context.Context, pileID int64) (bool, error) {
	p, err := r.Get(ctx, pileID)
	if err != nil {
		return false, err
	}
	ok, err := r.repo.CASPileStatus(ctx, pileID, coremodel.PileStatusReserved, coremodel.PileStatusIdle)
	if err != nil {
		return false, err
	}
	if ok {
		r.afterTransition(ctx, p.StationID, coremodel.PileStatusIdle)
	}
	return ok, nil
}

// MarkCharging 置为充电中
func (r *PileRegistry) MarkCharging(ctx context.Context, pileID int64) error {
	return r.set(ctx, pileID, coremodel.PileStatusCharging)
}

// Release 释放为空闲
func (r *PileRegistry) Release(ctx context.Context, pileID int64) error {
	return r.set(ctx, pileID, coremodel.PileStatusIdle)
}

// MarkFault 置为故障
func (r *PileRegistry) MarkFault(ctx context.Context, pileID int64) error {
	return r.set(ctx, pileID, coremodel.PileStatusFault)
}

// MarkOffline 置为离线
func (r *PileRegistry) MarkOffline(ctx context.Context, pileID int64) error {
	return r.set(ctx, pileID, coremodel.PileStatusOffline)
}

func (r *PileRegistry) set(ctx context.Context, pileID int64, to coremodel.PileStatus) error {
	p, err := r.Get(ctx, pileID)
	if err != nil {
		return err
	}
	if err := r.repo.SetPileStatus(ctx, pileID, to); err != nil {
		return err
	}
	r.afterTransition(ctx, p.StationID, to)
	return nil
}

// CountAvailable 站点空闲桩数，优先读缓存，缺失时重算并回填
func (r *PileRegistry) CountAvailable(ctx context.Context, stationID int64) (int, error) {
	if r.cache != nil {
		if n, ok, err := r.cache.GetAvailable(ctx, stationID); err == nil && ok {
			return n, nil
		}
	}
	return r.recomputeAvailable(ctx, stationID)
}

// CountByStatus 站点内指定状态的桩数
func (r *PileRegistry) CountByStatus(ctx context.Context, stationID int64, status coremodel.PileStatus) (int, error) {
	return r.repo.CountPilesByStatus(ctx, stationID, status)
}

// ListByStation 站点全部充电桩
func (r *PileRegistry) ListByStation(ctx context.Context, stationID int64) ([]coremodel.Pile, error) {
	return r.repo.ListPilesByStation(ctx, stationID)
}

// AddUsage 累计桩的使用次数与电量
func (r *PileRegistry) AddUsage(ctx context.Context, pileID int64, energyKwh float64) error {
	return r.repo.AddPileUsage(ctx, pileID, energyKwh)
}

// afterTransition 状态流转后的副作用：指标、可用数缓存与站点目录回写。
// 全部尽力而为，失败只记日志。
func (r *PileRegistry) afterTransition(ctx context.Context, stationID int64, to coremodel.PileStatus) {
	if r.metrics != nil {
		r.metrics.PileTransitionTotal.WithLabelValues(string(to)).Inc()
	}
	if _, err := r.recomputeAvailable(ctx, stationID); err != nil {
		r.logger.Warn("refresh station available count failed",
			zap.Int64("station_id", stationID),
			zap.Error(err))
		// 重算失败时作废缓存，避免后续读到过期的可用数
		if r.cache != nil {
			if err := r.cache.Invalidate(ctx, stationID); err != nil {
				r.logger.Warn("invalidate available cache failed",
					zap.Int64("station_id", stationID),
					zap.Error(err))
			}
		}
	}
}

func (r *PileRegistry) recomputeAvailable(ctx context.Context, stationID int64) (int, error) {
	n, err := r.repo.CountPilesByStatus(ctx, stationID, coremodel.PileStatusIdle)
	if err != nil {
		return 0, err
	}
	if r.cache != nil {
		if err := r.cache.SetAvailable(ctx, stationID, n); err != nil {
			r.logger.Warn("set available cache failed",
				zap.Int64("station_id", stationID),
				zap.Error(err))
		}
	}
	if r.dir != nil {
		if err := r.dir.SetStationAvailable(ctx, stationID, n); err != nil {
			r.logger.Warn("write station available column failed",
				zap.Int64("station_id", stationID),
				zap.Error(err))
		}
	}
	return n, nil
}
