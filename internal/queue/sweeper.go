package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/cerr"
	"github.com/taoyao-code/ev-charge-server/internal/registry"
)

// ExpirySweeper 过号清理器
// 定期扫描已叫号且超过截止时间的排队记录：流转为已过号，
// 并对其占用的桩重新叫号，避免桩被闲置。
type ExpirySweeper struct {
	ledger *Ledger
	reg    *registry.PileRegistry
	logger *zap.Logger

	sweepInterval time.Duration // 清理周期

	// 统计（健康检查从其他 goroutine 读取）
	statsSwept   atomic.Int64
	statsExpired atomic.Int64
	statsRecall  atomic.Int64
	statsStale   atomic.Int64
}

// NewExpirySweeper 创建过号清理器
func NewExpirySweeper(ledger *Ledger, reg *registry.PileRegistry, sweepInterval time.Duration, logger *zap.Logger) *ExpirySweeper {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpirySweeper{
		ledger:        ledger,
		reg:           reg,
		logger:        logger,
		sweepInterval: sweepInterval,
	}
}

// Start 启动清理器（阻塞直至 ctx 取消）
func (s *ExpirySweeper) Start(ctx context.Context) {
	s.logger.Info("expiry sweeper started",
		zap.Duration("sweep_interval", s.sweepInterval),
		zap.Duration("call_timeout", s.ledger.CallTimeout()))

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped",
				zap.Int64("swept", s.statsSwept.Load()),
				zap.Int64("expired", s.statsExpired.Load()),
				zap.Int64("recalled", s.statsRecall.Load()))
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep 执行一轮清理。
// 与同站点的 join/leave/callNext 并发安全：每条记录的流转是一次状态 CAS，
// 与用户迟到操作的竞争由先提交者获胜，本方跳过失败记录（下一轮自然收敛）。
func (s *ExpirySweeper) Sweep(ctx context.Context) {
	s.statsSwept.Add(1)

	due, err := s.ledger.DueCalled(ctx)
	if err != nil {
		s.logger.Error("list due called entries failed", zap.Error(err))
		return
	}

	for i := range due {
		entry := &due[i]
		if err := s.ledger.Expire(ctx, entry.ID); err != nil {
			if errors.Is(err, cerr.ErrStaleEntry) {
				// 用户在最后一刻接受/取消，竞争失败直接跳过
				s.statsStale.Add(1)
				continue
			}
			s.logger.Error("expire entry failed",
				zap.Int64("entry_id", entry.ID),
				zap.Error(err))
			continue
		}

		s.statsExpired.Add(1)
		s.logger.Warn("queue entry expired",
			zap.String("queue_no", entry.QueueNo),
			zap.Int64("user_id", entry.UserID),
			zap.Int64("station_id", entry.StationID))

		// 桩仍被该记录占用，重新叫号避免闲置
		if entry.PileID != nil {
			next, err := s.ledger.CallNext(ctx, entry.StationID, *entry.PileID)
			if err != nil {
				s.logger.Error("recall after expire failed",
					zap.Int64("station_id", entry.StationID),
					zap.Int64("pile_id", *entry.PileID),
					zap.Error(err))
				continue
			}
			if next == nil {
				// 队列已空，释放预留的桩回到空闲
				if s.reg != nil {
					if _, err := s.reg.ReleaseIfReserved(ctx, *entry.PileID); err != nil {
						s.logger.Error("release reserved pile failed",
							zap.Int64("pile_id", *entry.PileID),
							zap.Error(err))
					}
				}
				continue
			}
			s.statsRecall.Add(1)
		}
	}
}

// Stats 获取清理统计
func (s *ExpirySweeper) Stats() map[string]interface{} {
	return map[string]interface{}{
		"swept":              s.statsSwept.Load(),
		"expired":            s.statsExpired.Load(),
		"recalled":           s.statsRecall.Load(),
		"stale_skipped":      s.statsStale.Load(),
		"sweep_interval_sec": s.sweepInterval.Seconds(),
	}
}
