// Package queue 实现按站点排队的叫号引擎。
// 记录状态机：queuing --叫号--> called --用户接受--> 终止（会话开始）；
// called --超时--> expired；queuing|called --用户操作--> cancelled。
// 终态不再流转。涉及多行的重排以站点为事务边界，站点之间完全并行。
package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/cerr"
	"github.com/taoyao-code/ev-charge-server/internal/clock"
	cfgpkg "github.com/taoyao-code/ev-charge-server/internal/config"
	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
	"github.com/taoyao-code/ev-charge-server/internal/metrics"
	"github.com/taoyao-code/ev-charge-server/internal/registry"
	"github.com/taoyao-code/ev-charge-server/internal/storage"
)

// Notifier 事件通知协作方（尽力而为，失败不影响主流程）
type Notifier interface {
	// QueueCalled 某排队记录被叫号并指派到桩
	QueueCalled(entry *coremodel.QueueEntry)
	// PileFreed 桩释放且无人排队
	PileFreed(stationID, pileID int64)
}

// Ledger 排队引擎
type Ledger struct {
	repo     storage.CoreRepo
	dir      storage.StationDirectory
	reg      *registry.PileRegistry
	clk      clock.Clock
	notifier Notifier            // 可为 nil
	metrics  *metrics.AppMetrics // 可为 nil
	logger   *zap.Logger

	callTimeout   time.Duration
	avgSessionMin int

	// 站点级互斥：同站点的 join/leave/callNext/重排互相串行，不同站点并行
	mu        sync.Mutex
	stationMu map[int64]*sync.Mutex
}

// NewLedger 创建排队引擎
func NewLedger(
	repo storage.CoreRepo,
	dir storage.StationDirectory,
	reg *registry.PileRegistry,
	clk clock.Clock,
	cfg cfgpkg.QueueConfig,
	notifier Notifier,
	m *metrics.AppMetrics,
	logger *zap.Logger,
) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 15 * time.Minute
	}
	avg := cfg.AvgSessionMinutes
	if avg <= 0 {
		avg = 30
	}
	return &Ledger{
		repo:          repo,
		dir:           dir,
		reg:           reg,
		clk:           clk,
		notifier:      notifier,
		metrics:       m,
		logger:        logger,
		callTimeout:   callTimeout,
		avgSessionMin: avg,
		stationMu:     make(map[int64]*sync.Mutex),
	}
}

// CallTimeout 叫号保留时长
func (l *Ledger) CallTimeout() time.Duration { return l.callTimeout }

func (l *Ledger) stationLock(stationID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.stationMu[stationID]
	if !ok {
		m = &sync.Mutex{}
		l.stationMu[stationID] = m
	}
	return m
}

// Join 加入站点排队。
// 站点不存在/暂停营业、重复排队、站点尚有空闲桩时均拒绝。
func (l *Ledger) Join(ctx context.Context, userID, stationID int64) (*coremodel.QueueEntry, error) {
	station, err := l.dir.GetStation(ctx, stationID)
	if err != nil {
		return nil, err
	}
	if station == nil {
		return nil, cerr.ErrStationNotFound
	}
	if !station.Active {
		return nil, cerr.ErrStationClosed
	}

	mu := l.stationLock(stationID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := l.repo.ActiveEntryByUserStation(ctx, userID, stationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, cerr.ErrAlreadyQueuing
	}

	available, err := l.reg.CountAvailable(ctx, stationID)
	if err != nil {
		return nil, err
	}
	if available > 0 {
		return nil, cerr.ErrPileAvailable
	}

	now := l.clk.Now()
	queueNo, err := l.generateQueueNo(ctx, stationID, now)
	if err != nil {
		return nil, err
	}

	queuing, err := l.repo.CountQueuing(ctx, stationID)
	if err != nil {
		return nil, err
	}
	position := queuing + 1

	entry := &coremodel.QueueEntry{
		UserID:        userID,
		StationID:     stationID,
		QueueNo:       queueNo,
		Position:      position,
		EstimatedWait: l.estimateWait(position, available),
		Status:        coremodel.QueueStatusQueuing,
		JoinedAt:      now,
	}
	if err := l.repo.InsertQueueEntry(ctx, entry); err != nil {
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.QueueJoinTotal.Inc()
		l.metrics.QueueLengthGauge.WithLabelValues(strconv.FormatInt(stationID, 10)).Set(float64(position))
	}
	l.logger.Info("user joined queue",
		zap.Int64("user_id", userID),
		zap.Int64("station_id", stationID),
		zap.String("queue_no", queueNo),
		zap.Int("position", position))
	return entry, nil
}

// Leave 离开队列：活动记录流转为已取消并重排后续排队者。
func (l *Ledger) Leave(ctx context.Context, userID int64) error {
	entry, err := l.repo.ActiveEntryByUser(ctx, userID)
	if err != nil {
		return err
	}
	if entry == nil {
		return cerr.ErrNotQueuing
	}

	mu := l.stationLock(entry.StationID)
	mu.Lock()
	defer mu.Unlock()

	ok, err := l.repo.CASQueueStatus(ctx, entry.ID, entry.Status, coremodel.QueueStatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		// 与过号清理或另一次用户操作竞争失败
		return cerr.Wrap(cerr.ErrStaleEntry, "queue entry %s", entry.QueueNo)
	}

	if err := l.rerank(ctx, entry.StationID); err != nil {
		l.logger.Warn("rerank after leave failed",
			zap.Int64("station_id", entry.StationID),
			zap.Error(err))
	}

	if l.metrics != nil {
		l.metrics.QueueLeaveTotal.Inc()
	}
	l.logger.Info("user left queue",
		zap.Int64("user_id", userID),
		zap.String("queue_no", entry.QueueNo))
	return nil
}

// Status 查询用户当前排队状态。
// 排队中的记录按当前队列实况重算位置与预计等待（容忍外部变更）。
func (l *Ledger) Status(ctx context.Context, userID int64) (*coremodel.QueueEntry, error) {
	entry, err := l.repo.ActiveEntryByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, cerr.ErrNotQueuing
	}
	if entry.Status != coremodel.QueueStatusQueuing {
		return entry, nil
	}

	before, err := l.repo.CountQueuingBefore(ctx, entry.StationID, entry.JoinedAt, entry.ID)
	if err != nil {
		return nil, err
	}
	available, err := l.reg.CountAvailable(ctx, entry.StationID)
	if err != nil {
		return nil, err
	}
	entry.Position = before + 1
	entry.EstimatedWait = l.estimateWait(entry.Position, available)

	// 回写重算结果，保持存储视图与返回值一致
	if err := l.repo.UpdateQueueRanks(ctx, entry.StationID, []storage.QueueRank{{
		EntryID:       entry.ID,
		Position:      entry.Position,
		EstimatedWait: entry.EstimatedWait,
	}}); err != nil {
		l.logger.Warn("persist recomputed rank failed",
			zap.Int64("entry_id", entry.ID),
			zap.Error(err))
	}
	return entry, nil
}

// CallNext 叫号：取站点最早加入的排队记录流转为已叫号并指派桩。
// 队列为空时返回 (nil, nil)，调用方保持桩空闲。
func (l *Ledger) CallNext(ctx context.Context, stationID, pileID int64) (*coremodel.QueueEntry, error) {
	mu := l.stationLock(stationID)
	mu.Lock()
	defer mu.Unlock()

	now := l.clk.Now()
	deadline := now.Add(l.callTimeout)

	for {
		first, err := l.repo.FirstQueuing(ctx, stationID)
		if err != nil {
			return nil, err
		}
		if first == nil {
			l.logger.Info("queue empty, pile stays idle",
				zap.Int64("station_id", stationID),
				zap.Int64("pile_id", pileID))
			if l.notifier != nil {
				l.notifier.PileFreed(stationID, pileID)
			}
			return nil, nil
		}

		ok, err := l.repo.CallEntry(ctx, first.ID, pileID, now, deadline)
		if err != nil {
			return nil, err
		}
		if !ok {
			// 候选在读取与流转之间被取消（跨实例竞争），换下一位
			continue
		}

		first.Status = coremodel.QueueStatusCalled
		first.PileID = &pileID
		first.CalledAt = &now
		first.Deadline = &deadline

		if err := l.rerank(ctx, stationID); err != nil {
			l.logger.Warn("rerank after call failed",
				zap.Int64("station_id", stationID),
				zap.Error(err))
		}

		if l.metrics != nil {
			l.metrics.QueueCallTotal.Inc()
		}
		l.logger.Info("queue entry called",
			zap.String("queue_no", first.QueueNo),
			zap.Int64("user_id", first.UserID),
			zap.Int64("pile_id", pileID),
			zap.Time("deadline", deadline))
		if l.notifier != nil {
			l.notifier.QueueCalled(first)
		}
		return first, nil
	}
}

// Fulfill 用户接受叫号并开始充电：Called→Completed 终止排队记录。
// 用户未经排队直接充电时无活动记录，返回 (false, nil)。
func (l *Ledger) Fulfill(ctx context.Context, userID, pileID int64) (bool, error) {
	entry, err := l.repo.ActiveEntryByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if entry == nil || entry.Status != coremodel.QueueStatusCalled {
		return false, nil
	}
	if entry.PileID == nil || *entry.PileID != pileID {
		return false, nil
	}
	ok, err := l.repo.CASQueueStatus(ctx, entry.ID, coremodel.QueueStatusCalled, coremodel.QueueStatusCompleted)
	if err != nil {
		return false, err
	}
	if ok {
		l.logger.Info("queue entry fulfilled",
			zap.String("queue_no", entry.QueueNo),
			zap.Int64("user_id", userID),
			zap.Int64("pile_id", pileID))
	}
	return ok, nil
}

// DueCalled 截止时间已过的已叫号记录（过号清理用）
func (l *Ledger) DueCalled(ctx context.Context) ([]coremodel.QueueEntry, error) {
	return l.repo.ListCalledBefore(ctx, l.clk.Now())
}

// Expire 将已叫号记录流转为已过号；竞争失败返回 ErrStaleEntry。
func (l *Ledger) Expire(ctx context.Context, entryID int64) error {
	ok, err := l.repo.CASQueueStatus(ctx, entryID, coremodel.QueueStatusCalled, coremodel.QueueStatusExpired)
	if err != nil {
		return err
	}
	if !ok {
		return cerr.ErrStaleEntry
	}
	if l.metrics != nil {
		l.metrics.QueueExpiredTotal.Inc()
	}
	return nil
}

// StationQueueInfo 站点排队概览
type StationQueueInfo struct {
	StationID      int64  `json:"stationId"`
	StationName    string `json:"stationName"`
	QueueCount     int    `json:"queueCount"`
	AvailablePiles int    `json:"availablePiles"`
	AverageWait    int    `json:"averageWait"`
	RecommendQueue bool   `json:"recommendQueue"`
	Suggestion     string `json:"suggestion"`
}

// StationInfo 站点排队概览：人数、可用桩、平均等待与排队建议
func (l *Ledger) StationInfo(ctx context.Context, stationID int64) (*StationQueueInfo, error) {
	station, err := l.dir.GetStation(ctx, stationID)
	if err != nil {
		return nil, err
	}
	if station == nil {
		return nil, cerr.ErrStationNotFound
	}

	queueCount, err := l.repo.CountQueuing(ctx, stationID)
	if err != nil {
		return nil, err
	}
	available, err := l.reg.CountAvailable(ctx, stationID)
	if err != nil {
		return nil, err
	}

	averageWait := 0
	if queueCount > 0 && available > 0 {
		averageWait = queueCount * l.avgSessionMin / available
	}

	return &StationQueueInfo{
		StationID:      stationID,
		StationName:    station.Name,
		QueueCount:     queueCount,
		AvailablePiles: available,
		AverageWait:    averageWait,
		RecommendQueue: queueCount < 10 && averageWait < 60,
		Suggestion:     suggestion(queueCount, available, averageWait),
	}, nil
}

// rerank 站点内排队中记录按加入时间重排（1 起连续编号）并重算预计等待。
// 调用方需已持有站点锁；写入由存储层保证单事务。
func (l *Ledger) rerank(ctx context.Context, stationID int64) error {
	list, err := l.repo.ListQueuing(ctx, stationID)
	if err != nil {
		return err
	}
	available, err := l.reg.CountAvailable(ctx, stationID)
	if err != nil {
		return err
	}

	ranks := make([]storage.QueueRank, 0, len(list))
	for i := range list {
		pos := i + 1
		ranks = append(ranks, storage.QueueRank{
			EntryID:       list[i].ID,
			Position:      pos,
			EstimatedWait: l.estimateWait(pos, available),
		})
	}
	if err := l.repo.UpdateQueueRanks(ctx, stationID, ranks); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.QueueLengthGauge.WithLabelValues(strconv.FormatInt(stationID, 10)).Set(float64(len(list)))
	}
	return nil
}

// estimateWait 预计等待（分钟）：位置 × 平均充电时长 / 可用桩数，向下取整。
// 仅为启发式估计，每次读取时重算，不作为承诺。
func (l *Ledger) estimateWait(position, available int) int {
	if available < 1 {
		available = 1
	}
	return position * l.avgSessionMin / available
}

// generateQueueNo 生成排队号：{站点ID}-{YYYYMMDD}-{序号3位}，序号按站点当日递增
func (l *Ledger) generateQueueNo(ctx context.Context, stationID int64, now time.Time) (string, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.Add(24 * time.Hour)
	count, err := l.repo.CountJoinedBetween(ctx, stationID, dayStart, dayEnd)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s-%03d", stationID, now.Format("20060102"), count+1), nil
}

func suggestion(queueCount, available, averageWait int) string {
	switch {
	case available > 0 && queueCount == 0:
		return "当前无需排队，可直接充电"
	case queueCount < 5:
		return "排队人数较少，建议排队"
	case queueCount < 10:
		return fmt.Sprintf("排队人数适中，预计等待%d分钟", averageWait)
	default:
		return "排队人数较多，建议前往其他站点"
	}
}
