package storage

import (
	"context"
	"time"

	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
)

// CoreRepo 面向分配引擎核心的存储抽象。
// 约束：
// - 上层不直接写 SQL，统一通过本接口访问
// - 状态流转类写入必须是条件更新（CAS 语义），命中返回 true，未命中返回 false
// - 查询单条且不存在时返回 (nil, nil)，由调用方映射业务错误
// - 排队重排（UpdateQueueRanks）必须在单个事务内完成，事务边界只覆盖一个站点
type CoreRepo interface {
	// ---------- 充电桩 ----------
	// GetPile 读取充电桩
	GetPile(ctx context.Context, pileID int64) (*coremodel.Pile, error)
	// CASPileStatus 条件状态流转：当前状态为 from 时置为 to
	CASPileStatus(ctx context.Context, pileID int64, from, to coremodel.PileStatus) (bool, error)
	// SetPileStatus 无条件状态写入（故障上报、离线等）
	SetPileStatus(ctx context.Context, pileID int64, to coremodel.PileStatus) error
	// CountPilesByStatus 统计站点内指定状态的桩数
	CountPilesByStatus(ctx context.Context, stationID int64, status coremodel.PileStatus) (int, error)
	// ListPilesByStation 列出站点全部充电桩
	ListPilesByStation(ctx context.Context, stationID int64) ([]coremodel.Pile, error)
	// AddPileUsage 累计使用次数与电量（会话结束时调用）
	AddPileUsage(ctx context.Context, pileID int64, energyKwh float64) error

	// ---------- 排队 ----------
	// InsertQueueEntry 插入排队记录并回填 ID
	InsertQueueEntry(ctx context.Context, e *coremodel.QueueEntry) error
	// GetQueueEntry 按 ID 读取排队记录
	GetQueueEntry(ctx context.Context, entryID int64) (*coremodel.QueueEntry, error)
	// ActiveEntryByUser 用户当前活动记录（Queuing|Called），不限站点
	ActiveEntryByUser(ctx context.Context, userID int64) (*coremodel.QueueEntry, error)
	// ActiveEntryByUserStation 用户在指定站点的活动记录
	ActiveEntryByUserStation(ctx context.Context, userID, stationID int64) (*coremodel.QueueEntry, error)
	// CountQueuing 站点当前排队中人数
	CountQueuing(ctx context.Context, stationID int64) (int, error)
	// CountQueuingBefore 站点中加入时间早于 joinedAt 的排队中人数（并列按 ID）
	CountQueuingBefore(ctx context.Context, stationID int64, joinedAt time.Time, entryID int64) (int, error)
	// CountJoinedBetween 站点在 [from, to) 内创建的记录数（排队号当日序号）
	CountJoinedBetween(ctx context.Context, stationID int64, from, to time.Time) (int, error)
	// FirstQueuing 站点最早加入的排队中记录（FIFO，并列按 ID 升序）
	FirstQueuing(ctx context.Context, stationID int64) (*coremodel.QueueEntry, error)
	// ListQueuing 站点排队中记录，按加入时间、ID 升序
	ListQueuing(ctx context.Context, stationID int64) ([]coremodel.QueueEntry, error)
	// ListCalledBefore 截止时间早于 now 的已叫号记录
	ListCalledBefore(ctx context.Context, now time.Time) ([]coremodel.QueueEntry, error)
	// CallEntry Queuing→Called 的 CAS 流转，命中时写入叫号时间、截止时间与指派桩
	CallEntry(ctx context.Context, entryID, pileID int64, calledAt, deadline time.Time) (bool, error)
	// CASQueueStatus 排队记录状态 CAS（leave / expire 等单字段流转）
	CASQueueStatus(ctx context.Context, entryID int64, from, to coremodel.QueueStatus) (bool, error)
	// UpdateQueueRanks 批量写入站点内的位置与预计等待，单事务执行
	UpdateQueueRanks(ctx context.Context, stationID int64, ranks []QueueRank) error

	// ---------- 订单 ----------
	// InsertSession 创建充电会话并回填 ID
	InsertSession(ctx context.Context, s *coremodel.ChargingSession) error
	// GetSession 按 ID 读取会话
	GetSession(ctx context.Context, sessionID int64) (*coremodel.ChargingSession, error)
	// GetSessionByOrderNo 按订单号读取会话
	GetSessionByOrderNo(ctx context.Context, orderNo string) (*coremodel.ChargingSession, error)
	// ActiveSessionByUser 用户当前进行中的会话（全站唯一）
	ActiveSessionByUser(ctx context.Context, userID int64) (*coremodel.ChargingSession, error)
	// ActiveSessionByPile 充电桩当前进行中的会话
	ActiveSessionByPile(ctx context.Context, pileID int64) (*coremodel.ChargingSession, error)
	// FinishSession Active→(Completed|Cancelled) 的 CAS 流转，命中时写入结束字段与费用
	FinishSession(ctx context.Context, s *coremodel.ChargingSession) (bool, error)
	// MarkSessionPaid 未支付→已支付的 CAS 流转（仅限已完成会话）
	MarkSessionPaid(ctx context.Context, sessionID int64, method string, paidAt time.Time) (bool, error)
	// ListSessionsByUser 用户会话列表，status 为 nil 时不过滤，按开始时间倒序
	ListSessionsByUser(ctx context.Context, userID int64, status *coremodel.SessionStatus, limit, offset int) ([]coremodel.ChargingSession, error)

	// ---------- 支付 ----------
	// InsertPayment 插入支付流水
	InsertPayment(ctx context.Context, p *coremodel.Payment) error
	// GetPaymentBySession 按会话读取支付流水
	GetPaymentBySession(ctx context.Context, sessionID int64) (*coremodel.Payment, error)
}

// QueueRank 重排结果：一条记录的新位置与预计等待
type QueueRank struct {
	EntryID       int64
	Position      int
	EstimatedWait int
}

// StationInfo 站点目录只读视图（核心只关心这些字段）
type StationInfo struct {
	ID        int64
	Name      string
	Active    bool
	PileCount int
}

// StationDirectory 站点/用户目录协作方（外部 CRUD 存储的窄接口）
type StationDirectory interface {
	// GetStation 读取站点，不存在返回 (nil, nil)
	GetStation(ctx context.Context, stationID int64) (*StationInfo, error)
	// SetStationAvailable 回写站点缓存的可用桩数（尽力而为，允许最终一致）
	SetStationAvailable(ctx context.Context, stationID int64, available int) error
}
