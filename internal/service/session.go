// Package service 承载充电会话编排与计费。
// SessionManager 是订单生命周期的唯一入口：开始、结束、取消、支付。
// 桩状态流转委托给 registry，排队流转委托给 queue，二者的跨组件编排在此完成。
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/cerr"
	"github.com/taoyao-code/ev-charge-server/internal/clock"
	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
	"github.com/taoyao-code/ev-charge-server/internal/metrics"
	"github.com/taoyao-code/ev-charge-server/internal/queue"
	"github.com/taoyao-code/ev-charge-server/internal/registry"
	"github.com/taoyao-code/ev-charge-server/internal/storage"
)

// RewardsCollaborator 积分发放协作方。
// 支付成功后按充电量发放积分，失败只记日志，不影响支付结果。
type RewardsCollaborator interface {
	GrantForCharging(ctx context.Context, userID int64, orderNo string, energyKwh float64) error
}

// SessionManager 充电会话管理器
type SessionManager struct {
	repo    storage.CoreRepo
	reg     *registry.PileRegistry
	ledger  *queue.Ledger
	pricing *PricingEngine
	rewards RewardsCollaborator // 可为 nil
	clk     clock.Clock
	metrics *metrics.AppMetrics // 可为 nil
	logger  *zap.Logger
}

// NewSessionManager 创建会话管理器
func NewSessionManager(
	repo storage.CoreRepo,
	reg *registry.PileRegistry,
	ledger *queue.Ledger,
	pricing *PricingEngine,
	rewards RewardsCollaborator,
	clk clock.Clock,
	m *metrics.AppMetrics,
	logger *zap.Logger,
) *SessionManager {
	if clk == nil {
		clk = clock.System()
	}
	if pricing == nil {
		pricing = NewPricingEngine()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		repo:    repo,
		reg:     reg,
		ledger:  ledger,
		pricing: pricing,
		rewards: rewards,
		clk:     clk,
		metrics: m,
		logger:  logger,
	}
}

// StartParams 开始充电入参
type StartParams struct {
	UserID      int64
	PileID      int64
	Mode        coremodel.ChargeMode
	TargetValue float64 // 按模式解释：金额（元）/电量（度）/时长（分钟），充满自停为 0
	StartSoc    int32
}

// Start 开始充电。
// 前置校验：用户无进行中订单、桩存在且可用、桩上无进行中订单。
// 占桩路径有两条：
//   - 被叫号用户接受指派：桩处于预约中，Reserved→Charging
//   - 直接开始：桩处于空闲，Idle→Reserved→Charging
//
// 插入订单失败时回滚桩状态到空闲。
func (s *SessionManager) Start(ctx context.Context, p StartParams) (*coremodel.ChargingSession, error) {
	if !p.Mode.Valid() {
		return nil, cerr.New(cerr.KindInvalidState, "不支持的充电模式")
	}

	active, err := s.repo.ActiveSessionByUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, cerr.ErrSessionAlreadyActive
	}

	pile, err := s.reg.Get(ctx, p.PileID)
	if err != nil {
		return nil, err
	}

	occupied, err := s.repo.ActiveSessionByPile(ctx, p.PileID)
	if err != nil {
		return nil, err
	}
	if occupied != nil {
		return nil, cerr.ErrPileBusy
	}

	fulfilled, err := s.claimPile(ctx, p.UserID, p.PileID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	session := &coremodel.ChargingSession{
		OrderNo:       generateOrderNo(now),
		UserID:        p.UserID,
		StationID:     pile.StationID,
		PileID:        p.PileID,
		StartedAt:     now,
		StartSoc:      p.StartSoc,
		Mode:          p.Mode,
		TargetValue:   p.TargetValue,
		Status:        coremodel.SessionStatusActive,
		PaymentStatus: coremodel.PaymentStatusUnpaid,
	}
	if err := s.repo.InsertSession(ctx, session); err != nil {
		// 回滚占桩，避免桩被幽灵订单锁死
		if rbErr := s.reg.Release(ctx, p.PileID); rbErr != nil {
			s.logger.Error("rollback pile after insert failure failed",
				zap.Int64("pile_id", p.PileID),
				zap.Error(rbErr))
		}
		return nil, err
	}

	if fulfilled {
		if _, err := s.ledger.Fulfill(ctx, p.UserID, p.PileID); err != nil {
			s.logger.Warn("fulfill queue entry failed",
				zap.Int64("user_id", p.UserID),
				zap.Int64("pile_id", p.PileID),
				zap.Error(err))
		}
	}

	if s.metrics != nil {
		s.metrics.SessionStartedTotal.Inc()
		s.metrics.SessionActiveGauge.Inc()
	}
	s.logger.Info("charging session started",
		zap.String("order_no", session.OrderNo),
		zap.Int64("user_id", p.UserID),
		zap.Int64("pile_id", p.PileID),
		zap.String("mode", string(p.Mode)))
	return session, nil
}

// claimPile 占桩。返回值表示是否经由叫号指派（用于后续终止排队记录）。
func (s *SessionManager) claimPile(ctx context.Context, userID, pileID int64) (bool, error) {
	entry, err := s.repo.ActiveEntryByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if entry != nil && entry.Status == coremodel.QueueStatusCalled &&
		entry.PileID != nil && *entry.PileID == pileID {
		// 接受叫号：桩此刻应处于预约中
		if err := s.reg.ClaimReserved(ctx, pileID); err != nil {
			return false, err
		}
		return true, nil
	}

	// 直接开始：先抢占空闲桩，再流转为充电中
	if err := s.reg.TryReserve(ctx, pileID); err != nil {
		return false, err
	}
	if err := s.reg.MarkCharging(ctx, pileID); err != nil {
		return false, err
	}
	return false, nil
}

// EndParams 结束充电入参
type EndParams struct {
	UserID    int64
	SessionID int64
	EnergyKwh float64
	EndSoc    *int32
}

// End 结束充电并结算。
// 费率档以订单开始时刻为准，整段电量按同一档计价。
// 结算落库成功后释放桩并触发下一轮叫号。
func (s *SessionManager) End(ctx context.Context, p EndParams) (*coremodel.ChargingSession, error) {
	session, err := s.ownedActiveSession(ctx, p.UserID, p.SessionID)
	if err != nil {
		return nil, err
	}
	if p.EnergyKwh < 0 {
		return nil, cerr.New(cerr.KindInvalidState, "充电电量不能为负")
	}

	now := s.clk.Now()
	elecFee := s.pricing.ElectricityFee(session.StartedAt, p.EnergyKwh)
	svcFee := s.pricing.ServiceFee(p.EnergyKwh)

	session.EndedAt = &now
	session.EndSoc = p.EndSoc
	session.EnergyKwh = p.EnergyKwh
	session.DurationMin = int(now.Sub(session.StartedAt).Minutes())
	session.ElectricityFee = elecFee
	session.ServiceFee = svcFee
	session.TotalFee = Round2(elecFee + svcFee)
	session.Status = coremodel.SessionStatusCompleted

	ok, err := s.repo.FinishSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if !ok {
		// 并发结束/取消已先行提交
		return nil, cerr.ErrSessionNotActive
	}

	if err := s.reg.AddUsage(ctx, session.PileID, p.EnergyKwh); err != nil {
		s.logger.Warn("accumulate pile usage failed",
			zap.Int64("pile_id", session.PileID),
			zap.Error(err))
	}
	s.releaseAndAdvance(ctx, session.StationID, session.PileID)

	if s.metrics != nil {
		s.metrics.SessionCompletedTotal.Inc()
		s.metrics.SessionActiveGauge.Dec()
		s.metrics.FeeTotal.Add(session.TotalFee)
	}
	s.logger.Info("charging session completed",
		zap.String("order_no", session.OrderNo),
		zap.Float64("energy_kwh", p.EnergyKwh),
		zap.Float64("total_fee", session.TotalFee),
		zap.Int("duration_min", session.DurationMin))
	return session, nil
}

// Cancel 取消充电。订单不产生费用，桩照常释放并触发叫号。
func (s *SessionManager) Cancel(ctx context.Context, userID, sessionID int64) (*coremodel.ChargingSession, error) {
	session, err := s.ownedActiveSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	session.EndedAt = &now
	session.DurationMin = int(now.Sub(session.StartedAt).Minutes())
	session.Status = coremodel.SessionStatusCancelled

	ok, err := s.repo.FinishSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cerr.ErrSessionNotActive
	}

	s.releaseAndAdvance(ctx, session.StationID, session.PileID)

	if s.metrics != nil {
		s.metrics.SessionCancelledTotal.Inc()
		s.metrics.SessionActiveGauge.Dec()
	}
	s.logger.Info("charging session cancelled",
		zap.String("order_no", session.OrderNo),
		zap.Int64("user_id", userID))
	return session, nil
}

// ownedActiveSession 读取订单并校验归属与进行中状态
func (s *SessionManager) ownedActiveSession(ctx context.Context, userID, sessionID int64) (*coremodel.ChargingSession, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, cerr.ErrSessionNotFound
	}
	if session.UserID != userID {
		return nil, cerr.ErrNotOwner
	}
	if session.Status != coremodel.SessionStatusActive {
		return nil, cerr.ErrSessionNotActive
	}
	return session, nil
}

// releaseAndAdvance 释放桩并叫下一位；叫到人则把桩预约给对方。
// 链路上的失败只记日志：桩已释放，漏叫由下一次释放或清理轮补偿。
func (s *SessionManager) releaseAndAdvance(ctx context.Context, stationID, pileID int64) {
	if err := s.reg.Release(ctx, pileID); err != nil {
		s.logger.Error("release pile failed",
			zap.Int64("pile_id", pileID),
			zap.Error(err))
		return
	}

	next, err := s.ledger.CallNext(ctx, stationID, pileID)
	if err != nil {
		s.logger.Error("call next after release failed",
			zap.Int64("station_id", stationID),
			zap.Int64("pile_id", pileID),
			zap.Error(err))
		return
	}
	if next == nil {
		return
	}
	if err := s.reg.TryReserve(ctx, pileID); err != nil {
		// 释放与预约之间被他人直接占用，被叫用户到场后会命中桩忙
		s.logger.Warn("reserve pile for called entry failed",
			zap.Int64("pile_id", pileID),
			zap.String("queue_no", next.QueueNo),
			zap.Error(err))
	}
}

// Pay 支付已完成订单。
// 幂等：重复支付返回 ErrAlreadyPaid。支付成功后同步发放积分，失败不回滚。
func (s *SessionManager) Pay(ctx context.Context, userID, sessionID int64, method string) (*coremodel.Payment, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, cerr.ErrSessionNotFound
	}
	if session.UserID != userID {
		return nil, cerr.ErrNotOwner
	}
	if session.PaymentStatus == coremodel.PaymentStatusPaid {
		return nil, cerr.ErrAlreadyPaid
	}
	if session.Status != coremodel.SessionStatusCompleted {
		return nil, cerr.ErrSessionNotCompleted
	}

	now := s.clk.Now()
	ok, err := s.repo.MarkSessionPaid(ctx, sessionID, method, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// CAS 未命中：重读区分是重复支付还是状态回退
		fresh, err := s.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if fresh != nil && fresh.PaymentStatus == coremodel.PaymentStatusPaid {
			return nil, cerr.ErrAlreadyPaid
		}
		return nil, cerr.ErrSessionNotCompleted
	}

	payment := &coremodel.Payment{
		SessionID:     sessionID,
		PaymentNo:     generatePaymentNo(now),
		Amount:        session.TotalFee,
		Method:        method,
		TransactionID: fmt.Sprintf("TXN%d", now.UnixMilli()),
		PaidAt:        now,
	}
	if err := s.repo.InsertPayment(ctx, payment); err != nil {
		// 订单已标记支付，流水缺失由对账补偿
		s.logger.Error("insert payment record failed",
			zap.String("order_no", session.OrderNo),
			zap.Error(err))
		return nil, err
	}

	if s.rewards != nil {
		if err := s.rewards.GrantForCharging(ctx, userID, session.OrderNo, session.EnergyKwh); err != nil {
			s.logger.Warn("grant charging rewards failed",
				zap.String("order_no", session.OrderNo),
				zap.Int64("user_id", userID),
				zap.Error(err))
		}
	}

	s.logger.Info("charging session paid",
		zap.String("order_no", session.OrderNo),
		zap.String("payment_no", payment.PaymentNo),
		zap.Float64("amount", payment.Amount),
		zap.String("method", method))
	return payment, nil
}

// Get 读取订单详情（仅限本人）
func (s *SessionManager) Get(ctx context.Context, userID, sessionID int64) (*coremodel.ChargingSession, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, cerr.ErrSessionNotFound
	}
	if session.UserID != userID {
		return nil, cerr.ErrNotOwner
	}
	return session, nil
}

// GetByOrderNo 按订单号读取订单详情（仅限本人）
func (s *SessionManager) GetByOrderNo(ctx context.Context, userID int64, orderNo string) (*coremodel.ChargingSession, error) {
	session, err := s.repo.GetSessionByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, cerr.ErrSessionNotFound
	}
	if session.UserID != userID {
		return nil, cerr.ErrNotOwner
	}
	return session, nil
}

// List 按用户分页查询订单，status 为 nil 时返回全部状态
func (s *SessionManager) List(ctx context.Context, userID int64, status *coremodel.SessionStatus, limit, offset int) ([]coremodel.ChargingSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListSessionsByUser(ctx, userID, status, limit, offset)
}

// Payment 按订单读取支付流水
func (s *SessionManager) Payment(ctx context.Context, userID, sessionID int64) (*coremodel.Payment, error) {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	p, err := s.repo.GetPaymentBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, cerr.ErrSessionNotFound
	}
	return p, nil
}

// generateOrderNo 订单号：CO + 毫秒时间戳 + 6 位大写随机段
func generateOrderNo(now time.Time) string {
	rnd := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("CO%d%s", now.UnixMilli(), rnd)
}

// generatePaymentNo 支付单号：PAY + 毫秒时间戳 + 8 位随机段
func generatePaymentNo(now time.Time) string {
	rnd := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("PAY%d%s", now.UnixMilli(), rnd)
}
