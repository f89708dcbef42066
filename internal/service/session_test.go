package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/cerr"
	"github.com/taoyao-code/ev-charge-server/internal/clock"
	cfgpkg "github.com/taoyao-code/ev-charge-server/internal/config"
	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
	"github.com/taoyao-code/ev-charge-server/internal/queue"
	"github.com/taoyao-code/ev-charge-server/internal/registry"
	"github.com/taoyao-code/ev-charge-server/internal/service"
	"github.com/taoyao-code/ev-charge-server/internal/storage"
	"github.com/taoyao-code/ev-charge-server/internal/storage/memory"
)

// 基准时间取峰时段（12:30），10度电费 = 10 × 1.2 = 12.00
var sessionT0 = time.Date(2025, 6, 15, 12, 30, 0, 0, time.Local)

// fakeRewards 记录积分发放调用，可注入失败
type fakeRewards struct {
	calls []rewardCall
	err   error
}

type rewardCall struct {
	userID    int64
	orderNo   string
	energyKwh float64
}

func (f *fakeRewards) GrantForCharging(_ context.Context, userID int64, orderNo string, energyKwh float64) error {
	f.calls = append(f.calls, rewardCall{userID: userID, orderNo: orderNo, energyKwh: energyKwh})
	return f.err
}

type sessionFixture struct {
	store   *memory.Store
	reg     *registry.PileRegistry
	ledger  *queue.Ledger
	clk     *clock.Mock
	rewards *fakeRewards
	mgr     *service.SessionManager
}

func newSessionFixture(t *testing.T, piles ...coremodel.Pile) *sessionFixture {
	t.Helper()

	store := memory.New()
	store.AddStation(storage.StationInfo{ID: 1, Name: "城东快充站", Active: true, PileCount: len(piles)})
	for _, p := range piles {
		store.AddPile(p)
	}

	clk := clock.NewMock(sessionT0)
	reg := registry.New(store, store, nil, nil, zap.NewNop())
	ledger := queue.NewLedger(store, store, reg, clk,
		cfgpkg.QueueConfig{CallTimeout: 15 * time.Minute, AvgSessionMinutes: 30},
		nil, nil, zap.NewNop())
	rewards := &fakeRewards{}
	mgr := service.NewSessionManager(store, reg, ledger, service.NewPricingEngine(), rewards, clk, nil, zap.NewNop())

	return &sessionFixture{store: store, reg: reg, ledger: ledger, clk: clk, rewards: rewards, mgr: mgr}
}

func idlePile(id int64) coremodel.Pile {
	return coremodel.Pile{ID: id, StationID: 1, PileNo: "A01", PowerKw: 120, Status: coremodel.PileStatusIdle}
}

func TestSessionStartDirect(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, idlePile(1))

	sess, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeFull, StartSoc: 30})
	require.NoError(t, err, "空闲桩直接开始充电应成功")
	assert.True(t, strings.HasPrefix(sess.OrderNo, "CO"), "订单号应以CO开头")
	assert.Equal(t, coremodel.SessionStatusActive, sess.Status)
	assert.Equal(t, coremodel.PaymentStatusUnpaid, sess.PaymentStatus)
	assert.Equal(t, int64(1), sess.StationID)

	pile, err := f.reg.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, coremodel.PileStatusCharging, pile.Status, "开始充电后桩应为充电中")
}

func TestSessionStartRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("充电模式非法", func(t *testing.T) {
		f := newSessionFixture(t, idlePile(1))
		_, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: "warp_speed"})
		require.Error(t, err)
		assert.Equal(t, cerr.KindInvalidState, cerr.KindOf(err))
	})

	t.Run("桩不存在", func(t *testing.T) {
		f := newSessionFixture(t, idlePile(1))
		_, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 999, Mode: coremodel.ChargeModeFull})
		assert.ErrorIs(t, err, cerr.ErrPileNotFound)
	})

	t.Run("用户已有进行中订单", func(t *testing.T) {
		f := newSessionFixture(t, idlePile(1), coremodel.Pile{ID: 2, StationID: 1, PileNo: "A02", Status: coremodel.PileStatusIdle})
		_, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeFull})
		require.NoError(t, err)
		_, err = f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 2, Mode: coremodel.ChargeModeFull})
		assert.ErrorIs(t, err, cerr.ErrSessionAlreadyActive)
	})

	t.Run("桩已被占用", func(t *testing.T) {
		f := newSessionFixture(t, idlePile(1))
		_, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeFull})
		require.NoError(t, err)
		_, err = f.mgr.Start(ctx, service.StartParams{UserID: 102, PileID: 1, Mode: coremodel.ChargeModeFull})
		assert.ErrorIs(t, err, cerr.ErrPileBusy)
	})

	t.Run("桩故障不可预约", func(t *testing.T) {
		f := newSessionFixture(t, coremodel.Pile{ID: 1, StationID: 1, PileNo: "A01", Status: coremodel.PileStatusFault})
		_, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeFull})
		assert.ErrorIs(t, err, cerr.ErrPileUnavailable)
	})
}

func TestSessionEndSettlement(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, idlePile(1))

	sess, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeFull, StartSoc: 30})
	require.NoError(t, err)

	f.clk.Advance(45 * time.Minute)
	endSoc := int32(85)
	done, err := f.mgr.End(ctx, service.EndParams{UserID: 101, SessionID: sess.ID, EnergyKwh: 10, EndSoc: &endSoc})
	require.NoError(t, err, "结束充电应成功")

	// 12:30 开始属峰时段：电费 10×1.2，服务费 10×0.5
	assert.InDelta(t, 12.00, done.ElectricityFee, 1e-9, "峰时电费应为12.00")
	assert.InDelta(t, 5.00, done.ServiceFee, 1e-9, "服务费应为5.00")
	assert.InDelta(t, 17.00, done.TotalFee, 1e-9)
	assert.Equal(t, 45, done.DurationMin)
	assert.Equal(t, coremodel.SessionStatusCompleted, done.Status)
	require.NotNil(t, done.EndSoc)
	assert.Equal(t, int32(85), *done.EndSoc)

	// 结算后释放桩并累计用量
	pile, err := f.reg.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, coremodel.PileStatusIdle, pile.Status, "结束后无人排队桩应回到空闲")
	assert.Equal(t, int64(1), pile.TotalChargeCount)
	assert.InDelta(t, 10.0, pile.TotalEnergyKwh, 1e-9)

	// 已结束的订单不可再结束
	_, err = f.mgr.End(ctx, service.EndParams{UserID: 101, SessionID: sess.ID, EnergyKwh: 10})
	assert.ErrorIs(t, err, cerr.ErrSessionNotActive)
}

func TestSessionEndValleyRate(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, idlePile(1))
	f.clk.Set(time.Date(2025, 6, 15, 5, 30, 0, 0, time.Local))

	sess, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeEnergy, TargetValue: 10})
	require.NoError(t, err)

	// 跨时段结束：费率仍按开始时刻的谷时计
	f.clk.Advance(3 * time.Hour)
	done, err := f.mgr.End(ctx, service.EndParams{UserID: 101, SessionID: sess.ID, EnergyKwh: 10})
	require.NoError(t, err)
	assert.InDelta(t, 4.00, done.ElectricityFee, 1e-9, "谷时开始的订单电费应按谷价计")
	assert.InDelta(t, 9.00, done.TotalFee, 1e-9)
}

func TestSessionEndGuards(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, idlePile(1))

	sess, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeFull})
	require.NoError(t, err)

	_, err = f.mgr.End(ctx, service.EndParams{UserID: 102, SessionID: sess.ID, EnergyKwh: 5})
	assert.ErrorIs(t, err, cerr.ErrNotOwner, "非本人不可结束订单")

	_, err = f.mgr.End(ctx, service.EndParams{UserID: 101, SessionID: 999, EnergyKwh: 5})
	assert.ErrorIs(t, err, cerr.ErrSessionNotFound)

	_, err = f.mgr.End(ctx, service.EndParams{UserID: 101, SessionID: sess.ID, EnergyKwh: -1})
	require.Error(t, err)
	assert.Equal(t, cerr.KindInvalidState, cerr.KindOf(err), "负电量应被拒绝")
}

func TestSessionCancel(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, idlePile(1))

	sess, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeFull})
	require.NoError(t, err)

	f.clk.Advance(5 * time.Minute)
	cancelled, err := f.mgr.Cancel(ctx, 101, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, coremodel.SessionStatusCancelled, cancelled.Status)
	assert.Zero(t, cancelled.TotalFee, "取消的订单不应产生费用")
	assert.Equal(t, 5, cancelled.DurationMin)

	pile, err := f.reg.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, coremodel.PileStatusIdle, pile.Status, "取消后桩应释放")
}

func TestSessionPay(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, idlePile(1))

	sess, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeFull})
	require.NoError(t, err)

	// 进行中订单不可支付
	_, err = f.mgr.Pay(ctx, 101, sess.ID, "wechat")
	assert.ErrorIs(t, err, cerr.ErrSessionNotCompleted)

	_, err = f.mgr.End(ctx, service.EndParams{UserID: 101, SessionID: sess.ID, EnergyKwh: 10})
	require.NoError(t, err)

	_, err = f.mgr.Pay(ctx, 102, sess.ID, "wechat")
	assert.ErrorIs(t, err, cerr.ErrNotOwner)

	payment, err := f.mgr.Pay(ctx, 101, sess.ID, "wechat")
	require.NoError(t, err, "已完成订单支付应成功")
	assert.True(t, strings.HasPrefix(payment.PaymentNo, "PAY"), "支付单号应以PAY开头")
	assert.True(t, strings.HasPrefix(payment.TransactionID, "TXN"), "交易号应以TXN开头")
	assert.InDelta(t, 17.00, payment.Amount, 1e-9, "支付金额应等于订单总费用")
	assert.Equal(t, "wechat", payment.Method)

	// 支付成功后发放积分：10度电 → 传递订单与电量
	require.Len(t, f.rewards.calls, 1)
	assert.Equal(t, int64(101), f.rewards.calls[0].userID)
	assert.Equal(t, sess.OrderNo, f.rewards.calls[0].orderNo)
	assert.InDelta(t, 10.0, f.rewards.calls[0].energyKwh, 1e-9)

	// 幂等：重复支付拒绝且不重复发放积分
	_, err = f.mgr.Pay(ctx, 101, sess.ID, "wechat")
	assert.ErrorIs(t, err, cerr.ErrAlreadyPaid)
	assert.Len(t, f.rewards.calls, 1)

	// 流水可查
	got, err := f.mgr.Payment(ctx, 101, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.PaymentNo, got.PaymentNo)
}

func TestSessionPayRewardsFailureSwallowed(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, idlePile(1))
	f.rewards.err = assert.AnError

	sess, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeFull})
	require.NoError(t, err)
	_, err = f.mgr.End(ctx, service.EndParams{UserID: 101, SessionID: sess.ID, EnergyKwh: 10})
	require.NoError(t, err)

	_, err = f.mgr.Pay(ctx, 101, sess.ID, "alipay")
	assert.NoError(t, err, "积分发放失败不应影响支付结果")
}

// 完整链路：占桩中排队，释放后叫号指派，被叫用户接受并开始充电
func TestSessionHandoffToQueuedUser(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, idlePile(1))

	sessA, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeFull})
	require.NoError(t, err)

	// 桩全忙，后来者进入排队
	entry, err := f.ledger.Join(ctx, 102, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Position)

	// 前一位结束后自动叫号并把桩预约给被叫用户
	_, err = f.mgr.End(ctx, service.EndParams{UserID: 101, SessionID: sessA.ID, EnergyKwh: 8})
	require.NoError(t, err)

	st, err := f.ledger.Status(ctx, 102)
	require.NoError(t, err)
	assert.Equal(t, coremodel.QueueStatusCalled, st.Status, "释放后应叫到排队用户")
	require.NotNil(t, st.PileID)
	assert.Equal(t, int64(1), *st.PileID)

	pile, err := f.reg.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, coremodel.PileStatusReserved, pile.Status, "叫号后桩应为被叫用户预留")

	// 被叫用户在指派桩开始充电，排队记录随之终止
	sessB, err := f.mgr.Start(ctx, service.StartParams{UserID: 102, PileID: 1, Mode: coremodel.ChargeModeFull})
	require.NoError(t, err, "被叫用户接受指派应成功")
	assert.Equal(t, coremodel.SessionStatusActive, sessB.Status)

	pile, err = f.reg.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, coremodel.PileStatusCharging, pile.Status)

	_, err = f.ledger.Status(ctx, 102)
	assert.ErrorIs(t, err, cerr.ErrNotQueuing, "接受叫号后排队记录应完成")
}

func TestSessionGetAndList(t *testing.T) {
	ctx := context.Background()
	f := newSessionFixture(t, idlePile(1))

	sess, err := f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeFull})
	require.NoError(t, err)

	got, err := f.mgr.Get(ctx, 101, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.OrderNo, got.OrderNo)

	_, err = f.mgr.Get(ctx, 102, sess.ID)
	assert.ErrorIs(t, err, cerr.ErrNotOwner, "他人订单不可见")

	// 订单号查询与 ID 查询同权校验
	byNo, err := f.mgr.GetByOrderNo(ctx, 101, sess.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, byNo.ID)
	_, err = f.mgr.GetByOrderNo(ctx, 102, sess.OrderNo)
	assert.ErrorIs(t, err, cerr.ErrNotOwner)
	_, err = f.mgr.GetByOrderNo(ctx, 101, "CO-nope")
	assert.ErrorIs(t, err, cerr.ErrSessionNotFound)

	_, err = f.mgr.End(ctx, service.EndParams{UserID: 101, SessionID: sess.ID, EnergyKwh: 5})
	require.NoError(t, err)
	_, err = f.mgr.Start(ctx, service.StartParams{UserID: 101, PileID: 1, Mode: coremodel.ChargeModeAmount, TargetValue: 50})
	require.NoError(t, err)

	list, err := f.mgr.List(ctx, 101, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2, "应返回用户全部订单")

	completed := coremodel.SessionStatusCompleted
	list, err = f.mgr.List(ctx, 101, &completed, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1, "按状态过滤应只返回已完成订单")
	assert.Equal(t, sess.ID, list[0].ID)
}
