package queue_test

import (
	"context"
	"fmt"
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
	"github.com/taoyao-code/ev-charge-server/internal/storage"
	"github.com/taoyao-code/ev-charge-server/internal/storage/memory"
)

// 统一测试基准时间：2025-06-15 12:00（平时段无关紧要，排队不涉及计费）
var testT0 = time.Date(2025, 6, 15, 12, 0, 0, 0, time.Local)

type ledgerFixture struct {
	store  *memory.Store
	reg    *registry.PileRegistry
	clk    *clock.Mock
	ledger *queue.Ledger
}

// newLedgerFixture 构造单站点测试环境：站点1，busyPiles 个充电中的桩。
// 排队前置条件要求站点无空闲桩，默认桩全忙。
func newLedgerFixture(t *testing.T, busyPiles int) *ledgerFixture {
	t.Helper()

	store := memory.New()
	store.AddStation(storage.StationInfo{ID: 1, Name: "城东快充站", Active: true, PileCount: busyPiles})
	for i := 1; i <= busyPiles; i++ {
		store.AddPile(coremodel.Pile{
			ID:        int64(i),
			StationID: 1,
			PileNo:    fmt.Sprintf("A%02d", i),
			PowerKw:   120,
			Status:    coremodel.PileStatusCharging,
		})
	}

	clk := clock.NewMock(testT0)
	reg := registry.New(store, store, nil, nil, zap.NewNop())
	ledger := queue.NewLedger(store, store, reg, clk,
		cfgpkg.QueueConfig{CallTimeout: 15 * time.Minute, AvgSessionMinutes: 30},
		nil, nil, zap.NewNop())

	return &ledgerFixture{store: store, reg: reg, clk: clk, ledger: ledger}
}

func TestLedgerJoin(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t, 2)

	entry, err := f.ledger.Join(ctx, 101, 1)
	require.NoError(t, err, "首位排队应成功")
	assert.Equal(t, 1, entry.Position, "首位排队位置应为1")
	assert.Equal(t, coremodel.QueueStatusQueuing, entry.Status)
	assert.Equal(t, "1-20250615-001", entry.QueueNo, "排队号格式应为 站点-日期-序号")

	entry2, err := f.ledger.Join(ctx, 102, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, entry2.Position, "后来者位置应连续递增")
	assert.Equal(t, "1-20250615-002", entry2.QueueNo)

	// 预计等待：位置 × 30分钟 / max(1, 可用桩数)，此时可用桩为0按1计
	assert.Equal(t, 60, entry2.EstimatedWait, "第二位预计等待应为60分钟")
}

func TestLedgerJoinRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("站点不存在", func(t *testing.T) {
		f := newLedgerFixture(t, 1)
		_, err := f.ledger.Join(ctx, 101, 999)
		assert.ErrorIs(t, err, cerr.ErrStationNotFound)
	})

	t.Run("站点暂停营业", func(t *testing.T) {
		f := newLedgerFixture(t, 1)
		f.store.AddStation(storage.StationInfo{ID: 2, Name: "维护中", Active: false})
		_, err := f.ledger.Join(ctx, 101, 2)
		assert.ErrorIs(t, err, cerr.ErrStationClosed)
	})

	t.Run("有空闲桩时拒绝排队", func(t *testing.T) {
		f := newLedgerFixture(t, 1)
		f.store.AddPile(coremodel.Pile{ID: 9, StationID: 1, PileNo: "A09", Status: coremodel.PileStatusIdle})
		_, err := f.ledger.Join(ctx, 101, 1)
		assert.ErrorIs(t, err, cerr.ErrPileAvailable, "存在空闲桩时应引导直接充电")
	})

	t.Run("重复排队", func(t *testing.T) {
		f := newLedgerFixture(t, 1)
		_, err := f.ledger.Join(ctx, 101, 1)
		require.NoError(t, err)
		_, err = f.ledger.Join(ctx, 101, 1)
		assert.ErrorIs(t, err, cerr.ErrAlreadyQueuing)
	})
}

func TestLedgerQueueNoResetsByDay(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t, 1)

	entry, err := f.ledger.Join(ctx, 101, 1)
	require.NoError(t, err)
	assert.Equal(t, "1-20250615-001", entry.QueueNo)

	require.NoError(t, f.ledger.Leave(ctx, 101))

	// 次日序号从001重新开始
	f.clk.Advance(24 * time.Hour)
	entry2, err := f.ledger.Join(ctx, 101, 1)
	require.NoError(t, err)
	assert.Equal(t, "1-20250616-001", entry2.QueueNo, "序号应按站点按天重置")
}

func TestLedgerLeave(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t, 1)

	_, err := f.ledger.Join(ctx, 101, 1)
	require.NoError(t, err)
	_, err = f.ledger.Join(ctx, 102, 1)
	require.NoError(t, err)
	_, err = f.ledger.Join(ctx, 103, 1)
	require.NoError(t, err)

	require.NoError(t, f.ledger.Leave(ctx, 102), "中间位置离队应成功")

	// 后续排队者位置前移且连续
	st, err := f.ledger.Status(ctx, 103)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Position, "离队后第三位应前移至第二位")

	err = f.ledger.Leave(ctx, 102)
	assert.ErrorIs(t, err, cerr.ErrNotQueuing, "重复离队应报无排队记录")
	err = f.ledger.Leave(ctx, 999)
	assert.ErrorIs(t, err, cerr.ErrNotQueuing)
}

func TestLedgerStatusRecompute(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t, 1)

	_, err := f.ledger.Join(ctx, 101, 1)
	require.NoError(t, err)
	_, err = f.ledger.Join(ctx, 102, 1)
	require.NoError(t, err)

	st, err := f.ledger.Status(ctx, 102)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Position)
	assert.Equal(t, 60, st.EstimatedWait)

	// 前方离队后状态查询应反映最新位置
	require.NoError(t, f.ledger.Leave(ctx, 101))
	st, err = f.ledger.Status(ctx, 102)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Position, "前方离队后位置应重算")
	assert.Equal(t, 30, st.EstimatedWait)

	_, err = f.ledger.Status(ctx, 999)
	assert.ErrorIs(t, err, cerr.ErrNotQueuing)
}

func TestLedgerCallNext(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t, 1)

	_, err := f.ledger.Join(ctx, 101, 1)
	require.NoError(t, err)
	f.clk.Advance(time.Minute)
	_, err = f.ledger.Join(ctx, 102, 1)
	require.NoError(t, err)

	called, err := f.ledger.CallNext(ctx, 1, 1)
	require.NoError(t, err)
	require.NotNil(t, called)
	assert.Equal(t, int64(101), called.UserID, "应按先来先到顺序叫号")
	assert.Equal(t, coremodel.QueueStatusCalled, called.Status)
	require.NotNil(t, called.PileID)
	assert.Equal(t, int64(1), *called.PileID)
	require.NotNil(t, called.Deadline)
	assert.Equal(t, f.clk.Now().Add(15*time.Minute), *called.Deadline, "保留截止时间应为叫号时刻+15分钟")

	// 剩余排队者前移
	st, err := f.ledger.Status(ctx, 102)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Position)

	// 已叫号用户的状态查询返回叫号信息而非排队位置
	st, err = f.ledger.Status(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, coremodel.QueueStatusCalled, st.Status)
}

func TestLedgerCallNextEmptyQueue(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t, 1)

	called, err := f.ledger.CallNext(ctx, 1, 1)
	require.NoError(t, err, "空队列叫号不应报错")
	assert.Nil(t, called, "空队列应返回空，桩保持现状")
}

func TestLedgerFulfill(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t, 1)

	_, err := f.ledger.Join(ctx, 101, 1)
	require.NoError(t, err)
	called, err := f.ledger.CallNext(ctx, 1, 1)
	require.NoError(t, err)
	require.NotNil(t, called)

	// 桩不匹配时不消费叫号记录
	ok, err := f.ledger.Fulfill(ctx, 101, 2)
	require.NoError(t, err)
	assert.False(t, ok, "指派桩不一致时不应完成")

	ok, err = f.ledger.Fulfill(ctx, 101, 1)
	require.NoError(t, err)
	assert.True(t, ok, "接受指派桩应完成排队记录")

	// 记录已终止，用户可再次排队
	_, err = f.ledger.Status(ctx, 101)
	assert.ErrorIs(t, err, cerr.ErrNotQueuing)

	// 未排队用户直接充电不产生消费
	ok, err = f.ledger.Fulfill(ctx, 999, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerExpire(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t, 1)

	_, err := f.ledger.Join(ctx, 101, 1)
	require.NoError(t, err)
	called, err := f.ledger.CallNext(ctx, 1, 1)
	require.NoError(t, err)
	require.NotNil(t, called)

	// 截止时间未到，不在清理范围
	due, err := f.ledger.DueCalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	f.clk.Advance(16 * time.Minute)
	due, err = f.ledger.DueCalled(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1, "超过截止时间的叫号记录应进入清理范围")

	require.NoError(t, f.ledger.Expire(ctx, due[0].ID))
	err = f.ledger.Expire(ctx, due[0].ID)
	assert.ErrorIs(t, err, cerr.ErrStaleEntry, "重复过号流转应竞争失败")
}

func TestLedgerStationInfo(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t, 2)

	info, err := f.ledger.StationInfo(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, info.QueueCount)
	assert.Equal(t, 0, info.AvailablePiles)
	assert.True(t, info.RecommendQueue)

	for i := 0; i < 3; i++ {
		_, err := f.ledger.Join(ctx, int64(101+i), 1)
		require.NoError(t, err)
	}
	info, err = f.ledger.StationInfo(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, info.QueueCount)

	_, err = f.ledger.StationInfo(ctx, 999)
	assert.ErrorIs(t, err, cerr.ErrStationNotFound)
}
