package registry_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/cerr"
	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
	"github.com/taoyao-code/ev-charge-server/internal/registry"
	"github.com/taoyao-code/ev-charge-server/internal/storage"
	"github.com/taoyao-code/ev-charge-server/internal/storage/memory"
)

func newRegistry(t *testing.T, piles ...coremodel.Pile) (*registry.PileRegistry, *memory.Store) {
	t.Helper()
	store := memory.New()
	store.AddStation(storage.StationInfo{ID: 1, Name: "城东快充站", Active: true, PileCount: len(piles)})
	for _, p := range piles {
		store.AddPile(p)
	}
	return registry.New(store, store, nil, nil, zap.NewNop()), store
}

func TestTryReserve(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t, coremodel.Pile{ID: 1, StationID: 1, PileNo: "A01", Status: coremodel.PileStatusIdle})

	require.NoError(t, reg.TryReserve(ctx, 1), "空闲桩预约应成功")

	pile, err := reg.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, coremodel.PileStatusReserved, pile.Status)

	err = reg.TryReserve(ctx, 1)
	assert.ErrorIs(t, err, cerr.ErrPileUnavailable, "非空闲桩预约应失败")

	err = reg.TryReserve(ctx, 999)
	assert.ErrorIs(t, err, cerr.ErrPileNotFound)
}

func TestTryReserveConcurrent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t, coremodel.Pile{ID: 1, StationID: 1, PileNo: "A01", Status: coremodel.PileStatusIdle})

	const workers = 50
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- reg.TryReserve(ctx, 1)
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, cerr.ErrPileUnavailable)
			losses++
		}
	}
	assert.Equal(t, 1, wins, "并发抢占只能有一人成功")
	assert.Equal(t, workers-1, losses)
}

func TestClaimReserved(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t, coremodel.Pile{ID: 1, StationID: 1, PileNo: "A01", Status: coremodel.PileStatusIdle})

	// 未预约直接认领应失败
	err := reg.ClaimReserved(ctx, 1)
	assert.ErrorIs(t, err, cerr.ErrPileUnavailable, "空闲桩不可直接认领")

	require.NoError(t, reg.TryReserve(ctx, 1))
	require.NoError(t, reg.ClaimReserved(ctx, 1), "预约中的桩认领应成功")

	pile, err := reg.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, coremodel.PileStatusCharging, pile.Status)
}

func TestReleaseIfReserved(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t, coremodel.Pile{ID: 1, StationID: 1, PileNo: "A01", Status: coremodel.PileStatusIdle})

	// 条件释放只作用于预约中的桩
	ok, err := reg.ReleaseIfReserved(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "空闲桩条件释放应为空操作")

	require.NoError(t, reg.TryReserve(ctx, 1))
	ok, err = reg.ReleaseIfReserved(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	pile, err := reg.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, coremodel.PileStatusIdle, pile.Status, "释放后应回到空闲")
}

func TestCountAvailable(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t,
		coremodel.Pile{ID: 1, StationID: 1, PileNo: "A01", Status: coremodel.PileStatusIdle},
		coremodel.Pile{ID: 2, StationID: 1, PileNo: "A02", Status: coremodel.PileStatusIdle},
		coremodel.Pile{ID: 3, StationID: 1, PileNo: "A03", Status: coremodel.PileStatusCharging},
	)

	n, err := reg.CountAvailable(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, reg.MarkFault(ctx, 1))
	n, err = reg.CountAvailable(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "故障桩不计入可用数")

	require.NoError(t, reg.MarkOffline(ctx, 2))
	n, err = reg.CountAvailable(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "离线桩不计入可用数")

	require.NoError(t, reg.Release(ctx, 3))
	n, err = reg.CountAvailable(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "释放后重新计入可用数")
}

func TestAddUsage(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t, coremodel.Pile{ID: 1, StationID: 1, PileNo: "A01", Status: coremodel.PileStatusCharging})

	require.NoError(t, reg.AddUsage(ctx, 1, 12.5))
	require.NoError(t, reg.AddUsage(ctx, 1, 7.5))

	pile, err := reg.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pile.TotalChargeCount, "累计充电次数应递增")
	assert.InDelta(t, 20.0, pile.TotalEnergyKwh, 1e-9, "累计电量应累加")
}
