package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/taoyao-code/ev-charge-server/internal/config"
)

func TestTierOfHour(t *testing.T) {
	cases := []struct {
		hour int
		want TariffTier
	}{
		{23, TierValley}, {0, TierValley}, {6, TierValley},
		{7, TierFlat}, {9, TierFlat}, {15, TierFlat}, {17, TierFlat}, {21, TierFlat}, {22, TierFlat},
		{10, TierPeak}, {14, TierPeak}, {18, TierPeak}, {20, TierPeak},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, TierOfHour(c.hour), "小时 %d 的电价档不正确", c.hour)
	}
}

func TestElectricityFee(t *testing.T) {
	p := NewPricingEngine()

	at := func(hour int) time.Time {
		return time.Date(2025, 6, 1, hour, 30, 0, 0, time.Local)
	}

	// 整段电量按开始时刻所在档计价
	assert.InDelta(t, 12.00, p.ElectricityFee(at(12), 10), 1e-9, "峰时 10 度电费应为 12.00")
	assert.InDelta(t, 4.00, p.ElectricityFee(at(5), 10), 1e-9, "谷时 10 度电费应为 4.00")
	assert.InDelta(t, 8.00, p.ElectricityFee(at(8), 10), 1e-9, "平时 10 度电费应为 8.00")
}

func TestServiceFee(t *testing.T) {
	p := NewPricingEngine()
	assert.InDelta(t, 5.00, p.ServiceFee(10), 1e-9)
	// 四舍五入到分
	assert.InDelta(t, 6.17, p.ServiceFee(12.345), 1e-9, "服务费应四舍五入到分")
}

func TestRound2(t *testing.T) {
	// 1.005 与 2.675 的 float64 表示略小于半分位，仍应向上取整
	assert.InDelta(t, 1.01, Round2(1.005), 1e-9, "半分位应向上取整")
	assert.InDelta(t, 2.68, Round2(2.675), 1e-9, "半分位应向上取整")
	assert.InDelta(t, 2.67, Round2(2.666), 1e-9)
	assert.InDelta(t, 0.0, Round2(0.004), 1e-9)
	assert.InDelta(t, 17.0, Round2(17.0), 1e-9)
	assert.InDelta(t, 0.05, Round2(0.045), 1e-9)
}

func TestNewPricingEngineFromConfig(t *testing.T) {
	p, err := NewPricingEngineFromConfig(cfgpkg.PricingConfig{
		ValleyRate:     0.3,
		FlatRate:       0.7,
		PeakRate:       1.1,
		ServiceFeeRate: 0.4,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.3, p.ValleyRate)
	assert.Equal(t, 1.1, p.RateOf(TierPeak))

	_, err = NewPricingEngineFromConfig(cfgpkg.PricingConfig{})
	assert.Error(t, err, "零费率配置应报错")
}
