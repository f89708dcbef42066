package service

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	cfgpkg "github.com/taoyao-code/ev-charge-server/internal/config"
)

// TariffTier 峰谷平电价时段
type TariffTier string

const (
	TierValley TariffTier = "valley" // 谷时 23:00-07:00
	TierPeak   TariffTier = "peak"   // 峰时 10:00-15:00, 18:00-21:00
	TierFlat   TariffTier = "flat"   // 平时 其余时段
)

// PricingEngine 计费引擎
// 纯计算，无 I/O。电费按会话开始时刻所在时段的电价对全部电量统一计费，
// 跨时段会话不做分段计量（与计费规则一致的简化，见 DESIGN.md）。
type PricingEngine struct {
	ValleyRate     float64 // 谷时电价（元/度）
	FlatRate       float64 // 平时电价（元/度）
	PeakRate       float64 // 峰时电价（元/度）
	ServiceFeeRate float64 // 服务费（元/度）
}

// NewPricingEngine 创建默认费率的计费引擎
func NewPricingEngine() *PricingEngine {
	return &PricingEngine{
		ValleyRate:     0.4,
		FlatRate:       0.8,
		PeakRate:       1.2,
		ServiceFeeRate: 0.5,
	}
}

// NewPricingEngineFromConfig 按配置创建计费引擎。
// 配置了 tariffFile 时，文件中的三档费率覆盖配置项。
func NewPricingEngineFromConfig(cfg cfgpkg.PricingConfig) (*PricingEngine, error) {
	p := &PricingEngine{
		ValleyRate:     cfg.ValleyRate,
		FlatRate:       cfg.FlatRate,
		PeakRate:       cfg.PeakRate,
		ServiceFeeRate: cfg.ServiceFeeRate,
	}
	if cfg.TariffFile != "" {
		tbl, err := LoadTariffTable(cfg.TariffFile)
		if err != nil {
			return nil, fmt.Errorf("load tariff table: %w", err)
		}
		p.ValleyRate = tbl.Valley
		p.FlatRate = tbl.Flat
		p.PeakRate = tbl.Peak
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PricingEngine) validate() error {
	if p.ValleyRate <= 0 || p.FlatRate <= 0 || p.PeakRate <= 0 {
		return fmt.Errorf("电价必须大于0")
	}
	if p.ServiceFeeRate < 0 {
		return fmt.Errorf("服务费率不能为负")
	}
	return nil
}

// TierOfHour 根据小时（0-23）判定时段
// 谷时 [23,24)∪[0,7)，峰时 [10,15)∪[18,21)，其余平时。
func TierOfHour(hour int) TariffTier {
	switch {
	case hour >= 23 || hour < 7:
		return TierValley
	case (hour >= 10 && hour < 15) || (hour >= 18 && hour < 21):
		return TierPeak
	default:
		return TierFlat
	}
}

// RateOf 返回时段电价
func (p *PricingEngine) RateOf(tier TariffTier) float64 {
	switch tier {
	case TierValley:
		return p.ValleyRate
	case TierPeak:
		return p.PeakRate
	case TierFlat:
		return p.FlatRate
	}
	return p.FlatRate
}

// ElectricityFee 计算电费：开始时刻所在时段电价 × 全部电量，四舍五入到分
func (p *PricingEngine) ElectricityFee(startedAt time.Time, energyKwh float64) float64 {
	rate := p.RateOf(TierOfHour(startedAt.Hour()))
	return Round2(energyKwh * rate)
}

// ServiceFee 计算服务费：电量 × 服务费率，四舍五入到分
func (p *PricingEngine) ServiceFee(energyKwh float64) float64 {
	return Round2(energyKwh * p.ServiceFeeRate)
}

// Round2 四舍五入保留两位小数（金额均为非负，half-up 与 half-away 等价）。
// 半分位金额的二进制表示略小于真值（1.005*100 为 100.4999…），
// 乘以微小修正因子把这类值抬回分界点之上再取整。
func Round2(v float64) float64 {
	return math.Round(v*100*(1+1e-12)) / 100
}

// TariffTable YAML 电价表
type TariffTable struct {
	Valley float64 `yaml:"valley"`
	Flat   float64 `yaml:"flat"`
	Peak   float64 `yaml:"peak"`
}

// LoadTariffTable 从 YAML 文件加载电价表
func LoadTariffTable(path string) (*TariffTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t TariffTable
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	if t.Valley <= 0 || t.Flat <= 0 || t.Peak <= 0 {
		return nil, fmt.Errorf("tariff table %s: 电价必须大于0", path)
	}
	return &t, nil
}
