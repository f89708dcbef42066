package coremodel

import "time"

// PileStatus 充电桩状态枚举
// 状态流转由 registry.PileRegistry 独占，其它组件只读或请求流转。
type PileStatus string

const (
	PileStatusIdle     PileStatus = "idle"     // 空闲
	PileStatusCharging PileStatus = "charging" // 充电中
	PileStatusReserved PileStatus = "reserved" // 预约中（叫号占用）
	PileStatusFault    PileStatus = "fault"    // 故障
	PileStatusOffline  PileStatus = "offline"  // 离线
)

// Valid 判断是否为已知状态
func (s PileStatus) Valid() bool {
	switch s {
	case PileStatusIdle, PileStatusCharging, PileStatusReserved, PileStatusFault, PileStatusOffline:
		return true
	}
	return false
}

// Text 状态中文文案
func (s PileStatus) Text() string {
	switch s {
	case PileStatusIdle:
		return "空闲"
	case PileStatusCharging:
		return "充电中"
	case PileStatusReserved:
		return "预约中"
	case PileStatusFault:
		return "故障"
	case PileStatusOffline:
		return "离线"
	}
	return "未知"
}

// QueueStatus 排队记录状态枚举
type QueueStatus string

const (
	QueueStatusQueuing   QueueStatus = "queuing"   // 排队中
	QueueStatusCalled    QueueStatus = "called"    // 已叫号
	QueueStatusCompleted QueueStatus = "completed" // 已完成（叫号后开始充电）
	QueueStatusExpired   QueueStatus = "expired"   // 已过号
	QueueStatusCancelled QueueStatus = "cancelled" // 已取消
)

// Active 排队中或已叫号均视为活动记录
func (s QueueStatus) Active() bool {
	return s == QueueStatusQueuing || s == QueueStatusCalled
}

// Text 状态中文文案
func (s QueueStatus) Text() string {
	switch s {
	case QueueStatusQueuing:
		return "排队中"
	case QueueStatusCalled:
		return "已叫号"
	case QueueStatusCompleted:
		return "已完成"
	case QueueStatusExpired:
		return "已过号"
	case QueueStatusCancelled:
		return "已取消"
	}
	return "未知"
}

// SessionStatus 充电会话（订单）状态枚举
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"    // 进行中
	SessionStatusCompleted SessionStatus = "completed" // 已完成
	SessionStatusCancelled SessionStatus = "cancelled" // 已取消
	SessionStatusAnomalous SessionStatus = "anomalous" // 异常
)

// Text 状态中文文案
func (s SessionStatus) Text() string {
	switch s {
	case SessionStatusActive:
		return "进行中"
	case SessionStatusCompleted:
		return "已完成"
	case SessionStatusCancelled:
		return "已取消"
	case SessionStatusAnomalous:
		return "异常"
	}
	return "未知"
}

// PaymentStatus 支付状态枚举
type PaymentStatus string

const (
	PaymentStatusUnpaid   PaymentStatus = "unpaid"   // 未支付
	PaymentStatusPaid     PaymentStatus = "paid"     // 已支付
	PaymentStatusRefunded PaymentStatus = "refunded" // 已退款
)

// ChargeMode 充电模式枚举
type ChargeMode string

const (
	ChargeModeFull     ChargeMode = "full"        // 充满自停
	ChargeModeAmount   ChargeMode = "by_amount"   // 按金额
	ChargeModeEnergy   ChargeMode = "by_energy"   // 按电量
	ChargeModeDuration ChargeMode = "by_duration" // 按时长
)

// Valid 判断是否为已知模式
func (m ChargeMode) Valid() bool {
	switch m {
	case ChargeModeFull, ChargeModeAmount, ChargeModeEnergy, ChargeModeDuration:
		return true
	}
	return false
}

// Pile 充电桩核心记录
type Pile struct {
	ID               int64
	StationID        int64
	PileNo           string
	Name             string
	PowerKw          float64
	Status           PileStatus
	HealthScore      int32
	TotalChargeCount int64
	TotalEnergyKwh   float64
	UpdatedAt        time.Time
}

// QueueEntry 排队记录
// 不变式：同一用户在同一站点最多一条活动记录；同一充电桩最多一条 Called 记录。
type QueueEntry struct {
	ID            int64
	UserID        int64
	StationID     int64
	QueueNo       string
	Position      int
	EstimatedWait int // 预计等待（分钟）
	Status        QueueStatus
	PileID        *int64
	JoinedAt      time.Time
	CalledAt      *time.Time
	Deadline      *time.Time
}

// ChargingSession 充电会话（订单）
// Completed 之后除支付字段外不可再变更。
type ChargingSession struct {
	ID             int64
	OrderNo        string
	UserID         int64
	StationID      int64
	PileID         int64
	StartedAt      time.Time
	EndedAt        *time.Time
	StartSoc       int32
	EndSoc         *int32
	Mode           ChargeMode
	TargetValue    float64
	EnergyKwh      float64
	DurationMin    int
	ElectricityFee float64
	ServiceFee     float64
	TotalFee       float64
	Status         SessionStatus
	PaymentStatus  PaymentStatus
	PaymentMethod  *string
	PaidAt         *time.Time
}

// Payment 支付流水
type Payment struct {
	ID            int64
	SessionID     int64
	PaymentNo     string
	Amount        float64
	Method        string
	TransactionID string
	PaidAt        time.Time
}
