package models

import (
	"time"
)

// 注意：
// - 保持与 db/migrations 中的表结构完全对齐
// - 不使用 gorm.Model，显式声明每个字段，避免隐式 DeletedAt

// Station 映射 stations 表
type Station struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;type:varchar(100);not null"`
	// 地址与坐标，可空
	Address   *string  `gorm:"column:address;type:varchar(255)"`
	Longitude *float64 `gorm:"column:longitude"`
	Latitude  *float64 `gorm:"column:latitude"`
	// 是否营业中
	Active bool `gorm:"column:active;not null;default:true"`
	// 桩总数与可用桩缓存（可用数由引擎回写，允许短暂滞后）
	PileCount      int32     `gorm:"column:pile_count;not null;default:0"`
	AvailableCount int32     `gorm:"column:available_count;not null;default:0"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Station) TableName() string { return "stations" }

// User 映射 users 表
type User struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Username string `gorm:"column:username;type:varchar(50);not null;uniqueIndex"`
	// bcrypt 摘要
	PasswordHash string  `gorm:"column:password_hash;type:varchar(100);not null"`
	Phone        *string `gorm:"column:phone;type:varchar(20)"`
	Nickname     *string `gorm:"column:nickname;type:varchar(50)"`
	// 车辆信息，可空
	PlateNo       *string   `gorm:"column:plate_no;type:varchar(20)"`
	BatteryKwh    *float64  `gorm:"column:battery_kwh"`
	CarbonCredits int64     `gorm:"column:carbon_credits;not null;default:0"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (User) TableName() string { return "users" }

// FaultRecord 映射 fault_records 表（桩故障上报）
type FaultRecord struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement"`
	PileID      int64      `gorm:"column:pile_id;not null;index:idx_fault_pile_time,priority:1"`
	ReporterID  *int64     `gorm:"column:reporter_id"`
	Description string     `gorm:"column:description;type:text;not null"`
	Resolved    bool       `gorm:"column:resolved;not null;default:false"`
	ResolvedAt  *time.Time `gorm:"column:resolved_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime;index:idx_fault_pile_time,priority:2,sort:desc"`
}

func (FaultRecord) TableName() string { return "fault_records" }
