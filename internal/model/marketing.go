package model

import "time"

// RedeemStatus 兑换码状态。
type RedeemStatus int

const (
	RedeemUnused RedeemStatus = 1 // 未使用
	RedeemUsed   RedeemStatus = 2 // 已使用
)

// RedeemActivity 兑换活动：一批一次性兑换码的归属活动与有效期。
type RedeemActivity struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Name         string    `gorm:"size:128;uniqueIndex;not null" json:"name"`
	ItemID       uint      `gorm:"not null;index" json:"item_id"`
	ValidStartAt time.Time `gorm:"not null" json:"valid_start_at"`
	ValidEndAt   time.Time `gorm:"not null" json:"valid_end_at"`
}

func (RedeemActivity) TableName() string { return "redeem_activities" }

// Redeem 一次性兑换码。UNUSED→USED 是唯一允许的消耗迁移，
// 并发消耗只允许一个赢家；device/use_at 只在 USED 期间有值。
type Redeem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Code       string       `gorm:"size:16;uniqueIndex;not null" json:"code"`
	ActivityID uint         `gorm:"not null;index" json:"activity_id"`
	Status     RedeemStatus `gorm:"not null;default:1;index" json:"status"`
	UserID     *uint        `gorm:"index" json:"user_id,omitempty"`
	DeviceID   *uint        `gorm:"index" json:"device_id,omitempty"`
	UseAt      *time.Time   `json:"use_at"`

	Activity *RedeemActivity `gorm:"foreignKey:ActivityID" json:"activity,omitempty"`
}

func (Redeem) TableName() string { return "redeems" }

// VoiceActivity 口令活动：共享口令，多人可用，受 limit 约束。
type VoiceActivity struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Code         string    `gorm:"size:64;not null;index" json:"code"`
	ItemID       uint      `gorm:"not null;index" json:"item_id"`
	Limit        int       `gorm:"not null;default:0" json:"limit"` // 兑换上限；0 表示不限
	ValidStartAt time.Time `gorm:"not null" json:"valid_start_at"`
	ValidEndAt   time.Time `gorm:"not null" json:"valid_end_at"`
}

func (VoiceActivity) TableName() string { return "voice_activities" }

// VoiceUse 口令使用记录，追加写；"退还"即删除记录本身，
// 没有共享可变状态。
type VoiceUse struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ActivityID uint      `gorm:"not null;index" json:"activity_id"`
	DeviceID   uint      `gorm:"not null;index" json:"device_id"`
	UserID     *uint     `gorm:"index" json:"user_id,omitempty"`
	UseAt      time.Time `gorm:"not null" json:"use_at"`
}

func (VoiceUse) TableName() string { return "voice_uses" }

// AllModels 建表清单，供启动时 AutoMigrate。
func AllModels() []any {
	return []any{
		&Device{}, &Road{}, &Item{}, &User{},
		&RedeemActivity{}, &Redeem{}, &VoiceActivity{}, &VoiceUse{},
		&Order{},
	}
}
