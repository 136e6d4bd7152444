package model

import "time"

// User 购买用户，由支付渠道返回的买家标识惰性建档。
type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Username   string     `gorm:"size:64;uniqueIndex;not null" json:"username"`
	Mobile     string     `gorm:"size:16;index" json:"mobile"`
	WXUserID   string     `gorm:"size:64;index" json:"wx_user_id"`
	AliUserID  string     `gorm:"size:64;index" json:"ali_user_id"`
	FirstBuyAt *time.Time `json:"first_buy_at"`
	LastBuyAt  *time.Time `json:"last_buy_at"`
}

func (User) TableName() string { return "users" }
