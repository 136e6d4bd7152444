package model

import "time"

// Item 商品。
type Item struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	No          string `gorm:"size:32" json:"no"`
	Name        string `gorm:"size:128;uniqueIndex;not null" json:"name"`
	BasicPrice  int64  `gorm:"not null;default:0" json:"basic_price"` // 建议价，单位分
	CostPrice   int64  `gorm:"not null;default:0" json:"cost_price"`
	Description string `gorm:"size:512" json:"description"`
}

func (Item) TableName() string { return "items" }
