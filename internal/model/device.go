package model

import "time"

// FaultType 货道故障类型。
type FaultType int

const (
	FaultNone         FaultType = 0 // 无故障
	FaultDeliverError FaultType = 1 // 出货异常
)

// Device 售货机设备。is_stockout 是设备级聚合标记：
// 任意货道库存 ≤ 警戒值即视为缺货，只在状态翻转时落库。
type Device struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	No         string    `gorm:"size:32;uniqueIndex;not null" json:"no"`
	Name       string    `gorm:"size:128;not null" json:"name"`
	Address    string    `gorm:"size:256" json:"address"`
	IsStockout bool      `gorm:"not null;default:false;index" json:"is_stockout"`
	StockoutAt time.Time `json:"stockout_at"`

	Roads []Road `gorm:"foreignKey:DeviceID" json:"roads,omitempty"`
}

func (Device) TableName() string { return "devices" }

// Road 货道：设备上的一条出货通道，绑定至多一种商品，
// 库存数保持在 [0, upper_limit] 内。
type Road struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	No         string     `gorm:"size:8;not null;index:idx_device_road,unique" json:"no"`
	DeviceID   uint       `gorm:"not null;index:idx_device_road,unique" json:"device_id"`
	ItemID     *uint      `gorm:"index" json:"item_id,omitempty"`
	Amount     int        `gorm:"not null;default:0" json:"amount"`
	UpperLimit int        `gorm:"not null;default:10" json:"upper_limit"`
	LowerLimit int        `gorm:"not null;default:0" json:"lower_limit"` // 低于等于该值触发补货警报
	Price      int64      `gorm:"not null;default:0" json:"price"`       // 出售价；0 表示用商品建议价
	Fault      FaultType  `gorm:"not null;default:0;index" json:"fault"`
	FaultAt    *time.Time `json:"fault_at"`

	Item *Item `gorm:"foreignKey:ItemID" json:"item,omitempty"`
}

func (Road) TableName() string { return "roads" }

// SalePrice 货道实际售价：优先货道定价，其次商品建议价。
func (r *Road) SalePrice() int64 {
	if r.Price > 0 {
		return r.Price
	}
	if r.Item != nil {
		return r.Item.BasicPrice
	}
	return 0
}
