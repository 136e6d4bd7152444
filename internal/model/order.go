package model

import (
	"fmt"
	"math/rand"
	"time"
)

// OrderStatus 订单状态。状态只允许单向推进，不允许回退。
type OrderStatus int

const (
	OrderCreated        OrderStatus = 1  // 等待付款
	OrderDelivering     OrderStatus = 2  // 已付款；出货中
	OrderDone           OrderStatus = 3  // 出货成功
	OrderClosed         OrderStatus = 10 // 订单失效
	OrderDeliverFailed  OrderStatus = 11 // 出货失败，待退款
	OrderRefunded       OrderStatus = 13 // 退款完成
	OrderDeliverTimeout OrderStatus = 15 // 出货超时，待退款
)

// Terminal 终态订单不再被后台扫描驱动。
func (s OrderStatus) Terminal() bool {
	return s == OrderDone || s == OrderRefunded || s == OrderClosed
}

// TerminalOrderStatuses 供扫描查询排除终态使用。
var TerminalOrderStatuses = []OrderStatus{OrderDone, OrderRefunded, OrderClosed}

// PayStatus 支付状态。
type PayStatus int

const (
	PayUnpay  PayStatus = 1 // 未支付
	PayPaid   PayStatus = 2 // 已支付
	PayRefund PayStatus = 3 // 已退款
	PayClosed PayStatus = 4 // 支付关闭
)

// PayType 支付方式，订单创建时确定，之后不变。
type PayType int

const (
	PayTypeWX     PayType = 1 // 微信支付
	PayTypeAlipay PayType = 2 // 支付宝
	PayTypeRedeem PayType = 3 // 兑换码
	PayTypeVoice  PayType = 4 // 语音口令
)

var payTypeMsg = map[PayType]string{
	PayTypeWX:     "微信",
	PayTypeAlipay: "支付宝",
	PayTypeRedeem: "兑换码",
	PayTypeVoice:  "兑换口令",
}

func (t PayType) String() string {
	if msg, ok := payTypeMsg[t]; ok {
		return msg
	}
	return fmt.Sprintf("pay_type(%d)", int(t))
}

// Order 售货机订单。road/device/item 在创建后不可变；
// 状态字段只能由订单引擎通过条件更新推进。
type Order struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	No          string      `gorm:"size:32;uniqueIndex;not null" json:"no"`
	DeviceID    uint        `gorm:"not null;index" json:"device_id"`
	RoadID      uint        `gorm:"not null;index" json:"road_id"`
	ItemID      uint        `gorm:"not null;index" json:"item_id"`
	ItemAmount  int         `gorm:"not null;default:1" json:"item_amount"`
	Price       int64       `gorm:"not null" json:"price"`      // 订单金额，单位分
	PayMoney    int64       `gorm:"not null;default:0" json:"pay_money"` // 实付金额
	PayType     PayType     `gorm:"not null;index" json:"pay_type"`
	PayStatus   PayStatus   `gorm:"not null;index" json:"pay_status"`
	Status      OrderStatus `gorm:"not null;index" json:"status"`
	RefundMoney int64       `gorm:"not null;default:0" json:"refund_money"`
	RedeemID    *uint       `gorm:"index" json:"redeem_id,omitempty"`    // 兑换码支付时引用
	VoiceUseID  *uint       `gorm:"index" json:"voice_use_id,omitempty"` // 口令支付时引用
	UserID      *uint       `gorm:"index" json:"user_id,omitempty"`
	QRCodeURL   string      `gorm:"size:512" json:"qrcode_url"`
	PayAt       *time.Time  `json:"pay_at"`
	DeliverAt   *time.Time  `json:"deliver_at"`
}

func (Order) TableName() string { return "orders" }

// GenerateOrderNo 生成订单号：6位日期 + 6位微秒 + 2位随机数。
// 只做到"接近唯一"，真正的唯一性由订单表的唯一索引兜底，冲突由调用方重试。
func GenerateOrderNo() string {
	now := time.Now()
	return now.Format("060102") +
		fmt.Sprintf("%06d", now.Nanosecond()/1000) +
		fmt.Sprintf("%d", 10+rand.Intn(90))
}
