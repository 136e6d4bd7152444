// Package pay 抽象支付方式。每种方式实现同一能力集
// {Precreate, QueryTrade, Refund}，订单创建时选定并随订单存储，
// 之后所有支付操作都按订单上的类型分发。
//
// 约定：网关调用带有界超时；远端业务性失败（下单被拒、无此交易）
// 返回 (nil, nil) 表示"空结果"，只有传输层错误才返回 error——
// 两者对引擎都是"这轮没拿到结果，下轮扫描再试"。
package pay

import (
	"context"

	"invbox/internal/model"
)

// ItemInfo 下单时传给网关的商品信息。
type ItemInfo struct {
	ID   uint
	Name string
}

// DeviceInfo 下单时传给网关的设备信息。
type DeviceInfo struct {
	ID uint
	No string
}

// PrecreateResult 第三方下单结果。
type PrecreateResult struct {
	CodeURL  string // 支付二维码链接
	PrepayID string // 微信返回的预支付单号，其它渠道为空
}

// TradeInfo 远端交易状态查询结果。
type TradeInfo struct {
	PayStatus   model.PayStatus
	PayMoney    int64 // 分
	RefundMoney int64 // 分
	Buyer       string
}

// RefundResult 退款结果。
type RefundResult struct {
	RefundMoney int64 // 分
}

// Method 一种支付方式。
type Method interface {
	Precreate(ctx context.Context, orderNo string, price int64, notifyURL string, item ItemInfo, device DeviceInfo) (*PrecreateResult, error)
	QueryTrade(ctx context.Context, orderNo string) (*TradeInfo, error)
	Refund(ctx context.Context, orderNo string, money int64) (*RefundResult, error)
}

// Manager 按订单的支付类型分发到对应 Method。
// 进程启动时构造一次并显式注入，不做惰性全局状态。
type Manager struct {
	methods map[model.PayType]Method
}

func NewManager() *Manager {
	return &Manager{methods: make(map[model.PayType]Method)}
}

// Register 注册一种支付方式。
func (m *Manager) Register(t model.PayType, method Method) {
	m.methods[t] = method
}

// Method 返回注册的支付方式，未注册返回 nil。
func (m *Manager) Method(t model.PayType) Method {
	return m.methods[t]
}

// Precreate 未注册的类型视作空结果。
func (m *Manager) Precreate(ctx context.Context, t model.PayType, orderNo string, price int64, notifyURL string, item ItemInfo, device DeviceInfo) (*PrecreateResult, error) {
	method := m.methods[t]
	if method == nil {
		return nil, nil
	}
	return method.Precreate(ctx, orderNo, price, notifyURL, item, device)
}

func (m *Manager) QueryTrade(ctx context.Context, t model.PayType, orderNo string) (*TradeInfo, error) {
	method := m.methods[t]
	if method == nil {
		return nil, nil
	}
	return method.QueryTrade(ctx, orderNo)
}

func (m *Manager) Refund(ctx context.Context, t model.PayType, orderNo string, money int64) (*RefundResult, error) {
	method := m.methods[t]
	if method == nil {
		return nil, nil
	}
	return method.Refund(ctx, orderNo, money)
}
