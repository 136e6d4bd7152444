package pay

// 兑换码与口令作为支付方式的变体：支付在兑换接口里同步完成，
// 没有第三方网关，这两个实现主要承担"退款"语义——把码/口令
// 还回去，退款金额恒为 0。

import (
	"context"
	"errors"
	"fmt"
	"log"

	"invbox/internal/ledger"
	"invbox/internal/model"

	"gorm.io/gorm"
)

// RedeemPay 兑换码支付。
type RedeemPay struct {
	db     *gorm.DB
	ledger *ledger.Ledger
}

func NewRedeemPay(db *gorm.DB, l *ledger.Ledger) *RedeemPay {
	return &RedeemPay{db: db, ledger: l}
}

// Precreate 无需第三方下单。
func (p *RedeemPay) Precreate(ctx context.Context, orderNo string, price int64, notifyURL string, item ItemInfo, device DeviceInfo) (*PrecreateResult, error) {
	return &PrecreateResult{}, nil
}

// QueryTrade 没有远端状态可查。
func (p *RedeemPay) QueryTrade(ctx context.Context, orderNo string) (*TradeInfo, error) {
	return nil, nil
}

// Refund 归还订单占用的兑换码。码已经不在 USED 状态（比如被
// 其它补偿流程还过）视作退款完成。
func (p *RedeemPay) Refund(ctx context.Context, orderNo string, money int64) (*RefundResult, error) {
	order, err := loadOrderByNo(p.db, orderNo)
	if err != nil {
		return nil, err
	}
	if order.RedeemID == nil {
		log.Printf("[pay](%s) 兑换码订单缺少码引用", orderNo)
		return nil, nil
	}

	var redeem model.Redeem
	if err := p.db.First(&redeem, *order.RedeemID).Error; err != nil {
		return nil, fmt.Errorf("load redeem: %w", err)
	}

	if _, err := p.ledger.RevertRedeem(&redeem); err != nil {
		return nil, err
	}
	return &RefundResult{RefundMoney: 0}, nil
}

// VoicePay 口令支付。
type VoicePay struct {
	db     *gorm.DB
	ledger *ledger.Ledger
}

func NewVoicePay(db *gorm.DB, l *ledger.Ledger) *VoicePay {
	return &VoicePay{db: db, ledger: l}
}

func (p *VoicePay) Precreate(ctx context.Context, orderNo string, price int64, notifyURL string, item ItemInfo, device DeviceInfo) (*PrecreateResult, error) {
	return &PrecreateResult{}, nil
}

func (p *VoicePay) QueryTrade(ctx context.Context, orderNo string) (*TradeInfo, error) {
	return nil, nil
}

// Refund 删除订单对应的口令使用记录。
func (p *VoicePay) Refund(ctx context.Context, orderNo string, money int64) (*RefundResult, error) {
	order, err := loadOrderByNo(p.db, orderNo)
	if err != nil {
		return nil, err
	}
	if order.VoiceUseID == nil {
		log.Printf("[pay](%s) 口令订单缺少使用记录引用", orderNo)
		return nil, nil
	}
	if err := p.ledger.RevertVoiceCode(*order.VoiceUseID); err != nil {
		return nil, err
	}
	return &RefundResult{RefundMoney: 0}, nil
}

func loadOrderByNo(db *gorm.DB, orderNo string) (*model.Order, error) {
	var order model.Order
	err := db.Where("no = ?", orderNo).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("order %s not found", orderNo)
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return &order, nil
}
