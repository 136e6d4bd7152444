// Package order 实现订单状态机：创建、支付对账（轮询+回调收敛）、
// 超时检测、出货结果处理与退款编排。
//
// 订单行被集群内多个节点共享，除了条件更新没有任何应用层锁：
// 每次状态迁移都是 "UPDATE ... WHERE id=? AND status=期望态"，
// 影响行数为 0 一律视作"竞争输了，别人已推进"，按成功 no-op 处理，
// 然后重读行而不是相信内存里的旧副本。
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"invbox/internal/model"
	"invbox/internal/pay"
	"invbox/internal/stock"

	"gorm.io/gorm"
)

// ErrPriceInvalid 创建订单时金额非正。
var ErrPriceInvalid = errors.New("金额异常")

// Config 订单引擎的超时参数。
type Config struct {
	PayWaitTimeout time.Duration // 创建后超过该时长未支付则关单
	DeliverTimeout time.Duration // 支付后超过该时长未出货视为出货超时
	GatewayTimeout time.Duration // 单次网关调用上限
}

type Engine struct {
	db    *gorm.DB
	pay   *pay.Manager
	stock *stock.Manager
	cfg   Config
}

func NewEngine(db *gorm.DB, payMgr *pay.Manager, stockMgr *stock.Manager, cfg Config) *Engine {
	return &Engine{db: db, pay: payMgr, stock: stockMgr, cfg: cfg}
}

// Create 创建订单：金额 = 货道售价 × 数量，非正金额直接拒绝。
// 订单号只是接近唯一，撞到唯一索引就换号重试。
func (e *Engine) Create(road *model.Road, amount int, payType model.PayType) (*model.Order, error) {
	price := road.SalePrice() * int64(amount)
	if price <= 0 {
		return nil, fmt.Errorf("%w <price=%d>", ErrPriceInvalid, price)
	}
	if road.ItemID == nil {
		return nil, fmt.Errorf("road %d has no item bound", road.ID)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		order := &model.Order{
			No:         model.GenerateOrderNo(),
			DeviceID:   road.DeviceID,
			RoadID:     road.ID,
			ItemID:     *road.ItemID,
			ItemAmount: amount,
			Price:      price,
			PayType:    payType,
			PayStatus:  model.PayUnpay,
			Status:     model.OrderCreated,
		}
		if err := e.db.Create(order).Error; err != nil {
			if errorsLikeUnique(err) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("create order: %w", err)
		}
		log.Printf("[order](%s) 创建成功", order.No)
		return order, nil
	}
	return nil, fmt.Errorf("create order: order no collision: %w", lastErr)
}

// Get 按订单号取订单。
func (e *Engine) Get(orderNo string) (*model.Order, error) {
	var order model.Order
	if err := e.db.Where("no = ?", orderNo).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// RefreshPayStatus 向网关查询远端支付状态并收敛本地状态。
// 远端无结果或与本地一致都是 no-op，重复调用不产生额外迁移。
func (e *Engine) RefreshPayStatus(ctx context.Context, o *model.Order) error {
	gwCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	defer cancel()

	info, err := e.pay.QueryTrade(gwCtx, o.PayType, o.No)
	if err != nil {
		return fmt.Errorf("query trade: %w", err)
	}
	if info == nil || info.PayStatus == o.PayStatus {
		return nil
	}

	switch {
	case info.PayStatus == model.PayPaid && o.Status == model.OrderCreated:
		return e.PaySuccess(o, info.PayMoney, o.PayType, info.Buyer, nil, nil)
	case info.PayStatus == model.PayClosed && o.Status == model.OrderCreated:
		return e.PayFail(o)
	case info.PayStatus == model.PayRefund:
		return e.RefundSuccess(o, info.RefundMoney)
	}
	return nil
}

// PaySuccess 支付成功：仅当本地仍是 CREATED 时生效，进入出货中。
// redeemID/voiceUseID 由兑换流程传入，网关流程传 nil。
func (e *Engine) PaySuccess(o *model.Order, money int64, payType model.PayType, buyer string, redeemID, voiceUseID *uint) error {
	updates := map[string]any{
		"pay_money":  money,
		"pay_status": model.PayPaid,
		"pay_type":   payType,
		"status":     model.OrderDelivering,
		"pay_at":     time.Now(),
	}
	if redeemID != nil {
		updates["redeem_id"] = *redeemID
	}
	if voiceUseID != nil {
		updates["voice_use_id"] = *voiceUseID
	}

	won, err := e.transition(o, model.OrderCreated, updates)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	log.Printf("[order](%s) 支付成功 %s:%s", o.No, payType, buyer)

	// 购买用户建档是旁路逻辑，失败只记日志。
	if err := e.recordBuyer(o, buyer, payType); err != nil {
		log.Printf("[order](%s) record buyer: %v", o.No, err)
	}
	return nil
}

// PayFail 远端支付关闭：CREATED→CLOSED。
func (e *Engine) PayFail(o *model.Order) error {
	won, err := e.transition(o, model.OrderCreated, map[string]any{
		"status": model.OrderClosed,
	})
	if err != nil {
		return err
	}
	if won {
		log.Printf("[order](%s) 支付失败", o.No)
	}
	return nil
}

// CheckPayTimeout 创建后长时间未支付则关闭订单。
func (e *Engine) CheckPayTimeout(o *model.Order) error {
	if err := e.reload(o); err != nil {
		return err
	}
	if o.Status != model.OrderCreated {
		return nil
	}

	elapsed := time.Since(o.CreatedAt)
	if elapsed <= e.cfg.PayWaitTimeout {
		return nil
	}

	won, err := e.transition(o, model.OrderCreated, map[string]any{
		"status": model.OrderClosed,
	})
	if err != nil {
		return err
	}
	if won {
		log.Printf("[order](%s) 支付超时，超时%d秒", o.No, int(elapsed.Seconds()))
	}
	return nil
}

// PayInitFail 第三方支付下单失败，订单直接关闭。
func (e *Engine) PayInitFail(o *model.Order) error {
	log.Printf("[order](%s) 支付初始化失败", o.No)
	_, err := e.transition(o, model.OrderCreated, map[string]any{
		"status": model.OrderClosed,
	})
	return err
}

// PayInitOK 第三方支付下单成功。
func (e *Engine) PayInitOK(o *model.Order) error {
	log.Printf("[order](%s) 支付初始化成功", o.No)
	return nil
}

// SetQRCodeURL 记录下单返回的支付二维码链接（非状态字段）。
func (e *Engine) SetQRCodeURL(o *model.Order, url string) error {
	if err := e.db.Model(&model.Order{}).Where("id = ?", o.ID).
		Update("qrcode_url", url).Error; err != nil {
		return fmt.Errorf("set qrcode url: %w", err)
	}
	return e.reload(o)
}

// DeliverSuccess 出货成功：DELIVERING→DONE，并扣减货道库存。
func (e *Engine) DeliverSuccess(o *model.Order) error {
	won, err := e.transition(o, model.OrderDelivering, map[string]any{
		"status":     model.OrderDone,
		"deliver_at": time.Now(),
	})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	log.Printf("[order](%s) 出货成功", o.No)

	if err := e.stock.Decr(o.RoadID); err != nil {
		log.Printf("[order](%s) decrease stock: %v", o.No, err)
	}
	return nil
}

// DeliverFail 出货失败：DELIVERING→DELIVER_FAILED，立即发起退款。
func (e *Engine) DeliverFail(ctx context.Context, o *model.Order) error {
	won, err := e.transition(o, model.OrderDelivering, map[string]any{
		"status":     model.OrderDeliverFailed,
		"deliver_at": time.Now(),
	})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	log.Printf("[order](%s) 出货失败", o.No)

	return e.Refund(ctx, o)
}

// CheckDeliverTimeout 支付后长时间未出货：DELIVERING→DELIVER_TIMEOUT
// 并发起退款。
func (e *Engine) CheckDeliverTimeout(ctx context.Context, o *model.Order) error {
	if err := e.reload(o); err != nil {
		return err
	}
	if o.Status != model.OrderDelivering || o.PayAt == nil {
		return nil
	}

	elapsed := time.Since(*o.PayAt)
	if elapsed <= e.cfg.DeliverTimeout {
		return nil
	}

	won, err := e.transition(o, model.OrderDelivering, map[string]any{
		"status": model.OrderDeliverTimeout,
	})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	log.Printf("[order](%s) 出货超时，超时%d秒", o.No, int(elapsed.Seconds()))

	return e.Refund(ctx, o)
}

// Refund 发起退款，只在 DELIVER_FAILED/DELIVER_TIMEOUT 下进行。
// 按支付方式分发：兑换码归还、口令删记录（退款金额 0）、
// 网关订单走网关退款。失败保持原状，下一轮扫描或人工再触发；
// 这里没有重试上限。
func (e *Engine) Refund(ctx context.Context, o *model.Order) error {
	if err := e.reload(o); err != nil {
		return err
	}
	if o.Status != model.OrderDeliverFailed && o.Status != model.OrderDeliverTimeout {
		return nil
	}

	gwCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	defer cancel()

	res, err := e.pay.Refund(gwCtx, o.PayType, o.No, o.PayMoney)
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	if res == nil {
		log.Printf("[order](%s) 发起退款失败", o.No)
		return nil
	}

	won, err := e.transition(o, o.Status, map[string]any{
		"status":       model.OrderRefunded,
		"pay_status":   model.PayRefund,
		"refund_money": res.RefundMoney,
	})
	if err != nil {
		return err
	}
	if won {
		log.Printf("[order](%s) 发起退款成功", o.No)
	}
	return nil
}

// RefundSuccess 远端报告退款完成。幂等：已是 REFUNDED 则 no-op。
func (e *Engine) RefundSuccess(o *model.Order, money int64) error {
	if err := e.reload(o); err != nil {
		return err
	}
	if o.Status == model.OrderRefunded {
		return nil
	}

	res := e.db.Model(&model.Order{}).
		Where("id = ? AND status <> ?", o.ID, model.OrderRefunded).
		Updates(map[string]any{
			"status":       model.OrderRefunded,
			"pay_status":   model.PayRefund,
			"refund_money": money,
		})
	if res.Error != nil {
		return fmt.Errorf("refund success: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("[order](%s) 退款成功", o.No)
	}
	return e.reload(o)
}

// Sweep 扫一遍所有非终态订单：全部对账支付状态；CREATED 追加
// 支付超时检查；DELIVERING 追加出货超时检查。顺序执行，单笔
// 失败不影响其它订单。
func (e *Engine) Sweep(ctx context.Context) {
	var orders []model.Order
	if err := e.db.Where("status NOT IN ?", model.TerminalOrderStatuses).
		Find(&orders).Error; err != nil {
		log.Printf("[sweep] list orders: %v", err)
		return
	}

	for i := range orders {
		if ctx.Err() != nil {
			return
		}
		o := &orders[i]

		if err := e.RefreshPayStatus(ctx, o); err != nil {
			log.Printf("[sweep](%s) refresh pay status: %v", o.No, err)
		}

		switch o.Status {
		case model.OrderCreated:
			if err := e.CheckPayTimeout(o); err != nil {
				log.Printf("[sweep](%s) check pay timeout: %v", o.No, err)
			}
		case model.OrderDelivering:
			if err := e.CheckDeliverTimeout(ctx, o); err != nil {
				log.Printf("[sweep](%s) check deliver timeout: %v", o.No, err)
			}
		}
	}
}

// transition 单条条件更新完成状态迁移。返回是否赢得迁移；
// 无论输赢都重读订单行。
func (e *Engine) transition(o *model.Order, expect model.OrderStatus, updates map[string]any) (bool, error) {
	res := e.db.Model(&model.Order{}).
		Where("id = ? AND status = ?", o.ID, expect).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update order %s: %w", o.No, res.Error)
	}
	if err := e.reload(o); err != nil {
		return false, err
	}
	return res.RowsAffected > 0, nil
}

func (e *Engine) reload(o *model.Order) error {
	if err := e.db.First(o, o.ID).Error; err != nil {
		return fmt.Errorf("reload order %s: %w", o.No, err)
	}
	return nil
}

// recordBuyer 购买用户建档：按渠道买家标识 get-or-create，
// 维护首购/末购时间，并把用户挂到订单上。
func (e *Engine) recordBuyer(o *model.Order, buyer string, payType model.PayType) error {
	if buyer == "" {
		return nil
	}

	var user model.User
	var cond string
	switch payType {
	case model.PayTypeWX:
		cond = "wx_user_id = ?"
	case model.PayTypeAlipay:
		cond = "ali_user_id = ?"
	default:
		cond = "username = ?"
	}

	err := e.db.Where(cond, buyer).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = model.User{Username: buyer}
		switch payType {
		case model.PayTypeWX:
			user.WXUserID = buyer
		case model.PayTypeAlipay:
			user.AliUserID = buyer
		}
		if err := e.db.Create(&user).Error; err != nil {
			return fmt.Errorf("create user: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("query user: %w", err)
	}

	now := time.Now()
	updates := map[string]any{"last_buy_at": now}
	if user.FirstBuyAt == nil {
		updates["first_buy_at"] = now
	}
	if err := e.db.Model(&user).Updates(updates).Error; err != nil {
		return fmt.Errorf("update user: %w", err)
	}

	if err := e.db.Model(&model.Order{}).Where("id = ?", o.ID).
		Update("user_id", user.ID).Error; err != nil {
		return fmt.Errorf("bind order user: %w", err)
	}
	return e.reload(o)
}

// errorsLikeUnique 判断是否唯一约束冲突（sqlite/mysql 文案均覆盖）。
func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") ||
		strings.Contains(s, "Duplicate entry")
}
