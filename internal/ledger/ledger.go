// Package ledger 负责兑换码与口令的消耗、退还。
// 兑换码是共享行，消耗必须是条件更新的 UNUSED→USED 迁移；
// 口令使用是追加记录，退还即删除记录，没有共享可变状态。
package ledger

import (
	"errors"
	"fmt"
	"log"
	"time"

	"invbox/internal/model"

	"gorm.io/gorm"
)

// 校验失败原因，直接面向调用方返回。
var (
	ErrRedeemUnknown = errors.New("错误兑换码")
	ErrRedeemUsed    = errors.New("兑换码已经使用")
	ErrRedeemExpired = errors.New("无效兑换码")
	ErrVoiceLimit    = errors.New("口令兑换次数已达上限")
)

type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// CheckAndGetRedeem 获取兑换码并校验有效性：
// 未知码、已使用、不在活动有效期内均返回对应失败原因。
func (l *Ledger) CheckAndGetRedeem(code string) (*model.Redeem, error) {
	var redeem model.Redeem
	err := l.db.Preload("Activity").Where("code = ?", code).First(&redeem).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRedeemUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("query redeem: %w", err)
	}

	if redeem.Status != model.RedeemUnused {
		return nil, ErrRedeemUsed
	}

	now := time.Now()
	avt := redeem.Activity
	if avt == nil || now.Before(avt.ValidStartAt) || now.After(avt.ValidEndAt) {
		return nil, ErrRedeemExpired
	}
	return &redeem, nil
}

// CostRedeem 消耗兑换码：UNUSED→USED 的条件更新，同时绑定设备与
// 使用时间。并发消耗只有一个赢家，输家得到 false。
func (l *Ledger) CostRedeem(deviceID uint, redeem *model.Redeem) (bool, error) {
	now := time.Now()
	res := l.db.Model(&model.Redeem{}).
		Where("id = ? AND status = ?", redeem.ID, model.RedeemUnused).
		Updates(map[string]any{
			"status":    model.RedeemUsed,
			"device_id": deviceID,
			"use_at":    now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("cost redeem: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := l.db.First(redeem, redeem.ID).Error; err != nil {
		return false, fmt.Errorf("reload redeem: %w", err)
	}
	log.Printf("[ledger] 扣除兑换码成功 <Redeem:%s>", redeem.Code)
	return true, nil
}

// RevertRedeem 归还兑换码：仅在 USED 状态下回退为 UNUSED，
// 其余状态是 no-op（返回 false）。
func (l *Ledger) RevertRedeem(redeem *model.Redeem) (bool, error) {
	res := l.db.Model(&model.Redeem{}).
		Where("id = ? AND status = ?", redeem.ID, model.RedeemUsed).
		Updates(map[string]any{
			"status":    model.RedeemUnused,
			"device_id": nil,
			"use_at":    nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("revert redeem: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := l.db.First(redeem, redeem.ID).Error; err != nil {
		return false, fmt.Errorf("reload redeem: %w", err)
	}
	log.Printf("[ledger] 归还兑换码成功 <Redeem:%s>", redeem.Code)
	return true, nil
}

// CheckVoiceActivity 返回当前时间命中有效期的口令活动；
// 没有命中返回 nil（不是错误）。
func (l *Ledger) CheckVoiceActivity(code string) (*model.VoiceActivity, error) {
	now := time.Now()
	var avt model.VoiceActivity
	err := l.db.Where("code = ? AND valid_start_at <= ? AND valid_end_at >= ?",
		code, now, now).First(&avt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query voice activity: %w", err)
	}
	return &avt, nil
}

// CostVoiceCode 记一笔口令使用。活动配置了 limit 时先做配额检查。
func (l *Ledger) CostVoiceCode(userID *uint, deviceID uint, avt *model.VoiceActivity) (*model.VoiceUse, error) {
	if avt.Limit > 0 {
		var used int64
		if err := l.db.Model(&model.VoiceUse{}).
			Where("activity_id = ?", avt.ID).Count(&used).Error; err != nil {
			return nil, fmt.Errorf("count voice uses: %w", err)
		}
		if used >= int64(avt.Limit) {
			return nil, ErrVoiceLimit
		}
	}

	use := &model.VoiceUse{
		ActivityID: avt.ID,
		DeviceID:   deviceID,
		UserID:     userID,
		UseAt:      time.Now(),
	}
	if err := l.db.Create(use).Error; err != nil {
		return nil, fmt.Errorf("create voice use: %w", err)
	}
	log.Printf("[ledger] 扣除口令成功 <VoiceUse:%s>", avt.Code)
	return use, nil
}

// RevertVoiceCode 收回口令：删除使用记录本身。
func (l *Ledger) RevertVoiceCode(useID uint) error {
	res := l.db.Delete(&model.VoiceUse{}, useID)
	if res.Error != nil {
		return fmt.Errorf("delete voice use: %w", res.Error)
	}
	log.Printf("[ledger] 收回口令成功 <VoiceUse:%d>", useID)
	return nil
}
