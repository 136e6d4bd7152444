// Package stock 负责货道库存的有界增减与设备缺货标记维护。
// 库存变更和缺货重估在同一个事务内完成，进程在两步之间崩溃
// 不会留下"库存已变、标记未变"的中间态。
package stock

import (
	"fmt"
	"log"
	"time"

	"invbox/internal/model"
	"invbox/internal/notify"

	"gorm.io/gorm"
)

type Manager struct {
	db       *gorm.DB
	notifier notify.Notifier
}

func NewManager(db *gorm.DB, notifier notify.Notifier) *Manager {
	return &Manager{db: db, notifier: notifier}
}

// alerts 事务内算出的告警，提交后才发出。
type alerts struct {
	device        model.Device
	trigger       model.Road
	flippedOut    bool // 设备缺货标记翻转为 true
	lowStock      bool // 触发货道触达警戒线（边沿，不重复报）
	supplied      int  // >0 表示是一次补货
	skipStockout  bool
}

// Decr 出货扣减：库存不足 1 时 no-op，否则减一并重估缺货。
func (m *Manager) Decr(roadID uint) error {
	return m.mutate(roadID, func(tx *gorm.DB, road *model.Road) (bool, error) {
		res := tx.Model(&model.Road{}).
			Where("id = ? AND amount >= 1", roadID).
			UpdateColumn("amount", gorm.Expr("amount - 1"))
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected == 0 {
			// 已经是 0，不允许出现负库存。
			return false, nil
		}
		return true, nil
	}, 0)
}

// Incr 补货：库存增加 n，封顶 upper_limit，然后重估缺货。
func (m *Manager) Incr(roadID uint, n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid supply amount %d", n)
	}
	return m.mutate(roadID, func(tx *gorm.DB, road *model.Road) (bool, error) {
		res := tx.Model(&model.Road{}).
			Where("id = ?", roadID).
			UpdateColumn("amount", gorm.Expr("MIN(amount + ?, upper_limit)", n))
		if res.Error != nil {
			return false, res.Error
		}
		return true, nil
	}, n)
}

// mutate 执行库存变更并在同一事务内重估设备缺货状态，
// 提交后再发通知。
func (m *Manager) mutate(roadID uint, change func(tx *gorm.DB, road *model.Road) (bool, error), supplied int) error {
	var a alerts

	err := m.db.Transaction(func(tx *gorm.DB) error {
		var road model.Road
		if err := tx.First(&road, roadID).Error; err != nil {
			return fmt.Errorf("load road: %w", err)
		}

		changed, err := change(tx, &road)
		if err != nil {
			return fmt.Errorf("mutate road %d: %w", roadID, err)
		}
		if !changed {
			a.skipStockout = true
			return nil
		}

		if err := tx.First(&road, roadID).Error; err != nil {
			return fmt.Errorf("reload road: %w", err)
		}
		a.trigger = road
		a.supplied = supplied

		return m.checkStockout(tx, road.DeviceID, &a)
	})
	if err != nil {
		return err
	}
	if a.skipStockout {
		return nil
	}

	log.Printf("[device](%d-%s) 库存变更，当前库存%d", a.device.ID, a.trigger.No, a.trigger.Amount)
	m.fire(&a)
	return nil
}

// checkStockout 重估设备缺货聚合标记：任意货道 ≤ 警戒值即缺货。
// 只在布尔值翻转时落库（条件更新，输掉竞争就不再报警）。
func (m *Manager) checkStockout(tx *gorm.DB, deviceID uint, a *alerts) error {
	var device model.Device
	if err := tx.First(&device, deviceID).Error; err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	var roads []model.Road
	if err := tx.Where("device_id = ?", deviceID).Find(&roads).Error; err != nil {
		return fmt.Errorf("load roads: %w", err)
	}

	isStockout := false
	for _, r := range roads {
		if r.Amount <= r.LowerLimit {
			isStockout = true
			break
		}
	}

	// 货道级预警只跟着本次变更走：触发货道此刻 ≤ 警戒线才报，
	// 后台扫描不会反复报警。
	a.lowStock = a.trigger.Amount <= a.trigger.LowerLimit

	if isStockout != device.IsStockout {
		res := tx.Model(&model.Device{}).
			Where("id = ? AND is_stockout = ?", device.ID, device.IsStockout).
			Updates(map[string]any{
				"is_stockout": isStockout,
				"stockout_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("flip stockout: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			a.flippedOut = isStockout
			if isStockout {
				log.Printf("[device](%s) 标记为缺货", device.No)
			} else {
				log.Printf("[device](%s) 取消缺货标记", device.No)
			}
			device.IsStockout = isStockout
		}
	}

	a.device = device
	return nil
}

// fire 提交后发出通知，全部 fire-and-forget。
func (m *Manager) fire(a *alerts) {
	if a.supplied > 0 {
		m.notifier.NotifySupply(&a.device, &a.trigger, a.supplied)
	}
	if a.flippedOut {
		m.notifier.NotifyStockout(&a.device)
	}
	if a.lowStock {
		m.notifier.NotifyLowStock(&a.device, &a.trigger)
	}
}
