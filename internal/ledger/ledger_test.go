package ledger

import (
	"sync"
	"testing"
	"time"

	"invbox/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))

	return New(db), db
}

func seedRedeem(t *testing.T, db *gorm.DB, code string, start, end time.Time) *model.Redeem {
	t.Helper()
	avt := &model.RedeemActivity{Name: "活动-" + code, ValidStartAt: start, ValidEndAt: end}
	require.NoError(t, db.Create(avt).Error)
	redeem := &model.Redeem{Code: code, ActivityID: avt.ID, Status: model.RedeemUnused}
	require.NoError(t, db.Create(redeem).Error)
	return redeem
}

func TestCheckAndGetRedeem(t *testing.T) {
	l, db := newTestLedger(t)
	now := time.Now()
	seedRedeem(t, db, "GOOD", now.Add(-time.Hour), now.Add(time.Hour))
	seedRedeem(t, db, "OLD1", now.Add(-48*time.Hour), now.Add(-24*time.Hour))

	got, err := l.CheckAndGetRedeem("GOOD")
	require.NoError(t, err)
	assert.Equal(t, "GOOD", got.Code)

	_, err = l.CheckAndGetRedeem("NOPE")
	assert.ErrorIs(t, err, ErrRedeemUnknown)

	_, err = l.CheckAndGetRedeem("OLD1")
	assert.ErrorIs(t, err, ErrRedeemExpired)
}

func TestCostAndRevertRedeem(t *testing.T) {
	l, db := newTestLedger(t)
	now := time.Now()
	redeem := seedRedeem(t, db, "CODE", now.Add(-time.Hour), now.Add(time.Hour))

	ok, err := l.CostRedeem(7, redeem)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.RedeemUsed, redeem.Status)
	require.NotNil(t, redeem.DeviceID)
	assert.Equal(t, uint(7), *redeem.DeviceID)
	assert.NotNil(t, redeem.UseAt)

	// 已使用的码校验失败、重复消耗失败。
	_, err = l.CheckAndGetRedeem("CODE")
	assert.ErrorIs(t, err, ErrRedeemUsed)
	ok, err = l.CostRedeem(8, redeem)
	require.NoError(t, err)
	assert.False(t, ok)

	// 归还后回到可用状态，设备与时间清空。
	ok, err = l.RevertRedeem(redeem)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.RedeemUnused, redeem.Status)
	assert.Nil(t, redeem.DeviceID)
	assert.Nil(t, redeem.UseAt)

	// 重复归还是 no-op。
	ok, err = l.RevertRedeem(redeem)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCostRedeemSingleWinner(t *testing.T) {
	l, db := newTestLedger(t)
	now := time.Now()
	redeem := seedRedeem(t, db, "RACE", now.Add(-time.Hour), now.Add(time.Hour))

	const workers = 10
	var wg sync.WaitGroup
	wins := make(chan uint, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(deviceID uint) {
			defer wg.Done()
			r := *redeem
			ok, err := l.CostRedeem(deviceID, &r)
			if err == nil && ok {
				wins <- deviceID
			}
		}(uint(i + 1))
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1)
}

func TestVoiceActivity(t *testing.T) {
	l, db := newTestLedger(t)
	now := time.Now()

	avt := &model.VoiceActivity{
		Code:         "芝麻开门",
		Limit:        2,
		ValidStartAt: now.Add(-time.Hour),
		ValidEndAt:   now.Add(time.Hour),
	}
	require.NoError(t, db.Create(avt).Error)

	got, err := l.CheckVoiceActivity("芝麻开门")
	require.NoError(t, err)
	require.NotNil(t, got)

	missing, err := l.CheckVoiceActivity("不存在")
	require.NoError(t, err)
	assert.Nil(t, missing)

	use1, err := l.CostVoiceCode(nil, 1, got)
	require.NoError(t, err)
	_, err = l.CostVoiceCode(nil, 1, got)
	require.NoError(t, err)

	// 达到配额后拒绝。
	_, err = l.CostVoiceCode(nil, 1, got)
	assert.ErrorIs(t, err, ErrVoiceLimit)

	// 收回一笔后配额恢复。
	require.NoError(t, l.RevertVoiceCode(use1.ID))
	_, err = l.CostVoiceCode(nil, 2, got)
	require.NoError(t, err)
}
