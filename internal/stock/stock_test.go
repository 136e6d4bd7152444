package stock

import (
	"sync"
	"testing"

	"invbox/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// recordNotifier 记录收到的通知供断言。
type recordNotifier struct {
	mu        sync.Mutex
	stockouts []string // device no
	lowStocks []string // device no + "/" + road no
	supplies  []int
}

func (n *recordNotifier) NotifyStockout(device *model.Device) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stockouts = append(n.stockouts, device.No)
}

func (n *recordNotifier) NotifyLowStock(device *model.Device, road *model.Road) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lowStocks = append(n.lowStocks, device.No+"/"+road.No)
}

func (n *recordNotifier) NotifySupply(device *model.Device, road *model.Road, amount int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.supplies = append(n.supplies, amount)
}

type stockEnv struct {
	db     *gorm.DB
	mgr    *Manager
	rec    *recordNotifier
	device *model.Device
	road   *model.Road
}

func newStockEnv(t *testing.T, amount, lowerLimit int) *stockEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))

	device := &model.Device{No: "VM001", Name: "一号机"}
	require.NoError(t, db.Create(device).Error)
	road := &model.Road{
		No:         "1",
		DeviceID:   device.ID,
		Amount:     amount,
		UpperLimit: 10,
		LowerLimit: lowerLimit,
	}
	require.NoError(t, db.Create(road).Error)

	rec := &recordNotifier{}
	return &stockEnv{db: db, mgr: NewManager(db, rec), rec: rec, device: device, road: road}
}

func (env *stockEnv) roadAmount(t *testing.T) int {
	t.Helper()
	var road model.Road
	require.NoError(t, env.db.First(&road, env.road.ID).Error)
	return road.Amount
}

func (env *stockEnv) deviceStockout(t *testing.T) bool {
	t.Helper()
	var device model.Device
	require.NoError(t, env.db.First(&device, env.device.ID).Error)
	return device.IsStockout
}

func TestDecrStopsAtZero(t *testing.T) {
	env := newStockEnv(t, 1, 0)

	require.NoError(t, env.mgr.Decr(env.road.ID))
	assert.Equal(t, 0, env.roadAmount(t))

	// 已经是 0 再扣是 no-op，不产生负库存。
	require.NoError(t, env.mgr.Decr(env.road.ID))
	assert.Equal(t, 0, env.roadAmount(t))
}

func TestIncrCapsAtUpperLimit(t *testing.T) {
	env := newStockEnv(t, 8, 0)

	require.NoError(t, env.mgr.Incr(env.road.ID, 5))
	assert.Equal(t, 10, env.roadAmount(t))
	assert.Equal(t, []int{5}, env.rec.supplies)

	require.Error(t, env.mgr.Incr(env.road.ID, 0))
}

func TestStockoutFlipIsEdgeTriggered(t *testing.T) {
	env := newStockEnv(t, 4, 3)

	// 4→3 触达警戒线：设备翻为缺货，恰好一次警报。
	require.NoError(t, env.mgr.Decr(env.road.ID))
	assert.True(t, env.deviceStockout(t))
	assert.Equal(t, []string{"VM001"}, env.rec.stockouts)
	assert.Equal(t, []string{"VM001/1"}, env.rec.lowStocks)

	// 3→2 仍缺货：标记不再翻转，缺货警报不重复。
	require.NoError(t, env.mgr.Decr(env.road.ID))
	assert.True(t, env.deviceStockout(t))
	assert.Len(t, env.rec.stockouts, 1)
	// 货道级预警跟随每次触线变更。
	assert.Len(t, env.rec.lowStocks, 2)

	// 补货越过警戒线：缺货标记清除，无新增缺货警报。
	require.NoError(t, env.mgr.Incr(env.road.ID, 6))
	assert.False(t, env.deviceStockout(t))
	assert.Len(t, env.rec.stockouts, 1)
}

func TestStockoutAggregatesRoads(t *testing.T) {
	env := newStockEnv(t, 5, 0)

	// 第二条货道已经在警戒线下，设备在任何变更后都应被标记缺货。
	other := &model.Road{No: "2", DeviceID: env.device.ID, Amount: 0, UpperLimit: 10, LowerLimit: 1}
	require.NoError(t, env.db.Create(other).Error)

	require.NoError(t, env.mgr.Decr(env.road.ID))
	assert.True(t, env.deviceStockout(t))

	// 触发货道自身没触线，不发货道级预警。
	assert.Empty(t, env.rec.lowStocks)
}
