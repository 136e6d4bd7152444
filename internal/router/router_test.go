package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"invbox/internal/config"
	"invbox/internal/ledger"
	"invbox/internal/model"
	"invbox/internal/notify"
	"invbox/internal/order"
	"invbox/internal/pay"
	"invbox/internal/stock"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))

	ldg := ledger.New(db)
	stockMgr := stock.NewManager(db, notify.Nop{})
	payMgr := pay.NewManager()
	payMgr.Register(model.PayTypeRedeem, pay.NewRedeemPay(db, ldg))
	payMgr.Register(model.PayTypeVoice, pay.NewVoicePay(db, ldg))

	engine := order.NewEngine(db, payMgr, stockMgr, order.Config{
		PayWaitTimeout: 150 * time.Second,
		DeliverTimeout: 120 * time.Second,
		GatewayTimeout: time.Second,
	})

	r := gin.New()
	Setup(r, Deps{
		DB:     db,
		// 连不上的 Redis：限流中间件出错即放行，不干扰用例。
		RDB:    rd.NewClient(&rd.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond}),
		Engine: engine,
		Pay:    payMgr,
		Ledger: ldg,
		Stock:  stockMgr,
		Cfg: config.AppConfig{
			OrderRateLimit:  1000,
			OrderRateWindow: time.Second,
			NotifyBaseURL:   "http://localhost:8080",
		},
	})
	return r, db
}

func seedDeviceRoad(t *testing.T, db *gorm.DB) (*model.Device, *model.Road, *model.Item) {
	t.Helper()
	item := &model.Item{Name: "矿泉水", BasicPrice: 500}
	require.NoError(t, db.Create(item).Error)
	device := &model.Device{No: "VM001", Name: "一号机"}
	require.NoError(t, db.Create(device).Error)
	road := &model.Road{No: "1", DeviceID: device.ID, ItemID: &item.ID, Amount: 5, UpperLimit: 10}
	require.NoError(t, db.Create(road).Error)
	return device, road, item
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateOrderGatewayUnavailable(t *testing.T) {
	r, db := newTestRouter(t)
	seedDeviceRoad(t, db)

	// 微信网关未注册：订单创建后立即关闭。
	w := doJSON(t, r, http.MethodPost, "/api/orders", gin.H{
		"device_no": "VM001", "road_no": "1", "pay_type": 1,
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var o model.Order
	require.NoError(t, db.First(&o).Error)
	assert.Equal(t, model.OrderClosed, o.Status)
}

func TestCreateOrderValidation(t *testing.T) {
	r, db := newTestRouter(t)
	_, road, _ := seedDeviceRoad(t, db)

	// 未知设备
	w := doJSON(t, r, http.MethodPost, "/api/orders", gin.H{
		"device_no": "NOPE", "road_no": "1", "pay_type": 1,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 不支持的支付方式
	w = doJSON(t, r, http.MethodPost, "/api/orders", gin.H{
		"device_no": "VM001", "road_no": "1", "pay_type": 9,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 货道故障
	require.NoError(t, db.Model(road).Update("fault", model.FaultDeliverError).Error)
	w = doJSON(t, r, http.MethodPost, "/api/orders", gin.H{
		"device_no": "VM001", "road_no": "1", "pay_type": 1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportDeliverRejectsDuplicate(t *testing.T) {
	r, db := newTestRouter(t)
	_, road, _ := seedDeviceRoad(t, db)

	// 直接种一个出货中的订单。
	now := time.Now()
	o := &model.Order{
		No: model.GenerateOrderNo(), DeviceID: road.DeviceID, RoadID: road.ID,
		ItemID: *road.ItemID, ItemAmount: 1, Price: 500, PayMoney: 500,
		PayType: model.PayTypeWX, PayStatus: model.PayPaid,
		Status: model.OrderDelivering, PayAt: &now,
	}
	require.NoError(t, db.Create(o).Error)

	w := doJSON(t, r, http.MethodPost, "/api/orders/"+o.No+"/deliver", gin.H{"success": true})
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, db.First(o, o.ID).Error)
	assert.Equal(t, model.OrderDone, o.Status)

	// 重复上报被拒。
	w = doJSON(t, r, http.MethodPost, "/api/orders/"+o.No+"/deliver", gin.H{"success": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 库存只扣了一次。
	var got model.Road
	require.NoError(t, db.First(&got, road.ID).Error)
	assert.Equal(t, 4, got.Amount)
}

func TestExchangeRedeem(t *testing.T) {
	r, db := newTestRouter(t)
	_, _, item := seedDeviceRoad(t, db)

	now := time.Now()
	avt := &model.RedeemActivity{
		Name: "活动", ItemID: item.ID,
		ValidStartAt: now.Add(-time.Hour), ValidEndAt: now.Add(time.Hour),
	}
	require.NoError(t, db.Create(avt).Error)
	redeem := &model.Redeem{Code: "ABCD1234", ActivityID: avt.ID, Status: model.RedeemUnused}
	require.NoError(t, db.Create(redeem).Error)

	w := doJSON(t, r, http.MethodPost, "/api/exchange/redeem", gin.H{
		"device_no": "VM001", "code": "ABCD1234",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 码被消耗、订单直接进入出货中。
	require.NoError(t, db.First(redeem, redeem.ID).Error)
	assert.Equal(t, model.RedeemUsed, redeem.Status)

	var o model.Order
	require.NoError(t, db.First(&o).Error)
	assert.Equal(t, model.OrderDelivering, o.Status)
	assert.Equal(t, model.PayTypeRedeem, o.PayType)
	require.NotNil(t, o.RedeemID)

	// 同一个码不能兑换两次。
	w = doJSON(t, r, http.MethodPost, "/api/exchange/redeem", gin.H{
		"device_no": "VM001", "code": "ABCD1234",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExchangeVoice(t *testing.T) {
	r, db := newTestRouter(t)
	_, _, item := seedDeviceRoad(t, db)

	now := time.Now()
	avt := &model.VoiceActivity{
		Code: "芝麻开门", ItemID: item.ID, Limit: 1,
		ValidStartAt: now.Add(-time.Hour), ValidEndAt: now.Add(time.Hour),
	}
	require.NoError(t, db.Create(avt).Error)

	w := doJSON(t, r, http.MethodPost, "/api/exchange/voice", gin.H{
		"device_no": "VM001", "code": "芝麻开门",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var o model.Order
	require.NoError(t, db.First(&o).Error)
	assert.Equal(t, model.OrderDelivering, o.Status)
	require.NotNil(t, o.VoiceUseID)

	// 口令配额用尽。
	w = doJSON(t, r, http.MethodPost, "/api/exchange/voice", gin.H{
		"device_no": "VM001", "code": "芝麻开门",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 无效口令。
	w = doJSON(t, r, http.MethodPost, "/api/exchange/voice", gin.H{
		"device_no": "VM001", "code": "不存在",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSupplyRoad(t *testing.T) {
	r, db := newTestRouter(t)
	_, road, _ := seedDeviceRoad(t, db)

	w := doJSON(t, r, http.MethodPost, "/api/roads/1/supply", gin.H{"amount": 20})
	require.Equal(t, http.StatusOK, w.Code)

	// 封顶 upper_limit。
	var got model.Road
	require.NoError(t, db.First(&got, road.ID).Error)
	assert.Equal(t, 10, got.Amount)
}

func TestAlipayNotifyAck(t *testing.T) {
	r, _ := newTestRouter(t)

	// 回调只是触发器：未知订单号照样 ack，状态以主动查单为准。
	req := httptest.NewRequest(http.MethodPost, "/api/pay/notify/alipay", bytes.NewBufferString("out_trade_no=unknown"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", w.Body.String())

	// 缺订单号拒绝。
	req = httptest.NewRequest(http.MethodPost, "/api/pay/notify/alipay", bytes.NewBufferString(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
