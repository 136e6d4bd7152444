package router

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strconv"

	"invbox/internal/config"
	"invbox/internal/ledger"
	"invbox/internal/middleware"
	"invbox/internal/model"
	"invbox/internal/order"
	"invbox/internal/pay"
	"invbox/internal/stock"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Deps 路由依赖，启动时一次性注入。
type Deps struct {
	DB     *gorm.DB
	RDB    *rd.Client
	Engine *order.Engine
	Pay    *pay.Manager
	Ledger *ledger.Ledger
	Stock  *stock.Manager
	Cfg    config.AppConfig
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	rateLimit := middleware.RedisRateLimit(d.RDB, d.Cfg.OrderRateLimit, d.Cfg.OrderRateWindow)

	// 订单
	r.POST("/api/orders", rateLimit, createOrder(d))
	r.GET("/api/orders/:no", getOrder(d))
	r.POST("/api/orders/:no/deliver", reportDeliver(d))

	// 支付回调
	r.POST("/api/pay/notify/wx", wxNotify(d))
	r.POST("/api/pay/notify/alipay", alipayNotify(d))

	// 兑换
	r.POST("/api/exchange/redeem", rateLimit, exchangeRedeem(d))
	r.POST("/api/exchange/voice", rateLimit, exchangeVoice(d))

	// 商品与设备管理
	r.GET("/api/items", listItems(d))
	r.POST("/api/items", createItem(d))
	r.GET("/api/devices", listDevices(d))
	r.POST("/api/devices", createDevice(d))
	r.POST("/api/devices/:no/roads", upsertRoad(d))
	r.POST("/api/roads/:id/supply", supplyRoad(d))
}

// loadRoad 按设备号+货道号取货道（带商品）。
func loadRoad(db *gorm.DB, deviceNo, roadNo string) (*model.Device, *model.Road, error) {
	var device model.Device
	if err := db.Where("no = ?", deviceNo).First(&device).Error; err != nil {
		return nil, nil, err
	}
	var road model.Road
	if err := db.Preload("Item").
		Where("device_id = ? AND no = ?", device.ID, roadNo).First(&road).Error; err != nil {
		return &device, nil, err
	}
	return &device, &road, nil
}

// createOrder 下单入口。
// 关键流程：
// 1. 校验货道：无故障、有商品、库存够
// 2. 创建订单（条件见订单引擎）
// 3. 第三方预下单，拿支付二维码；失败则立即关单
func createOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			DeviceNo string `json:"device_no" binding:"required"`
			RoadNo   string `json:"road_no" binding:"required"`
			PayType  int    `json:"pay_type" binding:"required"`
			Amount   int    `json:"amount" binding:"omitempty,min=1,max=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if req.Amount <= 0 {
			req.Amount = 1
		}

		payType := model.PayType(req.PayType)
		if payType != model.PayTypeWX && payType != model.PayTypeAlipay {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "不支持的支付方式"})
			return
		}

		device, road, err := loadRoad(d.DB, req.DeviceNo, req.RoadNo)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "设备或货道不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if road.Fault != model.FaultNone {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "货道故障，暂不可购买"})
			return
		}
		if road.ItemID == nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "货道未绑定商品"})
			return
		}
		if road.Amount < req.Amount {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "库存不足"})
			return
		}

		o, err := d.Engine.Create(road, req.Amount, payType)
		if err != nil {
			if errors.Is(err, order.ErrPriceInvalid) {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "金额异常"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		// 第三方预下单；失败直接关单，屏端重新下单即可。
		notifyURL := d.Cfg.NotifyBaseURL + "/api/pay/notify/wx"
		if payType == model.PayTypeAlipay {
			notifyURL = d.Cfg.NotifyBaseURL + "/api/pay/notify/alipay"
		}
		res, err := d.Pay.Precreate(c.Request.Context(), payType, o.No, o.Price, notifyURL,
			pay.ItemInfo{ID: road.Item.ID, Name: road.Item.Name},
			pay.DeviceInfo{ID: device.ID, No: device.No})
		if err != nil || res == nil {
			_ = d.Engine.PayInitFail(o)
			c.JSON(http.StatusBadGateway, gin.H{"code": 502, "msg": "支付下单失败，请重试"})
			return
		}
		if err := d.Engine.SetQRCodeURL(o, res.CodeURL); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		_ = d.Engine.PayInitOK(o)

		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
			"order_no":   o.No,
			"price":      o.Price,
			"qrcode_url": o.QRCodeURL,
		}})
	}
}

// getOrder 查询订单。屏端靠轮询该接口感知支付结果，
// 返回前先向网关刷新一次支付状态。
func getOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := d.Engine.Get(c.Param("no"))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "订单不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		if !o.Status.Terminal() {
			if err := d.Engine.RefreshPayStatus(c.Request.Context(), o); err != nil {
				// 网关抖动不拦住查询，返回当前本地状态。
				_ = c.Error(err)
			}
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": o})
	}
}

// reportDeliver 设备上报出货结果。只接受出货中的订单，
// 重复上报与状态不符一律拒绝。
func reportDeliver(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Success bool `json:"success"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		o, err := d.Engine.Get(c.Param("no"))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "订单不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if o.Status != model.OrderDelivering {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "订单不在出货中，拒绝上报"})
			return
		}

		if req.Success {
			err = d.Engine.DeliverSuccess(o)
		} else {
			err = d.Engine.DeliverFail(c.Request.Context(), o)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"status": o.Status}})
	}
}

// wxNotify 微信支付回调。回调内容不可信，只取订单号，
// 实际状态以主动查单为准。
func wxNotify(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusBadRequest, wxAck("FAIL"))
			return
		}
		var payload struct {
			OutTradeNo string `xml:"out_trade_no"`
		}
		if err := xml.Unmarshal(body, &payload); err != nil || payload.OutTradeNo == "" {
			c.String(http.StatusBadRequest, wxAck("FAIL"))
			return
		}

		if o, err := d.Engine.Get(payload.OutTradeNo); err == nil {
			_ = d.Engine.RefreshPayStatus(c.Request.Context(), o)
		}
		c.String(http.StatusOK, wxAck("SUCCESS"))
	}
}

func wxAck(code string) string {
	return "<xml><return_code><![CDATA[" + code + "]]></return_code></xml>"
}

// alipayNotify 支付宝回调，同样只当触发器用。
func alipayNotify(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderNo := c.PostForm("out_trade_no")
		if orderNo == "" {
			c.String(http.StatusBadRequest, "failure")
			return
		}
		if o, err := d.Engine.Get(orderNo); err == nil {
			_ = d.Engine.RefreshPayStatus(c.Request.Context(), o)
		}
		c.String(http.StatusOK, "success")
	}
}

// findRoadForItem 在设备上找一条有货的指定商品货道。
func findRoadForItem(db *gorm.DB, deviceID, itemID uint) (*model.Road, error) {
	var road model.Road
	err := db.Preload("Item").
		Where("device_id = ? AND item_id = ? AND amount > 0 AND fault = ?",
			deviceID, itemID, model.FaultNone).
		First(&road).Error
	if err != nil {
		return nil, err
	}
	return &road, nil
}

// exchangeRedeem 兑换码兑换：校验→消耗→建单→直接进入出货。
// 建单失败时归还兑换码。
func exchangeRedeem(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			DeviceNo string `json:"device_no" binding:"required"`
			Code     string `json:"code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		var device model.Device
		if err := d.DB.Where("no = ?", req.DeviceNo).First(&device).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "设备不存在"})
			return
		}

		redeem, err := d.Ledger.CheckAndGetRedeem(req.Code)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		road, err := findRoadForItem(d.DB, device.ID, redeem.Activity.ItemID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "该设备无此商品或已售罄"})
			return
		}

		ok, err := d.Ledger.CostRedeem(device.ID, redeem)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": ledger.ErrRedeemUsed.Error()})
			return
		}

		o, err := d.Engine.Create(road, 1, model.PayTypeRedeem)
		if err == nil {
			err = d.Engine.PaySuccess(o, 0, model.PayTypeRedeem, "", &redeem.ID, nil)
		}
		if err != nil {
			_, _ = d.Ledger.RevertRedeem(redeem)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
			"order_no": o.No,
			"road_no":  road.No,
			"status":   o.Status,
		}})
	}
}

// exchangeVoice 口令兑换，流程同兑换码；口令是共享的，
// 消耗体现为一条使用记录。
func exchangeVoice(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			DeviceNo string `json:"device_no" binding:"required"`
			Code     string `json:"code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		var device model.Device
		if err := d.DB.Where("no = ?", req.DeviceNo).First(&device).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "设备不存在"})
			return
		}

		avt, err := d.Ledger.CheckVoiceActivity(req.Code)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if avt == nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "无效兑换口令"})
			return
		}

		road, err := findRoadForItem(d.DB, device.ID, avt.ItemID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "该设备无此商品或已售罄"})
			return
		}

		use, err := d.Ledger.CostVoiceCode(nil, device.ID, avt)
		if err != nil {
			if errors.Is(err, ledger.ErrVoiceLimit) {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		o, err := d.Engine.Create(road, 1, model.PayTypeVoice)
		if err == nil {
			err = d.Engine.PaySuccess(o, 0, model.PayTypeVoice, "", nil, &use.ID)
		}
		if err != nil {
			_ = d.Ledger.RevertVoiceCode(use.ID)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
			"order_no": o.No,
			"road_no":  road.No,
			"status":   o.Status,
		}})
	}
}

// listItems 查询商品列表。
func listItems(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var list []model.Item
		if err := d.DB.Find(&list).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// createItem 创建商品。
func createItem(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name       string `json:"name" binding:"required"`
			BasicPrice int64  `json:"basic_price" binding:"required,min=1"`
			CostPrice  int64  `json:"cost_price" binding:"omitempty,min=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		item := &model.Item{Name: req.Name, BasicPrice: req.BasicPrice, CostPrice: req.CostPrice}
		if err := d.DB.Create(item).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": item})
	}
}

// listDevices 查询设备列表（带货道与商品）。
func listDevices(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var list []model.Device
		if err := d.DB.Preload("Roads").Preload("Roads.Item").Find(&list).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// createDevice 登记设备。
func createDevice(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			No      string `json:"no" binding:"required"`
			Name    string `json:"name" binding:"required"`
			Address string `json:"address"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		device := &model.Device{No: req.No, Name: req.Name, Address: req.Address}
		if err := d.DB.Create(device).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": device})
	}
}

// upsertRoad 配置货道：绑定商品、容量与警戒线、定价。
func upsertRoad(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RoadNo     string `json:"road_no" binding:"required"`
			ItemID     *uint  `json:"item_id"`
			UpperLimit int    `json:"upper_limit" binding:"omitempty,min=1"`
			LowerLimit int    `json:"lower_limit" binding:"omitempty,min=0"`
			Price      int64  `json:"price" binding:"omitempty,min=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		var device model.Device
		if err := d.DB.Where("no = ?", c.Param("no")).First(&device).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "设备不存在"})
			return
		}

		var road model.Road
		err := d.DB.Where("device_id = ? AND no = ?", device.ID, req.RoadNo).First(&road).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			road = model.Road{No: req.RoadNo, DeviceID: device.ID, UpperLimit: 10}
		} else if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		road.ItemID = req.ItemID
		if req.UpperLimit > 0 {
			road.UpperLimit = req.UpperLimit
		}
		road.LowerLimit = req.LowerLimit
		road.Price = req.Price
		if err := d.DB.Save(&road).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": road})
	}
}

// supplyRoad 补货，封顶容量；缺货标记的重估在库存层完成。
func supplyRoad(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "货道ID无效"})
			return
		}
		var req struct {
			Amount int `json:"amount" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		if err := d.Stock.Incr(uint(id), req.Amount); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		var road model.Road
		if err := d.DB.First(&road, uint(id)).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": road})
	}
}
