package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"invbox/internal/config"
	"invbox/internal/ledger"
	"invbox/internal/model"
	"invbox/internal/notify"
	"invbox/internal/order"
	"invbox/internal/pay"
	"invbox/internal/router"
	"invbox/internal/scheduler"
	"invbox/internal/stock"
	"invbox/pkg/lock"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// 1. SQLite + 自动建表
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	// 2. Redis：调度互斥锁 + 接口限流
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	locker := lock.NewRedisLocker(rdb)

	// 3. Kafka 设备事件通知
	notifier := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer notifier.Close()

	// 4. 业务组件
	ldg := ledger.New(db)
	stockMgr := stock.NewManager(db, notifier)
	payMgr := buildPayManager(cfg, db, ldg)
	engine := order.NewEngine(db, payMgr, stockMgr, order.Config{
		PayWaitTimeout: cfg.PayWaitTimeout,
		DeliverTimeout: cfg.DeliverTimeout,
		GatewayTimeout: cfg.GatewayTimeout,
	})

	// 5. 后台调度：订单扫描 + 每日对账
	sweep := scheduler.NewIntervalTrigger("order-sweep", cfg.SweepInterval, locker, engine.Sweep)
	sweep.Start()

	daily, err := scheduler.NewCronTrigger("daily-report", cfg.DailyCronSpec, locker, dailyReport(db))
	if err != nil {
		log.Fatalf("daily cron: %v", err)
	}
	daily.Start()

	// 6. HTTP
	r := gin.Default()
	router.Setup(r, router.Deps{
		DB:     db,
		RDB:    rdb,
		Engine: engine,
		Pay:    payMgr,
		Ledger: ldg,
		Stock:  stockMgr,
		Cfg:    cfg,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()
	log.Printf("listening on %s", cfg.HTTPAddr)

	// 7. 优雅退出：先停调度（等在途扫描收尾），再关 HTTP
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("shutting down")

	sweep.Stop()
	daily.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

// buildPayManager 按配置注册可用的支付方式。
// 网关参数不全时对应方式不注册，下单接口自然拒绝。
func buildPayManager(cfg config.AppConfig, db *gorm.DB, ldg *ledger.Ledger) *pay.Manager {
	mgr := pay.NewManager()

	if cfg.WXConfigured() {
		wx, err := pay.NewWXPay(pay.WXPayConfig{
			AppID:     cfg.WXAppID,
			MchID:     cfg.WXMchID,
			APIKey:    cfg.WXAPIKey,
			CertFile:  cfg.WXCertFile,
			KeyFile:   cfg.WXKeyFile,
			Timeout:   cfg.GatewayTimeout,
			PayExpire: cfg.PayExpire,
		})
		if err != nil {
			log.Fatalf("wxpay init: %v", err)
		}
		mgr.Register(model.PayTypeWX, wx)
	} else {
		log.Printf("wxpay not configured, skipped")
	}

	if cfg.AliConfigured() {
		ali, err := pay.NewAliPay(pay.AliPayConfig{
			AppID:          cfg.AliAppID,
			PrivateKeyFile: cfg.AliPrivateKeyFile,
			GatewayURL:     cfg.AliGatewayURL,
			Timeout:        cfg.GatewayTimeout,
			PayExpire:      cfg.PayExpire,
		})
		if err != nil {
			log.Fatalf("alipay init: %v", err)
		}
		mgr.Register(model.PayTypeAlipay, ali)
	} else {
		log.Printf("alipay not configured, skipped")
	}

	mgr.Register(model.PayTypeRedeem, pay.NewRedeemPay(db, ldg))
	mgr.Register(model.PayTypeVoice, pay.NewVoicePay(db, ldg))
	return mgr
}

// dailyReport 每日运营日报：昨日订单按状态计数 + 实收金额。
func dailyReport(db *gorm.DB) scheduler.Handler {
	return func(ctx context.Context) {
		end := time.Now().Truncate(24 * time.Hour)
		start := end.Add(-24 * time.Hour)

		type row struct {
			Status model.OrderStatus
			Count  int64
		}
		var rows []row
		if err := db.WithContext(ctx).Model(&model.Order{}).
			Select("status, COUNT(*) AS count").
			Where("created_at >= ? AND created_at < ?", start, end).
			Group("status").Scan(&rows).Error; err != nil {
			log.Printf("[daily] count orders: %v", err)
			return
		}

		var income int64
		if err := db.WithContext(ctx).Model(&model.Order{}).
			Select("COALESCE(SUM(pay_money - refund_money), 0)").
			Where("created_at >= ? AND created_at < ? AND pay_status <> ?",
				start, end, model.PayUnpay).
			Scan(&income).Error; err != nil {
			log.Printf("[daily] sum income: %v", err)
			return
		}

		log.Printf("[daily] %s 订单日报 实收%d分", start.Format("2006-01-02"), income)
		for _, r := range rows {
			log.Printf("[daily]   status=%d count=%d", r.Status, r.Count)
		}
	}
}
