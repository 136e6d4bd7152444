package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	// Redis 仅用于集群协调（调度互斥锁）与接口限流
	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）与通知 Topic
	KafkaBrokers []string
	KafkaTopic   string

	// 后台订单扫描与每日对账
	SweepInterval  time.Duration
	DailyCronSpec  string
	PayWaitTimeout time.Duration // 创建后未支付关单阈值
	DeliverTimeout time.Duration // 支付后未出货退款阈值
	GatewayTimeout time.Duration // 单次支付网关调用上限

	// 下单接口限流（按设备号）
	OrderRateLimit  int
	OrderRateWindow time.Duration

	// 支付回调外网地址前缀，如 https://api.example.com
	NotifyBaseURL string

	// 微信支付商户参数；Cert/Key 未配置时退款不可用
	WXAppID    string
	WXMchID    string
	WXAPIKey   string
	WXCertFile string
	WXKeyFile  string

	// 支付宝开放平台参数
	AliAppID          string
	AliPrivateKeyFile string
	AliGatewayURL     string

	PayExpire time.Duration // 支付单有效时长
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		DBPath:            getEnv("DB_PATH", "invbox.db"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:           0,
		KafkaBrokers:      splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "invbox-device-events"),
		SweepInterval:     20 * time.Second,
		DailyCronSpec:     getEnv("DAILY_CRON_SPEC", "****-**-** 00:01:00"),
		PayWaitTimeout:    150 * time.Second,
		DeliverTimeout:    120 * time.Second,
		GatewayTimeout:    15 * time.Second,
		OrderRateLimit:    30,
		OrderRateWindow:   time.Minute,
		NotifyBaseURL:     getEnv("NOTIFY_BASE_URL", "http://localhost:8080"),
		WXAppID:           getEnv("WX_APP_ID", ""),
		WXMchID:           getEnv("WX_MCH_ID", ""),
		WXAPIKey:          getEnv("WX_API_KEY", ""),
		WXCertFile:        getEnv("WX_CERT_FILE", ""),
		WXKeyFile:         getEnv("WX_KEY_FILE", ""),
		AliAppID:          getEnv("ALI_APP_ID", ""),
		AliPrivateKeyFile: getEnv("ALI_PRIVATE_KEY_FILE", ""),
		AliGatewayURL:     getEnv("ALI_GATEWAY_URL", ""),
		PayExpire:         2 * time.Minute,
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	sweepSec, err := getEnvInt("SWEEP_INTERVAL_SEC", int(cfg.SweepInterval.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid SWEEP_INTERVAL_SEC: %w", err)
	}
	if sweepSec <= 0 {
		return AppConfig{}, fmt.Errorf("SWEEP_INTERVAL_SEC must be > 0")
	}
	cfg.SweepInterval = time.Duration(sweepSec) * time.Second

	payWaitSec, err := getEnvInt("PAY_WAIT_TIMEOUT_SEC", int(cfg.PayWaitTimeout.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid PAY_WAIT_TIMEOUT_SEC: %w", err)
	}
	if payWaitSec <= 0 {
		return AppConfig{}, fmt.Errorf("PAY_WAIT_TIMEOUT_SEC must be > 0")
	}
	cfg.PayWaitTimeout = time.Duration(payWaitSec) * time.Second

	deliverSec, err := getEnvInt("DELIVER_TIMEOUT_SEC", int(cfg.DeliverTimeout.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid DELIVER_TIMEOUT_SEC: %w", err)
	}
	if deliverSec <= 0 {
		return AppConfig{}, fmt.Errorf("DELIVER_TIMEOUT_SEC must be > 0")
	}
	cfg.DeliverTimeout = time.Duration(deliverSec) * time.Second

	gatewaySec, err := getEnvInt("GATEWAY_TIMEOUT_SEC", int(cfg.GatewayTimeout.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid GATEWAY_TIMEOUT_SEC: %w", err)
	}
	if gatewaySec <= 0 {
		return AppConfig{}, fmt.Errorf("GATEWAY_TIMEOUT_SEC must be > 0")
	}
	cfg.GatewayTimeout = time.Duration(gatewaySec) * time.Second

	rateLimit, err := getEnvInt("ORDER_RATE_LIMIT", cfg.OrderRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid ORDER_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("ORDER_RATE_LIMIT must be > 0")
	}
	cfg.OrderRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("ORDER_RATE_WINDOW_SEC", int(cfg.OrderRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid ORDER_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("ORDER_RATE_WINDOW_SEC must be > 0")
	}
	cfg.OrderRateWindow = time.Duration(rateWindowSec) * time.Second

	payExpireMin, err := getEnvInt("PAY_EXPIRE_MIN", int(cfg.PayExpire.Minutes()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid PAY_EXPIRE_MIN: %w", err)
	}
	if payExpireMin <= 0 {
		return AppConfig{}, fmt.Errorf("PAY_EXPIRE_MIN must be > 0")
	}
	cfg.PayExpire = time.Duration(payExpireMin) * time.Minute

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}

	return cfg, nil
}

// WXConfigured 微信支付参数是否齐全。
func (c AppConfig) WXConfigured() bool {
	return c.WXAppID != "" && c.WXMchID != "" && c.WXAPIKey != ""
}

// AliConfigured 支付宝参数是否齐全。
func (c AppConfig) AliConfigured() bool {
	return c.AliAppID != "" && c.AliPrivateKeyFile != ""
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
