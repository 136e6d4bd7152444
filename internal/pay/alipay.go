package pay

// 支付宝当面付（扫码）。文档：https://docs.open.alipay.com/194
// 请求是表单编码，sign_type 固定 RSA2（SHA256WithRSA）。

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"invbox/internal/model"
)

const alipayGatewayURL = "https://openapi.alipay.com/gateway.do"

// AliPayConfig 支付宝开放平台参数。PrivateKeyFile 是应用 RSA 私钥
// （PEM，PKCS#1 或 PKCS#8 均可）。
type AliPayConfig struct {
	AppID          string
	PrivateKeyFile string
	GatewayURL     string // 留空用生产网关
	Timeout        time.Duration
	PayExpire      time.Duration
}

type AliPay struct {
	cfg    AliPayConfig
	priKey *rsa.PrivateKey
	client *http.Client
}

func NewAliPay(cfg AliPayConfig) (*AliPay, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = alipayGatewayURL
	}

	raw, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read alipay private key: %w", err)
	}
	key, err := parseRSAPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse alipay private key: %w", err)
	}

	return &AliPay{
		cfg:    cfg,
		priKey: key,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Precreate 预下单，返回二维码链接。
func (p *AliPay) Precreate(ctx context.Context, orderNo string, price int64, notifyURL string, item ItemInfo, device DeviceInfo) (*PrecreateResult, error) {
	biz := map[string]any{
		"out_trade_no":    orderNo,
		"total_amount":    yuan(price),
		"subject":         fmt.Sprintf("%s-%s", item.Name, device.No),
		"terminal_id":     device.No,
		"timeout_express": fmt.Sprintf("%dm", int(p.cfg.PayExpire.Minutes())),
	}
	info, err := p.call(ctx, "alipay.trade.precreate", biz, notifyURL)
	if err != nil {
		return nil, err
	}
	if getString(info, "code") != "10000" {
		log.Printf("[alipay](%s) 支付宝订单创建失败 %v", orderNo, info)
		return nil, nil
	}
	return &PrecreateResult{CodeURL: getString(info, "qr_code")}, nil
}

// QueryTrade 交易查询。TRADE_CLOSED 可能是超时关闭也可能是全额
// 退款关闭，需要二次查退款单区分。
func (p *AliPay) QueryTrade(ctx context.Context, orderNo string) (*TradeInfo, error) {
	info, err := p.call(ctx, "alipay.trade.query", map[string]any{
		"out_trade_no": orderNo,
	}, "")
	if err != nil {
		return nil, err
	}
	if getString(info, "code") != "10000" {
		return nil, nil
	}

	out := &TradeInfo{Buyer: getString(info, "buyer_user_id")}
	switch getString(info, "trade_status") {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		out.PayStatus = model.PayPaid
		money, err := parseYuan(getString(info, "total_amount"))
		if err != nil {
			return nil, err
		}
		out.PayMoney = money
	case "TRADE_CLOSED":
		refund, err := p.queryRefund(ctx, orderNo)
		if err != nil {
			return nil, err
		}
		if refund != nil {
			out.PayStatus = model.PayRefund
			out.RefundMoney = refund.RefundMoney
		} else {
			out.PayStatus = model.PayClosed
		}
	default:
		// WAIT_BUYER_PAY 等中间态不产生本地动作。
		return nil, nil
	}
	return out, nil
}

// Refund 申请退款。
func (p *AliPay) Refund(ctx context.Context, orderNo string, money int64) (*RefundResult, error) {
	info, err := p.call(ctx, "alipay.trade.refund", map[string]any{
		"out_trade_no":  orderNo,
		"refund_amount": yuan(money),
	}, "")
	if err != nil {
		return nil, err
	}
	if getString(info, "code") != "10000" {
		log.Printf("[alipay](%s) 退款失败 %v", orderNo, info)
		return nil, nil
	}
	fee, err := parseYuan(getString(info, "refund_fee"))
	if err != nil {
		return nil, err
	}
	return &RefundResult{RefundMoney: fee}, nil
}

func (p *AliPay) queryRefund(ctx context.Context, orderNo string) (*RefundResult, error) {
	info, err := p.call(ctx, "alipay.trade.fastpay.refund.query", map[string]any{
		"out_trade_no":   orderNo,
		"out_request_no": orderNo,
	}, "")
	if err != nil {
		return nil, err
	}
	if getString(info, "code") != "10000" {
		return nil, nil
	}
	amount := getString(info, "refund_amount")
	if amount == "" {
		return nil, nil
	}
	fee, err := parseYuan(amount)
	if err != nil {
		return nil, err
	}
	return &RefundResult{RefundMoney: fee}, nil
}

// call 组参、签名、请求，并取出 <method>_response 节点。
func (p *AliPay) call(ctx context.Context, method string, biz map[string]any, notifyURL string) (map[string]any, error) {
	bizJSON, err := json.Marshal(biz)
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"app_id":      p.cfg.AppID,
		"method":      method,
		"charset":     "utf-8",
		"sign_type":   "RSA2",
		"timestamp":   time.Now().Format("2006-01-02 15:04:05"),
		"version":     "1.0",
		"biz_content": string(bizJSON),
	}
	if notifyURL != "" {
		params["notify_url"] = notifyURL
	}

	sign, err := p.sign(params)
	if err != nil {
		return nil, err
	}
	params["sign"] = sign

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.GatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alipay request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("alipay read body: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("alipay parse response: %w", err)
	}
	respKey := strings.ReplaceAll(method, ".", "_") + "_response"
	info, _ := data[respKey].(map[string]any)
	return info, nil
}

// sign 参数按键排序拼 k=v 串后 SHA256WithRSA 签名。
func (p *AliPay) sign(params map[string]string) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	digest := sha256.Sum256([]byte(strings.Join(pairs, "&")))

	sig, err := rsa.SignPKCS1v15(rand.Reader, p.priKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("alipay sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func parseRSAPrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no pem block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

func getString(info map[string]any, key string) string {
	if info == nil {
		return ""
	}
	s, _ := info[key].(string)
	return s
}

// yuan 分 → 元字符串，支付宝金额一律两位小数。
func yuan(cents int64) string {
	return strconv.FormatFloat(float64(cents)/100, 'f', 2, 64)
}

// parseYuan 元字符串 → 分。
func parseYuan(s string) (int64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q", s)
	}
	return int64(math.Round(f * 100)), nil
}
