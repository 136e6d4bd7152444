package pay

// 微信 Native 扫码支付。文档：https://pay.weixin.qq.com/wiki/doc/api/native.php
// 报文是扁平 XML，签名为参数按键排序拼接后 MD5。

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"invbox/internal/model"
)

const (
	wxUnifiedOrderURL = "https://api.mch.weixin.qq.com/pay/unifiedorder"
	wxOrderQueryURL   = "https://api.mch.weixin.qq.com/pay/orderquery"
	wxRefundURL       = "https://api.mch.weixin.qq.com/secapi/pay/refund"
	wxRefundQueryURL  = "https://api.mch.weixin.qq.com/pay/refundquery"
)

// WXPayConfig 微信支付商户参数。退款接口要求商户证书，
// Cert/Key 未配置时退款调用直接返回空结果。
type WXPayConfig struct {
	AppID     string
	MchID     string
	APIKey    string
	CertFile  string
	KeyFile   string
	Timeout   time.Duration // 网关调用超时
	PayExpire time.Duration // 支付单有效时长
}

type WXPay struct {
	cfg       WXPayConfig
	client    *http.Client
	secClient *http.Client // 带商户证书，仅退款使用
}

func NewWXPay(cfg WXPayConfig) (*WXPay, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	p := &WXPay{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load wxpay cert: %w", err)
		}
		p.secClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
			},
		}
	}
	return p, nil
}

// Precreate 统一下单。
func (p *WXPay) Precreate(ctx context.Context, orderNo string, price int64, notifyURL string, item ItemInfo, device DeviceInfo) (*PrecreateResult, error) {
	now := time.Now()
	biz := map[string]string{
		"device_info":      device.No,
		"body":             fmt.Sprintf("%s-%s", item.Name, device.No),
		"out_trade_no":     orderNo,
		"fee_type":         "CNY",
		"total_fee":        strconv.FormatInt(price, 10), // 单位分
		"spbill_create_ip": "127.0.0.1",
		"time_start":       now.Format("20060102150405"),
		"time_expire":      now.Add(p.cfg.PayExpire).Format("20060102150405"),
		"notify_url":       notifyURL,
		"trade_type":       "NATIVE",
		"product_id":       strconv.FormatUint(uint64(item.ID), 10),
	}

	data, err := p.post(ctx, p.client, wxUnifiedOrderURL, biz)
	if err != nil {
		return nil, err
	}
	if data["return_code"] != "SUCCESS" || data["result_code"] != "SUCCESS" {
		log.Printf("[wxpay] precreate fail. %v", data)
		return nil, nil
	}
	return &PrecreateResult{
		CodeURL:  data["code_url"],
		PrepayID: data["prepay_id"],
	}, nil
}

// QueryTrade 订单查询，远端状态映射到本地支付状态。
func (p *WXPay) QueryTrade(ctx context.Context, orderNo string) (*TradeInfo, error) {
	data, err := p.post(ctx, p.client, wxOrderQueryURL, map[string]string{
		"out_trade_no": orderNo,
	})
	if err != nil {
		return nil, err
	}
	if data["return_code"] != "SUCCESS" {
		return nil, nil
	}

	info := &TradeInfo{Buyer: data["openid"]}
	switch data["trade_state"] {
	case "SUCCESS":
		info.PayStatus = model.PayPaid
		fee, err := strconv.ParseInt(data["total_fee"], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad total_fee %q", data["total_fee"])
		}
		info.PayMoney = fee
	case "CLOSED", "REVOKED":
		info.PayStatus = model.PayClosed
	case "REFUND":
		info.PayStatus = model.PayRefund
		refund, err := p.queryRefund(ctx, orderNo)
		if err != nil {
			return nil, err
		}
		if refund == nil {
			return nil, nil
		}
		info.RefundMoney = refund.RefundMoney
	default:
		// NOTPAY/USERPAYING 等中间态不产生本地动作。
		return nil, nil
	}
	return info, nil
}

// Refund 申请退款。退款单号复用订单号，天然幂等。
func (p *WXPay) Refund(ctx context.Context, orderNo string, money int64) (*RefundResult, error) {
	if p.secClient == nil {
		log.Printf("[wxpay] refund skipped, merchant cert not configured")
		return nil, nil
	}

	data, err := p.post(ctx, p.secClient, wxRefundURL, map[string]string{
		"out_trade_no":  orderNo,
		"out_refund_no": orderNo,
		"total_fee":     strconv.FormatInt(money, 10),
		"refund_fee":    strconv.FormatInt(money, 10),
	})
	if err != nil {
		return nil, err
	}
	if data["return_code"] != "SUCCESS" || data["result_code"] != "SUCCESS" {
		log.Printf("[wxpay] refund fail. %v", data)
		return nil, nil
	}
	fee, err := strconv.ParseInt(data["refund_fee"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad refund_fee %q", data["refund_fee"])
	}
	return &RefundResult{RefundMoney: fee}, nil
}

func (p *WXPay) queryRefund(ctx context.Context, orderNo string) (*RefundResult, error) {
	data, err := p.post(ctx, p.client, wxRefundQueryURL, map[string]string{
		"out_trade_no": orderNo,
	})
	if err != nil {
		return nil, err
	}
	if data["return_code"] != "SUCCESS" {
		return nil, nil
	}
	fee, err := strconv.ParseInt(data["refund_fee_0"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad refund_fee_0 %q", data["refund_fee_0"])
	}
	return &RefundResult{RefundMoney: fee}, nil
}

// post 签名、编码 XML、请求并解包响应。
func (p *WXPay) post(ctx context.Context, client *http.Client, url string, biz map[string]string) (map[string]string, error) {
	params := p.sign(biz)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(dictToXML(params))))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wxpay request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("wxpay read body: %w", err)
	}
	return xmlToDict(body)
}

// sign 填公共参数并按键排序做 MD5 签名。
func (p *WXPay) sign(biz map[string]string) map[string]string {
	params := map[string]string{
		"appid":     p.cfg.AppID,
		"mch_id":    p.cfg.MchID,
		"nonce_str": fmt.Sprintf("%d%d", time.Now().UnixMilli(), 100+rand.Intn(900)),
		"sign_type": "MD5",
	}
	for k, v := range biz {
		params[k] = v
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte('&')
	}
	b.WriteString("key=")
	b.WriteString(p.cfg.APIKey)

	sum := md5.Sum([]byte(b.String()))
	params["sign"] = strings.ToUpper(hex.EncodeToString(sum[:]))
	return params
}

// dictToXML 编码微信的扁平 XML 报文；键排序保证输出稳定。
func dictToXML(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("<xml>")
	for _, k := range keys {
		b.WriteString("<" + k + ">")
		xml.EscapeText(&b, []byte(params[k]))
		b.WriteString("</" + k + ">")
	}
	b.WriteString("</xml>")
	return []byte(b.String())
}

// xmlToDict 解包 <xml><k>v</k>...</xml> 形式的扁平报文。
func xmlToDict(content []byte) (map[string]string, error) {
	dec := xml.NewDecoder(strings.NewReader(string(content)))
	out := make(map[string]string)

	depth := 0
	var field string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("wxpay parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				field = t.Name.Local
			}
		case xml.EndElement:
			depth--
			field = ""
		case xml.CharData:
			if depth == 2 && field != "" {
				out[field] += string(t)
			}
		}
	}
	return out, nil
}
