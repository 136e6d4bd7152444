package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	deviceNo := flag.String("device", "VM001", "device no")
	roadNo := flag.String("road", "1", "road no")
	seed := flag.Bool("seed", true, "create item/device/road and supply stock before test")

	// 并发下单参数：模拟屏端疯狂重试
	total := flag.Int("n", 100, "total order requests")
	concurrency := flag.Int("c", 20, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	if *seed {
		if err := seedData(client, *baseURL, *deviceNo, *roadNo); err != nil {
			panic(fmt.Sprintf("seed failed: %v", err))
		}
		fmt.Println("seed ok")
	}

	// 1) 并发下单：支付网关未配置时订单会创建后立即关闭，
	//    依然完整走一遍建单与状态机路径。
	fmt.Printf("start order test: device=%s road=%s n=%d concurrency=%d\n",
		*deviceNo, *roadNo, *total, *concurrency)
	results := runOrders(client, *baseURL, *deviceNo, *roadNo, *total, *concurrency)
	printSummary("orders", results)

	// 2) 限流测试：同一设备突发请求，观察 429 占比。
	fmt.Println("\nstart rate limit test: same device, 60 requests, concurrency 60")
	results2 := runOrders(client, *baseURL, *deviceNo, *roadNo, 60, 60)
	printSummary("rate_limit", results2)

	stock, err := getRoadStock(client, *baseURL, *deviceNo, *roadNo)
	if err != nil {
		fmt.Println("stock check err:", err)
	} else {
		fmt.Println("final road stock:", stock)
	}
}

// seedData 建商品、设备、货道并补满货。幂等：已存在的资源报错忽略。
func seedData(client *http.Client, baseURL, deviceNo, roadNo string) error {
	_ = doPOST(client, baseURL+"/api/items", map[string]any{
		"name":        "压测矿泉水",
		"basic_price": 500,
	})
	_ = doPOST(client, baseURL+"/api/devices", map[string]any{
		"no":   deviceNo,
		"name": "压测设备",
	})

	itemID, err := findItemID(client, baseURL, "压测矿泉水")
	if err != nil {
		return err
	}
	if err := doPOST(client, fmt.Sprintf("%s/api/devices/%s/roads", baseURL, deviceNo), map[string]any{
		"road_no":     roadNo,
		"item_id":     itemID,
		"upper_limit": 50,
	}); err != nil {
		return err
	}

	roadID, err := findRoadID(client, baseURL, deviceNo, roadNo)
	if err != nil {
		return err
	}
	return doPOST(client, fmt.Sprintf("%s/api/roads/%d/supply", baseURL, roadID), map[string]any{
		"amount": 50,
	})
}

func runOrders(client *http.Client, baseURL, deviceNo, roadNo string, total, concurrency int) []Result {
	type Req struct {
		DeviceNo string `json:"device_no"`
		RoadNo   string `json:"road_no"`
		PayType  int    `json:"pay_type"`
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			req := Req{DeviceNo: deviceNo, RoadNo: roadNo, PayType: 1}
			results[idx] = orderOnce(client, baseURL, req)
		}(i)
	}

	wg.Wait()
	return results
}

func orderOnce(client *http.Client, baseURL string, req any) Result {
	b, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest(http.MethodPost, baseURL+"/api/orders", bytes.NewReader(b))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(body)}
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 404, 429, 500, 502} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// doPOST 发送 JSON POST 请求。
func doPOST(client *http.Client, url string, body any) error {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		rb, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(rb))
	}
	return nil
}

type deviceView struct {
	No    string `json:"no"`
	Roads []struct {
		ID     uint   `json:"id"`
		No     string `json:"no"`
		Amount int    `json:"amount"`
	} `json:"roads"`
}

func listDevices(client *http.Client, baseURL string) ([]deviceView, error) {
	resp, err := client.Get(baseURL + "/api/devices")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Data []deviceView `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func findRoadID(client *http.Client, baseURL, deviceNo, roadNo string) (uint, error) {
	devices, err := listDevices(client, baseURL)
	if err != nil {
		return 0, err
	}
	for _, d := range devices {
		if d.No != deviceNo {
			continue
		}
		for _, r := range d.Roads {
			if r.No == roadNo {
				return r.ID, nil
			}
		}
	}
	return 0, fmt.Errorf("road %s/%s not found", deviceNo, roadNo)
}

// getRoadStock 压测后校验货道库存，确认没有越界扣减。
func getRoadStock(client *http.Client, baseURL, deviceNo, roadNo string) (int, error) {
	devices, err := listDevices(client, baseURL)
	if err != nil {
		return 0, err
	}
	for _, d := range devices {
		if d.No != deviceNo {
			continue
		}
		for _, r := range d.Roads {
			if r.No == roadNo {
				return r.Amount, nil
			}
		}
	}
	return 0, fmt.Errorf("road %s/%s not found", deviceNo, roadNo)
}

func findItemID(client *http.Client, baseURL, name string) (uint, error) {
	resp, err := client.Get(baseURL + "/api/items")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Data []struct {
			ID   uint   `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	for _, it := range out.Data {
		if it.Name == name {
			return it.ID, nil
		}
	}
	return 0, fmt.Errorf("item %q not found", name)
}
