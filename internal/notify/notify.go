// Package notify 是尽力而为的事件通知：缺货报警、补货事件等
// 发往 Kafka 供下游（短信、运维面板）消费。发送失败只记日志，
// 绝不影响核心状态。
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"invbox/internal/model"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// 事件类型。
const (
	EventStockout = "device_stockout" // 设备进入缺货状态
	EventLowStock = "road_low_stock"  // 某货道触达警戒库存
	EventSupply   = "road_supplied"   // 补货完成
)

// Event 写入 Kafka 的通知事件。
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	DeviceNo string    `json:"device_no"`
	RoadNo   string    `json:"road_no,omitempty"`
	Amount   int       `json:"amount,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier 通知协作方。实现必须是 fire-and-forget 语义。
type Notifier interface {
	NotifyStockout(device *model.Device)
	NotifyLowStock(device *model.Device, road *model.Road)
	NotifySupply(device *model.Device, road *model.Road, amount int)
}

// KafkaNotifier 把事件异步写入 Kafka。
type KafkaNotifier struct {
	w *kafka.Writer
}

// NewKafkaNotifier 创建通知生产者：
// - Hash + Key: 同一设备的事件尽量落到同一分区。
// - RequireAll + 重试: 控制丢消息的概率，但失败最终只记日志。
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Close 释放 writer 资源。
func (n *KafkaNotifier) Close() error { return n.w.Close() }

func (n *KafkaNotifier) NotifyStockout(device *model.Device) {
	n.publish(Event{Type: EventStockout, DeviceNo: device.No})
}

func (n *KafkaNotifier) NotifyLowStock(device *model.Device, road *model.Road) {
	n.publish(Event{Type: EventLowStock, DeviceNo: device.No, RoadNo: road.No, Amount: road.Amount})
}

func (n *KafkaNotifier) NotifySupply(device *model.Device, road *model.Road, amount int) {
	n.publish(Event{Type: EventSupply, DeviceNo: device.No, RoadNo: road.No, Amount: amount})
}

// publish 异步发送，设备号作为 Kafka key。
func (n *KafkaNotifier) publish(ev Event) {
	ev.ID = uuid.New().String()
	ev.At = time.Now()

	go func() {
		b, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[notify] marshal %s: %v", ev.Type, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.w.WriteMessages(ctx, kafka.Message{
			Key:   []byte(ev.DeviceNo),
			Value: b,
		}); err != nil {
			log.Printf("[notify] publish %s device=%s: %v", ev.Type, ev.DeviceNo, err)
		}
	}()
}

// Nop 丢弃所有通知，供测试与单机调试使用。
type Nop struct{}

func (Nop) NotifyStockout(*model.Device)                 {}
func (Nop) NotifyLowStock(*model.Device, *model.Road)    {}
func (Nop) NotifySupply(*model.Device, *model.Road, int) {}
