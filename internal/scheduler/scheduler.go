// Package scheduler 提供两类集群互斥触发器：
// 周期触发器与口令式 cron 触发器。同一个 tick 内整个集群最多
// 只有一个节点执行 handler，互斥由外部锁服务保证。
package scheduler

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"invbox/pkg/lock"
)

// Handler 触发器回调。ctx 在 Kill 时被取消，handler 应尽量尊重它。
type Handler func(ctx context.Context)

// cronLayout 是 cron 模式串与当前时间共用的定长格式。
const cronLayout = "2006-01-02 15:04:05"

// cronPollInterval 模式轮询间隔。锁 ttl 取 1s，保证同一个匹配秒内
// 集群只有一个节点触发。
const (
	cronPollInterval = 200 * time.Millisecond
	cronLockTTL      = time.Second
)

var cronPatternRe = regexp.MustCompile(`^[\d*]{4}-[\d*]{2}-[\d*]{2} [\d*]{2}:[\d*]{2}:[\d*]{2}$`)

// lifecycle 聚合 start/stop/kill 的公共管线。
// stop 等待循环与在途 handler 收尾；kill 直接取消 context 不等待。
type lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newLifecycle() lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	return lifecycle{
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// stop 置停止标记并等待当前迭代与在途 handler 结束。
func (l *lifecycle) stop() {
	l.once.Do(func() { close(l.stopCh) })
	<-l.doneCh
	l.wg.Wait()
	l.cancel()
}

// kill 立即中止，不等待任何在途工作。
func (l *lifecycle) kill() {
	l.once.Do(func() { close(l.stopCh) })
	l.cancel()
}

// stopping 报告是否应结束循环。
func (l *lifecycle) stopping() bool {
	select {
	case <-l.stopCh:
		return true
	case <-l.ctx.Done():
		return true
	default:
		return false
	}
}

// sleep 可被 stop/kill 打断的休眠；返回 false 表示应退出循环。
func (l *lifecycle) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-l.stopCh:
		return false
	case <-l.ctx.Done():
		return false
	}
}

// spawn 以 fire-and-forget 方式调用 handler；panic 被捕获记录，
// 不会影响触发循环。
func (l *lifecycle) spawn(name string, h Handler) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[scheduler](%s) handler panic: %v", name, r)
			}
		}()
		h(l.ctx)
	}()
}

// IntervalTrigger 周期触发器。每轮尝试抢占 ttl=interval 的锁：
// 赢家在整个周期内把其他节点挡在锁外，锁的过期本身就是节奏器；
// 输家只是廉价重试，不产生额外负载。
type IntervalTrigger struct {
	lifecycle

	name     string
	interval time.Duration
	locker   lock.Locker
	handler  Handler
}

func NewIntervalTrigger(name string, interval time.Duration, locker lock.Locker, handler Handler) *IntervalTrigger {
	return &IntervalTrigger{
		lifecycle: newLifecycle(),
		name:      name,
		interval:  interval,
		locker:    locker,
		handler:   handler,
	}
}

// Start 启动后台触发循环。
func (t *IntervalTrigger) Start() {
	log.Printf("[scheduler](%s) starting, interval=%s", t.name, t.interval)
	go t.run()
}

// Stop 优雅停止：等当前迭代与在途 handler 执行完再返回。
func (t *IntervalTrigger) Stop() {
	log.Printf("[scheduler](%s) stopping", t.name)
	t.stop()
}

// Kill 立即中止，不等待。
func (t *IntervalTrigger) Kill() {
	log.Printf("[scheduler](%s) killing", t.name)
	t.kill()
}

func (t *IntervalTrigger) run() {
	defer close(t.doneCh)

	for {
		if t.stopping() {
			return
		}

		ok, err := t.locker.Acquire(t.ctx, lock.TimerLockKey(t.name), t.interval)
		if err != nil {
			// 锁服务抖动不致命，下一轮继续抢。
			log.Printf("[scheduler](%s) acquire: %v", t.name, err)
		} else if ok {
			t.spawn(t.name, t.handler)
		}

		if !t.sleep(jitter()) {
			return
		}
	}
}

// jitter 100~500ms 随机休眠，错开各节点的抢锁时刻。
func jitter() time.Duration {
	return time.Duration(100+rand.Intn(401)) * time.Millisecond
}

// CronTrigger 口令式 cron 触发器。模式是定长的
// "YYYY-MM-DD HH:MM:SS"，其中任意单个字符可以是 * 表示通配。
// 注意通配是字符级而不是字段级，历史配置依赖该行为。
//
// 例：
//
//	NewCronTrigger("daily", "****-**-** 00:01:00", locker, h)  // 每天 00:01
//	NewCronTrigger("once", "2026-06-01 08:00:00", locker, h)   // 指定时刻
type CronTrigger struct {
	lifecycle

	name    string
	pattern string
	locker  lock.Locker
	handler Handler
}

func NewCronTrigger(name, pattern string, locker lock.Locker, handler Handler) (*CronTrigger, error) {
	if !cronPatternRe.MatchString(pattern) {
		return nil, fmt.Errorf("illegal cron pattern %q", pattern)
	}
	return &CronTrigger{
		lifecycle: newLifecycle(),
		name:      name,
		pattern:   pattern,
		locker:    locker,
		handler:   handler,
	}, nil
}

func (t *CronTrigger) Start() {
	log.Printf("[scheduler](%s) starting, pattern=%q", t.name, t.pattern)
	go t.run()
}

func (t *CronTrigger) Stop() {
	log.Printf("[scheduler](%s) stopping", t.name)
	t.stop()
}

func (t *CronTrigger) Kill() {
	log.Printf("[scheduler](%s) killing", t.name)
	t.kill()
}

func (t *CronTrigger) run() {
	defer close(t.doneCh)

	for {
		if t.stopping() {
			return
		}

		now := time.Now().Format(cronLayout)
		if !fuzzyEqual(now, t.pattern) {
			if !t.sleep(cronPollInterval) {
				return
			}
			continue
		}

		ok, err := t.locker.Acquire(t.ctx, lock.CronLockKey(t.name), cronLockTTL)
		if err != nil {
			log.Printf("[scheduler](%s) acquire: %v", t.name, err)
		} else if ok {
			t.spawn(t.name, t.handler)
		}

		if !t.sleep(cronPollInterval) {
			return
		}
	}
}

// fuzzyEqual 逐字符比较时间串与模式串，模式里的 * 匹配任意单字符。
// 长度不一致直接不匹配。
func fuzzyEqual(now, pattern string) bool {
	if len(now) != len(pattern) {
		return false
	}
	for i := 0; i < len(now); i++ {
		if pattern[i] != '*' && now[i] != pattern[i] {
			return false
		}
	}
	return true
}
