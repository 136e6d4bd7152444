package lock

import "fmt"

// TimerLockKey 周期任务互斥锁键名，%s 为任务名。
func TimerLockKey(name string) string {
	return fmt.Sprintf("invbox:timerlock:%s", name)
}

// CronLockKey 定时任务互斥锁键名，%s 为任务名。
func CronLockKey(name string) string {
	return fmt.Sprintf("invbox:cronlock:%s", name)
}
