package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gigorder/pkg/idgen"

	"github.com/go-redis/redis/v8"
)

var ErrLockFailed = errors.New("获取分布式锁失败")

// DistributedLock 基于 redis SET NX EX 的分布式锁
//
// value 标识持有者，释放时用 Lua 脚本校验后再删除，
// 避免持有超时后误删他人的锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，校验持有者后原子删除
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewSweepLock 后台扫描任务的选主锁
//
// 多实例部署时同一轮扫描只需要一个实例执行；抢不到锁的实例直接
// 跳过本轮。订单取消本身由 (status, version) CAS 保证正确性，
// 这把锁只为减少重复扫描的数据库压力。
func NewSweepLock(client *redis.Client, jobName string) *DistributedLock {
	key := fmt.Sprintf("job:lock:%s", jobName)
	value := fmt.Sprintf("%d", idgen.NextID())
	return NewDistributedLock(client, key, value, 25*time.Second)
}
