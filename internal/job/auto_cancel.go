package job

import (
	"context"
	"errors"
	"log"
	"time"

	"gigorder/internal/config"
	"gigorder/internal/infrastructure/lock"
	"gigorder/internal/repository"
	"gigorder/internal/service"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// AutoCancelJob 超时订单自动取消任务
//
// 截止时间是落库字段而不是内存定时器，进程重启后任务照常从数据库
// 推导"已超时"，不丢单。取消走与用户取消完全相同的 Cancel 路径，
// CAS 抢占保证同一订单在任务重叠运行或用户并发取消时只退一次款。
type AutoCancelJob struct {
	db           *gorm.DB
	redisClient  *redis.Client
	orderRepo    *repository.OrderRepository
	orderService *service.OrderService
	stopCh       chan struct{}
	interval     time.Duration
	batchSize    int
}

func NewAutoCancelJob(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, orderService *service.OrderService) *AutoCancelJob {
	interval := time.Duration(cfg.Business.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AutoCancelJob{
		db:           db,
		redisClient:  redisClient,
		orderRepo:    repository.NewOrderRepository(db),
		orderService: orderService,
		stopCh:       make(chan struct{}),
		interval:     interval,
		batchSize:    100,
	}
}

func (j *AutoCancelJob) Start(ctx context.Context) {
	log.Println("[AutoCancelJob] 超时订单自动取消任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[AutoCancelJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[AutoCancelJob] 任务停止")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

func (j *AutoCancelJob) Stop() {
	close(j.stopCh)
}

// Sweep 单次扫描。多实例部署时用 redis 锁选主，抢不到就跳过本轮；
// 正确性不依赖锁（Cancel 的 CAS 已经保证），锁只是避免无谓的空转。
func (j *AutoCancelJob) Sweep(ctx context.Context) {
	if j.redisClient != nil {
		sweepLock := lock.NewSweepLock(j.redisClient, "auto_cancel")
		ok, err := sweepLock.TryLock(ctx)
		if err != nil {
			log.Printf("[AutoCancelJob] 获取扫描锁失败: %v", err)
			return
		}
		if !ok {
			return
		}
		defer sweepLock.Unlock(ctx)
	}

	orders, err := j.orderRepo.GetExpiredOrders(ctx, time.Now(), j.batchSize)
	if err != nil {
		log.Printf("[AutoCancelJob] 查询超时订单失败: %v", err)
		return
	}

	if len(orders) == 0 {
		return
	}

	log.Printf("[AutoCancelJob] 发现 %d 个超时订单", len(orders))

	cancelledCount := 0
	for _, order := range orders {
		// 单个订单失败不影响本批其余订单，下一轮扫描会重试
		_, err := j.orderService.Cancel(ctx, order.ID, 0, service.CancelReasonExpired)
		if err != nil {
			if errors.Is(err, repository.ErrInvalidStateChange) {
				// 用户抢先取消或服务方刚接单，属正常竞争
				continue
			}
			log.Printf("[AutoCancelJob] 取消订单失败: orderID=%d, err=%v", order.ID, err)
			continue
		}
		cancelledCount++
		log.Printf("[AutoCancelJob] 订单已超时取消: orderID=%d, orderNo=%s, userID=%d",
			order.ID, order.OrderNo, order.UserID)
	}

	log.Printf("[AutoCancelJob] 本轮取消 %d 个超时订单", cancelledCount)
}
