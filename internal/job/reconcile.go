package job

import (
	"context"
	"log"
	"time"

	"gigorder/internal/config"
	"gigorder/internal/gateway"
	"gigorder/internal/infrastructure/lock"
	"gigorder/internal/model"
	"gigorder/internal/repository"
	"gigorder/internal/service"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// ReconcileJob 订单与钱包的状态对账任务
//
// 扫描订单状态蕴含的资金事实，与流水表比对，发现分歧后通过幂等的
// 支付网关重放缺失的那一步 —— 是检测修复循环，不是两阶段提交。
// 所有资金操作以 orderID 幂等，重放已完成的一步是空操作。
//
// 覆盖的分歧：
//  1. 已取消且曾扣款的订单缺成功退款流水 → 重放退款
//  2. 已支付状态（PENDING_ACCEPT 及之后）缺扣款流水号回填 → 补记
//  3. PENDING_PAYMENT 停留过久：有扣款流水 → 推进到 PENDING_ACCEPT；
//     没有且已过期 → 交给超时任务取消
type ReconcileJob struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	orderRepo   *repository.OrderRepository
	wallet      *service.WalletService
	paymentGate gateway.PaymentGateway
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	// 留给在途请求的缓冲，刚更新过的订单不参与对账
	settleDelay time.Duration
}

func NewReconcileJob(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, wallet *service.WalletService, paymentGate gateway.PaymentGateway) *ReconcileJob {
	interval := time.Duration(cfg.Business.ReconcileIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReconcileJob{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		orderRepo:   repository.NewOrderRepository(db),
		wallet:      wallet,
		paymentGate: paymentGate,
		stopCh:      make(chan struct{}),
		interval:    interval,
		batchSize:   50,
		settleDelay: 2 * time.Minute,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	log.Println("[ReconcileJob] 对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

// Run 单次对账。多实例部署时与超时任务一样用 redis 锁选主，
// 避免两个实例同时重放同一笔补偿；补偿本身仍以流水幂等兜底。
func (j *ReconcileJob) Run(ctx context.Context) {
	if j.redisClient != nil {
		runLock := lock.NewSweepLock(j.redisClient, "reconcile")
		ok, err := runLock.TryLock(ctx)
		if err != nil {
			log.Printf("[ReconcileJob] 获取对账锁失败: %v", err)
			return
		}
		if !ok {
			return
		}
		defer runLock.Unlock(ctx)
	}

	before := time.Now().Add(-j.settleDelay)

	j.reconcileCancelled(ctx, before)
	j.reconcilePaid(ctx, before)
	j.reconcilePendingPayment(ctx, before)
}

// reconcileCancelled 已取消订单：曾扣款则必须有退款流水
func (j *ReconcileJob) reconcileCancelled(ctx context.Context, before time.Time) {
	orders, err := j.orderRepo.GetOrdersForReconcile(ctx,
		[]string{model.OrderStatusCancelled}, before, j.batchSize)
	if err != nil {
		log.Printf("[ReconcileJob] 查询已取消订单失败: %v", err)
		return
	}

	for _, order := range orders {
		debit, err := j.wallet.FindTransaction(ctx, order.UserID, order.ID, model.TxnTypeDebit)
		if err != nil {
			log.Printf("[ReconcileJob] 查询扣款流水失败: orderID=%d, err=%v", order.ID, err)
			continue
		}
		if debit == nil {
			// 未扣款即取消，无需退款
			continue
		}

		refund, err := j.wallet.FindTransaction(ctx, order.UserID, order.ID, model.TxnTypeRefund)
		if err != nil {
			log.Printf("[ReconcileJob] 查询退款流水失败: orderID=%d, err=%v", order.ID, err)
			continue
		}
		if refund != nil {
			if order.RefundTxnNo == "" {
				// 退款已到账但订单上没回填流水号
				if err := j.orderRepo.SetRefundTxn(ctx, order.ID, refund.TransactionNo); err != nil {
					log.Printf("[ReconcileJob] 补记退款流水号失败: orderID=%d, err=%v", order.ID, err)
				}
			}
			continue
		}

		log.Printf("[ReconcileJob] 发现已取消但未退款的订单: orderID=%d, amount=%s",
			order.ID, order.TotalAmount.StringFixed(2))

		refundTxnNo, err := j.paymentGate.Credit(ctx, order.UserID, order.TotalAmount, order.ID)
		if err != nil {
			log.Printf("[ReconcileJob] 补偿退款失败: orderID=%d, err=%v", order.ID, err)
			continue
		}
		if err := j.orderRepo.SetRefundTxn(ctx, order.ID, refundTxnNo); err != nil {
			log.Printf("[ReconcileJob] 回填退款流水号失败: orderID=%d, err=%v", order.ID, err)
		}
		log.Printf("[ReconcileJob] 补偿退款成功: orderID=%d, refundTxnNo=%s", order.ID, refundTxnNo)
	}
}

// reconcilePaid 已支付状态的订单必须有扣款流水，缺流水号则补记
func (j *ReconcileJob) reconcilePaid(ctx context.Context, before time.Time) {
	orders, err := j.orderRepo.GetOrdersForReconcile(ctx, []string{
		model.OrderStatusPendingAccept,
		model.OrderStatusAccepted,
		model.OrderStatusInProgress,
		model.OrderStatusCompleted,
	}, before, j.batchSize)
	if err != nil {
		log.Printf("[ReconcileJob] 查询已支付订单失败: %v", err)
		return
	}

	for _, order := range orders {
		if order.PaymentTxnNo != "" {
			continue
		}
		debit, err := j.wallet.FindTransaction(ctx, order.UserID, order.ID, model.TxnTypeDebit)
		if err != nil {
			log.Printf("[ReconcileJob] 查询扣款流水失败: orderID=%d, err=%v", order.ID, err)
			continue
		}
		if debit != nil {
			if err := j.orderRepo.SetPaymentTxn(ctx, order.ID, debit.TransactionNo); err != nil {
				log.Printf("[ReconcileJob] 补记扣款流水号失败: orderID=%d, err=%v", order.ID, err)
			}
			continue
		}

		// 状态声称已支付但找不到扣款：重放扣款把账补平
		log.Printf("[ReconcileJob] 发现已支付状态但无扣款流水的订单: orderID=%d", order.ID)
		txnNo, err := j.paymentGate.Debit(ctx, order.UserID, order.TotalAmount, order.ID)
		if err != nil {
			log.Printf("[ReconcileJob] 补偿扣款失败: orderID=%d, err=%v", order.ID, err)
			continue
		}
		if err := j.orderRepo.SetPaymentTxn(ctx, order.ID, txnNo); err != nil {
			log.Printf("[ReconcileJob] 回填扣款流水号失败: orderID=%d, err=%v", order.ID, err)
		}
		log.Printf("[ReconcileJob] 补偿扣款成功: orderID=%d, txnNo=%s", order.ID, txnNo)
	}
}

// reconcilePendingPayment 扣款后状态推进丢失的订单
func (j *ReconcileJob) reconcilePendingPayment(ctx context.Context, before time.Time) {
	orders, err := j.orderRepo.GetOrdersForReconcile(ctx,
		[]string{model.OrderStatusPendingPayment}, before, j.batchSize)
	if err != nil {
		log.Printf("[ReconcileJob] 查询待支付订单失败: %v", err)
		return
	}

	for _, order := range orders {
		debit, err := j.wallet.FindTransaction(ctx, order.UserID, order.ID, model.TxnTypeDebit)
		if err != nil {
			log.Printf("[ReconcileJob] 查询扣款流水失败: orderID=%d, err=%v", order.ID, err)
			continue
		}
		if debit == nil {
			// 确实没扣款，超时后由 AutoCancelJob 取消
			continue
		}

		log.Printf("[ReconcileJob] 发现已扣款但状态未推进的订单: orderID=%d", order.ID)

		paidAt := debit.CreatedAt
		deadline := paidAt.Add(j.cfg.Business.AutoCancelWindow())
		err = j.orderRepo.TransitionStatus(ctx, nil, order.ID,
			model.OrderStatusPendingPayment, model.OrderStatusPendingAccept, order.Version,
			map[string]interface{}{
				"payment_txn_no": debit.TransactionNo,
				"paid_at":        &paidAt,
				"auto_cancel_at": &deadline,
			})
		if err != nil {
			log.Printf("[ReconcileJob] 补偿推进订单状态失败: orderID=%d, err=%v", order.ID, err)
			continue
		}
		log.Printf("[ReconcileJob] 订单状态已补偿为待接单: orderID=%d", order.ID)
	}
}
