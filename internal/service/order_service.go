package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gigorder/internal/config"
	"gigorder/internal/gateway"
	"gigorder/internal/model"
	"gigorder/internal/pricing"
	"gigorder/internal/repository"
	"gigorder/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrAmountMismatch = errors.New("订单金额校验失败，请刷新后重试")

// CancelReasonExpired 超时任务取消订单时使用的原因
const CancelReasonExpired = "支付超时自动取消"

// OrderService 订单核心服务
//
// 下单链路：服务端重新计价并校验客户端金额 → 落库 CREATED →
// PENDING_PAYMENT → 经支付网关扣款 → PENDING_ACCEPT 并写入自动取消
// 截止时间。取消（用户或超时任务）先用 (status, version) CAS 抢占到
// CANCELLED，再走幂等退款 —— 抢占只有一个赢家，退款最多一笔。
type OrderService struct {
	db          *gorm.DB
	cfg         *config.Config
	pricer      *pricing.Engine
	orderRepo   *repository.OrderRepository
	txnRepo     *repository.TransactionRepository
	outboxRepo  *repository.OutboxRepository
	catalog     *CatalogService
	wallet      *WalletService
	paymentGate gateway.PaymentGateway
}

func NewOrderService(db *gorm.DB, cfg *config.Config, catalog *CatalogService, wallet *WalletService, paymentGate gateway.PaymentGateway) *OrderService {
	return &OrderService{
		db:          db,
		cfg:         cfg,
		pricer:      pricing.NewEngine(cfg.Business.FeeRate, cfg.Business.MaxQuantity),
		orderRepo:   repository.NewOrderRepository(db),
		txnRepo:     repository.NewTransactionRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		catalog:     catalog,
		wallet:      wallet,
		paymentGate: paymentGate,
	}
}

// ============================================================
// 预览
// ============================================================

// PreviewResult 下单预览数据
type PreviewResult struct {
	Provider    *model.Provider    `json:"provider"`
	Service     *model.ServiceItem `json:"service"`
	Quote       *pricing.Quote     `json:"preview"`
	UserBalance decimal.Decimal    `json:"user_balance"`
}

// Preview 下单预览，不产生任何状态
func (s *OrderService) Preview(ctx context.Context, userID, serviceID int64, quantity int) (*PreviewResult, error) {
	item, err := s.catalog.GetServiceItem(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	if quantity == 0 {
		quantity = item.DefaultQuantity
	}

	quote, err := s.quoteFor(item, quantity)
	if err != nil {
		return nil, err
	}

	provider, err := s.catalog.GetProvider(ctx, item.ProviderID)
	if err != nil {
		return nil, err
	}

	balance, err := s.wallet.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &PreviewResult{
		Provider:    provider,
		Service:     item,
		Quote:       quote,
		UserBalance: balance,
	}, nil
}

// UpdatePreview 调整数量后重新计价
func (s *OrderService) UpdatePreview(ctx context.Context, serviceID int64, quantity int) (*pricing.Quote, error) {
	item, err := s.catalog.GetServiceItem(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return s.quoteFor(item, quantity)
}

// quoteFor 计价前先做单服务的数量区间校验
func (s *OrderService) quoteFor(item *model.ServiceItem, quantity int) (*pricing.Quote, error) {
	if quantity < item.MinQuantity || quantity > item.MaxQuantity {
		return nil, pricing.ErrInvalidQuantity
	}
	return s.pricer.Compute(item.UnitPrice, quantity)
}

// ============================================================
// 下单
// ============================================================

// Create 创建订单并扣款
//
// clientTotal 是客户端展示给用户的总价，服务端重新计价比对，
// 不一致直接拒绝（防篡改），订单不落库、钱包不动账。
func (s *OrderService) Create(ctx context.Context, userID, serviceID int64, quantity int, clientTotal decimal.Decimal) (*model.Order, error) {
	item, err := s.catalog.GetServiceItem(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	quote, err := s.quoteFor(item, quantity)
	if err != nil {
		return nil, err
	}

	if !clientTotal.Equal(quote.Total) {
		return nil, ErrAmountMismatch
	}

	now := time.Now()
	autoCancelAt := now.Add(s.cfg.Business.AutoCancelWindow())

	order := &model.Order{
		OrderNo:      idgen.GenerateOrderNo(),
		UserID:       userID,
		ProviderID:   item.ProviderID,
		ServiceID:    item.ID,
		Quantity:     quote.Quantity,
		UnitPrice:    quote.UnitPrice,
		Subtotal:     quote.Subtotal,
		FeeRate:      quote.FeeRate,
		ServiceFee:   quote.ServiceFee,
		TotalAmount:  quote.Total,
		Status:       model.OrderStatusCreated,
		AutoCancelAt: &autoCancelAt,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.Create(ctx, tx, order); err != nil {
			return fmt.Errorf("创建订单失败: %w", err)
		}
		return s.orderRepo.TransitionStatus(ctx, tx, order.ID,
			model.OrderStatusCreated, model.OrderStatusPendingPayment, order.Version, nil)
	})
	if err != nil {
		return nil, err
	}
	order.Status = model.OrderStatusPendingPayment
	order.Version++

	txnNo, err := s.paymentGate.Debit(ctx, userID, quote.Total, order.ID)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) || errors.Is(err, repository.ErrWalletNotFound) {
			// 业务性失败：订单直接取消，不存在中间状态
			s.cancelAfterFailedPayment(ctx, order, "余额不足")
			return nil, err
		}
		// 瞬时失败重试耗尽：订单停留在 PENDING_PAYMENT，
		// 用户可主动取消，超时任务也会兜底清理
		log.Printf("[OrderService] 扣款失败: orderID=%d, err=%v", order.ID, err)
		return nil, err
	}

	paidAt := time.Now()
	deadline := paidAt.Add(s.cfg.Business.AutoCancelWindow())
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.TransitionStatus(ctx, tx, order.ID,
			model.OrderStatusPendingPayment, model.OrderStatusPendingAccept, order.Version,
			map[string]interface{}{
				"payment_txn_no": txnNo,
				"paid_at":        &paidAt,
				"auto_cancel_at": &deadline,
			}); err != nil {
			return err
		}
		return s.writeOrderEvent(ctx, tx, order, model.OrderEventPaid, map[string]interface{}{
			"payment_txn_no": txnNo,
		})
	})
	if err != nil {
		// 扣款已成功但状态推进失败（如并发取消抢先）。
		// 流水以 orderID 幂等可查，对账任务会补齐退款或状态。
		log.Printf("[OrderService] 扣款成功但订单状态推进失败: orderID=%d, txnNo=%s, err=%v",
			order.ID, txnNo, err)
		return nil, err
	}

	return s.orderRepo.GetByID(ctx, order.ID)
}

// cancelAfterFailedPayment 扣款业务失败后的就地取消，失败只记日志（超时任务兜底）
func (s *OrderService) cancelAfterFailedPayment(ctx context.Context, order *model.Order, reason string) {
	now := time.Now()
	err := s.orderRepo.TransitionStatus(ctx, nil, order.ID,
		model.OrderStatusPendingPayment, model.OrderStatusCancelled, order.Version,
		map[string]interface{}{
			"cancel_reason":  reason,
			"cancelled_at":   &now,
			"auto_cancel_at": nil,
		})
	if err != nil {
		log.Printf("[OrderService] 扣款失败后取消订单失败: orderID=%d, err=%v", order.ID, err)
	}
}

// ============================================================
// 取消与退款
// ============================================================

// CancelResult 取消结果
type CancelResult struct {
	Order        *model.Order    `json:"order"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Balance      decimal.Decimal `json:"balance"`
}

// Cancel 取消订单并退款
//
// userID 为发起方（0 表示系统任务）。用户取消和超时取消走同一条路径，
// 并发时 (status, version) CAS 保证恰好一个赢家、恰好一笔退款。
func (s *OrderService) Cancel(ctx context.Context, orderID, userID int64, reason string) (*CancelResult, error) {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID != 0 && order.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}
	if !order.Cancellable() {
		return nil, repository.ErrInvalidStateChange
	}

	now := time.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.TransitionStatus(ctx, tx, order.ID,
			order.Status, model.OrderStatusCancelled, order.Version,
			map[string]interface{}{
				"cancel_reason":  reason,
				"cancelled_at":   &now,
				"auto_cancel_at": nil,
			}); err != nil {
			return err
		}
		return s.writeOrderEvent(ctx, tx, order, model.OrderEventCancelled, map[string]interface{}{
			"reason": reason,
		})
	})
	if err != nil {
		// 并发取消输掉了抢占，或状态已被推进
		return nil, err
	}

	refundAmount := decimal.Zero
	if s.orderDebited(ctx, order) {
		refundTxnNo, refundErr := s.paymentGate.Credit(ctx, order.UserID, order.TotalAmount, order.ID)
		if refundErr != nil {
			// 取消已生效，退款由对账任务按幂等键补偿重放
			log.Printf("[OrderService] 退款暂未到账，等待对账补偿: orderID=%d, err=%v", order.ID, refundErr)
		} else {
			refundAmount = order.TotalAmount
			if err := s.orderRepo.SetRefundTxn(ctx, order.ID, refundTxnNo); err != nil {
				log.Printf("[OrderService] 回填退款流水号失败: orderID=%d, err=%v", order.ID, err)
			}
			if err := s.writeOrderEvent(ctx, nil, order, model.OrderEventRefunded, map[string]interface{}{
				"refund_txn_no": refundTxnNo,
			}); err != nil {
				log.Printf("[OrderService] 写入退款事件失败: orderID=%d, err=%v", order.ID, err)
			}
		}
	}

	balance, err := s.wallet.GetBalance(ctx, order.UserID)
	if err != nil {
		return nil, err
	}

	cancelled, err := s.orderRepo.GetByID(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	return &CancelResult{
		Order:        cancelled,
		RefundAmount: refundAmount,
		Balance:      balance,
	}, nil
}

// orderDebited 是否已有成功扣款（以流水为准，PaymentTxnNo 可能因补偿缺口缺失）
func (s *OrderService) orderDebited(ctx context.Context, order *model.Order) bool {
	if order.PaymentTxnNo != "" {
		return true
	}
	txn, err := s.txnRepo.GetSuccessByOrderAndType(ctx, nil, order.UserID, order.ID, model.TxnTypeDebit)
	if err != nil {
		log.Printf("[OrderService] 查询扣款流水失败: orderID=%d, err=%v", order.ID, err)
		return false
	}
	return txn != nil
}

// ============================================================
// 服务方动作
// ============================================================

// Accept 服务方接单，清除自动取消截止时间
func (s *OrderService) Accept(ctx context.Context, orderID, providerID int64) error {
	return s.providerTransition(ctx, orderID, providerID,
		model.OrderStatusPendingAccept, model.OrderStatusAccepted,
		map[string]interface{}{"auto_cancel_at": nil}, "")
}

// Start 开始服务
func (s *OrderService) Start(ctx context.Context, orderID, providerID int64) error {
	return s.providerTransition(ctx, orderID, providerID,
		model.OrderStatusAccepted, model.OrderStatusInProgress, nil, "")
}

// Complete 完成订单
func (s *OrderService) Complete(ctx context.Context, orderID, providerID int64) error {
	return s.providerTransition(ctx, orderID, providerID,
		model.OrderStatusInProgress, model.OrderStatusCompleted, nil, model.OrderEventCompleted)
}

func (s *OrderService) providerTransition(ctx context.Context, orderID, providerID int64, fromStatus, toStatus string, extra map[string]interface{}, event string) error {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if providerID != 0 && order.ProviderID != providerID {
		return repository.ErrOrderNotFound
	}
	if order.Status != fromStatus {
		return repository.ErrInvalidStateChange
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.TransitionStatus(ctx, tx, order.ID, fromStatus, toStatus, order.Version, extra); err != nil {
			return err
		}
		if event != "" {
			return s.writeOrderEvent(ctx, tx, order, event, nil)
		}
		return nil
	})
}

// ============================================================
// 查询
// ============================================================

// StatusView 订单状态视图
type StatusView struct {
	OrderID          int64    `json:"order_id"`
	Status           string   `json:"status"`
	StatusLabel      string   `json:"status_label"`
	AutoCancelOn     bool     `json:"auto_cancel_enabled"`
	RemainingSeconds int64    `json:"remaining_seconds"`
	Actions          []string `json:"actions"`
}

// GetStatus 查询订单状态及可执行动作
func (s *OrderService) GetStatus(ctx context.Context, orderID, userID int64) (*StatusView, error) {
	order, err := s.getVisibleOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		OrderID:     order.ID,
		Status:      order.Status,
		StatusLabel: model.StatusLabels[order.Status],
		Actions:     actionsFor(order),
	}

	if order.AutoCancelAt != nil && !order.IsTerminal() {
		view.AutoCancelOn = true
		remaining := int64(time.Until(*order.AutoCancelAt).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		view.RemainingSeconds = remaining
	}

	return view, nil
}

func actionsFor(order *model.Order) []string {
	switch order.Status {
	case model.OrderStatusCreated, model.OrderStatusPendingPayment, model.OrderStatusPendingAccept:
		return []string{"cancel"}
	case model.OrderStatusAccepted:
		return []string{"start"}
	case model.OrderStatusInProgress:
		return []string{"complete"}
	default:
		return []string{}
	}
}

// DetailResult 订单详情
type DetailResult struct {
	Order    *model.Order       `json:"order"`
	Provider *model.Provider    `json:"provider"`
	Service  *model.ServiceItem `json:"service"`
}

// GetDetail 查询订单详情（订单 + 服务方 + 服务信息）
func (s *OrderService) GetDetail(ctx context.Context, orderID, userID int64) (*DetailResult, error) {
	order, err := s.getVisibleOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	provider, err := s.catalog.GetProvider(ctx, order.ProviderID)
	if err != nil {
		return nil, err
	}

	item, err := s.catalog.GetServiceItem(ctx, order.ServiceID)
	if err != nil && !errors.Is(err, repository.ErrServiceNotFound) {
		return nil, err
	}

	return &DetailResult{
		Order:    order,
		Provider: provider,
		Service:  item,
	}, nil
}

// ListOrders 分页查询用户订单
func (s *OrderService) ListOrders(ctx context.Context, userID int64, page, pageSize int) ([]*model.Order, int64, error) {
	return s.orderRepo.ListByUserID(ctx, userID, page, pageSize)
}

// getVisibleOrder 鉴权查询：买家与服务方都可见
func (s *OrderService) getVisibleOrder(ctx context.Context, orderID, userID int64) (*model.Order, error) {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID != 0 && order.UserID != userID && order.ProviderID != userID {
		return nil, repository.ErrOrderNotFound
	}
	return order, nil
}

// ============================================================
// 订单事件
// ============================================================

// writeOrderEvent 在订单变更事务内写 outbox 事件
func (s *OrderService) writeOrderEvent(ctx context.Context, tx *gorm.DB, order *model.Order, event string, extra map[string]interface{}) error {
	payload := map[string]interface{}{
		"event":        event,
		"order_id":     order.ID,
		"order_no":     order.OrderNo,
		"user_id":      order.UserID,
		"provider_id":  order.ProviderID,
		"service_id":   order.ServiceID,
		"total_amount": order.TotalAmount.StringFixed(2),
		"occurred_at":  time.Now().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	payloadBytes, _ := json.Marshal(payload)

	msg := &model.OutboxMessage{
		MessageKey: order.OrderNo,
		Topic:      s.cfg.Kafka.Topic.OrderEvents,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	return s.outboxRepo.Create(ctx, tx, msg)
}
