package repository

import (
	"context"
	"errors"
	"time"

	"gigorder/internal/model"

	"gorm.io/gorm"
)

var (
	ErrOrderNotFound      = errors.New("订单不存在")
	ErrInvalidStateChange = errors.New("订单状态不允许该操作")
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(order).Error
}

func (r *OrderRepository) GetByID(ctx context.Context, orderID int64) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// TransitionStatus 在 (status, version) 双重校验下推进状态机
//
// extra 携带随状态一起落库的字段（流水号、时间戳、截止时间等）。
// 0 行受影响意味着并发方已抢先改动，返回 ErrInvalidStateChange，
// 调用方据此放弃本次操作 —— 这就是用户取消与超时取消只有一个赢家的保证。
func (r *OrderRepository) TransitionStatus(ctx context.Context, tx *gorm.DB, orderID int64, fromStatus, toStatus string, version int, extra map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrInvalidStateChange
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status":  toStatus,
		"version": gorm.Expr("version + 1"),
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND status = ? AND version = ?", orderID, fromStatus, version).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidStateChange
	}
	return nil
}

// SetRefundTxn 回填退款流水号（取消已落库之后）
func (r *OrderRepository) SetRefundTxn(ctx context.Context, orderID int64, refundTxnNo string) error {
	return r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ?", orderID).
		Update("refund_txn_no", refundTxnNo).Error
}

// SetPaymentTxn 回填扣款流水号（对账任务补记用）
func (r *OrderRepository) SetPaymentTxn(ctx context.Context, orderID int64, paymentTxnNo string) error {
	return r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ?", orderID).
		Update("payment_txn_no", paymentTxnNo).Error
}

// GetExpiredOrders 查询已过自动取消截止时间的未接单订单
func (r *OrderRepository) GetExpiredOrders(ctx context.Context, now time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("status IN ? AND auto_cancel_at IS NOT NULL AND auto_cancel_at <= ?",
			[]string{model.OrderStatusPendingPayment, model.OrderStatusPendingAccept}, now).
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// GetOrdersForReconcile 查询需要对账的订单
//
// updatedBefore 留出在途请求的缓冲，避免把正在处理中的订单误判为状态分歧
func (r *OrderRepository) GetOrdersForReconcile(ctx context.Context, statuses []string, updatedBefore time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, updatedBefore).
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *OrderRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Order, int64, error) {
	var orders []*model.Order
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Order{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error

	return orders, total, err
}
